package localstore

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

// BatchWriterConfig tunes when a batch of queued writes gets flushed.
type BatchWriterConfig struct {
	MaxBatchSize      int
	ChannelBufferSize int
	FlushInterval     time.Duration
}

// DefaultBatchWriterConfig mirrors a prior pebbledb.BatchWriter
// defaults: flush every 1000 ops or every second, whichever comes
// first.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		MaxBatchSize:      1000,
		ChannelBufferSize: 100000,
		FlushInterval:     1 * time.Second,
	}
}

type writeOp struct {
	key    []byte
	value  []byte
	delete bool
}

// BatchWriter queues Set/Delete operations on a channel and commits
// them in batches from a single background goroutine, trading a
// little durability latency for much higher write throughput under
// bursty payload-store traffic.
type BatchWriter struct {
	db      *pebble.DB
	config  BatchWriterConfig
	opCh    chan writeOp
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool
}

// NewBatchWriter starts the background flusher goroutine.
func NewBatchWriter(db *pebble.DB, config BatchWriterConfig) *BatchWriter {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 1000
	}
	if config.ChannelBufferSize <= 0 {
		config.ChannelBufferSize = 100000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}

	bw := &BatchWriter{
		db:     db,
		config: config,
		opCh:   make(chan writeOp, config.ChannelBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go bw.flusher()
	return bw
}

// Set queues a Set operation.
func (bw *BatchWriter) Set(key, value []byte) {
	if bw.stopped.Load() {
		return
	}
	bw.opCh <- writeOp{key: key, value: value}
}

// Delete queues a Delete operation.
func (bw *BatchWriter) Delete(key []byte) {
	if bw.stopped.Load() {
		return
	}
	bw.opCh <- writeOp{key: key, delete: true}
}

// Close stops accepting new operations and waits for the flusher to
// drain and exit.
func (bw *BatchWriter) Close() error {
	if bw.stopped.Swap(true) {
		return nil
	}
	close(bw.stopCh)
	<-bw.doneCh
	return nil
}

func (bw *BatchWriter) flusher() {
	defer close(bw.doneCh)

	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	batch := bw.db.NewBatch()
	opCount := 0

	flush := func() {
		if opCount == 0 {
			return
		}
		_ = batch.Commit(pebble.Sync)
		batch.Close()
		batch = bw.db.NewBatch()
		opCount = 0
	}

	apply := func(op writeOp) {
		if op.delete {
			batch.Delete(op.key, nil)
		} else {
			batch.Set(op.key, op.value, nil)
		}
		opCount++
		if opCount >= bw.config.MaxBatchSize {
			flush()
		}
	}

	for {
		select {
		case op, ok := <-bw.opCh:
			if !ok {
				flush()
				batch.Close()
				return
			}
			apply(op)

		case <-ticker.C:
			flush()

		case <-bw.stopCh:
			for {
				select {
				case op, ok := <-bw.opCh:
					if !ok {
						flush()
						batch.Close()
						return
					}
					apply(op)
				default:
					flush()
					batch.Close()
					return
				}
			}
		}
	}
}
