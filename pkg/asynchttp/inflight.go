package asynchttp

import (
	"time"

	"github.com/asynchttp/dam/pkg/jobqueue"
)

// InflightEntry is the shared-registry record of one accepted, not
// yet terminal, request (the InflightEntry row).
type InflightEntry struct {
	RequestID    string
	EnqueuedAt   time.Time
	LastHeartbeat time.Time
	OwnerPID     string
	WorkerClass  string
	JobEnvelope  jobqueue.Envelope
	RetryCount   int
}

// Orphaned reports whether the entry's heartbeat is older than
// threshold as of now.
func (e InflightEntry) Orphaned(now time.Time, threshold time.Duration) bool {
	return now.Sub(e.LastHeartbeat) > threshold
}
