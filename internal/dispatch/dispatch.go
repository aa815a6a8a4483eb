// Package dispatch implements the Callback dispatch: once
// a request terminates, serialize the terminal value (offloading an
// oversized body to the default payload store), push a CallbackJob
// onto the job queue, and — on the job-worker side, once that job
// runs — resolve the callback class, load the blob (fetching any
// external payload), run the host's global before-hooks, invoke
// OnComplete/OnError, then unstore the payload in a deferred cleanup.
//
// Grounded on internal/dispatcher.processRequest's status-transition-
// then-record shape (record outcome, then clear state) generalized
// from "write to a SQL row" to "push a queue job, fetch it back
// later".
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/asynchttp/dam/internal/config"
	"github.com/asynchttp/dam/internal/payloadstore"
	"github.com/asynchttp/dam/pkg/asynchttp"
	"github.com/asynchttp/dam/pkg/jobqueue"
)

// CallbackJobClass is the job class pushed for every terminal request,
// matching the "CallbackJob(result_blob, result_kind,
// callback_class_name)".
const CallbackJobClass = "CallbackJob"

// Result kinds, the second CallbackJob argument.
const (
	ResultKindResponse = "response"
	ResultKindError    = "error"
)

// errorKind discriminates which asynchttp error shape a ResultKindError
// blob carries, since the three error hash shapes (transport
// Error, HttpError-wrapped-Response, RedirectError) aren't otherwise
// self-describing without inspecting field presence. This is a
// dispatch-internal wire detail, not part of asynchttp's public
// MarshalHash/Load contract.
type errorKind string

const (
	errorKindTransport errorKind = "transport"
	errorKindHTTP      errorKind = "http"
	errorKindRedirect  errorKind = "redirect"
)

type envelope struct {
	ErrorKind errorKind      `json:"error_kind,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// Callback is the Go-native stand-in for "resolve callback_class_name
// to a class; instantiate" (step 1): a process-wide
// Registry maps names to instances of this interface, registered at
// init time by caller code, so no object reference — and no
// cross-process identity problem — ever has to cross the job queue
// ("Cyclic request/callback graph").
type Callback interface {
	OnComplete(ctx context.Context, resp asynchttp.Response) error
	OnError(ctx context.Context, err error) error
}

// Registry maps callback class names to instances.
type Registry struct {
	mu        sync.RWMutex
	callbacks map[string]Callback
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[string]Callback)}
}

// Register binds name to cb. Re-registering a name replaces it.
func (r *Registry) Register(name string, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[name] = cb
}

// Lookup resolves name, or reports false if nothing is registered.
func (r *Registry) Lookup(name string) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.callbacks[name]
	return cb, ok
}

// ErrUnknownCallback is returned when a CallbackJob names a class
// nothing registered.
type ErrUnknownCallback struct{ Name string }

func (e *ErrUnknownCallback) Error() string {
	return fmt.Sprintf("dispatch: no callback registered for class %q", e.Name)
}

// Dispatcher implements both halves of callback dispatch: Enqueue
// runs on the processor's reactor after a request terminates; Execute
// runs on an ordinary job worker once the resulting CallbackJob is
// popped.
type Dispatcher struct {
	cfg      *config.Config
	registry *Registry
}

// New builds a Dispatcher over cfg (for payload stores, threshold,
// and global hooks) and a callback Registry.
func New(cfg *config.Config, registry *Registry) *Dispatcher {
	return &Dispatcher{cfg: cfg, registry: registry}
}

// Enqueue serializes the terminal value for req — exactly one of resp
// or terminalErr is non-nil/non-zero — offloads an oversized response
// body to the default payload store, and pushes a CallbackJob via
// pusher. It removes nothing itself; callers (the processor) are
// responsible for clearing the inflight entry afterward — removing
// the registry entry is a distinct step from enqueuing the
// CallbackJob.
func (d *Dispatcher) Enqueue(ctx context.Context, pusher jobqueue.Pusher, req asynchttp.Request, resp *asynchttp.Response, terminalErr error) error {
	blob, kind, err := d.buildBlob(ctx, resp, terminalErr)
	if err != nil {
		return fmt.Errorf("dispatch: build blob: %w", err)
	}

	env := jobqueue.Envelope{
		Class: CallbackJobClass,
		Args:  []any{string(blob), kind, req.CallbackClassName()},
	}
	if err := pusher.Push(ctx, env); err != nil {
		return fmt.Errorf("dispatch: push callback job: %w", err)
	}
	return nil
}

func (d *Dispatcher) buildBlob(ctx context.Context, resp *asynchttp.Response, terminalErr error) ([]byte, string, error) {
	if terminalErr == nil {
		hash, err := d.maybeOffload(ctx, *resp)
		if err != nil {
			return nil, "", err
		}
		blob, err := json.Marshal(envelope{Payload: hash})
		return blob, ResultKindResponse, err
	}

	switch e := terminalErr.(type) {
	case asynchttp.ClientError:
		hash, err := d.maybeOffload(ctx, e.Response())
		if err != nil {
			return nil, "", err
		}
		blob, err := json.Marshal(envelope{ErrorKind: errorKindHTTP, Payload: hash})
		return blob, ResultKindError, err
	case asynchttp.ServerError:
		hash, err := d.maybeOffload(ctx, e.Response())
		if err != nil {
			return nil, "", err
		}
		blob, err := json.Marshal(envelope{ErrorKind: errorKindHTTP, Payload: hash})
		return blob, ResultKindError, err
	case asynchttp.TooManyRedirectsError:
		blob, err := json.Marshal(envelope{ErrorKind: errorKindRedirect, Payload: e.MarshalHash()})
		return blob, ResultKindError, err
	case asynchttp.RecursiveRedirectError:
		blob, err := json.Marshal(envelope{ErrorKind: errorKindRedirect, Payload: e.MarshalHash()})
		return blob, ResultKindError, err
	case asynchttp.Error:
		blob, err := json.Marshal(envelope{ErrorKind: errorKindTransport, Payload: e.MarshalHash()})
		return blob, ResultKindError, err
	default:
		return nil, "", fmt.Errorf("dispatch: unrecognized terminal error type %T", terminalErr)
	}
}

// maybeOffload replaces resp's body with a payload-store reference
// when its serialized hash exceeds PayloadStoreThreshold.
func (d *Dispatcher) maybeOffload(ctx context.Context, resp asynchttp.Response) (map[string]any, error) {
	hash := resp.MarshalHash()
	if d.cfg.PayloadStoreThreshold <= 0 || d.cfg.DefaultPayloadStore == "" {
		return hash, nil
	}

	raw, err := json.Marshal(hash)
	if err != nil {
		return nil, err
	}
	if len(raw) <= d.cfg.PayloadStoreThreshold {
		return hash, nil
	}

	store, ok := d.cfg.PayloadStores[d.cfg.DefaultPayloadStore]
	if !ok {
		return hash, nil
	}

	key := store.GenerateKey()
	if err := store.Put(ctx, key, resp.Body(), d.cfg.PayloadTTL); err != nil {
		return nil, fmt.Errorf("offload body to store %q: %w", store.Name(), err)
	}

	return resp.WithExternalBody(asynchttp.PayloadRef{Store: store.Name(), Key: key}).MarshalHash(), nil
}

// Execute runs one CallbackJob: args is exactly the (result_blob,
// result_kind, callback_class_name) triple Enqueue pushed. It is
// registered against the host job queue under CallbackJobClass.
func (d *Dispatcher) Execute(ctx context.Context, args []any) error {
	if len(args) != 3 {
		return fmt.Errorf("dispatch: CallbackJob expects 3 args, got %d", len(args))
	}
	blobStr, _ := args[0].(string)
	kind, _ := args[1].(string)
	className, _ := args[2].(string)

	cb, ok := d.registry.Lookup(className)
	if !ok {
		return &ErrUnknownCallback{Name: className}
	}

	var env envelope
	if err := json.Unmarshal([]byte(blobStr), &env); err != nil {
		return fmt.Errorf("dispatch: unmarshal callback blob: %w", err)
	}

	var unstoreRef *asynchttp.PayloadRef
	defer func() {
		if unstoreRef == nil {
			return
		}
		store, ok := d.cfg.PayloadStores[unstoreRef.Store]
		if !ok {
			return
		}
		// Idempotent: deleting an absent key is not an error
		// (step 5).
		_ = store.Delete(ctx, unstoreRef.Key)
	}()

	switch kind {
	case ResultKindResponse:
		resp, err := asynchttp.UnmarshalResponseHash(env.Payload)
		if err != nil {
			return fmt.Errorf("dispatch: unmarshal response: %w", err)
		}
		resp, unstoreRef, err = d.resolveRef(ctx, resp)
		if err != nil {
			return err
		}
		for _, h := range d.cfg.AfterCompletion {
			h(config.HookContext{Response: &resp})
		}
		return cb.OnComplete(ctx, resp)

	case ResultKindError:
		errVal, resolvedRef, err := d.loadError(ctx, env)
		if err != nil {
			return err
		}
		unstoreRef = resolvedRef
		for _, h := range d.cfg.AfterError {
			h(config.HookContext{Err: errVal})
		}
		return cb.OnError(ctx, errVal)

	default:
		return fmt.Errorf("dispatch: unknown result_kind %q", kind)
	}
}

func (d *Dispatcher) loadError(ctx context.Context, env envelope) (error, *asynchttp.PayloadRef, error) {
	switch env.ErrorKind {
	case errorKindHTTP:
		resp, err := asynchttp.UnmarshalResponseHash(env.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("dispatch: unmarshal http error response: %w", err)
		}
		resp, ref, err := d.resolveRef(ctx, resp)
		if err != nil {
			return nil, nil, err
		}
		httpErr, err := asynchttp.NewHTTPError(resp)
		if err != nil {
			return nil, nil, fmt.Errorf("dispatch: build http error: %w", err)
		}
		return httpErr, ref, nil
	case errorKindRedirect:
		redirectErr, err := asynchttp.LoadRedirectError(env.Payload)
		return redirectErr, nil, err
	default:
		return asynchttp.UnmarshalErrorHash(env.Payload), nil, nil
	}
}

// resolveRef fetches an externally stored body (property
// 6, "external storage transparency") and returns resp with the body
// restored, plus the ref so the caller's deferred unstore can clean
// it up.
func (d *Dispatcher) resolveRef(ctx context.Context, resp asynchttp.Response) (asynchttp.Response, *asynchttp.PayloadRef, error) {
	ref := resp.PayloadRef()
	if ref == nil {
		return resp, nil, nil
	}

	store, ok := d.cfg.PayloadStores[ref.Store]
	if !ok {
		return asynchttp.Response{}, nil, fmt.Errorf("dispatch: payload store %q not registered", ref.Store)
	}
	body, err := store.Get(ctx, ref.Key)
	if err != nil {
		if err == payloadstore.ErrNotFound {
			return asynchttp.Response{}, nil, fmt.Errorf("dispatch: payload %q/%q not found", ref.Store, ref.Key)
		}
		return asynchttp.Response{}, nil, fmt.Errorf("dispatch: fetch payload: %w", err)
	}

	return resp.WithResolvedBody(body), ref, nil
}
