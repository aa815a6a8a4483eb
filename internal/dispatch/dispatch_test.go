package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/asynchttp/dam/internal/config"
	"github.com/asynchttp/dam/internal/payloadstore/memstore"
	"github.com/asynchttp/dam/pkg/asynchttp"
)

type fakeCallback struct {
	gotResp asynchttp.Response
	gotErr  error
	called  string
}

func (f *fakeCallback) OnComplete(ctx context.Context, resp asynchttp.Response) error {
	f.gotResp = resp
	f.called = "complete"
	return nil
}

func (f *fakeCallback) OnError(ctx context.Context, err error) error {
	f.gotErr = err
	f.called = "error"
	return nil
}

func newTestResponse(t *testing.T, body []byte) asynchttp.Response {
	t.Helper()
	resp, err := asynchttp.NewResponse(asynchttp.ResponseFields{
		Status:   200,
		Protocol: "HTTP/1.1",
		Body:     body,
		URL:      "http://example.com",
		Method:   asynchttp.MethodGet,
	})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	return resp
}

// Execute resolving a $ref-backed response fetches the offloaded body
// from the named store and deletes it once the callback has run.
func TestExecuteResolvesPayloadRefAndUnstores(t *testing.T) {
	store := memstore.New("blobs")
	body := []byte("offloaded response body")
	key := store.GenerateKey()
	if err := store.Put(context.Background(), key, body, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	resp := newTestResponse(t, nil).WithExternalBody(asynchttp.PayloadRef{Store: "blobs", Key: key})
	hash := resp.MarshalHash()
	blob, err := json.Marshal(envelope{Payload: hash})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	cfg := &config.Config{}
	cfg.RegisterPayloadStore("blobs", store, true)

	registry := NewRegistry()
	cb := &fakeCallback{}
	registry.Register("my-callback", cb)

	d := New(cfg, registry)

	if err := d.Execute(context.Background(), []any{string(blob), ResultKindResponse, "my-callback"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if cb.called != "complete" {
		t.Fatalf("expected OnComplete to run, got %q", cb.called)
	}
	if string(cb.gotResp.Body()) != string(body) {
		t.Fatalf("resolved body = %q, want %q", cb.gotResp.Body(), body)
	}
	if cb.gotResp.PayloadRef() != nil {
		t.Fatalf("expected PayloadRef cleared once resolved")
	}

	if ok, err := store.Exists(context.Background(), key); err != nil {
		t.Fatalf("Exists: %v", err)
	} else if ok {
		t.Fatalf("expected offloaded payload to be deleted after dispatch")
	}
}

// Execute on a response with no $ref skips the store round trip
// entirely and still reaches OnComplete with the inline body intact.
func TestExecuteSkipsUnstoreWhenNoPayloadRef(t *testing.T) {
	body := []byte("inline body, never offloaded")
	resp := newTestResponse(t, body)
	blob, err := json.Marshal(envelope{Payload: resp.MarshalHash()})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	cfg := &config.Config{}
	registry := NewRegistry()
	cb := &fakeCallback{}
	registry.Register("inline-callback", cb)

	d := New(cfg, registry)
	if err := d.Execute(context.Background(), []any{string(blob), ResultKindResponse, "inline-callback"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if string(cb.gotResp.Body()) != string(body) {
		t.Fatalf("body = %q, want %q", cb.gotResp.Body(), body)
	}
}

// An unregistered callback class surfaces as ErrUnknownCallback rather
// than silently dropping the job.
func TestExecuteUnknownCallback(t *testing.T) {
	cfg := &config.Config{}
	d := New(cfg, NewRegistry())

	err := d.Execute(context.Background(), []any{"{}", ResultKindResponse, "nobody-registered"})
	if err == nil {
		t.Fatalf("expected error for unregistered callback class")
	}
	if _, ok := err.(*ErrUnknownCallback); !ok {
		t.Fatalf("expected *ErrUnknownCallback, got %T", err)
	}
}
