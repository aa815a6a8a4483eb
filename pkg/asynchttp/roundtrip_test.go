package asynchttp

import (
	"testing"
	"time"
)

func TestRequestRoundTrip(t *testing.T) {
	h := Headers{}
	h.Add("X-Trace-Id", "abc123")
	h.Add("Accept", "application/json")

	args := NewCallbackArgs(map[string]any{"webhook_id": "W", "index": float64(1)})

	req, err := NewRequest(MethodPost, "https://api.example.com/v1/chat", RequestOptions{
		Headers:           h,
		Body:              []byte(`{"hello":"world"}`),
		Timeout:           30 * time.Second,
		ConnectTimeout:    5 * time.Second,
		MaxRedirects:      3,
		CallbackClassName: "WebhookCallback",
		CallbackArgs:      args,
	})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	loaded, err := UnmarshalRequestHash(req.MarshalHash())
	if err != nil {
		t.Fatalf("UnmarshalRequestHash: %v", err)
	}

	if loaded.Method() != req.Method() || loaded.URL() != req.URL() {
		t.Fatalf("method/url mismatch: %+v vs %+v", loaded, req)
	}
	if string(loaded.Body()) != string(req.Body()) {
		t.Fatalf("body mismatch: %q vs %q", loaded.Body(), req.Body())
	}
	if loaded.Timeout() != req.Timeout() || loaded.ConnectTimeout() != req.ConnectTimeout() {
		t.Fatalf("timeout mismatch")
	}
	if !loaded.CallbackArgs().Equal(req.CallbackArgs()) {
		t.Fatalf("callback args mismatch: %+v vs %+v", loaded.CallbackArgs(), req.CallbackArgs())
	}
	if !loaded.Headers().Equal(req.Headers()) {
		t.Fatalf("headers mismatch")
	}
}

func TestRequestForbidsBodyOnGet(t *testing.T) {
	_, err := NewRequest(MethodGet, "https://example.com", RequestOptions{Body: []byte("x")})
	if err == nil {
		t.Fatalf("expected error for GET with body")
	}
}

func TestRequestRejectsRelativeURL(t *testing.T) {
	_, err := NewRequest(MethodGet, "/relative/path", RequestOptions{})
	if err == nil {
		t.Fatalf("expected error for relative url")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	h := Headers{}
	h.Add("Content-Type", "application/json")

	args := NewCallbackArgs(map[string]any{"webhook_id": "W", "index": float64(1)})

	resp, err := NewResponse(ResponseFields{
		Status:       200,
		Headers:      h,
		Body:         []byte(`{"ok":true}`),
		Protocol:     "HTTP/1.1",
		Duration:     120 * time.Millisecond,
		RequestID:    "req_123",
		URL:          "https://api.example.com/v1/chat",
		Method:       MethodPost,
		CallbackArgs: args,
		Redirects:    []string{"https://api.example.com/v1/chat/"},
	})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}

	loaded, err := UnmarshalResponseHash(resp.MarshalHash())
	if err != nil {
		t.Fatalf("UnmarshalResponseHash: %v", err)
	}

	if loaded.Status() != resp.Status() {
		t.Fatalf("status mismatch: %d vs %d", loaded.Status(), resp.Status())
	}
	if string(loaded.Body()) != string(resp.Body()) {
		t.Fatalf("body mismatch")
	}
	if len(loaded.Redirects()) != 1 || loaded.Redirects()[0] != resp.Redirects()[0] {
		t.Fatalf("redirects mismatch: %+v vs %+v", loaded.Redirects(), resp.Redirects())
	}
	if !loaded.CallbackArgs().Equal(resp.CallbackArgs()) {
		t.Fatalf("callback args mismatch")
	}
	if !resp.Success() || resp.ClientError() || resp.ServerError() {
		t.Fatalf("status classification wrong for 200")
	}
}

func TestResponseExternalBodyRoundTrip(t *testing.T) {
	resp, err := NewResponse(ResponseFields{
		Status: 200,
		Body:   []byte("a large blob"),
	})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}

	offloaded := resp.WithExternalBody(PayloadRef{Store: "default", Key: "blob-1"})
	h := offloaded.MarshalHash()

	if _, ok := h["body"]; ok {
		t.Fatalf("expected body to be omitted once externalized, got %v", h["body"])
	}
	ref, ok := h["$ref"].(map[string]any)
	if !ok {
		t.Fatalf("expected $ref entry, got %v", h["$ref"])
	}
	if ref["key"] != "blob-1" {
		t.Fatalf("unexpected ref key: %v", ref["key"])
	}

	loaded, err := UnmarshalResponseHash(h)
	if err != nil {
		t.Fatalf("UnmarshalResponseHash: %v", err)
	}
	if loaded.PayloadRef() == nil || loaded.PayloadRef().Key != "blob-1" {
		t.Fatalf("expected payload ref to survive round trip, got %+v", loaded.PayloadRef())
	}

	resolved := loaded.WithResolvedBody(resp.Body())
	if string(resolved.Body()) != string(resp.Body()) {
		t.Fatalf("resolved body mismatch: %q vs %q", resolved.Body(), resp.Body())
	}
	if resolved.PayloadRef() != nil {
		t.Fatalf("expected resolved response to clear payload ref")
	}
}

func TestErrorRoundTrip(t *testing.T) {
	args := NewCallbackArgs(map[string]any{"webhook_id": "W"})
	e := NewError(ErrorFields{
		ClassName: "Net::ReadTimeout",
		Message:   "read timeout after 100ms",
		ErrorType: ErrorTypeTimeout,
		Duration:  100 * time.Millisecond,
		RequestID: "req_456",
		URL:       "https://api.example.com/delay/5000",
		Method:    MethodGet,
		CallbackArgs: args,
	})

	loaded := UnmarshalErrorHash(e.MarshalHash())
	if loaded.ErrorType() != e.ErrorType() {
		t.Fatalf("error_type mismatch: %v vs %v", loaded.ErrorType(), e.ErrorType())
	}
	if loaded.Message() != e.Message() {
		t.Fatalf("message mismatch")
	}
	if !loaded.CallbackArgs().Equal(e.CallbackArgs()) {
		t.Fatalf("callback args mismatch")
	}
}

func TestHTTPErrorLoadDispatchesOnStatus(t *testing.T) {
	resp404, _ := NewResponse(ResponseFields{Status: 404})
	clientErr, err := NewHTTPError(resp404)
	if err != nil {
		t.Fatalf("NewHTTPError: %v", err)
	}
	loaded, err := LoadHTTPError(resp404.MarshalHash())
	if err != nil {
		t.Fatalf("LoadHTTPError: %v", err)
	}
	if _, ok := loaded.(ClientError); !ok {
		t.Fatalf("expected ClientError for 404, got %T", loaded)
	}
	if clientErr.(ClientError).Status() != 404 {
		t.Fatalf("unexpected status")
	}

	resp503, _ := NewResponse(ResponseFields{Status: 503})
	loaded, err = LoadHTTPError(resp503.MarshalHash())
	if err != nil {
		t.Fatalf("LoadHTTPError: %v", err)
	}
	if _, ok := loaded.(ServerError); !ok {
		t.Fatalf("expected ServerError for 503, got %T", loaded)
	}
}

func TestHTTPErrorRejectsNonErrorStatus(t *testing.T) {
	resp200, _ := NewResponse(ResponseFields{Status: 200})
	if _, err := NewHTTPError(resp200); err == nil {
		t.Fatalf("expected error constructing HttpError from a 200 response")
	}
}

func TestRedirectErrorLoadDispatchesOnErrorClass(t *testing.T) {
	redirects := []string{"https://a.example.com", "https://b.example.com"}

	tooMany := NewTooManyRedirectsError("https://b.example.com", MethodGet, "req_1", redirects)
	loaded, err := LoadRedirectError(tooMany.MarshalHash())
	if err != nil {
		t.Fatalf("LoadRedirectError: %v", err)
	}
	tm, ok := loaded.(TooManyRedirectsError)
	if !ok {
		t.Fatalf("expected TooManyRedirectsError, got %T", loaded)
	}
	if len(tm.Redirects()) != 2 || tm.Redirects()[0] != redirects[0] || tm.Redirects()[1] != redirects[1] {
		t.Fatalf("redirect order not preserved: %+v", tm.Redirects())
	}

	recursive := NewRecursiveRedirectError("https://a.example.com", MethodGet, "req_2", redirects)
	loaded, err = LoadRedirectError(recursive.MarshalHash())
	if err != nil {
		t.Fatalf("LoadRedirectError: %v", err)
	}
	if _, ok := loaded.(RecursiveRedirectError); !ok {
		t.Fatalf("expected RecursiveRedirectError, got %T", loaded)
	}
}

func TestCallbackArgsDualAccess(t *testing.T) {
	const webhookID CallbackArgKey = "webhook_id"
	args := NewCallbackArgs(map[string]any{"webhook_id": "W-1", "index": float64(2)})

	byString, ok := args.Get("webhook_id")
	if !ok || byString != "W-1" {
		t.Fatalf("string access failed: %v %v", byString, ok)
	}

	byKey, ok := args.GetKey(webhookID)
	if !ok || byKey != byString {
		t.Fatalf("key access mismatch: %v vs %v", byKey, byString)
	}
}
