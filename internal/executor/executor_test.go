package executor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/net/http2"

	"github.com/asynchttp/dam/pkg/asynchttp"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	e, err := New(Config{
		MaxHostClients:        8,
		IdleConnectionTimeout: time.Second,
		MaxResponseSize:       1 << 20,
		DialTimeout:           time.Second,
		DefaultTimeout:        2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustRequest(t *testing.T, method asynchttp.Method, url string, opts asynchttp.RequestOptions) asynchttp.Request {
	t.Helper()
	req, err := asynchttp.NewRequest(method, url, opts)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

// S2: a 4xx response is delivered as an ordinary Response, not an
// error — raising it is the processor's decision, gated on
// RaiseErrorResponses, not the executor's.
func TestDoReturnsResponseForClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not found"))
	}))
	defer srv.Close()

	e := newTestExecutor(t)
	req := mustRequest(t, asynchttp.MethodGet, srv.URL, asynchttp.RequestOptions{})

	resp, err := e.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: unexpected error %v", err)
	}
	if resp.Status() != 404 {
		t.Fatalf("expected status 404, got %d", resp.Status())
	}
	if !resp.ClientError() {
		t.Fatalf("expected ClientError classification for 404")
	}
}

// S3: the same 4xx Response, once RaiseErrorResponses is set on the
// Request, converts to a ClientError through asynchttp.NewHTTPError —
// the path the processor takes before delivering on_error.
func TestDoClientErrorCanBeRaised(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := newTestExecutor(t)
	req := mustRequest(t, asynchttp.MethodGet, srv.URL, asynchttp.RequestOptions{RaiseErrorResponses: true})

	resp, err := e.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: unexpected error %v", err)
	}
	if !req.RaiseErrorResponses() {
		t.Fatalf("expected RaiseErrorResponses to survive construction")
	}

	httpErr, convErr := asynchttp.NewHTTPError(resp)
	if convErr != nil {
		t.Fatalf("NewHTTPError: %v", convErr)
	}
	clientErr, ok := httpErr.(asynchttp.ClientError)
	if !ok {
		t.Fatalf("expected ClientError, got %T", httpErr)
	}
	if clientErr.Status() != 400 {
		t.Fatalf("unexpected status: %d", clientErr.Status())
	}
}

// S4: a server that never responds within the request's timeout
// classifies as ErrorTypeTimeout.
func TestDoTimesOut(t *testing.T) {
	block := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	// Deferred after srv.Close so it runs first and frees the handler.
	defer close(block)

	e := newTestExecutor(t)
	req := mustRequest(t, asynchttp.MethodGet, srv.URL, asynchttp.RequestOptions{Timeout: 50 * time.Millisecond})

	_, err := e.Do(context.Background(), req)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	transportErr, ok := err.(asynchttp.Error)
	if !ok {
		t.Fatalf("expected asynchttp.Error, got %T", err)
	}
	if transportErr.ErrorType() != asynchttp.ErrorTypeTimeout {
		t.Fatalf("expected ErrorTypeTimeout, got %s", transportErr.ErrorType())
	}
}

// S5: a closed port refuses the connection outright, classifying as
// ErrorTypeConnection.
func TestDoConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing is listening on addr anymore

	e := newTestExecutor(t)
	req := mustRequest(t, asynchttp.MethodGet, "http://"+addr+"/", asynchttp.RequestOptions{Timeout: time.Second})

	_, err = e.Do(context.Background(), req)
	if err == nil {
		t.Fatalf("expected connection error")
	}
	transportErr, ok := err.(asynchttp.Error)
	if !ok {
		t.Fatalf("expected asynchttp.Error, got %T", err)
	}
	if transportErr.ErrorType() != asynchttp.ErrorTypeConnection && transportErr.ErrorType() != asynchttp.ErrorTypeTimeout {
		t.Fatalf("expected ErrorTypeConnection (or a dial timeout), got %s", transportErr.ErrorType())
	}
}

// S9: many concurrent exchanges against the same host share the
// pooled HostClient without cross-talk or data races.
func TestDoConcurrentThroughput(t *testing.T) {
	var hits sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	e := newTestExecutor(t)

	const n = 50
	errCh := make(chan error, n)
	hits.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer hits.Done()
			req, err := asynchttp.NewRequest(asynchttp.MethodGet, srv.URL, asynchttp.RequestOptions{})
			if err != nil {
				errCh <- err
				return
			}
			resp, err := e.Do(context.Background(), req)
			if err != nil {
				errCh <- err
				return
			}
			if resp.Status() != 200 || string(resp.Body()) != "ok" {
				errCh <- fmt.Errorf("unexpected response: %d %q", resp.Status(), resp.Body())
			}
		}()
	}
	hits.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent Do failed: %v", err)
	}
}

// Testable Property 8: classify partitions every error it can
// plausibly see into exactly one ErrorType plus a matching class
// name, never leaving a recognizable failure mode as unknown.
func TestClassifyTypeTotality(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantType  asynchttp.ErrorType
		wantClass string
	}{
		{"context deadline", context.DeadlineExceeded, asynchttp.ErrorTypeTimeout, "TimeoutError"},
		{"fasthttp timeout", fasthttp.ErrTimeout, asynchttp.ErrorTypeTimeout, "TimeoutError"},
		{"fasthttp dial timeout", fasthttp.ErrDialTimeout, asynchttp.ErrorTypeTimeout, "TimeoutError"},
		{"net timeout", &net.DNSError{IsTimeout: true}, asynchttp.ErrorTypeTimeout, "TimeoutError"},
		{"tls record header", tls.RecordHeaderError{}, asynchttp.ErrorTypeSSL, "SSLError"},
		{"x509 invalid cert", x509.CertificateInvalidError{}, asynchttp.ErrorTypeSSL, "SSLError"},
		{"x509 unknown authority", x509.UnknownAuthorityError{}, asynchttp.ErrorTypeSSL, "SSLError"},
		{"x509 hostname", x509.HostnameError{}, asynchttp.ErrorTypeSSL, "SSLError"},
		{"body too large", fasthttp.ErrBodyTooLarge, asynchttp.ErrorTypeResponseTooLarge, "ResponseTooLargeError"},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, asynchttp.ErrorTypeConnection, "ConnectionError"},
		{"connection closed", fasthttp.ErrConnectionClosed, asynchttp.ErrorTypeConnection, "ConnectionError"},
		{"no free conns", fasthttp.ErrNoFreeConns, asynchttp.ErrorTypeConnection, "ConnectionError"},
		{"http2 stream error", http2.StreamError{StreamID: 1, Code: http2.ErrCodeProtocol}, asynchttp.ErrorTypeProtocol, "ProtocolError"},
		{"http2 goaway error", http2.GoAwayError{LastStreamID: 1, ErrCode: http2.ErrCodeProtocol, DebugData: "bad frame"}, asynchttp.ErrorTypeProtocol, "ProtocolError"},
		{"http2 connection error", http2.ConnectionError(http2.ErrCodeProtocol), asynchttp.ErrorTypeProtocol, "ProtocolError"},
		{"unrecognized", errors.New("something else entirely"), asynchttp.ErrorTypeUnknown, "UnknownError"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyType(tc.err); got != tc.wantType {
				t.Fatalf("classifyType(%v) = %s, want %s", tc.err, got, tc.wantType)
			}
			if got := classifyClassName(tc.err); got != tc.wantClass {
				t.Fatalf("classifyClassName(%v) = %s, want %s", tc.err, got, tc.wantClass)
			}
		})
	}
}
