// Package executor implements the HTTP Executor: the non-blocking
// wire-level client the processor delegates each task to. The client
// wiring below follows fasthttp's own documented idioms (HostClient
// pooling, MaxResponseBodySize); the surrounding shape — a
// Config-driven constructor, a per-host cache guarded by a mutex,
// classification-by-first-match — follows the usual convention of one
// small client type per outbound concern.
package executor

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/asynchttp/dam/pkg/asynchttp"
)

// Config is the subset of internal/config.Config the executor needs.
// Kept separate from the top-level Config so this package has no
// import-cycle dependency on internal/config.
type Config struct {
	MaxHostClients        int
	IdleConnectionTimeout time.Duration
	MaxResponseSize       int
	EnableHTTP2           bool
	ProxyURL              string
	// HostRateLimit caps outbound requests per host, in requests per
	// second. Zero disables limiting entirely.
	HostRateLimit float64
	// DialTimeout bounds the TCP/TLS handshake for a fresh connection.
	// fasthttp.HostClient pools connections per host, so this is a
	// shared approximation of each Request's connect_timeout rather
	// than a per-request value.
	DialTimeout time.Duration
	// DefaultTimeout bounds a Do call when the Request itself didn't
	// set one (asynchttp.RequestOptions.Timeout's zero value means
	// "use the processor's configured default", not "no timeout").
	DefaultTimeout time.Duration
}

// Executor issues one HTTP exchange at a time on behalf of the
// processor's per-task goroutine, following redirects and classifying
// failures into a small set of error kinds.
type Executor struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*fasthttp.HostClient
	order   []string // access order, most-recently-used at the end, for LRU eviction

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	proxyDialer fasthttp.DialFunc

	// http2Client is non-nil when cfg.EnableHTTP2 is set. fasthttp's
	// client speaks HTTP/1.1 only, so an HTTP/2 request is routed
	// through this net/http client instead, built on
	// golang.org/x/net/http2's Transport.
	http2Client *http.Client
}

// New builds an Executor from cfg.
func New(cfg Config) (*Executor, error) {
	if cfg.MaxHostClients <= 0 {
		return nil, fmt.Errorf("executor: max_host_clients must be positive")
	}

	e := &Executor{
		cfg:      cfg,
		clients:  make(map[string]*fasthttp.HostClient),
		limiters: make(map[string]*rate.Limiter),
	}

	if cfg.ProxyURL != "" {
		parsed, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("executor: invalid proxy_url: %w", err)
		}
		// fasthttpproxy expects "[user:pass@]host:port", not a full URL.
		proxyAddr := parsed.Host
		if parsed.User != nil {
			proxyAddr = parsed.User.String() + "@" + parsed.Host
		}
		e.proxyDialer = fasthttpproxy.FasthttpHTTPDialer(proxyAddr)
	}

	if cfg.EnableHTTP2 {
		e.http2Client = &http.Client{
			Transport: &http2.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		}
	}

	return e, nil
}

// hostLimiter returns the shared rate.Limiter for key, lazily creating
// one at cfg.HostRateLimit requests/sec with a burst of 1. Returns nil
// when rate limiting is disabled.
func (e *Executor) hostLimiter(key string) *rate.Limiter {
	if e.cfg.HostRateLimit <= 0 {
		return nil
	}
	e.limMu.Lock()
	defer e.limMu.Unlock()
	lim, ok := e.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(e.cfg.HostRateLimit), 1)
		e.limiters[key] = lim
	}
	return lim
}

// Do runs req to completion, following redirects, and returns either
// a Response, a RedirectError (TooManyRedirectsError /
// RecursiveRedirectError), or a classified transport Error.
func (e *Executor) Do(ctx context.Context, req asynchttp.Request) (asynchttp.Response, error) {
	start := time.Now()
	timeout := req.Timeout()
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	var overallDeadline time.Time
	if timeout > 0 {
		overallDeadline = start.Add(timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (overallDeadline.IsZero() || dl.Before(overallDeadline)) {
		overallDeadline = dl
	}

	currentURL := req.URL()
	currentMethod := req.Method()
	var redirectChain []string
	visited := make(map[string]bool)

	for {
		if visited[currentURL] {
			return asynchttp.Response{}, asynchttp.NewRecursiveRedirectError(currentURL, currentMethod, req.ID(), redirectChain)
		}
		visited[currentURL] = true

		status, headers, body, protocol, err := e.doOnce(ctx, currentMethod, currentURL, req, overallDeadline)
		if err != nil {
			return asynchttp.Response{}, e.classify(req, currentURL, currentMethod, start, err)
		}

		if isRedirectStatus(status) {
			location := headers.Get("Location")
			if location == "" {
				return asynchttp.Response{}, asynchttp.NewError(asynchttp.ErrorFields{
					ClassName:    "RedirectError",
					Message:      "redirect response missing Location header",
					ErrorType:    asynchttp.ErrorTypeRedirect,
					Duration:     time.Since(start),
					RequestID:    req.ID(),
					URL:          currentURL,
					Method:       currentMethod,
					CallbackArgs: req.CallbackArgs(),
				})
			}

			nextURL, err := resolveRedirect(currentURL, location)
			if err != nil {
				return asynchttp.Response{}, asynchttp.NewError(asynchttp.ErrorFields{
					ClassName:    "RedirectError",
					Message:      err.Error(),
					ErrorType:    asynchttp.ErrorTypeRedirect,
					Duration:     time.Since(start),
					RequestID:    req.ID(),
					URL:          currentURL,
					Method:       currentMethod,
					CallbackArgs: req.CallbackArgs(),
				})
			}

			redirectChain = append(redirectChain, currentURL)
			if len(redirectChain) > req.MaxRedirects() {
				return asynchttp.Response{}, asynchttp.NewTooManyRedirectsError(nextURL, currentMethod, req.ID(), redirectChain)
			}

			currentURL = nextURL
			if status == 303 {
				currentMethod = asynchttp.MethodGet
			}
			continue
		}

		resp, err := asynchttp.NewResponse(asynchttp.ResponseFields{
			Status:       status,
			Headers:      headers,
			Body:         body,
			Protocol:     protocol,
			Duration:     time.Since(start),
			RequestID:    req.ID(),
			URL:          currentURL,
			Method:       currentMethod,
			CallbackArgs: req.CallbackArgs(),
			Redirects:    redirectChain,
		})
		return resp, err
	}
}

func isRedirectStatus(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}

func resolveRedirect(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("executor: invalid base url %q: %w", base, err)
	}
	target, err := baseURL.Parse(location)
	if err != nil {
		return "", fmt.Errorf("executor: invalid redirect location %q: %w", location, err)
	}
	return target.String(), nil
}

func (e *Executor) doOnce(ctx context.Context, method asynchttp.Method, rawURL string, req asynchttp.Request, overallDeadline time.Time) (status int, headers asynchttp.Headers, body []byte, protocol string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, asynchttp.Headers{}, nil, "", err
	}

	if lim := e.hostLimiter(hostKey(parsed)); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return 0, asynchttp.Headers{}, nil, "", err
		}
	}

	if e.http2Client != nil && parsed.Scheme == "https" {
		return e.doOnceHTTP2(ctx, method, rawURL, req, overallDeadline)
	}

	hc, err := e.hostClient(parsed)
	if err != nil {
		return 0, asynchttp.Headers{}, nil, "", err
	}

	freq := fasthttp.AcquireRequest()
	fresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(freq)
	defer fasthttp.ReleaseResponse(fresp)

	freq.SetRequestURI(rawURL)
	freq.Header.SetMethod(string(method))
	for _, k := range req.Headers().Keys() {
		for _, v := range req.Headers().Values(k) {
			freq.Header.Add(k, v)
		}
	}
	if body := req.Body(); len(body) > 0 {
		freq.SetBody(body)
	}

	// fasthttp has no separate connect-phase deadline hook on a
	// per-call basis; connect_timeout is approximated by the dialer's
	// own timeout (set at HostClient construction) and overallDeadline
	// (already merged with ctx's deadline by Do) bounds the whole
	// exchange. A zero overallDeadline means neither the request, the
	// executor's DefaultTimeout, nor ctx set one: fall back to
	// fasthttp's own un-deadlined Do, since DoDeadline with a zero
	// time.Time would read as "already expired".
	if overallDeadline.IsZero() {
		err = hc.Do(freq, fresp)
	} else {
		err = hc.DoDeadline(freq, fresp, overallDeadline)
	}
	if err != nil {
		return 0, asynchttp.Headers{}, nil, "", err
	}

	status = fresp.StatusCode()
	headers = asynchttp.Headers{}
	fresp.Header.VisitAll(func(k, v []byte) {
		headers.Add(string(k), string(v))
	})
	body = append([]byte(nil), fresp.Body()...)
	protocol = "HTTP/1.1"
	return status, headers, body, protocol, nil
}

// doOnceHTTP2 runs one exchange over e.http2Client, the fallback path
// taken for https requests when Config.EnableHTTP2 is set (fasthttp's
// HostClient only ever negotiates HTTP/1.1).
func (e *Executor) doOnceHTTP2(ctx context.Context, method asynchttp.Method, rawURL string, req asynchttp.Request, overallDeadline time.Time) (status int, headers asynchttp.Headers, body []byte, protocol string, err error) {
	reqCtx := ctx
	if !overallDeadline.IsZero() {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithDeadline(ctx, overallDeadline)
		defer cancel()
	}

	var bodyReader io.Reader
	if b := req.Body(); len(b) > 0 {
		bodyReader = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, string(method), rawURL, bodyReader)
	if err != nil {
		return 0, asynchttp.Headers{}, nil, "", err
	}
	for _, k := range req.Headers().Keys() {
		for _, v := range req.Headers().Values(k) {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := e.http2Client.Do(httpReq)
	if err != nil {
		return 0, asynchttp.Headers{}, nil, "", err
	}
	defer resp.Body.Close()

	limit := int64(e.cfg.MaxResponseSize)
	limited := io.LimitReader(resp.Body, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return 0, asynchttp.Headers{}, nil, "", err
	}
	if limit > 0 && int64(len(data)) > limit {
		return 0, asynchttp.Headers{}, nil, "", fasthttp.ErrBodyTooLarge
	}

	headers = asynchttp.Headers{}
	for k, vs := range resp.Header {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}
	return resp.StatusCode, headers, data, "HTTP/2.0", nil
}

// hostClient returns the pooled HostClient for parsed's
// (scheme, host, port), creating one and evicting the least-recently-
// used entry if the pool is at capacity ("Connection
// pooling keyed by (scheme, host, port), LRU-evicted at
// max_host_clients").
func (e *Executor) hostClient(parsed *url.URL) (*fasthttp.HostClient, error) {
	key := hostKey(parsed)

	e.mu.Lock()
	defer e.mu.Unlock()

	if hc, ok := e.clients[key]; ok {
		e.touch(key)
		return hc, nil
	}

	if len(e.clients) >= e.cfg.MaxHostClients {
		e.evictOldest()
	}

	isTLS := parsed.Scheme == "https"
	addr := parsed.Host
	if !hasPort(addr) {
		if isTLS {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}

	hc := &fasthttp.HostClient{
		Addr:                addr,
		IsTLS:               isTLS,
		MaxConns:            512,
		MaxIdleConnDuration:  e.cfg.IdleConnectionTimeout,
		MaxResponseBodySize:  e.cfg.MaxResponseSize,
		TLSConfig:           &tls.Config{MinVersion: tls.VersionTLS12},
	}
	switch {
	case e.proxyDialer != nil:
		hc.Dial = e.proxyDialer
	case e.cfg.DialTimeout > 0:
		dialTimeout := e.cfg.DialTimeout
		hc.Dial = func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, dialTimeout)
		}
	}

	e.clients[key] = hc
	e.order = append(e.order, key)
	return hc, nil
}

func (e *Executor) touch(key string) {
	for i, k := range e.order {
		if k == key {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.order = append(e.order, key)
}

func (e *Executor) evictOldest() {
	if len(e.order) == 0 {
		return
	}
	oldest := e.order[0]
	e.order = e.order[1:]
	delete(e.clients, oldest)
}

func hostKey(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func hasPort(hostport string) bool {
	_, _, err := net.SplitHostPort(hostport)
	return err == nil
}

// classify converts a lower-level transport failure into an
// asynchttp.Error, using a fixed first-matching-category order:
// timeout, ssl, connection, response_too_large, redirect, protocol,
// unknown.
func (e *Executor) classify(req asynchttp.Request, url string, method asynchttp.Method, start time.Time, err error) error {
	return asynchttp.NewError(asynchttp.ErrorFields{
		ClassName:    classifyClassName(err),
		Message:      err.Error(),
		ErrorType:    classifyType(err),
		Duration:     time.Since(start),
		RequestID:    req.ID(),
		URL:          url,
		Method:       method,
		CallbackArgs: req.CallbackArgs(),
	})
}

func classifyClassName(err error) string {
	switch classifyType(err) {
	case asynchttp.ErrorTypeTimeout:
		return "TimeoutError"
	case asynchttp.ErrorTypeSSL:
		return "SSLError"
	case asynchttp.ErrorTypeConnection:
		return "ConnectionError"
	case asynchttp.ErrorTypeResponseTooLarge:
		return "ResponseTooLargeError"
	case asynchttp.ErrorTypeProtocol:
		return "ProtocolError"
	default:
		return "UnknownError"
	}
}

func classifyType(err error) asynchttp.ErrorType {
	if err == nil {
		return asynchttp.ErrorTypeUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
		return asynchttp.ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return asynchttp.ErrorTypeTimeout
	}

	var tlsRecordErr tls.RecordHeaderError
	var certInvalid x509.CertificateInvalidError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &tlsRecordErr) || errors.As(err, &certInvalid) || errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) {
		return asynchttp.ErrorTypeSSL
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return asynchttp.ErrorTypeConnection
	}
	if errors.Is(err, fasthttp.ErrConnectionClosed) {
		return asynchttp.ErrorTypeConnection
	}

	if errors.Is(err, fasthttp.ErrNoFreeConns) {
		return asynchttp.ErrorTypeConnection
	}

	if errors.Is(err, fasthttp.ErrBodyTooLarge) {
		return asynchttp.ErrorTypeResponseTooLarge
	}

	var streamErr http2.StreamError
	var goAwayErr http2.GoAwayError
	var connErr http2.ConnectionError
	if errors.As(err, &streamErr) || errors.As(err, &goAwayErr) || errors.As(err, &connErr) {
		return asynchttp.ErrorTypeProtocol
	}

	return asynchttp.ErrorTypeUnknown
}
