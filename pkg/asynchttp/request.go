package asynchttp

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/asynchttp/dam/pkg/jobqueue"
)

// Method is an HTTP method restricted to the allowed set.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
)

func (m Method) valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodHead, MethodOptions:
		return true
	default:
		return false
	}
}

// forbidsBody reports whether the method must not carry a request body.
func (m Method) forbidsBody() bool {
	switch m {
	case MethodGet, MethodDelete, MethodHead, MethodOptions:
		return true
	default:
		return false
	}
}

// Request is an immutable description of one outbound HTTP exchange.
// Build one with NewRequest; there are no exported setters.
type Request struct {
	id                  string
	method              Method
	url                 string
	headers             Headers
	body                []byte
	timeout             time.Duration
	connectTimeout      time.Duration
	maxRedirects        int
	raiseErrorResponses bool
	callbackClassName   string
	callbackArgs        CallbackArgs
	jobEnvelope         jobqueue.Envelope
}

// RequestOptions configures NewRequest. A zero Timeout takes the
// executor's configured default (config.DefaultTimeout). A zero
// MaxRedirects means no redirect is followed; config.DefaultMaxRedirects
// is not applied to it. ConnectTimeout is carried and serialized but the
// executor does not apply it: every connection is dialed with
// config.DefaultConnectTimeout.
type RequestOptions struct {
	Headers             Headers
	Body                []byte
	Timeout             time.Duration
	ConnectTimeout      time.Duration
	MaxRedirects        int
	RaiseErrorResponses bool
	CallbackClassName   string
	CallbackArgs        CallbackArgs
	JobEnvelope         jobqueue.Envelope
}

// NewRequest validates and constructs a Request. It is the only way
// to obtain one, so every Request in the system has already passed
// validation by construction.
func NewRequest(method Method, rawURL string, opts RequestOptions) (Request, error) {
	if !method.valid() {
		return Request{}, fmt.Errorf("asynchttp: invalid method %q", method)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Request{}, fmt.Errorf("asynchttp: invalid url: %w", err)
	}
	if !parsed.IsAbs() {
		return Request{}, fmt.Errorf("asynchttp: url must be absolute: %q", rawURL)
	}

	if method.forbidsBody() && len(opts.Body) > 0 {
		return Request{}, fmt.Errorf("asynchttp: method %s forbids a request body", method)
	}

	if opts.Timeout < 0 || opts.ConnectTimeout < 0 {
		return Request{}, fmt.Errorf("asynchttp: timeout and connect_timeout must be non-negative")
	}
	if opts.MaxRedirects < 0 {
		return Request{}, fmt.Errorf("asynchttp: max_redirects must be non-negative")
	}

	body := append([]byte(nil), opts.Body...)

	return Request{
		id:                  "req_" + uuid.NewString(),
		method:              method,
		url:                 rawURL,
		headers:             opts.Headers.Clone(),
		body:                body,
		timeout:             opts.Timeout,
		connectTimeout:      opts.ConnectTimeout,
		maxRedirects:        opts.MaxRedirects,
		raiseErrorResponses: opts.RaiseErrorResponses,
		callbackClassName:   opts.CallbackClassName,
		callbackArgs:        opts.CallbackArgs,
		jobEnvelope:         opts.JobEnvelope,
	}, nil
}

func (r Request) ID() string                       { return r.id }
func (r Request) Method() Method                   { return r.method }
func (r Request) URL() string                       { return r.url }
func (r Request) Headers() Headers                  { return r.headers }
func (r Request) Body() []byte                      { return append([]byte(nil), r.body...) }
func (r Request) Timeout() time.Duration            { return r.timeout }
func (r Request) ConnectTimeout() time.Duration     { return r.connectTimeout }
func (r Request) MaxRedirects() int                 { return r.maxRedirects }
func (r Request) RaiseErrorResponses() bool         { return r.raiseErrorResponses }
func (r Request) CallbackClassName() string         { return r.callbackClassName }
func (r Request) CallbackArgs() CallbackArgs        { return r.callbackArgs }
func (r Request) JobEnvelope() jobqueue.Envelope    { return r.jobEnvelope }

// WithJobEnvelope returns a copy of r carrying env.
func (r Request) WithJobEnvelope(env jobqueue.Envelope) Request {
	cp := r
	cp.jobEnvelope = env
	return cp
}

// MarshalHash implements the as_hash() contract. The job envelope is
// not part of the hash, so UnmarshalRequestHash returns a Request with
// an empty JobEnvelope.
func (r Request) MarshalHash() map[string]any {
	return map[string]any{
		"id":                    r.id,
		"method":                string(r.method),
		"url":                   r.url,
		"headers":               r.headers.AsMultiMap(),
		"body":                  r.body,
		"timeout":               r.timeout.Seconds(),
		"connect_timeout":       r.connectTimeout.Seconds(),
		"max_redirects":         r.maxRedirects,
		"raise_error_responses": r.raiseErrorResponses,
		"callback_class_name":   r.callbackClassName,
		"callback_args":         r.callbackArgs.AsMap(),
		"callback_args_order":   r.callbackArgs.Keys(),
	}
}

// UnmarshalRequestHash implements the load() contract
// for Request.
func UnmarshalRequestHash(h map[string]any) (Request, error) {
	id, _ := h["id"].(string)
	method, _ := h["method"].(string)
	rawURL, _ := h["url"].(string)

	headers := Headers{}
	if hm, ok := h["headers"].(map[string][]string); ok {
		headers = HeadersFromMultiMap(hm)
	} else if hm, ok := h["headers"].(map[string]any); ok {
		converted := make(map[string][]string, len(hm))
		for k, v := range hm {
			switch vv := v.(type) {
			case []string:
				converted[k] = vv
			case []any:
				for _, e := range vv {
					if s, ok := e.(string); ok {
						converted[k] = append(converted[k], s)
					}
				}
			}
		}
		headers = HeadersFromMultiMap(converted)
	}

	var body []byte
	switch b := h["body"].(type) {
	case []byte:
		body = b
	case string:
		// encoding/json writes a []byte body as base64 text.
		if dec, err := base64.StdEncoding.DecodeString(b); err == nil {
			body = dec
		} else {
			body = []byte(b)
		}
	}

	timeout := durationFromSeconds(h["timeout"])
	connectTimeout := durationFromSeconds(h["connect_timeout"])

	maxRedirects := 0
	if mr, ok := toFloat64(h["max_redirects"]); ok {
		maxRedirects = int(mr)
	}

	raise, _ := h["raise_error_responses"].(bool)
	callbackClassName, _ := h["callback_class_name"].(string)

	var args CallbackArgs
	if am, ok := h["callback_args"].(map[string]any); ok {
		if order, ok := h["callback_args_order"].([]string); ok {
			args = NewCallbackArgsOrdered(order, am)
		} else if orderAny, ok := h["callback_args_order"].([]any); ok {
			order := make([]string, 0, len(orderAny))
			for _, o := range orderAny {
				if s, ok := o.(string); ok {
					order = append(order, s)
				}
			}
			args = NewCallbackArgsOrdered(order, am)
		} else {
			args = NewCallbackArgs(am)
		}
	}

	return Request{
		id:                  id,
		method:              Method(method),
		url:                 rawURL,
		headers:             headers,
		body:                body,
		timeout:             timeout,
		connectTimeout:      connectTimeout,
		maxRedirects:        maxRedirects,
		raiseErrorResponses: raise,
		callbackClassName:   callbackClassName,
		callbackArgs:        args,
	}, nil
}

func durationFromSeconds(v any) time.Duration {
	f, ok := toFloat64(v)
	if !ok {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
