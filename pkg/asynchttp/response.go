package asynchttp

import (
	"encoding/base64"
	"time"
)

// Response is an immutable record of a completed HTTP exchange.
type Response struct {
	status       int
	headers      Headers
	body         []byte
	protocol     string
	duration     time.Duration
	requestID    string
	url          string
	method       Method
	callbackArgs CallbackArgs
	redirects    []string

	// payloadRef is set when the body was offloaded to a payload
	// store. While it is set, Body() returns nil and MarshalHash emits
	// a $ref entry instead of the body (property 6); WithResolvedBody
	// clears it.
	payloadRef *PayloadRef
}

// PayloadRef points at an externally stored blob.
type PayloadRef struct {
	Store string
	Key   string
}

// ResponseFields is the constructor argument bundle for NewResponse.
type ResponseFields struct {
	Status       int
	Headers      Headers
	Body         []byte
	Protocol     string
	Duration     time.Duration
	RequestID    string
	URL          string
	Method       Method
	CallbackArgs CallbackArgs
	Redirects    []string
}

// NewResponse validates and constructs a Response.
func NewResponse(f ResponseFields) (Response, error) {
	if f.Status < 100 || f.Status > 599 {
		return Response{}, &invalidStatusError{status: f.Status}
	}
	redirects := append([]string(nil), f.Redirects...)
	return Response{
		status:       f.Status,
		headers:      f.Headers.Clone(),
		body:         append([]byte(nil), f.Body...),
		protocol:     f.Protocol,
		duration:     f.Duration,
		requestID:    f.RequestID,
		url:          f.URL,
		method:       f.Method,
		callbackArgs: f.CallbackArgs,
		redirects:    redirects,
	}, nil
}

type invalidStatusError struct{ status int }

func (e *invalidStatusError) Error() string {
	return "asynchttp: status must be in [100, 599]"
}

func (r Response) Status() int                { return r.status }
func (r Response) Headers() Headers            { return r.headers }
func (r Response) Protocol() string            { return r.protocol }
func (r Response) Duration() time.Duration     { return r.duration }
func (r Response) RequestID() string           { return r.requestID }
func (r Response) URL() string                 { return r.url }
func (r Response) Method() Method              { return r.method }
func (r Response) CallbackArgs() CallbackArgs  { return r.callbackArgs }
func (r Response) Redirects() []string         { return append([]string(nil), r.redirects...) }
func (r Response) PayloadRef() *PayloadRef     { return r.payloadRef }

// Body returns the response body. If the body has been offloaded to
// a payload store, callers must resolve PayloadRef themselves (the
// value model has no store dependency); Body returns nil in that case.
func (r Response) Body() []byte {
	if r.payloadRef != nil {
		return nil
	}
	return append([]byte(nil), r.body...)
}

// WithExternalBody returns a copy of r whose body has been moved to an
// external payload store, replaced by ref (step 2).
func (r Response) WithExternalBody(ref PayloadRef) Response {
	cp := r
	cp.body = nil
	cp.payloadRef = &ref
	return cp
}

// WithResolvedBody returns a copy of r with body restored and the
// payload reference cleared, the inverse of WithExternalBody.
func (r Response) WithResolvedBody(body []byte) Response {
	cp := r
	cp.body = append([]byte(nil), body...)
	cp.payloadRef = nil
	return cp
}

func (r Response) Success() bool     { return r.status >= 200 && r.status <= 299 }
func (r Response) ClientError() bool { return r.status >= 400 && r.status <= 499 }
func (r Response) ServerError() bool { return r.status >= 500 && r.status <= 599 }

// MarshalHash implements the as_hash() contract.
func (r Response) MarshalHash() map[string]any {
	h := map[string]any{
		"status":        r.status,
		"headers":       r.headers.AsMultiMap(),
		"protocol":      r.protocol,
		"duration":      r.duration.Seconds(),
		"request_id":    r.requestID,
		"url":           r.url,
		"method":        string(r.method),
		"callback_args":       r.callbackArgs.AsMap(),
		"callback_args_order": r.callbackArgs.Keys(),
		"redirects":           r.redirects,
	}
	if r.payloadRef != nil {
		h["$ref"] = map[string]any{"store": r.payloadRef.Store, "key": r.payloadRef.Key}
	} else {
		h["body"] = r.body
	}
	return h
}

// UnmarshalResponseHash implements the load() contract for Response.
// When the hash carries a "$ref" entry the returned Response has a
// PayloadRef and a nil body; resolving it is the caller's job (see
// internal/dispatch), matching §8 property 6's "indistinguishable from
// the pre-store original once resolved" requirement.
func UnmarshalResponseHash(h map[string]any) (Response, error) {
	status := 0
	if s, ok := toFloat64(h["status"]); ok {
		status = int(s)
	}

	headers := unmarshalHeaders(h["headers"])

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

	protocol, _ := h["protocol"].(string)
	duration := durationFromSeconds(h["duration"])
	requestID, _ := h["request_id"].(string)
	url, _ := h["url"].(string)
	method, _ := h["method"].(string)
	redirects := unmarshalStringSlice(h["redirects"])
	args := unmarshalCallbackArgs(h)

	resp, err := NewResponse(ResponseFields{
		Status:       status,
		Headers:      headers,
		Body:         body,
		Protocol:     protocol,
		Duration:     duration,
		RequestID:    requestID,
		URL:          url,
		Method:       Method(method),
		CallbackArgs: args,
		Redirects:    redirects,
	})
	if err != nil {
		return Response{}, err
	}

	if refAny, ok := h["$ref"]; ok {
		if ref, ok := refAny.(map[string]any); ok {
			store, _ := ref["store"].(string)
			key, _ := ref["key"].(string)
			resp = resp.WithExternalBody(PayloadRef{Store: store, Key: key})
		}
	}

	return resp, nil
}

func unmarshalHeaders(v any) Headers {
	switch hm := v.(type) {
	case map[string][]string:
		return HeadersFromMultiMap(hm)
	case map[string]any:
		converted := make(map[string][]string, len(hm))
		for k, val := range hm {
			switch vv := val.(type) {
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
		return HeadersFromMultiMap(converted)
	default:
		return Headers{}
	}
}

func unmarshalStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...)
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func unmarshalCallbackArgs(h map[string]any) CallbackArgs {
	am, ok := h["callback_args"].(map[string]any)
	if !ok {
		return CallbackArgs{}
	}
	if order, ok := h["callback_args_order"].([]string); ok {
		return NewCallbackArgsOrdered(order, am)
	}
	if orderAny, ok := h["callback_args_order"].([]any); ok {
		order := make([]string, 0, len(orderAny))
		for _, o := range orderAny {
			if s, ok := o.(string); ok {
				order = append(order, s)
			}
		}
		return NewCallbackArgsOrdered(order, am)
	}
	return NewCallbackArgs(am)
}
