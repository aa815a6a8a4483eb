package asynchttp

import "fmt"

// HttpError wraps a Response whose status is >= 400, produced only
// when RaiseErrorResponses was set on the originating Request (or on
// a redirect-policy violation, see RedirectError below). It is never
// constructed directly; use NewHTTPError, which returns the correct
// ClientError/ServerError subtype.
type HttpError struct {
	response Response
}

func (e HttpError) Error() string {
	return fmt.Sprintf("http error: %s %s -> %d", e.response.Method(), e.response.URL(), e.response.Status())
}

func (e HttpError) Response() Response { return e.response }
func (e HttpError) Status() int        { return e.response.Status() }

// ClientError is an HttpError whose status is in [400, 499].
type ClientError struct{ HttpError }

// ServerError is an HttpError whose status is in [500, 599].
type ServerError struct{ HttpError }

// NewHTTPError builds the ClientError or ServerError that matches
// resp.Status(), returning an error indicating that resp's status
// doesn't warrant an HttpError at all (status < 400).
func NewHTTPError(resp Response) (error, error) {
	switch {
	case resp.ClientError():
		return ClientError{HttpError{response: resp}}, nil
	case resp.ServerError():
		return ServerError{HttpError{response: resp}}, nil
	default:
		return nil, fmt.Errorf("asynchttp: status %d does not warrant an HttpError", resp.Status())
	}
}

// LoadHTTPError implements the "HttpError.load dispatches on the
// embedded status" contract.
func LoadHTTPError(h map[string]any) (error, error) {
	resp, err := UnmarshalResponseHash(h)
	if err != nil {
		return nil, err
	}
	return NewHTTPError(resp)
}

// RedirectError is the common shape of TooManyRedirectsError and
// RecursiveRedirectError: both carry the ordered list of URLs visited
// before the policy violation was detected ("implicit
// ordering on redirects").
type RedirectError struct {
	errorClass string
	message    string
	url        string
	method     Method
	requestID  string
	redirects  []string
}

func (e RedirectError) Error() string        { return e.errorClass + ": " + e.message }
func (e RedirectError) URL() string          { return e.url }
func (e RedirectError) Method() Method       { return e.method }
func (e RedirectError) RequestID() string    { return e.requestID }
func (e RedirectError) Redirects() []string  { return append([]string(nil), e.redirects...) }

// TooManyRedirectsError is raised when a request exceeds its
// configured MaxRedirects.
type TooManyRedirectsError struct{ RedirectError }

// RecursiveRedirectError is raised when a redirect chain revisits a
// URL already in its own Redirects list.
type RecursiveRedirectError struct{ RedirectError }

const (
	redirectClassTooMany   = "TooManyRedirectsError"
	redirectClassRecursive = "RecursiveRedirectError"
)

// NewTooManyRedirectsError builds a TooManyRedirectsError.
func NewTooManyRedirectsError(url string, method Method, requestID string, redirects []string) TooManyRedirectsError {
	return TooManyRedirectsError{RedirectError{
		errorClass: redirectClassTooMany,
		message:    fmt.Sprintf("exceeded max redirects following %s %s", method, url),
		url:        url,
		method:     method,
		requestID:  requestID,
		redirects:  append([]string(nil), redirects...),
	}}
}

// NewRecursiveRedirectError builds a RecursiveRedirectError.
func NewRecursiveRedirectError(url string, method Method, requestID string, redirects []string) RecursiveRedirectError {
	return RecursiveRedirectError{RedirectError{
		errorClass: redirectClassRecursive,
		message:    fmt.Sprintf("redirect cycle detected following %s %s", method, url),
		url:        url,
		method:     method,
		requestID:  requestID,
		redirects:  append([]string(nil), redirects...),
	}}
}

// MarshalHash implements the as_hash() contract for RedirectError.
func (e RedirectError) MarshalHash() map[string]any {
	return map[string]any{
		"error_class": e.errorClass,
		"message":     e.message,
		"url":         e.url,
		"method":      string(e.method),
		"request_id":  e.requestID,
		"redirects":   e.redirects,
	}
}

// LoadRedirectError implements the "RedirectError.load dispatches on
// the error_class string" contract.
func LoadRedirectError(h map[string]any) (error, error) {
	errorClass, _ := h["error_class"].(string)
	url, _ := h["url"].(string)
	method, _ := h["method"].(string)
	requestID, _ := h["request_id"].(string)
	redirects := unmarshalStringSlice(h["redirects"])

	switch errorClass {
	case redirectClassTooMany:
		return NewTooManyRedirectsError(url, Method(method), requestID, redirects), nil
	case redirectClassRecursive:
		return NewRecursiveRedirectError(url, Method(method), requestID, redirects), nil
	default:
		return nil, fmt.Errorf("asynchttp: unknown redirect error_class %q", errorClass)
	}
}
