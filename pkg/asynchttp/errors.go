package asynchttp

import "time"

// ErrorType classifies a transport failure per the
// classification order.
type ErrorType string

const (
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypeConnection        ErrorType = "connection"
	ErrorTypeSSL               ErrorType = "ssl"
	ErrorTypeProtocol          ErrorType = "protocol"
	ErrorTypeResponseTooLarge  ErrorType = "response_too_large"
	ErrorTypeRedirect          ErrorType = "redirect"
	ErrorTypeUnknown           ErrorType = "unknown"
)

// Error is the transport-failure value delivered to on_error when the
// HTTP exchange itself never produced a Response. It satisfies the
// error interface so it can flow through normal Go error handling up
// to the reactor's catch-all boundary, where it is converted to a
// plain value: no panics or exceptions cross the reactor/callback
// boundary.
type Error struct {
	className    string
	message      string
	backtrace    []string
	errorType    ErrorType
	duration     time.Duration
	requestID    string
	url          string
	method       Method
	callbackArgs CallbackArgs
}

// ErrorFields is the constructor argument bundle for NewError.
type ErrorFields struct {
	ClassName    string
	Message      string
	Backtrace    []string
	ErrorType    ErrorType
	Duration     time.Duration
	RequestID    string
	URL          string
	Method       Method
	CallbackArgs CallbackArgs
}

// NewError constructs a transport Error.
func NewError(f ErrorFields) Error {
	return Error{
		className:    f.ClassName,
		message:      f.Message,
		backtrace:    append([]string(nil), f.Backtrace...),
		errorType:    f.ErrorType,
		duration:     f.Duration,
		requestID:    f.RequestID,
		url:          f.URL,
		method:       f.Method,
		callbackArgs: f.CallbackArgs,
	}
}

func (e Error) Error() string { return e.className + ": " + e.message }

func (e Error) ClassName() string           { return e.className }
func (e Error) Message() string             { return e.message }
func (e Error) Backtrace() []string         { return append([]string(nil), e.backtrace...) }
func (e Error) ErrorType() ErrorType        { return e.errorType }
func (e Error) Duration() time.Duration     { return e.duration }
func (e Error) RequestID() string           { return e.requestID }
func (e Error) URL() string                 { return e.url }
func (e Error) Method() Method              { return e.method }
func (e Error) CallbackArgs() CallbackArgs  { return e.callbackArgs }

// MarshalHash implements the as_hash() contract.
func (e Error) MarshalHash() map[string]any {
	return map[string]any{
		"class_name":          e.className,
		"message":             e.message,
		"backtrace":           e.backtrace,
		"error_type":          string(e.errorType),
		"duration":            e.duration.Seconds(),
		"request_id":          e.requestID,
		"url":                 e.url,
		"method":              string(e.method),
		"callback_args":       e.callbackArgs.AsMap(),
		"callback_args_order": e.callbackArgs.Keys(),
	}
}

// UnmarshalErrorHash implements the load() contract for Error.
func UnmarshalErrorHash(h map[string]any) Error {
	className, _ := h["class_name"].(string)
	message, _ := h["message"].(string)
	backtrace := unmarshalStringSlice(h["backtrace"])
	errorType, _ := h["error_type"].(string)
	duration := durationFromSeconds(h["duration"])
	requestID, _ := h["request_id"].(string)
	url, _ := h["url"].(string)
	method, _ := h["method"].(string)
	args := unmarshalCallbackArgs(h)

	return NewError(ErrorFields{
		ClassName:    className,
		Message:      message,
		Backtrace:    backtrace,
		ErrorType:    ErrorType(errorType),
		Duration:     duration,
		RequestID:    requestID,
		URL:          url,
		Method:       Method(method),
		CallbackArgs: args,
	})
}
