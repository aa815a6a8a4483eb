// Package obslog wraps zerolog with the same "one log line per state
// transition / per task outcome" discipline a similar system applies
// with bare log.Printf("[%s] ...", dispatchID) prefix tags. The
// processor and monitor are long-lived background components whose
// logs need field-level correlation (request_id, worker_class, state)
// far more than a short-lived HTTP handler does, so the mechanism is
// upgraded to structured logging while keeping the texture: short,
// contextual lines, never docstring-style prose.
package obslog

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger plus an optional Sentry hook fired
// from error-level lines, gated by Config.SentryDSN (covers both
// "log and continue" shutdown failures and the monitor's error path).
type Logger struct {
	zl           zerolog.Logger
	sentryActive bool
}

// sentryEnabled tracks whether InitSentry has successfully initialized
// the process-wide Sentry client. New consults it so every Logger
// built after startup forwards Error() calls to Sentry without every
// call site having to thread the DSN's on/off state through by hand.
var sentryEnabled atomic.Bool

// New builds a Logger writing structured JSON to stderr. component
// becomes a "component" field on every line (e.g. "processor",
// "monitor", "dispatch"), the direct equivalent of a prior
// "[dispatchID]" prefix.
func New(component string) *Logger {
	zl := zerolog.New(os.Stderr).With().Timestamp().Str("component", component).Logger()
	return &Logger{zl: zl, sentryActive: sentryEnabled.Load()}
}

// InitSentry initializes the process-wide Sentry client if dsn is
// non-empty. Safe to call once at startup; a no-op otherwise. Loggers
// built via New after this call automatically forward Error() calls to
// Sentry; see WithSentry to override a specific Logger.
func InitSentry(dsn string) error {
	if dsn == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, AttachStacktrace: true}); err != nil {
		return err
	}
	sentryEnabled.Store(true)
	return nil
}

// WithSentry marks this logger as allowed to forward Error() calls to
// Sentry, once InitSentry has been called successfully.
func (l *Logger) WithSentry(enabled bool) *Logger {
	cp := *l
	cp.sentryActive = enabled
	return &cp
}

// Info logs a one-line informational event, e.g. a state transition.
func (l *Logger) Info(msg string, fields map[string]any) {
	ev := l.zl.Info()
	addFields(ev, fields)
	ev.Msg(msg)
}

// Warn logs a one-line warning, e.g. a per-task re-enqueue failure.
func (l *Logger) Warn(msg string, fields map[string]any) {
	ev := l.zl.Warn()
	addFields(ev, fields)
	ev.Msg(msg)
}

// Error logs a one-line error and, if Sentry is active, forwards it.
func (l *Logger) Error(msg string, err error, fields map[string]any) {
	ev := l.zl.Error().Err(err)
	addFields(ev, fields)
	ev.Msg(msg)

	if l.sentryActive {
		sentry.WithScope(func(scope *sentry.Scope) {
			for k, v := range fields {
				scope.SetExtra(k, v)
			}
			if err != nil {
				sentry.CaptureException(err)
			} else {
				sentry.CaptureMessage(msg)
			}
		})
	}
}

func addFields(ev *zerolog.Event, fields map[string]any) {
	for k, v := range fields {
		switch vv := v.(type) {
		case string:
			ev.Str(k, vv)
		case int:
			ev.Int(k, vv)
		case int64:
			ev.Int64(k, vv)
		case time.Duration:
			ev.Dur(k, vv)
		case bool:
			ev.Bool(k, vv)
		default:
			ev.Interface(k, vv)
		}
	}
}
