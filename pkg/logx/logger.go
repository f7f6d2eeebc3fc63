package logx

import (
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"geodaily/internal/transport"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field adds one key to an event. Later fields win over earlier ones with the same key.
type Field func(e *zerolog.Event)

func String(k, v string) Field          { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field         { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field     { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field   { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field       { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Time(k string, v time.Time) Field  { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field         { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Strings(k string, v []string) Field {
	return func(e *zerolog.Event) { e.Strs(k, v) }
}

// Duration logs d as a string ("1.5s") rather than zerolog's float millis.
func Duration(k string, d time.Duration) Field {
	return func(e *zerolog.Event) { e.Str(k, d.Round(time.Millisecond).String()) }
}

// Tenant tags the tenant (chat id) an event is about.
func Tenant(id string) Field { return String("tenant", id) }

// Target logs a chat destination as chat_id[/thread_id].
func Target(k string, t transport.ChatTarget) Field { return String(k, t.String()) }

// Err is a no-op for nil errors.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger is a value-type structured logger. Loggers derived from a Service
// follow its sinks and level across Apply; the zero value discards everything.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool

	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	if l.svc != nil {
		return l.svc.current()
	}
	if l.hasBase {
		return l.base
	}
	return zerolog.Nop()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields...) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}

	if caller := shortCaller(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}

	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}

	e.Msg(msg)
}

func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
