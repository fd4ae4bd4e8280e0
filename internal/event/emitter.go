package event

import (
	"fmt"
	"log/slog"
	"strings"
)

// Emitter writes a component's diagnostics to slog under a bracketed
// prefix and mirrors each line to a Listener as a KindLog or KindError
// event. It does no locking; callers serialize emission so that listeners
// observe events in the order they happened.
type Emitter struct {
	Source   Source
	Prefix   string
	Listener Listener
}

// Emit forwards ev unchanged.
func (e *Emitter) Emit(ev Event) {
	if e.Listener != nil {
		e.Listener(ev)
	}
}

// Info logs msg with slog-style key/value args.
func (e *Emitter) Info(msg string, args ...any) {
	slog.Info(e.Prefix+" "+msg, args...)
	e.Emit(Log(e.Source, "%s", formatLine(msg, args)))
}

// Warn logs msg at warn level.
func (e *Emitter) Warn(msg string, args ...any) {
	slog.Warn(e.Prefix+" "+msg, args...)
	e.Emit(Log(e.Source, "%s", formatLine(msg, args)))
}

// Debug logs msg at debug level only; it is not forwarded.
func (e *Emitter) Debug(msg string, args ...any) {
	slog.Debug(e.Prefix+" "+msg, args...)
}

// Error logs err and forwards it as a KindError event.
func (e *Emitter) Error(err error) {
	slog.Error(e.Prefix+" "+err.Error())
	e.Emit(Error(e.Source, err))
}

// State forwards a KindState event.
func (e *Emitter) State(s fmt.Stringer) {
	slog.Debug(e.Prefix+" state", "state", s.String())
	e.Emit(State(e.Source, s))
}

func formatLine(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	return b.String()
}
