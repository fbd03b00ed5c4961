package logger

import (
	"log/slog"
	"os"
	"sync/atomic"
)

// Level controls the minimum severity emitted.
type Level int32

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var (
	currentLevel atomic.Int32
	base         atomic.Pointer[slog.Logger]
)

func init() {
	currentLevel.Store(int32(INFO))
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	base.Store(l)
}

// SetLevel sets the global minimum log level.
func SetLevel(l Level) {
	currentLevel.Store(int32(l))
}

// SetOutput replaces the backing slog logger (used by tests and the CLI).
func SetOutput(l *slog.Logger) {
	if l != nil {
		base.Store(l)
	}
}

func enabled(l Level) bool {
	return int32(l) >= currentLevel.Load()
}

func attrs(component string, fields map[string]interface{}) []any {
	out := make([]any, 0, 2+2*len(fields))
	out = append(out, "component", component)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

// DebugC logs a component-tagged debug message.
func DebugC(component, msg string) {
	DebugCF(component, msg, nil)
}

// DebugCF logs a component-tagged debug message with structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	if enabled(DEBUG) {
		base.Load().Debug(msg, attrs(component, fields)...)
	}
}

// InfoC logs a component-tagged info message.
func InfoC(component, msg string) {
	InfoCF(component, msg, nil)
}

// InfoCF logs a component-tagged info message with structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	if enabled(INFO) {
		base.Load().Info(msg, attrs(component, fields)...)
	}
}

// WarnC logs a component-tagged warning.
func WarnC(component, msg string) {
	WarnCF(component, msg, nil)
}

// WarnCF logs a component-tagged warning with structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	if enabled(WARN) {
		base.Load().Warn(msg, attrs(component, fields)...)
	}
}

// ErrorC logs a component-tagged error message.
func ErrorC(component, msg string) {
	ErrorCF(component, msg, nil)
}

// ErrorCF logs a component-tagged error message with structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	if enabled(ERROR) {
		base.Load().Error(msg, attrs(component, fields)...)
	}
}
