package logging

import (
	"context"
	"time"

	ltmcerrors "ltmc/internal/errors"
)

// LogField provides a structured way to add fields to logs.
type LogField struct {
	Key   string
	Value interface{}
}

// EnhancedLogger wraps the base StructuredLogger with operation/error helpers.
type EnhancedLogger struct {
	Logger
	component string
}

// NewEnhancedLogger creates an enhanced logger for a component.
func NewEnhancedLogger(component string) *EnhancedLogger {
	baseLogger := NewLogger(INFO)
	return &EnhancedLogger{
		Logger:    baseLogger.WithComponent(component),
		component: component,
	}
}

// WithContext creates a logger carrying the trace ID found in ctx.
func (l *EnhancedLogger) WithContext(ctx context.Context) *EnhancedLogger {
	traceID := GetTraceID(ctx)
	newLogger := l.Logger.WithTraceID(traceID)
	return &EnhancedLogger{Logger: newLogger, component: l.component}
}

// WithError logs err, extracting the LTMC error Kind/Component/Operation
// when err wraps one.
func (l *EnhancedLogger) WithError(err error) *EnhancedLogger {
	if err == nil {
		return l
	}
	if e, ok := ltmcerrors.As(err); ok {
		l.Error("error occurred",
			"error", err.Error(),
			"kind", string(e.Kind),
			"component", e.Component,
			"operation", e.Operation,
		)
	} else {
		l.Error("error occurred", "error", err.Error())
	}
	return l
}

// LogOperation logs the start and completion (or failure) of an operation.
func (l *EnhancedLogger) LogOperation(operation string, fn func() error) error {
	start := time.Now()
	l.Info("starting operation", "operation", operation)

	err := fn()
	duration := time.Since(start)

	if err != nil {
		l.Error("operation failed", "operation", operation, "duration_ms", duration.Milliseconds(), "error", err.Error())
		return err
	}
	l.Info("operation completed", "operation", operation, "duration_ms", duration.Milliseconds())
	return nil
}

// LogSlowOperation logs operations exceeding their expected duration,
// surfacing the slowdown factor against the §4.15 SLA targets.
func (l *EnhancedLogger) LogSlowOperation(operation string, duration, expected time.Duration) {
	l.Warn("slow operation detected",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
		"expected_ms", expected.Milliseconds(),
		"slowdown_factor", float64(duration)/float64(expected),
	)
}

// Global component loggers, one per LTMC component group.
var (
	ServerLogger     = NewEnhancedLogger("server")
	MCPLogger        = NewEnhancedLogger("mcp")
	StorageLogger    = NewEnhancedLogger("storage")
	SyncLogger       = NewEnhancedLogger("sync")
	RetrievalLogger  = NewEnhancedLogger("retrieval")
	ThoughtLogger    = NewEnhancedLogger("thought")
	OperationsLogger = NewEnhancedLogger("operations")
	ChatLogger       = NewEnhancedLogger("chat")
)

// GetComponentLogger returns a fresh enhanced logger for any component name.
func GetComponentLogger(component string) *EnhancedLogger {
	return NewEnhancedLogger(component)
}
