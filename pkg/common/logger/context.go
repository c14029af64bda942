package logger

import "context"

// LoggerContext accumulates key/value pairs over the course of an operation so
// that later log lines carry everything learned so far.
type LoggerContext struct {
	*Logger
}

// NewLoggerContext wraps l in a LoggerContext.
func NewLoggerContext(l *Logger) *LoggerContext {
	return &LoggerContext{Logger: l}
}

// Add attaches a key/value pair to every subsequent record.
func (lc *LoggerContext) Add(key string, value any) {
	lc.Logger = lc.Logger.With(key, value)
}

// Unwrap returns the accumulated logger.
func (lc *LoggerContext) Unwrap() *Logger { return lc.Logger }

// InfoIf logs at info level only when cond is true.
func (lc *LoggerContext) InfoIf(ctx context.Context, cond bool, msg string, args ...any) {
	if cond {
		lc.Logger.write(ctx, LevelInfo, 3, msg, args...)
	}
}
