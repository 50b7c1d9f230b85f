package supervise

import "log/slog"

// Logger defines the interface for supervision logging.
// The framework uses structured logging with variadic key-value pairs,
// compatible with slog, zap's sugared logger, and similar libraries:
//
//	logger.Info("Module loaded", "module", "telemetry", "priority", 10)
//
// Every supervision operation (loads, unloads, flag changes, monitor
// samples) logs through this interface, so hosts control how framework
// logs appear.
type Logger interface {
	// Info logs normal supervision events such as module loads.
	Info(msg string, args ...any)

	// Error logs failures that were contained but should be noted.
	Error(msg string, args ...any)

	// Warn logs unusual conditions that don't block normal operation.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostic information.
	Debug(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to the Logger interface. This is the
// default logger for hosts without their own logging stack.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps the given slog logger. A nil argument wraps
// slog.Default().
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
