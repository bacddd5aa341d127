package ntr

import "log/slog"

// Logger receives the connection's structured log records.
// *slog.Logger satisfies it.
type Logger interface {
	// Debug receives per-packet traffic: sends, receipts and dropped replies.
	Debug(msg string, args ...any)
	// Info receives connect and disconnect events.
	Info(msg string, args ...any)
	// Warn receives heartbeat failures.
	Warn(msg string, args ...any)
	// Error receives the write failure that ends a connection.
	Error(msg string, args ...any)
}

// defaultLogger logs through slog's process-wide default.
func defaultLogger() Logger {
	return slog.Default()
}
