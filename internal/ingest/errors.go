package ingest

import "errors"

var (
	// ErrWriterClosed is returned by Flush after Close.
	ErrWriterClosed = errors.New("ingest: batch writer closed")

	// ErrDeadLetter indicates the dead-letter store could not persist or read points.
	ErrDeadLetter = errors.New("ingest: dead-letter store failed")
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
