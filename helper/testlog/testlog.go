// Package testlog creates hclog loggers backed by testing.T so test output
// interleaves with log output.
package testlog

import (
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	t LogPrinter
}

// Write to an underlying LogPrinter. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter returns an io.Writer backed by a LogPrinter.
func NewWriter(t LogPrinter) io.Writer {
	return &writer{t}
}

// HCLogger returns a trace-level hclog Logger for t. Set SIRR_TEST_LOG_LEVEL
// to raise the level when test output gets too noisy.
func HCLogger(t LogPrinter) hclog.Logger {
	level := hclog.Trace
	if raw := os.Getenv("SIRR_TEST_LOG_LEVEL"); raw != "" {
		level = hclog.LevelFromString(raw)
	}
	return hclog.New(&hclog.LoggerOptions{
		Level:  level,
		Output: NewWriter(t),
	})
}
