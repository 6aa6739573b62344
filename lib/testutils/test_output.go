// Package testutils contains logging helpers shared by the package tests.
package testutils

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

// testOutput routes writes to the test log, so log lines show up next to
// the failing test.
type testOutput struct{ testing.TB }

func (to testOutput) Write(p []byte) (n int, err error) {
	to.Logf("%s", p)
	return len(p), nil
}

// NewTestOutput returns an io.Writer logging to t.
func NewTestOutput(t testing.TB) io.Writer {
	return testOutput{t}
}

// NewLogger returns a debug level logger writing to t.
func NewLogger(t testing.TB) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(NewTestOutput(t))
	l.SetLevel(logrus.DebugLevel)
	return l
}

// NewLoggerWithHook returns a logger writing to t, with a hook recording
// every entry at levels.
func NewLoggerWithHook(t testing.TB, levels ...logrus.Level) (*logrus.Logger, *SimpleLogrusHook) {
	l := NewLogger(t)
	hook := NewLogHook(levels...)
	l.AddHook(hook)
	return l, hook
}
