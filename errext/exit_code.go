// Package errext adds exit codes and user hints to errors travelling up to
// the command that reports them.
package errext

import (
	"errors"

	"github.com/liuxd6825/devtools/errext/exitcodes"
)

// HasExitCode is an error with an attached process exit code. Values should
// be between 0 and 125.
type HasExitCode interface {
	error
	ExitCode() exitcodes.ExitCode
}

// WithExitCodeIfNone attaches exitCode to err, unless err is nil or some
// error in its chain already carries one.
func WithExitCodeIfNone(err error, exitCode exitcodes.ExitCode) error {
	if err == nil {
		return nil
	}
	var ecerr HasExitCode
	if errors.As(err, &ecerr) {
		return err
	}
	return withExitCode{err, exitCode}
}

type withExitCode struct {
	error
	exitCode exitcodes.ExitCode
}

func (wh withExitCode) Unwrap() error {
	return wh.error
}

func (wh withExitCode) ExitCode() exitcodes.ExitCode {
	return wh.exitCode
}

var _ HasExitCode = withExitCode{}
