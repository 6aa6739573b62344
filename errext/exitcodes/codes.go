// Package exitcodes contains the process exit codes of devtools commands.
package exitcodes

// ExitCode is a process exit code.
type ExitCode uint8

// Exit codes returned by devtools commands.
const (
	InvalidConfig     ExitCode = 104
	ExternalAbort     ExitCode = 105
	CannotStartServer ExitCode = 106
	ConnectionFailed  ExitCode = 107
	RecordingFailed   ExitCode = 108
	GoPanic           ExitCode = 109
)
