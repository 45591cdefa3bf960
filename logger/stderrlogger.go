package logger

import "os"

// NewStderrDebugLogger logs everything to stderr in logfmt.
func NewStderrDebugLogger() Logger {
	return NewLogger(NewLogfmtOutlet(os.Stderr), Debug)
}
