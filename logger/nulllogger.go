package logger

type nullLogger struct{}

var _ Logger = nullLogger{}

// NewNullLogger discards everything.
func NewNullLogger() Logger { return nullLogger{} }

func (n nullLogger) WithField(string, interface{}) Logger { return n }
func (n nullLogger) WithFields(Fields) Logger             { return n }
func (n nullLogger) WithError(error) Logger               { return n }
func (nullLogger) Debug(string)                           {}
func (nullLogger) Info(string)                            {}
func (nullLogger) Warn(string)                            {}
func (nullLogger) Error(string)                           {}
