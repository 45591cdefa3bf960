// Package logger provides the leveled, field-structured logger used by
// every subsystem. Entries fan out to an Outlet; the logfmt outlet in
// this package is the default sink.
package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
)

// FieldError is the field set by WithError.
const FieldError = "err"

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// AllLevels, ordered least severe to most severe.
var AllLevels = []Level{Debug, Info, Warn, Error}

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

func ParseLevel(s string) (Level, error) {
	for _, l := range AllLevels {
		if s == l.String() {
			return l, nil
		}
	}
	return -1, errors.Errorf("unknown level '%s'", s)
}

type Fields map[string]interface{}

type Entry struct {
	Level   Level
	Message string
	Time    time.Time
	Fields  Fields
}

// An Outlet receives entries produced by a Logger and writes them to
// some destination. Implementations must not block.
type Outlet interface {
	WriteEntry(entry Entry) error
}

type Logger interface {
	WithField(field string, val interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

type loggerImpl struct {
	fields   Fields
	outlet   Outlet
	minLevel Level
}

// NewLogger returns a logger that writes entries at or above minLevel
// to outlet.
func NewLogger(outlet Outlet, minLevel Level) Logger {
	return &loggerImpl{
		fields:   make(Fields),
		outlet:   outlet,
		minLevel: minLevel,
	}
}

func (l *loggerImpl) log(level Level, msg string) {
	if level < l.minLevel {
		return
	}
	entry := Entry{level, msg, time.Now(), l.fields}
	if err := l.outlet.WriteEntry(entry); err != nil {
		fmt.Fprintf(os.Stderr, "github.com/fabrpc/frpc/logger: outlet error: %s\n", err)
	}
}

func (l *loggerImpl) WithField(field string, val interface{}) Logger {
	child := &loggerImpl{
		fields:   make(Fields, len(l.fields)+1),
		outlet:   l.outlet,
		minLevel: l.minLevel,
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	child.fields[field] = val
	return child
}

func (l *loggerImpl) WithFields(fields Fields) Logger {
	ret := Logger(l)
	for field, val := range fields {
		ret = ret.WithField(field, val)
	}
	return ret
}

func (l *loggerImpl) WithError(err error) Logger {
	val := interface{}(nil)
	if err != nil {
		val = err.Error()
	}
	return l.WithField(FieldError, val)
}

func (l *loggerImpl) Debug(msg string) { l.log(Debug, msg) }
func (l *loggerImpl) Info(msg string)  { l.log(Info, msg) }
func (l *loggerImpl) Warn(msg string)  { l.log(Warn, msg) }
func (l *loggerImpl) Error(msg string) { l.log(Error, msg) }
