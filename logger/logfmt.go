package logger

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-logfmt/logfmt"
)

const (
	fieldLevel   = "level"
	fieldMessage = "msg"
	fieldTime    = "time"
)

// LogfmtOutlet writes entries as logfmt lines. Safe for concurrent use.
type LogfmtOutlet struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLogfmtOutlet(w io.Writer) *LogfmtOutlet {
	return &LogfmtOutlet{w: w}
}

func (o *LogfmtOutlet) WriteEntry(entry Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	enc := logfmt.NewEncoder(o.w)
	if err := enc.EncodeKeyval(fieldTime, entry.Time.Format(time.RFC3339)); err != nil {
		return err
	}
	if err := enc.EncodeKeyval(fieldLevel, entry.Level.String()); err != nil {
		return err
	}
	if err := enc.EncodeKeyval(fieldMessage, entry.Message); err != nil {
		return err
	}

	// deterministic field order
	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := enc.EncodeKeyval(k, entry.Fields[k]); err != nil {
			return err
		}
	}
	return enc.EndRecord()
}
