// Package sink delivers finished security events. A sink error never
// halts correlation; the engine logs it and moves on.
package sink

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/jnesss/auditmon/types"
)

// EventSink receives fully assembled, policy-approved events. Emit
// takes ownership of the event; it will not change afterward.
type EventSink interface {
	Emit(ev *types.SecurityEvent) error
	Close() error
}

// LogSink writes events as JSON lines to a writer.
type LogSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewLogSink creates a JSON-lines sink on w.
func NewLogSink(w io.Writer) *LogSink {
	return &LogSink{enc: json.NewEncoder(w)}
}

// Emit writes one event as a single JSON line.
func (s *LogSink) Emit(ev *types.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ev)
}

// Close implements EventSink; the underlying writer is the caller's.
func (s *LogSink) Close() error {
	return nil
}
