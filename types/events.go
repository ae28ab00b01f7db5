// Package types defines the decoded audit record model and the
// security events the pipeline emits. Records are what the kernel
// tells us happened; events are what we tell the analyst happened.
package types

import "time"

// Record kinds delivered by the audit transport
const (
	RecordFork  = 1 // Process created
	RecordExec  = 2 // Image replaced
	RecordExit  = 3 // Process terminated
	RecordOpen  = 4 // File descriptor opened
	RecordWrite = 5 // File descriptor written
	RecordClose = 6 // File descriptor closed
)

// RecordKindName returns a human-readable name for a record kind.
func RecordKindName(kind uint16) string {
	switch kind {
	case RecordFork:
		return "fork"
	case RecordExec:
		return "exec"
	case RecordExit:
		return "exit"
	case RecordOpen:
		return "open"
	case RecordWrite:
		return "write"
	case RecordClose:
		return "close"
	default:
		return "unknown"
	}
}

// AuditRecord is one fully decoded audit frame. Decoding is all or
// nothing: a record either carries every token its kind requires or
// the frame was rejected, so consumers never see partial records.
type AuditRecord struct {
	Kind    uint16
	Seq     uint64 // Frame sequence number from the transport
	Drops   uint64 // Cumulative producer-side drop count at read time
	FrameID uint64

	// Subject token
	PID       uint32
	ParentPID uint32
	UID       uint32
	GID       uint32

	// Path/argv tokens (exec, open)
	Path string
	Argv []string

	// Return token (exec, exit)
	Return int32

	// Descriptor tokens (open, write, close)
	FD    int32
	Flags uint32
	Count uint64

	// Timestamp token
	Time time.Time
}

// Security event kinds emitted by the correlation engine
const (
	EventExec       = "exec"
	EventExecFailed = "exec-failed"
	EventFileWrite  = "file-write"
)

// Degradation reasons recorded on events emitted with incomplete data
const (
	DegradedGap             = "gap"
	DegradedOrphanClose     = "orphan-close"
	DegradedChecksumTimeout = "checksum-timeout"
)

// Redactable field names understood by SecurityEvent.Redact
const (
	FieldArgv     = "argv"
	FieldPath     = "path"
	FieldChecksum = "checksum"
	FieldUsername = "username"
	FieldAncestry = "ancestry"
)

// SecurityEvent is a point-in-time snapshot of the process and file
// state relevant to one logical event. It is built by copying out of
// the process table and never aliases live state; once handed to the
// sink it must not change.
type SecurityEvent struct {
	Kind string    `json:"kind"`
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`

	// Subject process
	PID        uint32   `json:"pid"`
	Generation uint32   `json:"generation"`
	UID        uint32   `json:"uid"`
	GID        uint32   `json:"gid"`
	Username   string   `json:"username,omitempty"`
	Image      string   `json:"image,omitempty"`
	Argv       []string `json:"argv,omitempty"`

	// Ancestry: image paths from the parent upward, nearest first.
	// Partial means the walk hit an evicted or never-seen ancestor.
	Ancestry        []string `json:"ancestry,omitempty"`
	AncestryPartial bool     `json:"ancestry_partial,omitempty"`

	// exec-failed only
	ReturnStatus int32 `json:"return_status,omitempty"`

	// file-write only
	Path         string `json:"path,omitempty"`
	FD           int32  `json:"fd,omitempty"`
	BytesWritten uint64 `json:"bytes_written,omitempty"`
	WriteCount   uint32 `json:"write_count,omitempty"`

	Checksum string `json:"checksum,omitempty"`

	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// Clone returns a deep copy of the event. Slices are copied so the
// clone shares no memory with the original.
func (ev *SecurityEvent) Clone() *SecurityEvent {
	out := *ev
	if ev.Argv != nil {
		out.Argv = append([]string(nil), ev.Argv...)
	}
	if ev.Ancestry != nil {
		out.Ancestry = append([]string(nil), ev.Ancestry...)
	}
	return &out
}

// Redact returns a copy of the event with the named fields stripped.
// Unknown field names are ignored.
func (ev *SecurityEvent) Redact(fields []string) *SecurityEvent {
	out := ev.Clone()
	for _, f := range fields {
		switch f {
		case FieldArgv:
			out.Argv = nil
		case FieldPath:
			out.Path = ""
		case FieldChecksum:
			out.Checksum = ""
		case FieldUsername:
			out.Username = ""
		case FieldAncestry:
			out.Ancestry = nil
			out.AncestryPartial = false
		}
	}
	return out
}
