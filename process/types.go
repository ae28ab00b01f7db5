package process

import "time"

// ID identifies one process lifetime. A raw pid is ambiguous the
// moment the kernel reuses it; the generation counter disambiguates
// distinct lifetimes sharing a pid number.
type ID struct {
	PID        uint32
	Generation uint32
}

// FileHandle tracks one open descriptor inside its owning Entry. A
// handle belongs to exactly one entry's table at a time, mirroring the
// kernel's view of the descriptor.
type FileHandle struct {
	FD           int32
	Path         string
	Flags        uint32
	BytesWritten uint64
	WriteCount   uint32

	// OpenSeen is false for handles reconstructed from a write or
	// close that arrived without its open (lost in a gap).
	OpenSeen bool
	// Degraded marks handles whose join state spans a detected
	// sequence gap.
	Degraded bool
	// Emitted marks handles whose join was already flushed early
	// (gap handling); their eventual close mutates state only.
	Emitted bool

	OpenedAt time.Time
}

// Entry holds the tracked state of one process lifetime.
type Entry struct {
	PID        uint32
	Generation uint32

	// Parent is a back-reference for ancestry walks only; the table
	// does not own it and it may already be evicted.
	Parent *Entry

	Image    string
	Argv     []string
	UID      uint32
	GID      uint32
	Username string

	// Image checksum verdict, filled in lazily once the checksum job
	// for the exec completes.
	Checksum string

	Files map[int32]*FileHandle

	StartTime  time.Time
	ExitTime   time.Time
	Exited     bool
	ExitStatus int32

	// evicted entries stay reachable through back-references already
	// held elsewhere but are dead for lookups and ancestry walks.
	evicted bool
}

// ID returns the entry's (pid, generation) identity.
func (e *Entry) ID() ID {
	return ID{PID: e.PID, Generation: e.Generation}
}

// Evicted reports whether the entry was removed from the table.
func (e *Entry) Evicted() bool {
	return e.evicted
}
