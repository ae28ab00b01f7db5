// Package process maintains the authoritative table of process state
// reconstructed from the audit stream. Identity is always
// (pid, generation), never pid alone.
package process

import (
	"fmt"
	"os/user"
	"sort"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the table when no ceiling is configured.
const DefaultMaxEntries = 16384

// Table is the process state store. Mutation happens only on the
// single correlation goroutine; the lock exists for read-side
// observers (shutdown summary, future introspection).
type Table struct {
	mu      sync.RWMutex
	current map[uint32]*Entry // current generation per pid
	lastGen map[uint32]uint32 // highest generation ever issued per pid
	exited  []*Entry          // oldest-exited first, eviction order
	stale   int               // displaced entries still sitting in exited
	max     int

	// Evictions counts entries removed because the table hit its
	// size ceiling.
	Evictions uint64
}

// NewTable creates a table with the given size ceiling. A ceiling of
// zero or less selects DefaultMaxEntries.
func NewTable(maxEntries int) *Table {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Table{
		current: make(map[uint32]*Entry),
		lastGen: make(map[uint32]uint32),
		max:     maxEntries,
	}
}

// Len returns the number of tracked entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.current)
}

// genesis creates a fresh-generation entry for pid, displacing any
// stale entry still tracked under that pid number. Returns the new
// entry and the force-closed handles of the displaced one.
func (t *Table) genesis(pid uint32, ts time.Time) (*Entry, []*FileHandle) {
	var displaced []*FileHandle
	if old, ok := t.current[pid]; ok {
		displaced = t.detachHandles(old)
		if old.Exited {
			// Already queued for eviction; compactExited reclaims the
			// dead slot so pid cycling cannot grow the queue forever.
			t.stale++
		} else {
			// Pid reuse implies the old lifetime ended even if its
			// exit record was lost; mark it so, without fabricating
			// an exit status.
			old.Exited = true
			old.ExitTime = ts
		}
		old.evicted = true
		delete(t.current, pid)
		t.compactExited()
	}

	gen := t.lastGen[pid] + 1
	t.lastGen[pid] = gen
	e := &Entry{
		PID:        pid,
		Generation: gen,
		Files:      make(map[int32]*FileHandle),
		StartTime:  ts,
	}
	t.current[pid] = e
	t.evictOverflow()
	return e, displaced
}

// Fork creates the child entry for a fork record. The child inherits
// the parent's image identity until an exec replaces it.
func (t *Table) Fork(parentPID, childPID, uid, gid uint32, ts time.Time) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent := t.current[parentPID]
	child, _ := t.genesis(childPID, ts)
	child.UID = uid
	child.GID = gid
	child.Username = usernameForUID(uid)
	if parent != nil {
		child.Parent = parent
		child.Image = parent.Image
	}
	return child
}

// Exec replaces the image identity of pid's current generation. A pid
// never seen before gets a genesis entry: the stream may simply have
// started after its fork.
func (t *Table) Exec(pid uint32, image string, argv []string, uid, gid uint32, ts time.Time) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.current[pid]
	if !ok || e.Exited {
		e, _ = t.genesis(pid, ts)
	}
	e.Image = image
	e.Argv = append([]string(nil), argv...)
	e.UID = uid
	e.GID = gid
	e.Username = usernameForUID(uid)
	e.Checksum = "" // verdict belongs to the old image
	return e
}

// Open records a descriptor open. If the fd is already occupied the
// stale handle is force-closed and returned: its close record was
// lost, and the kernel's view says the descriptor was reused.
func (t *Table) Open(pid uint32, fd int32, path string, flags uint32, ts time.Time) (*Entry, *FileHandle, *FileHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.current[pid]
	if !ok || e.Exited {
		e, _ = t.genesis(pid, ts)
	}
	stale := e.Files[fd]
	h := &FileHandle{
		FD:       fd,
		Path:     path,
		Flags:    flags,
		OpenSeen: true,
		OpenedAt: ts,
	}
	e.Files[fd] = h
	return e, h, stale
}

// Write accumulates written bytes on an open handle. A write against
// an unknown fd reconstructs a degraded handle rather than being
// dropped: the open was lost, the bytes were not.
func (t *Table) Write(pid uint32, fd int32, n uint64, ts time.Time) (*Entry, *FileHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.current[pid]
	if !ok || e.Exited {
		e, _ = t.genesis(pid, ts)
	}
	h, ok := e.Files[fd]
	if !ok {
		h = &FileHandle{FD: fd, OpenSeen: false, Degraded: true, OpenedAt: ts}
		e.Files[fd] = h
	}
	h.BytesWritten += n
	h.WriteCount++
	return e, h
}

// Close removes a handle from its entry's descriptor table. The
// returned handle is nil when no open was ever tracked for the fd.
func (t *Table) Close(pid uint32, fd int32, ts time.Time) (*Entry, *FileHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.current[pid]
	if !ok || e.Exited {
		e, _ = t.genesis(pid, ts)
	}
	h, ok := e.Files[fd]
	if !ok {
		return e, nil
	}
	delete(e.Files, fd)
	return e, h
}

// Exit marks the current generation exited and force-closes its open
// handles. The entry stays in the table, reachable under its pid,
// until eviction or pid reuse displaces it.
func (t *Table) Exit(pid uint32, status int32, ts time.Time) (*Entry, []*FileHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.current[pid]
	if !ok {
		e, _ = t.genesis(pid, ts)
	}
	closed := t.detachHandles(e)
	e.Exited = true
	e.ExitStatus = status
	e.ExitTime = ts
	t.exited = append(t.exited, e)
	return e, closed
}

// Lookup resolves pid to its current generation only. Stale
// generations are reachable solely through back-references already
// held by in-flight correlation state.
func (t *Table) Lookup(pid uint32) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.current[pid]
	return e, ok
}

// Ancestry walks parent back-references upward from pid, returning
// ancestor image paths nearest-first. The walk stops at the first
// missing or evicted ancestor and reports the result partial; it is
// complete only when it reaches pid 1.
func (t *Table) Ancestry(pid uint32) ([]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.current[pid]
	if !ok {
		return nil, true
	}
	var chain []string
	for p := e.Parent; p != nil; p = p.Parent {
		if p.evicted {
			return chain, true
		}
		chain = append(chain, p.Image)
		if p.PID == 1 {
			return chain, false
		}
	}
	return chain, true
}

// OpenFile pairs a handle with its owning entry.
type OpenFile struct {
	Entry  *Entry
	Handle *FileHandle
}

// DegradeOpenHandles flags every in-flight handle in the table and
// returns the newly degraded ones, ordered by (pid, fd) so callers
// behave deterministically. Called on a detected sequence gap: any
// join spanning the gap can no longer be trusted to be complete.
func (t *Table) DegradeOpenHandles() []OpenFile {
	t.mu.Lock()
	defer t.mu.Unlock()

	var touched []OpenFile
	for _, e := range t.current {
		for _, h := range e.Files {
			if !h.Degraded {
				h.Degraded = true
				touched = append(touched, OpenFile{Entry: e, Handle: h})
			}
		}
	}
	sort.Slice(touched, func(i, j int) bool {
		if touched[i].Entry.PID != touched[j].Entry.PID {
			return touched[i].Entry.PID < touched[j].Entry.PID
		}
		return touched[i].Handle.FD < touched[j].Handle.FD
	})
	return touched
}

// detachHandles empties an entry's descriptor table and returns the
// handles that were still open.
func (t *Table) detachHandles(e *Entry) []*FileHandle {
	if len(e.Files) == 0 {
		return nil
	}
	closed := make([]*FileHandle, 0, len(e.Files))
	for _, h := range e.Files {
		closed = append(closed, h)
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].FD < closed[j].FD })
	e.Files = make(map[int32]*FileHandle)
	return closed
}

// evictOverflow removes oldest-exited entries until the table is back
// under its ceiling. Live entries are never evicted; under a storm of
// never-exiting processes the table grows and ancestry completeness
// is what we trade away, not ground truth.
func (t *Table) evictOverflow() {
	for len(t.current) > t.max && len(t.exited) > 0 {
		victim := t.exited[0]
		t.exited = t.exited[1:]
		if victim.evicted {
			t.stale--
			continue // already displaced by pid reuse
		}
		victim.evicted = true
		victim.Files = nil
		if t.current[victim.PID] == victim {
			delete(t.current, victim.PID)
		}
		t.Evictions++
	}
}

// compactExited rebuilds the eviction queue once displaced entries
// outnumber live ones in it. Displacement only marks entries evicted in
// place; reclaiming lazily keeps genesis amortized O(1) while bounding
// the queue to twice its useful size.
func (t *Table) compactExited() {
	if t.stale*2 <= len(t.exited) {
		return
	}
	kept := t.exited[:0]
	for _, e := range t.exited {
		if !e.evicted {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(t.exited); i++ {
		t.exited[i] = nil
	}
	t.exited = kept
	t.stale = 0
}

// Simple cache for username lookups
var (
	usernameCacheMutex sync.RWMutex
	usernameCache      = make(map[uint32]string)
)

func usernameForUID(uid uint32) string {
	usernameCacheMutex.RLock()
	if username, ok := usernameCache[uid]; ok {
		usernameCacheMutex.RUnlock()
		return username
	}
	usernameCacheMutex.RUnlock()

	var username string
	if u, err := user.LookupId(fmt.Sprintf("%d", uid)); err == nil {
		username = u.Username
	}
	usernameCacheMutex.Lock()
	usernameCache[uid] = username
	usernameCacheMutex.Unlock()
	return username
}
