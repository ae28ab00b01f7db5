// Package correlate joins decoded audit records into logical security
// events. It consumes records strictly in frame-sequence order on one
// goroutine; the only concurrency it tolerates is the checksum worker
// running behind it.
package correlate

import (
	"log"
	"time"

	"github.com/jnesss/auditmon/checksum"
	"github.com/jnesss/auditmon/policy"
	"github.com/jnesss/auditmon/process"
	"github.com/jnesss/auditmon/sink"
	"github.com/jnesss/auditmon/types"
)

// Gap policies
const (
	GapEmitPartial = "emit-partial"
	GapDrop        = "drop"
)

// Config holds the engine's fixed knobs.
type Config struct {
	// GapPolicy decides whether gap-degraded events are emitted
	// (GapEmitPartial, the default) or dropped (GapDrop).
	GapPolicy string
}

// Counters track engine activity for the shutdown summary.
type Counters struct {
	Records          uint64
	Gaps             uint64
	Emitted          uint64
	Degraded         uint64
	DroppedDegraded  uint64
	Suppressed       uint64
	Redacted         uint64
	PolicyErrors     uint64
	SinkErrors       uint64
	ChecksumTimeouts uint64
	StaleHandles     uint64
}

// pendingEvent is an assembled event waiting on its checksum job
// before emission. Pending events flush strictly in FIFO order so the
// output sequence matches the input sequence.
type pendingEvent struct {
	event *types.SecurityEvent
	job   *checksum.Job
	entry *process.Entry // exec events: verdict is cached on the entry
}

// Engine is the correlation core. Not safe for concurrent use; one
// goroutine drives it end to end.
type Engine struct {
	table  *process.Table
	checks *checksum.Worker
	pol    policy.Engine
	sk     sink.EventSink
	cfg    Config

	haveSeq   bool
	lastSeq   uint64
	lastDrops uint64

	pending []*pendingEvent

	Stats Counters
}

// NewEngine wires the engine to its collaborators. A nil policy
// passes everything.
func NewEngine(table *process.Table, checks *checksum.Worker, pol policy.Engine, sk sink.EventSink, cfg Config) *Engine {
	if pol == nil {
		pol = policy.PassAll{}
	}
	if cfg.GapPolicy == "" {
		cfg.GapPolicy = GapEmitPartial
	}
	return &Engine{
		table:  table,
		checks: checks,
		pol:    pol,
		sk:     sk,
		cfg:    cfg,
	}
}

// Table exposes the process table for read-side observers.
func (e *Engine) Table() *process.Table {
	return e.table
}

// HandleRecord consumes one decoded record: gap check, state
// mutation, join progress, emission.
func (e *Engine) HandleRecord(rec *types.AuditRecord) {
	e.Stats.Records++
	e.checkGap(rec)

	switch rec.Kind {
	case types.RecordFork:
		e.table.Fork(rec.ParentPID, rec.PID, rec.UID, rec.GID, rec.Time)

	case types.RecordExec:
		e.handleExec(rec)

	case types.RecordExit:
		e.handleExit(rec)

	case types.RecordOpen:
		e.handleOpen(rec)

	case types.RecordWrite:
		e.table.Write(rec.PID, rec.FD, rec.Count, rec.Time)

	case types.RecordClose:
		e.handleClose(rec)
	}

	e.flushPending(false)
}

// checkGap detects a sequence discontinuity or a producer drop-count
// increase. Every in-flight join touching the gap is degraded and
// flushed early: its close record may have fallen in the gap, and a
// join must never be held indefinitely for tokens that will not
// arrive. The eventual close, if it does show up, mutates state only.
func (e *Engine) checkGap(rec *types.AuditRecord) {
	gap := false
	if e.haveSeq && rec.Seq != e.lastSeq+1 {
		gap = true
	}
	if rec.Drops > e.lastDrops {
		gap = true
	}
	e.haveSeq = true
	e.lastSeq = rec.Seq
	e.lastDrops = rec.Drops

	if !gap {
		return
	}
	e.Stats.Gaps++
	for _, of := range e.table.DegradeOpenHandles() {
		h := of.Handle
		if h.Emitted || h.WriteCount == 0 {
			continue
		}
		ev := e.fileEvent(rec.Seq, rec.Time, of.Entry, h)
		ev.Degraded = true
		ev.DegradedReason = types.DegradedGap
		h.Emitted = true
		e.enqueue(ev, nil, nil)
	}
}

// handleExec assembles the path, argv, subject and return tokens of
// one exec frame into a single table mutation and one event. A failed
// exec leaves image identity untouched and reports what was attempted.
func (e *Engine) handleExec(rec *types.AuditRecord) {
	if rec.Return != 0 {
		ev := e.snapshot(types.EventExecFailed, rec, nil)
		ev.Image = rec.Path
		ev.Argv = append([]string(nil), rec.Argv...)
		ev.ReturnStatus = rec.Return
		if cur, ok := e.table.Lookup(rec.PID); ok {
			ev.Generation = cur.Generation
		}
		e.enqueue(ev, nil, nil)
		return
	}

	entry := e.table.Exec(rec.PID, rec.Path, rec.Argv, rec.UID, rec.GID, rec.Time)
	ev := e.snapshot(types.EventExec, rec, entry)

	var job *checksum.Job
	if e.checks != nil && rec.Path != "" {
		job = e.checks.Submit(rec.Path)
	}
	e.enqueue(ev, job, entry)
}

func (e *Engine) handleOpen(rec *types.AuditRecord) {
	// A reopen superseding a pending checksum invalidates that job:
	// the content it would have hashed is no longer final.
	e.supersedePending(rec.Path)

	entry, _, stale := e.table.Open(rec.PID, rec.FD, rec.Path, rec.Flags, rec.Time)
	if stale != nil {
		// The fd was reused without a close record; the old handle's
		// close was lost.
		e.Stats.StaleHandles++
		if !stale.Emitted && stale.WriteCount > 0 {
			ev := e.fileEvent(rec.Seq, rec.Time, entry, stale)
			ev.Degraded = true
			ev.DegradedReason = types.DegradedGap
			stale.Emitted = true
			e.enqueue(ev, nil, nil)
		}
	}
}

func (e *Engine) handleClose(rec *types.AuditRecord) {
	entry, h := e.table.Close(rec.PID, rec.FD, rec.Time)
	if h == nil {
		// Close with no tracked open, e.g. after a gap: still emit,
		// marked degraded, rather than dropping the observation.
		ev := e.snapshot(types.EventFileWrite, rec, entry)
		ev.FD = rec.FD
		ev.Degraded = true
		ev.DegradedReason = types.DegradedOrphanClose
		e.enqueue(ev, nil, nil)
		return
	}
	if h.Emitted {
		return // join already flushed early
	}
	e.emitFileClose(rec.Seq, rec.Time, entry, h)
}

// emitFileClose finishes a join at its terminal close. The checksum
// is computed now, never earlier: content is final only at close.
func (e *Engine) emitFileClose(seq uint64, ts time.Time, entry *process.Entry, h *process.FileHandle) {
	ev := e.fileEvent(seq, ts, entry, h)
	if h.Degraded || !h.OpenSeen {
		ev.Degraded = true
		ev.DegradedReason = types.DegradedGap
	}

	var job *checksum.Job
	if e.checks != nil && !ev.Degraded && h.Path != "" && h.WriteCount > 0 {
		job = e.checks.Submit(h.Path)
	}
	e.enqueue(ev, job, nil)
}

// handleExit marks the entry exited and force-closes its descriptors.
// The kernel closed those files at exit, so joins with accumulated
// writes are finished here exactly as a close record would have.
func (e *Engine) handleExit(rec *types.AuditRecord) {
	entry, closed := e.table.Exit(rec.PID, rec.Return, rec.Time)
	for _, h := range closed {
		if h.Emitted || h.WriteCount == 0 {
			continue
		}
		e.emitFileClose(rec.Seq, rec.Time, entry, h)
	}
}

// supersedePending cancels pending checksum jobs for path, exec and
// file-write alike: once the path is open again the content a job
// would hash is no longer what the event observed. The events
// themselves still emit, without a checksum; a stale checksum is
// never reported.
func (e *Engine) supersedePending(path string) {
	if path == "" {
		return
	}
	for _, p := range e.pending {
		if p.job != nil && p.job.Path == path {
			p.job.Cancel()
			p.job = nil
		}
	}
}

// snapshot copies the fields every event carries out of the table.
// Events never alias live state.
func (e *Engine) snapshot(kind string, rec *types.AuditRecord, entry *process.Entry) *types.SecurityEvent {
	ev := &types.SecurityEvent{
		Kind: kind,
		Seq:  rec.Seq,
		Time: rec.Time,
		PID:  rec.PID,
		UID:  rec.UID,
		GID:  rec.GID,
	}
	if entry != nil {
		ev.Generation = entry.Generation
		ev.Image = entry.Image
		ev.Username = entry.Username
		ev.Argv = append([]string(nil), entry.Argv...)
	}
	ev.Ancestry, ev.AncestryPartial = e.table.Ancestry(rec.PID)
	return ev
}

// fileEvent snapshots a finished (or degraded) file join.
func (e *Engine) fileEvent(seq uint64, ts time.Time, entry *process.Entry, h *process.FileHandle) *types.SecurityEvent {
	ev := &types.SecurityEvent{
		Kind:         types.EventFileWrite,
		Seq:          seq,
		Time:         ts,
		PID:          entry.PID,
		Generation:   entry.Generation,
		UID:          entry.UID,
		GID:          entry.GID,
		Username:     entry.Username,
		Image:        entry.Image,
		Path:         h.Path,
		FD:           h.FD,
		BytesWritten: h.BytesWritten,
		WriteCount:   h.WriteCount,
	}
	ev.Ancestry, ev.AncestryPartial = e.table.Ancestry(entry.PID)
	return ev
}

// enqueue appends an event to the pending FIFO. Events without a
// checksum job are still queued so emission order matches record
// order.
func (e *Engine) enqueue(ev *types.SecurityEvent, job *checksum.Job, entry *process.Entry) {
	e.pending = append(e.pending, &pendingEvent{event: ev, job: job, entry: entry})
}

// flushPending emits ready events from the head of the queue. An
// event is ready when it has no job, its job finished, or its job's
// deadline passed (the event then goes out degraded and a result
// arriving later is discarded). With block set the flush waits out
// every deadline; the loop uses that at shutdown.
func (e *Engine) flushPending(block bool) {
	for len(e.pending) > 0 {
		p := e.pending[0]
		if p.job != nil && !e.resolveJob(p, block) {
			return
		}
		e.pending = e.pending[1:]
		e.emit(p.event)
	}
}

// resolveJob fills the event's checksum from a finished job, degrades
// it on timeout, or reports not-ready.
func (e *Engine) resolveJob(p *pendingEvent, block bool) bool {
	finish := func() {
		sum, err := p.job.Result()
		if err != nil {
			log.Printf("Checksum failed for %s: %v", p.job.Path, err)
		} else if sum != "" {
			p.event.Checksum = sum
			if p.entry != nil {
				p.entry.Checksum = sum
			}
		}
		p.job = nil
	}
	timeout := func() {
		p.job.Cancel()
		p.job = nil
		e.Stats.ChecksumTimeouts++
		p.event.Degraded = true
		if p.event.DegradedReason == "" {
			p.event.DegradedReason = types.DegradedChecksumTimeout
		}
	}

	select {
	case <-p.job.Done():
		finish()
		return true
	default:
	}

	wait := time.Until(p.job.Deadline)
	if wait <= 0 {
		timeout()
		return true
	}
	if !block {
		return false
	}
	select {
	case <-p.job.Done():
		finish()
	case <-time.After(wait):
		timeout()
	}
	return true
}

// emit consults policy and hands the event to the sink. Policy runs
// after all state mutation and filters emission only; it never rolls
// the table back.
func (e *Engine) emit(ev *types.SecurityEvent) {
	if ev.Degraded {
		e.Stats.Degraded++
		gapDerived := ev.DegradedReason == types.DegradedGap ||
			ev.DegradedReason == types.DegradedOrphanClose
		if gapDerived && e.cfg.GapPolicy == GapDrop {
			e.Stats.DroppedDegraded++
			return
		}
	}

	dec, err := e.pol.Evaluate(ev)
	if err != nil {
		// Fail open: a policy bug must never suppress detection.
		log.Printf("Policy error, passing event through: %v", err)
		e.Stats.PolicyErrors++
		dec = policy.Decision{Action: policy.Pass}
	}
	switch dec.Action {
	case policy.Suppress:
		e.Stats.Suppressed++
		return
	case policy.Redact:
		ev = ev.Redact(dec.RedactFields)
		e.Stats.Redacted++
	}

	if err := e.sk.Emit(ev); err != nil {
		log.Printf("Sink error, event dropped: %v", err)
		e.Stats.SinkErrors++
		return
	}
	e.Stats.Emitted++
}

// FlushExpired emits pending events whose checksum deadlines have
// already passed. The event loop calls it on a timer so a quiet stream
// still converts a stalled checksum into a degraded event promptly
// instead of waiting for the next record. Same goroutine discipline as
// HandleRecord.
func (e *Engine) FlushExpired() {
	e.flushPending(false)
}

// Flush drains the pending queue, waiting out checksum deadlines.
// Called once at shutdown after the in-flight frame completes.
func (e *Engine) Flush() {
	e.flushPending(true)
}
