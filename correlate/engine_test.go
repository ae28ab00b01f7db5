package correlate

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jnesss/auditmon/checksum"
	"github.com/jnesss/auditmon/policy"
	"github.com/jnesss/auditmon/process"
	"github.com/jnesss/auditmon/types"
)

var t0 = time.Unix(1700000000, 0).UTC()

// captureSink records emitted events in order.
type captureSink struct {
	events []*types.SecurityEvent
	fail   bool
}

func (s *captureSink) Emit(ev *types.SecurityEvent) error {
	if s.fail {
		return fmt.Errorf("sink unavailable")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Close() error { return nil }

// policyFunc adapts a function to the policy.Engine interface.
type policyFunc func(ev *types.SecurityEvent) (policy.Decision, error)

func (f policyFunc) Evaluate(ev *types.SecurityEvent) (policy.Decision, error) {
	return f(ev)
}

// pathHash is a deterministic fake hasher: checksums derive from the
// path, never from the filesystem.
func pathHash(path string) (string, error) {
	sum := md5.Sum([]byte(path))
	return hex.EncodeToString(sum[:]), nil
}

func newTestEngine(t *testing.T, pol policy.Engine, cfg Config) (*Engine, *captureSink) {
	t.Helper()
	w, err := checksum.NewWorker(16, 5*time.Second, pathHash)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Close)
	sk := &captureSink{}
	return NewEngine(process.NewTable(0), w, pol, sk, cfg), sk
}

// rec builds a decoded record with contiguous defaults filled by the
// caller.
type rec = types.AuditRecord

func feed(e *Engine, records []*rec) {
	for _, r := range records {
		if r.Time.IsZero() {
			r.Time = t0.Add(time.Duration(r.Seq) * time.Millisecond)
		}
		e.HandleRecord(r)
	}
	e.Flush()
}

func execSeq(seq uint64, pid uint32, path string, argv ...string) *rec {
	return &rec{Kind: types.RecordExec, Seq: seq, PID: pid, UID: 501, GID: 20, Path: path, Argv: argv}
}

func TestFileJoinAccumulatesWrites(t *testing.T) {
	e, sk := newTestEngine(t, nil, Config{})

	feed(e, []*rec{
		execSeq(1, 10, "/bin/sh", "sh"),
		{Kind: types.RecordOpen, Seq: 2, PID: 10, FD: 3, Path: "/tmp/out", Flags: 0x241},
		{Kind: types.RecordWrite, Seq: 3, PID: 10, FD: 3, Count: 10},
		{Kind: types.RecordWrite, Seq: 4, PID: 10, FD: 3, Count: 5},
		{Kind: types.RecordClose, Seq: 5, PID: 10, FD: 3},
	})

	var files []*types.SecurityEvent
	for _, ev := range sk.events {
		if ev.Kind == types.EventFileWrite {
			files = append(files, ev)
		}
	}
	if len(files) != 1 {
		t.Fatalf("got %d file events, want exactly 1", len(files))
	}
	ev := files[0]
	if ev.Path != "/tmp/out" || ev.BytesWritten != 15 || ev.WriteCount != 2 {
		t.Errorf("file event = path %q, %d bytes, %d writes; want /tmp/out, 15, 2",
			ev.Path, ev.BytesWritten, ev.WriteCount)
	}
	if ev.Degraded {
		t.Error("complete join must not be degraded")
	}
	if ev.Checksum == "" {
		t.Error("file event with writes should carry a checksum")
	}
	if ev.PID != 10 || ev.Generation == 0 {
		t.Errorf("event process reference = (%d, %d); generation must be set", ev.PID, ev.Generation)
	}
}

func TestGapDegradesTouchedJoin(t *testing.T) {
	e, sk := newTestEngine(t, nil, Config{})

	feed(e, []*rec{
		execSeq(1, 10, "/bin/sh", "sh"),
		{Kind: types.RecordOpen, Seq: 2, PID: 10, FD: 3, Path: "/tmp/out"},
		{Kind: types.RecordWrite, Seq: 3, PID: 10, FD: 3, Count: 7},
		// seq 4 lost
		{Kind: types.RecordClose, Seq: 5, PID: 10, FD: 3},
	})

	if e.Stats.Gaps != 1 {
		t.Fatalf("Gaps = %d, want 1", e.Stats.Gaps)
	}
	var files []*types.SecurityEvent
	for _, ev := range sk.events {
		if ev.Kind == types.EventFileWrite {
			files = append(files, ev)
		}
	}
	if len(files) != 1 {
		t.Fatalf("got %d file events, want exactly 1", len(files))
	}
	ev := files[0]
	if !ev.Degraded || ev.DegradedReason != types.DegradedGap {
		t.Errorf("event spanning a gap = (degraded=%v, reason=%q)", ev.Degraded, ev.DegradedReason)
	}
	if ev.Checksum != "" {
		t.Error("degraded join must not claim a definite checksum")
	}
}

func TestGapFlushesJoinWithLostClose(t *testing.T) {
	e, sk := newTestEngine(t, nil, Config{})

	records := []*rec{
		execSeq(1, 10, "/bin/sh", "sh"),
		{Kind: types.RecordOpen, Seq: 2, PID: 10, FD: 3, Path: "/tmp/held"},
		{Kind: types.RecordWrite, Seq: 3, PID: 10, FD: 3, Count: 10},
		// seq 4 and 5 lost; the close for fd 3 fell in the gap and will
		// never arrive.
		execSeq(6, 11, "/bin/ls", "ls"),
	}
	for seq := uint64(7); seq < 40; seq++ {
		records = append(records, execSeq(seq, 11, "/bin/ls", "ls"))
	}
	feed(e, records)

	var files []*types.SecurityEvent
	for _, ev := range sk.events {
		if ev.Kind == types.EventFileWrite {
			files = append(files, ev)
		}
	}
	if len(files) != 1 {
		t.Fatalf("got %d file events, want the gap-touched join flushed early", len(files))
	}
	ev := files[0]
	if !ev.Degraded || ev.DegradedReason != types.DegradedGap {
		t.Errorf("flushed join = (degraded=%v, reason=%q)", ev.Degraded, ev.DegradedReason)
	}
	if ev.Path != "/tmp/held" || ev.BytesWritten != 10 {
		t.Errorf("flushed join = path %q, %d bytes; want /tmp/held, 10", ev.Path, ev.BytesWritten)
	}
	if ev.Checksum != "" {
		t.Error("degraded join must not claim a checksum")
	}
}

func TestDropCounterIncreaseIsAGap(t *testing.T) {
	e, _ := newTestEngine(t, nil, Config{})

	feed(e, []*rec{
		execSeq(1, 10, "/bin/sh", "sh"),
		{Kind: types.RecordOpen, Seq: 2, PID: 10, FD: 3, Path: "/tmp/out", Drops: 4},
	})

	if e.Stats.Gaps != 1 {
		t.Errorf("Gaps = %d, want 1 from producer drop counter", e.Stats.Gaps)
	}
}

func TestOrphanCloseStillEmits(t *testing.T) {
	e, sk := newTestEngine(t, nil, Config{})

	feed(e, []*rec{
		execSeq(1, 10, "/bin/sh", "sh"),
		// The open was lost before the stream started tracking it.
		{Kind: types.RecordClose, Seq: 2, PID: 10, FD: 8},
	})

	var ev *types.SecurityEvent
	for _, e := range sk.events {
		if e.Kind == types.EventFileWrite {
			ev = e
		}
	}
	if ev == nil {
		t.Fatal("orphan close should emit, not be dropped")
	}
	if !ev.Degraded || ev.DegradedReason != types.DegradedOrphanClose {
		t.Errorf("orphan close = (degraded=%v, reason=%q)", ev.Degraded, ev.DegradedReason)
	}
	if ev.BytesWritten != 0 {
		t.Errorf("orphan close claims %d bytes, must claim none", ev.BytesWritten)
	}
}

func TestGapPolicyDropDiscardsDegraded(t *testing.T) {
	e, sk := newTestEngine(t, nil, Config{GapPolicy: GapDrop})

	feed(e, []*rec{
		execSeq(1, 10, "/bin/sh", "sh"),
		{Kind: types.RecordClose, Seq: 2, PID: 10, FD: 8},
	})

	for _, ev := range sk.events {
		if ev.Kind == types.EventFileWrite {
			t.Fatal("gap-degraded event emitted under drop policy")
		}
	}
	if e.Stats.DroppedDegraded != 1 {
		t.Errorf("DroppedDegraded = %d, want 1", e.Stats.DroppedDegraded)
	}
}

func TestExecEmitsOneEventWithChecksum(t *testing.T) {
	e, sk := newTestEngine(t, nil, Config{})

	feed(e, []*rec{
		{Kind: types.RecordFork, Seq: 1, PID: 10, ParentPID: 1, UID: 501, GID: 20},
		execSeq(2, 10, "/usr/bin/curl", "curl", "-s", "https://example.com"),
	})

	if len(sk.events) != 1 {
		t.Fatalf("got %d events, want 1 exec event (fork is state-only)", len(sk.events))
	}
	ev := sk.events[0]
	if ev.Kind != types.EventExec {
		t.Fatalf("event kind = %q", ev.Kind)
	}
	if ev.Image != "/usr/bin/curl" || len(ev.Argv) != 3 {
		t.Errorf("exec event = image %q argv %v", ev.Image, ev.Argv)
	}
	want, _ := pathHash("/usr/bin/curl")
	if ev.Checksum != want {
		t.Errorf("checksum = %q, want %q", ev.Checksum, want)
	}

	// The verdict lands on the entry too, for later events.
	entry, _ := e.Table().Lookup(10)
	if entry.Checksum != want {
		t.Errorf("entry checksum = %q, want %q", entry.Checksum, want)
	}
}

func TestFailedExecDoesNotMutateImage(t *testing.T) {
	e, sk := newTestEngine(t, nil, Config{})

	feed(e, []*rec{
		execSeq(1, 10, "/bin/sh", "sh"),
		{Kind: types.RecordExec, Seq: 2, PID: 10, UID: 501, GID: 20,
			Path: "/root/blocked", Argv: []string{"blocked"}, Return: -13},
	})

	var failed *types.SecurityEvent
	for _, ev := range sk.events {
		if ev.Kind == types.EventExecFailed {
			failed = ev
		}
	}
	if failed == nil {
		t.Fatal("no exec-failed event emitted")
	}
	if failed.Image != "/root/blocked" || failed.ReturnStatus != -13 {
		t.Errorf("exec-failed = image %q status %d", failed.Image, failed.ReturnStatus)
	}

	entry, _ := e.Table().Lookup(10)
	if entry.Image != "/bin/sh" {
		t.Errorf("failed exec mutated image identity to %q", entry.Image)
	}
}

func TestSuppressedEventNeverReachesSink(t *testing.T) {
	pol := policyFunc(func(ev *types.SecurityEvent) (policy.Decision, error) {
		if ev.Path == "/etc/shadow" {
			return policy.Decision{Action: policy.Suppress}, nil
		}
		return policy.Decision{Action: policy.Pass}, nil
	})
	e, sk := newTestEngine(t, pol, Config{})

	feed(e, []*rec{
		execSeq(1, 10, "/bin/sh", "sh"),
		{Kind: types.RecordOpen, Seq: 2, PID: 10, FD: 3, Path: "/etc/shadow"},
		{Kind: types.RecordWrite, Seq: 3, PID: 10, FD: 3, Count: 9},
		{Kind: types.RecordClose, Seq: 4, PID: 10, FD: 3},
	})

	for _, ev := range sk.events {
		if ev.Path == "/etc/shadow" {
			t.Fatal("suppressed event reached the sink")
		}
	}
	if e.Stats.Suppressed != 1 {
		t.Errorf("Suppressed = %d, want 1", e.Stats.Suppressed)
	}

	// Ground truth is not filtered: the table saw the close.
	entry, _ := e.Table().Lookup(10)
	if len(entry.Files) != 0 {
		t.Error("descriptor table should reflect the close despite suppression")
	}
}

func TestRedactStripsFieldsOnEmissionOnly(t *testing.T) {
	pol := policyFunc(func(ev *types.SecurityEvent) (policy.Decision, error) {
		if ev.Kind == types.EventExec {
			return policy.Decision{Action: policy.Redact,
				RedactFields: []string{types.FieldArgv, types.FieldUsername}}, nil
		}
		return policy.Decision{Action: policy.Pass}, nil
	})
	e, sk := newTestEngine(t, pol, Config{})

	feed(e, []*rec{
		execSeq(1, 10, "/usr/bin/ssh", "ssh", "user@host"),
	})

	if len(sk.events) != 1 {
		t.Fatalf("got %d events", len(sk.events))
	}
	if sk.events[0].Argv != nil {
		t.Error("redacted argv still present on emitted event")
	}
	if sk.events[0].Image != "/usr/bin/ssh" {
		t.Error("redaction stripped a field policy did not name")
	}

	entry, _ := e.Table().Lookup(10)
	if len(entry.Argv) != 2 {
		t.Error("redaction must not touch table state")
	}
}

func TestPolicyErrorFailsOpen(t *testing.T) {
	pol := policyFunc(func(ev *types.SecurityEvent) (policy.Decision, error) {
		return policy.Decision{Action: policy.Suppress}, fmt.Errorf("rule engine broke")
	})
	e, sk := newTestEngine(t, pol, Config{})

	feed(e, []*rec{execSeq(1, 10, "/bin/sh", "sh")})

	if len(sk.events) != 1 {
		t.Fatal("policy error must fail open as pass, not suppress")
	}
	if e.Stats.PolicyErrors != 1 {
		t.Errorf("PolicyErrors = %d, want 1", e.Stats.PolicyErrors)
	}
}

func TestSinkErrorDoesNotHaltCorrelation(t *testing.T) {
	e, sk := newTestEngine(t, nil, Config{})
	sk.fail = true

	feed(e, []*rec{
		execSeq(1, 10, "/bin/sh", "sh"),
		execSeq(2, 11, "/bin/ls", "ls"),
	})

	if e.Stats.SinkErrors != 2 {
		t.Errorf("SinkErrors = %d, want 2", e.Stats.SinkErrors)
	}
	if _, ok := e.Table().Lookup(11); !ok {
		t.Error("correlation stopped after sink error")
	}
}

func TestChecksumRestartOnReopenBeforeCompletion(t *testing.T) {
	var mu sync.Mutex
	content := "v1"
	gate := make(chan struct{})
	hasher := func(path string) (string, error) {
		<-gate
		mu.Lock()
		defer mu.Unlock()
		return content, nil
	}
	w, err := checksum.NewWorker(16, 5*time.Second, hasher)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	sk := &captureSink{}
	e := NewEngine(process.NewTable(0), w, nil, sk, Config{})

	step := func(r *rec) {
		r.Time = t0.Add(time.Duration(r.Seq) * time.Millisecond)
		e.HandleRecord(r)
	}

	step(execSeq(1, 10, "/bin/sh", "sh"))
	step(&rec{Kind: types.RecordOpen, Seq: 2, PID: 10, FD: 3, Path: "/tmp/payload"})
	step(&rec{Kind: types.RecordWrite, Seq: 3, PID: 10, FD: 3, Count: 4})
	step(&rec{Kind: types.RecordClose, Seq: 4, PID: 10, FD: 3})
	// First checksum job is now pending behind the gate. Reopening
	// the same path supersedes it.
	step(&rec{Kind: types.RecordOpen, Seq: 5, PID: 10, FD: 4, Path: "/tmp/payload"})
	step(&rec{Kind: types.RecordWrite, Seq: 6, PID: 10, FD: 4, Count: 2})
	mu.Lock()
	content = "v2"
	mu.Unlock()
	step(&rec{Kind: types.RecordClose, Seq: 7, PID: 10, FD: 4})
	close(gate)
	e.Flush()

	var files []*types.SecurityEvent
	for _, ev := range sk.events {
		if ev.Kind == types.EventFileWrite {
			files = append(files, ev)
		}
	}
	if len(files) != 2 {
		t.Fatalf("got %d file events, want 2", len(files))
	}

	var sums []string
	for _, ev := range files {
		if ev.Checksum != "" {
			sums = append(sums, ev.Checksum)
		}
	}
	if len(sums) != 1 {
		t.Fatalf("got %d checksums, want exactly 1 (stale one discarded)", len(sums))
	}
	if sums[0] != "v2" {
		t.Errorf("checksum = %q, must reflect content at the second close", sums[0])
	}
	if files[1].Checksum != "v2" {
		t.Error("the surviving checksum must belong to the second close's event")
	}
}

func TestReopenSupersedesExecChecksum(t *testing.T) {
	gate := make(chan struct{})
	hasher := func(path string) (string, error) {
		<-gate
		return "mutated", nil
	}
	w, err := checksum.NewWorker(16, 5*time.Second, hasher)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		close(gate)
		w.Close()
	}()
	sk := &captureSink{}
	e := NewEngine(process.NewTable(0), w, nil, sk, Config{})

	step := func(r *rec) {
		r.Time = t0.Add(time.Duration(r.Seq) * time.Millisecond)
		e.HandleRecord(r)
	}

	// The exec's checksum job is pending behind the gate when another
	// process opens the same path for writing.
	step(execSeq(1, 10, "/tmp/dropper", "dropper"))
	step(&rec{Kind: types.RecordOpen, Seq: 2, PID: 11, FD: 3, Path: "/tmp/dropper", Flags: 0x241})
	e.Flush()

	var execs []*types.SecurityEvent
	for _, ev := range sk.events {
		if ev.Kind == types.EventExec {
			execs = append(execs, ev)
		}
	}
	if len(execs) != 1 {
		t.Fatalf("got %d exec events, want 1", len(execs))
	}
	if execs[0].Checksum != "" {
		t.Errorf("exec checksum = %q; content mutated after exec, no sum is trustworthy", execs[0].Checksum)
	}
	entry, _ := e.Table().Lookup(10)
	if entry.Checksum != "" {
		t.Errorf("entry cached checksum %q from a superseded job", entry.Checksum)
	}
}

func TestFlushExpiredConvertsStalledChecksum(t *testing.T) {
	gate := make(chan struct{})
	hasher := func(path string) (string, error) {
		<-gate
		return "late", nil
	}
	w, err := checksum.NewWorker(16, 20*time.Millisecond, hasher)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		close(gate)
		w.Close()
	}()
	sk := &captureSink{}
	e := NewEngine(process.NewTable(0), w, nil, sk, Config{})

	r := execSeq(1, 10, "/usr/bin/slow", "slow")
	r.Time = t0
	e.HandleRecord(r)
	if len(sk.events) != 0 {
		t.Fatal("event emitted before its checksum resolved")
	}

	// No further records arrive. Once the deadline lapses a sweep must
	// release the event degraded rather than holding it.
	time.Sleep(50 * time.Millisecond)
	e.FlushExpired()

	if len(sk.events) != 1 {
		t.Fatalf("got %d events after expired sweep, want 1", len(sk.events))
	}
	ev := sk.events[0]
	if !ev.Degraded || ev.DegradedReason != types.DegradedChecksumTimeout {
		t.Errorf("swept event = (degraded=%v, reason=%q)", ev.Degraded, ev.DegradedReason)
	}
}

func TestChecksumTimeoutDegradesEvent(t *testing.T) {
	gate := make(chan struct{})
	hasher := func(path string) (string, error) {
		<-gate
		return "late", nil
	}
	w, err := checksum.NewWorker(16, 20*time.Millisecond, hasher)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		close(gate)
		w.Close()
	}()
	sk := &captureSink{}
	e := NewEngine(process.NewTable(0), w, nil, sk, Config{})

	feed(e, []*rec{
		execSeq(1, 10, "/usr/bin/slow", "slow"),
	})

	if len(sk.events) != 1 {
		t.Fatalf("got %d events", len(sk.events))
	}
	ev := sk.events[0]
	if !ev.Degraded || ev.DegradedReason != types.DegradedChecksumTimeout {
		t.Errorf("timed-out event = (degraded=%v, reason=%q)", ev.Degraded, ev.DegradedReason)
	}
	if ev.Checksum != "" {
		t.Error("a result arriving after timeout must never be emitted")
	}
	if e.Stats.ChecksumTimeouts != 1 {
		t.Errorf("ChecksumTimeouts = %d, want 1", e.Stats.ChecksumTimeouts)
	}
}

func TestExitForceClosesAndFinishesJoins(t *testing.T) {
	e, sk := newTestEngine(t, nil, Config{})

	feed(e, []*rec{
		execSeq(1, 10, "/bin/sh", "sh"),
		{Kind: types.RecordOpen, Seq: 2, PID: 10, FD: 3, Path: "/tmp/dropped"},
		{Kind: types.RecordWrite, Seq: 3, PID: 10, FD: 3, Count: 42},
		{Kind: types.RecordExit, Seq: 4, PID: 10, Return: 0},
	})

	var files []*types.SecurityEvent
	for _, ev := range sk.events {
		if ev.Kind == types.EventFileWrite {
			files = append(files, ev)
		}
	}
	if len(files) != 1 {
		t.Fatalf("got %d file events, want 1 finished at exit", len(files))
	}
	if files[0].BytesWritten != 42 {
		t.Errorf("BytesWritten = %d", files[0].BytesWritten)
	}
}

func TestReplayDeterminism(t *testing.T) {
	records := func() []*rec {
		return []*rec{
			{Kind: types.RecordFork, Seq: 1, PID: 10, ParentPID: 1, UID: 501, GID: 20},
			execSeq(2, 10, "/bin/bash", "bash", "-c", "build.sh"),
			{Kind: types.RecordOpen, Seq: 3, PID: 10, FD: 3, Path: "/tmp/a"},
			{Kind: types.RecordWrite, Seq: 4, PID: 10, FD: 3, Count: 100},
			{Kind: types.RecordOpen, Seq: 5, PID: 10, FD: 4, Path: "/tmp/b"},
			{Kind: types.RecordWrite, Seq: 6, PID: 10, FD: 4, Count: 1},
			{Kind: types.RecordClose, Seq: 7, PID: 10, FD: 3},
			{Kind: types.RecordClose, Seq: 8, PID: 10, FD: 4},
			{Kind: types.RecordExit, Seq: 9, PID: 10, Return: 0},
		}
	}

	run := func() string {
		e, sk := newTestEngine(t, nil, Config{})
		feed(e, records())
		out, err := json.Marshal(sk.events)
		if err != nil {
			t.Fatal(err)
		}
		return string(out)
	}

	first := run()
	second := run()
	if first != second {
		t.Errorf("replaying an identical sequence diverged:\n%s\n%s", first, second)
	}
}
