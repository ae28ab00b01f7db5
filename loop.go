package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jnesss/auditmon/audit"
	"github.com/jnesss/auditmon/correlate"
)

// flushInterval is how often the loop sweeps pending events whose
// checksum deadlines passed while the stream was quiet.
const flushInterval = 250 * time.Millisecond

// EventLoop is the single logical driver of the pipeline: one frame
// at a time, read → decode → correlate → emit, synchronously. The
// process table needs no locking for correctness because nothing else
// mutates it.
//
// Backpressure has no lever here beyond per-frame cost: the loop can
// never block the kernel-side producer, so sustained overload shows
// up as producer drops, which the engine surfaces as gaps.
type EventLoop struct {
	src    audit.FrameSource
	engine *correlate.Engine

	// DecodeErrors counts frames rejected by the decoder. Each one
	// also consumes a sequence number, so the engine sees the hole as
	// a gap and degrades accordingly.
	DecodeErrors uint64
}

// NewEventLoop wires a source to the correlation engine.
func NewEventLoop(src audit.FrameSource, engine *correlate.Engine) *EventLoop {
	return &EventLoop{src: src, engine: engine}
}

// Run pulls frames until the source closes or the context is
// cancelled. The in-flight frame always completes; no frame is ever
// processed twice. In-memory state is discarded on return; only
// emitted events are durable, and that is the sink's concern.
//
// A dedicated goroutine blocks in Read so the loop can also wake on a
// timer: pending events whose checksum deadline lapsed must not sit
// until the next frame arrives. All engine calls stay on this
// goroutine.
func (l *EventLoop) Run(ctx context.Context) error {
	// Closing the source is what unblocks a pending Read.
	stop := context.AfterFunc(ctx, func() {
		l.src.Close()
	})
	defer stop()

	frames := make(chan audit.RawFrame)
	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := l.src.Read()
			if err != nil {
				readErr <- err
				return
			}
			frames <- frame
		}
	}()

	tick := time.NewTicker(flushInterval)
	defer tick.Stop()

	for {
		select {
		case frame := <-frames:
			rec, err := audit.Decode(frame)
			if err != nil {
				// Fail closed: the whole frame is discarded, nothing
				// was applied to any state.
				l.DecodeErrors++
				log.Printf("Discarding frame %d: %v", frame.Seq, err)
				continue
			}
			l.engine.HandleRecord(rec)

		case <-tick.C:
			l.engine.FlushExpired()

		case err := <-readErr:
			l.engine.Flush()
			if errors.Is(err, audit.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
