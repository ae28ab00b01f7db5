package audit

import "sync"

// ReplaySource is an in-memory FrameSource fed by the caller. It
// exists so the pipeline can be driven without a kernel producer:
// tests replay canned sequences through it, and closing it unblocks a
// pending Read with ErrClosed just like the real source.
type ReplaySource struct {
	mu     sync.Mutex
	frames chan RawFrame
	done   chan struct{}
	closed bool
}

// NewReplaySource creates a replay source with the given buffer depth.
func NewReplaySource(depth int) *ReplaySource {
	return &ReplaySource{
		frames: make(chan RawFrame, depth),
		done:   make(chan struct{}),
	}
}

// Feed queues a frame for delivery, blocking while the buffer is full.
// Closing the source unblocks a pending Feed; frames fed at or after
// close are dropped. The send happens outside the lock so Close can
// never wait on a blocked Feed.
func (s *ReplaySource) Feed(f RawFrame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.frames <- f:
	case <-s.done:
	}
}

// Read returns the next queued frame, blocking until one is fed or
// the source is closed. Frames queued before close are still delivered
// before Read starts returning ErrClosed.
func (s *ReplaySource) Read() (RawFrame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		select {
		case f := <-s.frames:
			return f, nil
		default:
			return RawFrame{}, ErrClosed
		}
	}
}

// Close marks the source closed and wakes every pending Feed and Read.
func (s *ReplaySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}
