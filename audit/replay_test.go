package audit

import (
	"errors"
	"testing"
	"time"
)

func TestReplayDeliversInOrder(t *testing.T) {
	s := NewReplaySource(4)
	s.Feed(RawFrame{Seq: 1})
	s.Feed(RawFrame{Seq: 2})
	s.Close()

	for want := uint64(1); want <= 2; want++ {
		f, err := s.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if f.Seq != want {
			t.Fatalf("Read seq = %d, want %d", f.Seq, want)
		}
	}
	if _, err := s.Read(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read after drain = %v, want ErrClosed", err)
	}
}

func TestReplayCloseUnblocksPendingFeed(t *testing.T) {
	s := NewReplaySource(1)
	s.Feed(RawFrame{Seq: 1})

	fed := make(chan struct{})
	go func() {
		// Buffer full with no reader; this blocks until close.
		s.Feed(RawFrame{Seq: 2})
		close(fed)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-fed:
	case <-time.After(time.Second):
		t.Fatal("Feed still blocked after Close")
	}

	// The frame queued before close is still delivered.
	f, err := s.Read()
	if err != nil || f.Seq != 1 {
		t.Fatalf("Read = (%+v, %v), want the queued frame", f, err)
	}
	if _, err := s.Read(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read after drain = %v, want ErrClosed", err)
	}
}
