// Package audit defines the raw frame wire format used between the
// kernel-side producer and the pipeline, and the fail-closed decoder
// that turns frames into typed audit records.
//
// A frame is a 12-byte header followed by a sequence of tokens:
//
//	header: kind uint16, tokenCount uint16, frameID uint64
//	token:  type uint8, length uint16, payload [length]byte
//
// All integers are little-endian, matching what the kernel-side
// producer writes into the ring buffer.
package audit

import "errors"

// Token types within a frame
const (
	tokenSubject   = 0x01 // pid, ppid, uid, gid (16 bytes)
	tokenPath      = 0x02 // utf-8 path
	tokenArgv      = 0x03 // NUL-separated argument strings
	tokenReturn    = 0x04 // int32 status (4 bytes)
	tokenFD        = 0x05 // fd int32, flags uint32 (8 bytes)
	tokenCount     = 0x06 // uint64 byte count (8 bytes)
	tokenTimestamp = 0x07 // uint64 unix nanoseconds (8 bytes)
)

const frameHeaderSize = 12

// ErrMalformed is returned for any frame that cannot be decoded in
// full: truncated header, token length overrunning the buffer,
// duplicate singleton token, or a missing required token. The whole
// frame is discarded; no partial record is ever produced.
var ErrMalformed = errors.New("malformed audit frame")

// ErrClosed is returned by a FrameSource once it has been closed and
// drained. The event loop treats it as clean shutdown.
var ErrClosed = errors.New("frame source closed")

// RawFrame is one sequence-numbered byte frame from the producer.
// Data is owned by the receiver and consumed exactly once.
type RawFrame struct {
	Seq   uint64 // Monotonic sequence number; numbers skip on drop
	Drops uint64 // Cumulative producer-side drop counter
	Data  []byte
}

// FrameSource produces raw frames in sequence order. It may skip
// sequence numbers under backpressure; the cumulative drop counter on
// each frame lets the consumer detect how much was lost.
type FrameSource interface {
	// Read blocks until the next frame is available or the source is
	// closed, in which case it returns ErrClosed.
	Read() (RawFrame, error)
	// Close releases the source and unblocks any pending Read.
	Close() error
}
