package audit

import (
	"encoding/binary"
	"time"
)

// FrameBuilder encodes one audit frame token by token. The kernel-side
// source uses it to re-frame ring buffer samples into the wire format;
// tests use it to author frame sequences.
type FrameBuilder struct {
	kind    uint16
	frameID uint64
	tokens  int
	body    []byte
}

// NewFrame starts a frame of the given record kind and frame identifier.
func NewFrame(kind uint16, frameID uint64) *FrameBuilder {
	return &FrameBuilder{kind: kind, frameID: frameID}
}

func (b *FrameBuilder) token(ttype uint8, payload []byte) *FrameBuilder {
	b.body = append(b.body, ttype)
	b.body = binary.LittleEndian.AppendUint16(b.body, uint16(len(payload)))
	b.body = append(b.body, payload...)
	b.tokens++
	return b
}

// Subject appends the subject token.
func (b *FrameBuilder) Subject(pid, ppid, uid, gid uint32) *FrameBuilder {
	var p []byte
	p = binary.LittleEndian.AppendUint32(p, pid)
	p = binary.LittleEndian.AppendUint32(p, ppid)
	p = binary.LittleEndian.AppendUint32(p, uid)
	p = binary.LittleEndian.AppendUint32(p, gid)
	return b.token(tokenSubject, p)
}

// Path appends a path token.
func (b *FrameBuilder) Path(path string) *FrameBuilder {
	return b.token(tokenPath, []byte(path))
}

// Argv appends an argv token with NUL-separated arguments.
func (b *FrameBuilder) Argv(argv ...string) *FrameBuilder {
	var p []byte
	for i, arg := range argv {
		if i > 0 {
			p = append(p, 0)
		}
		p = append(p, arg...)
	}
	return b.token(tokenArgv, p)
}

// Return appends a return status token.
func (b *FrameBuilder) Return(status int32) *FrameBuilder {
	var p []byte
	p = binary.LittleEndian.AppendUint32(p, uint32(status))
	return b.token(tokenReturn, p)
}

// FD appends a descriptor token.
func (b *FrameBuilder) FD(fd int32, flags uint32) *FrameBuilder {
	var p []byte
	p = binary.LittleEndian.AppendUint32(p, uint32(fd))
	p = binary.LittleEndian.AppendUint32(p, flags)
	return b.token(tokenFD, p)
}

// Count appends a byte-count token.
func (b *FrameBuilder) Count(n uint64) *FrameBuilder {
	var p []byte
	p = binary.LittleEndian.AppendUint64(p, n)
	return b.token(tokenCount, p)
}

// Timestamp appends a timestamp token.
func (b *FrameBuilder) Timestamp(t time.Time) *FrameBuilder {
	var p []byte
	p = binary.LittleEndian.AppendUint64(p, uint64(t.UnixNano()))
	return b.token(tokenTimestamp, p)
}

// Bytes serializes the frame.
func (b *FrameBuilder) Bytes() []byte {
	out := make([]byte, 0, frameHeaderSize+len(b.body))
	out = binary.LittleEndian.AppendUint16(out, b.kind)
	out = binary.LittleEndian.AppendUint16(out, uint16(b.tokens))
	out = binary.LittleEndian.AppendUint64(out, b.frameID)
	return append(out, b.body...)
}
