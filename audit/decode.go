package audit

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jnesss/auditmon/types"
)

// tokens seen while scanning one frame
type tokenSet struct {
	subject   bool
	path      bool
	argv      bool
	ret       bool
	fd        bool
	count     bool
	timestamp bool
}

// Decode parses a raw frame into an audit record. Every token's
// declared length is validated against the remaining buffer before it
// is touched; any inconsistency rejects the entire frame with
// ErrMalformed so no partial state ever escapes the decoder.
func Decode(frame RawFrame) (*types.AuditRecord, error) {
	buf := frame.Data
	if len(buf) < frameHeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(buf))
	}

	rec := &types.AuditRecord{
		Kind:    binary.LittleEndian.Uint16(buf[0:2]),
		Seq:     frame.Seq,
		Drops:   frame.Drops,
		FrameID: binary.LittleEndian.Uint64(buf[4:12]),
	}
	tokenCount := int(binary.LittleEndian.Uint16(buf[2:4]))

	switch rec.Kind {
	case types.RecordFork, types.RecordExec, types.RecordExit,
		types.RecordOpen, types.RecordWrite, types.RecordClose:
	default:
		return nil, fmt.Errorf("%w: unknown record kind %d", ErrMalformed, rec.Kind)
	}

	var seen tokenSet
	rest := buf[frameHeaderSize:]
	for i := 0; i < tokenCount; i++ {
		if len(rest) < 3 {
			return nil, fmt.Errorf("%w: truncated token header", ErrMalformed)
		}
		ttype := rest[0]
		tlen := int(binary.LittleEndian.Uint16(rest[1:3]))
		rest = rest[3:]
		if tlen > len(rest) {
			return nil, fmt.Errorf("%w: token %#x declares %d bytes, %d remain",
				ErrMalformed, ttype, tlen, len(rest))
		}
		payload := rest[:tlen]
		rest = rest[tlen:]

		if err := applyToken(rec, &seen, ttype, payload); err != nil {
			return nil, err
		}
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %d tokens",
			ErrMalformed, len(rest), tokenCount)
	}

	if err := checkRequired(rec.Kind, seen); err != nil {
		return nil, err
	}
	return rec, nil
}

func applyToken(rec *types.AuditRecord, seen *tokenSet, ttype uint8, payload []byte) error {
	switch ttype {
	case tokenSubject:
		if seen.subject {
			return fmt.Errorf("%w: duplicate subject token", ErrMalformed)
		}
		if len(payload) != 16 {
			return fmt.Errorf("%w: subject token is %d bytes", ErrMalformed, len(payload))
		}
		seen.subject = true
		rec.PID = binary.LittleEndian.Uint32(payload[0:4])
		rec.ParentPID = binary.LittleEndian.Uint32(payload[4:8])
		rec.UID = binary.LittleEndian.Uint32(payload[8:12])
		rec.GID = binary.LittleEndian.Uint32(payload[12:16])

	case tokenPath:
		if seen.path {
			return fmt.Errorf("%w: duplicate path token", ErrMalformed)
		}
		seen.path = true
		rec.Path = string(payload)

	case tokenArgv:
		if seen.argv {
			return fmt.Errorf("%w: duplicate argv token", ErrMalformed)
		}
		seen.argv = true
		for _, arg := range bytes.Split(payload, []byte{0}) {
			if len(arg) > 0 {
				rec.Argv = append(rec.Argv, string(arg))
			}
		}

	case tokenReturn:
		if seen.ret {
			return fmt.Errorf("%w: duplicate return token", ErrMalformed)
		}
		if len(payload) != 4 {
			return fmt.Errorf("%w: return token is %d bytes", ErrMalformed, len(payload))
		}
		seen.ret = true
		rec.Return = int32(binary.LittleEndian.Uint32(payload))

	case tokenFD:
		if seen.fd {
			return fmt.Errorf("%w: duplicate fd token", ErrMalformed)
		}
		if len(payload) != 8 {
			return fmt.Errorf("%w: fd token is %d bytes", ErrMalformed, len(payload))
		}
		seen.fd = true
		rec.FD = int32(binary.LittleEndian.Uint32(payload[0:4]))
		rec.Flags = binary.LittleEndian.Uint32(payload[4:8])

	case tokenCount:
		if seen.count {
			return fmt.Errorf("%w: duplicate count token", ErrMalformed)
		}
		if len(payload) != 8 {
			return fmt.Errorf("%w: count token is %d bytes", ErrMalformed, len(payload))
		}
		seen.count = true
		rec.Count = binary.LittleEndian.Uint64(payload)

	case tokenTimestamp:
		if seen.timestamp {
			return fmt.Errorf("%w: duplicate timestamp token", ErrMalformed)
		}
		if len(payload) != 8 {
			return fmt.Errorf("%w: timestamp token is %d bytes", ErrMalformed, len(payload))
		}
		seen.timestamp = true
		rec.Time = time.Unix(0, int64(binary.LittleEndian.Uint64(payload))).UTC()

	default:
		return fmt.Errorf("%w: unknown token type %#x", ErrMalformed, ttype)
	}
	return nil
}

// checkRequired enforces the per-kind token contract. A record that
// arrives without the tokens its kind needs cannot be correlated and
// is rejected whole rather than applied half-empty.
func checkRequired(kind uint16, seen tokenSet) error {
	missing := func(name string) error {
		return fmt.Errorf("%w: %s record missing %s token",
			ErrMalformed, types.RecordKindName(kind), name)
	}
	if !seen.subject {
		return missing("subject")
	}
	if !seen.timestamp {
		return missing("timestamp")
	}
	switch kind {
	case types.RecordExec:
		if !seen.path {
			return missing("path")
		}
		if !seen.argv {
			return missing("argv")
		}
		if !seen.ret {
			return missing("return")
		}
	case types.RecordExit:
		if !seen.ret {
			return missing("return")
		}
	case types.RecordOpen:
		if !seen.path {
			return missing("path")
		}
		if !seen.fd {
			return missing("fd")
		}
	case types.RecordWrite:
		if !seen.fd {
			return missing("fd")
		}
		if !seen.count {
			return missing("count")
		}
	case types.RecordClose:
		if !seen.fd {
			return missing("fd")
		}
	}
	return nil
}
