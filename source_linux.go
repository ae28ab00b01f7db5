//go:build linux
// +build linux

// This file contains the Linux eBPF frame source. It provides the
// concrete implementation of the audit.FrameSource contract; the rest
// of the pipeline never sees eBPF types.

package main

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/jnesss/auditmon/audit"
)

// auditObjPath is where the compiled audit programs are installed.
const auditObjPath = "/usr/lib/auditmon/auditmon.bpf.o"

// Tracepoint attachments for the audit programs. Exec is the one we
// refuse to run without; the rest degrade coverage, not correctness.
var auditHooks = []struct {
	program  string
	group    string
	name     string
	required bool
}{
	{"audit_exec", "syscalls", "sys_exit_execve", true},
	{"audit_fork", "sched", "sched_process_fork", false},
	{"audit_exit", "sched", "sched_process_exit", false},
	{"audit_open", "syscalls", "sys_exit_openat", false},
	{"audit_write", "syscalls", "sys_exit_write", false},
	{"audit_close", "syscalls", "sys_enter_close", false},
}

// ringSource adapts the eBPF ring buffer to audit.FrameSource. Each
// ring sample carries a 16-byte prefix (sequence number, cumulative
// drop count) written by the kernel side, followed by the frame.
type ringSource struct {
	reader  *ringbuf.Reader
	cleanup []func()
}

func (s *ringSource) Read() (audit.RawFrame, error) {
	for {
		rec, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return audit.RawFrame{}, audit.ErrClosed
			}
			return audit.RawFrame{}, err
		}
		if len(rec.RawSample) < 16 {
			fmt.Printf("Short ring sample (%d bytes), skipping\n", len(rec.RawSample))
			continue
		}
		sample := rec.RawSample
		return audit.RawFrame{
			Seq:   binary.LittleEndian.Uint64(sample[0:8]),
			Drops: binary.LittleEndian.Uint64(sample[8:16]),
			// The ring buffer reuses its backing storage; the frame
			// must own its bytes.
			Data: append([]byte(nil), sample[16:]...),
		}, nil
	}
}

func (s *ringSource) Close() error {
	s.reader.Close()
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	return nil
}

// newFrameSource loads the audit BPF programs and attaches them to
// their tracepoints, returning the frame source backed by the shared
// ring buffer.
func newFrameSource() (audit.FrameSource, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove rlimit: %v", err)
	}

	coll, err := ebpf.LoadCollection(auditObjPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF collection: %v", err)
	}

	frames, ok := coll.Maps["frames"]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("BPF collection has no frames ring buffer")
	}
	reader, err := ringbuf.NewReader(frames)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("failed to create ring buffer reader: %v", err)
	}

	src := &ringSource{reader: reader}
	src.cleanup = append(src.cleanup, func() { coll.Close() })

	for _, hook := range auditHooks {
		prog, ok := coll.Programs[hook.program]
		if !ok {
			if hook.required {
				src.Close()
				return nil, fmt.Errorf("BPF collection has no %s program", hook.program)
			}
			continue
		}
		tp, err := link.Tracepoint(hook.group, hook.name, prog, nil)
		if err != nil {
			if hook.required {
				src.Close()
				return nil, fmt.Errorf("failed to attach %s: %v", hook.name, err)
			}
			fmt.Printf("Warning: could not attach %s tracepoint: %v\n", hook.name, err)
			fmt.Println("Continuing with reduced audit coverage...")
			continue
		}
		src.cleanup = append(src.cleanup, func() { tp.Close() })
	}

	return src, nil
}
