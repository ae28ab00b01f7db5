//go:build darwin
// +build darwin

// This file provides a stub frame source for MacOS so the pipeline
// can be developed and tested without the kernel producer. Live
// monitoring is only available on Linux.

package main

import (
	"fmt"

	"github.com/jnesss/auditmon/audit"
)

// newFrameSource returns no source on MacOS; main falls back to an
// idle replay source so the process still runs for development.
func newFrameSource() (audit.FrameSource, error) {
	fmt.Println("Kernel audit source not available on MacOS. Using idle replay source...")
	return audit.NewReplaySource(1), nil
}
