// Package policy decides, per fully assembled security event, whether
// it is forwarded to the sink unchanged, forwarded with fields
// redacted, or suppressed. Policy filters emission only; it never
// influences what the process table records.
package policy

import "github.com/jnesss/auditmon/types"

// Action is the outcome of a policy evaluation.
type Action int

const (
	Pass Action = iota
	Suppress
	Redact
)

// Decision carries the action and, for Redact, the field names to
// strip from the event before emission.
type Decision struct {
	Action       Action
	RedactFields []string
}

// Engine evaluates one event. Implementations receive a read-only
// view and must not mutate it. An evaluation error fails open: the
// caller treats it as Pass, so a policy bug never silently suppresses
// detection.
type Engine interface {
	Evaluate(ev *types.SecurityEvent) (Decision, error)
}

// PassAll is the engine used when no rules are configured.
type PassAll struct{}

// Evaluate always passes.
func (PassAll) Evaluate(*types.SecurityEvent) (Decision, error) {
	return Decision{Action: Pass}, nil
}
