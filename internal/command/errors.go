// Package command implements the Command Service and Command Executor
// (spec.md §4.E/§4.F): validated, rate-limited, persisted PLC writes
// executed asynchronously by a lazily-started per-PLC worker.
//
// Grounded on
// original_source/sunny_scada/services/command_service.py (validation
// pipeline) and command_executor.py (per-PLC queue/worker, retry
// loop).
package command

import "fmt"

// ValidationError covers every rejection in Service.Create's pipeline:
// unknown PLC, unknown/non-writable datapoint, bad kind/bit/value.
// Never retried (spec.md §7 "Validation errors").
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "command: " + e.Msg }

// RateLimitError is a 429-equivalent (spec.md §7 "Rate-limit errors").
type RateLimitError struct {
	Key string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("command: rate limit exceeded for %q", e.Key)
}

// NotFoundError wraps store.ErrNotFound for GetCommand/CancelCommand.
type NotFoundError struct {
	CommandID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("command: command %q not found", e.CommandID)
}

// AmbiguousRefError is spec.md §9's "ambiguous identifier" error: a
// legacy label-only datapoint reference that resolves to more than one
// candidate within its scope. Never resolved by silently picking one,
// mirroring the original's _resolve_datapoint_id but tightened per
// spec.md §9's "must fail... list candidates" redesign.
type AmbiguousRefError struct {
	PLCName    string
	Label      string
	Candidates []int64
}

func (e *AmbiguousRefError) Error() string {
	return fmt.Sprintf("command: label %q is ambiguous on plc %q, candidates: %v", e.Label, e.PLCName, e.Candidates)
}
