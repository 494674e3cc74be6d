package vm

import "fmt"

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------
//
// Three failure classes leave the engine, all fatal to the current run:
//
//   - Panic: a contract (`needs`) failure or builtin precondition
//     violation. Expected at host level; carries the failure value and
//     the innermost needs scope for diagnostics.
//   - FatalError: a malformed word, corrupt heap, or unbalanced counting
//     protocol. The instance is unusable and must be discarded.
//   - LimitError: a host-configured resource limit was hit. Reported
//     distinctly from logic panics so hosts can treat it as capacity,
//     not correctness.
//
// Nothing is retried or recovered inside the engine.

// Panic reports a failed contract check or builtin precondition.
type Panic struct {
	Reason    string   // human-readable description
	Value     Value    // the failure value, conventionally a symbol or text
	ScopeID   int64    // innermost needs scope, -1 if none was open
	ScopeName string   // resolved from the image's scope table, "" if none
	ScopeArgs []string // debug texts of the scope's argument snapshot
}

func (p *Panic) Error() string {
	if p.ScopeName != "" {
		return fmt.Sprintf("panic in %s: %s", p.ScopeName, p.Reason)
	}
	return "panic: " + p.Reason
}

// FatalError reports a corrupted image or a broken engine invariant.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Message
}

// LimitError reports host-enforced resource exhaustion.
type LimitError struct {
	Resource string // "stack" or "heap"
	Limit    int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit of %d exceeded", e.Resource, e.Limit)
}

// fatalf aborts the instance with a FatalError. It is used for decode
// errors and protocol violations, which indicate a corrupt or
// incompatible image rather than a user mistake; Machine.Run converts
// the panic into an error return.
func fatalf(format string, args ...any) {
	panic(&FatalError{Message: fmt.Sprintf(format, args...)})
}

// limitExceeded aborts the run with a LimitError.
func limitExceeded(resource string, limit int) {
	panic(&LimitError{Resource: resource, Limit: limit})
}
