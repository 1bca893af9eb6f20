package scheduler

import "fmt"

// ValidationError rejects a malformed request at submit time. The request is
// never enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// CapacityError reports a saturated tier under non-blocking submission.
// Retry/drop is the caller's decision.
type CapacityError struct {
	Tier     Priority
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("tier %s full (capacity %d)", e.Tier, e.Capacity)
}

// NotFoundError reports an acknowledgement for an unknown or already-resolved
// id. No state was mutated.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no pending or in-progress request with id %q", e.ID)
}

// invariantChecks makes internal consistency violations fail loudly instead of
// being silently tolerated. Enabled in tests.
var invariantChecks = false

func invariant(cond bool, format string, args ...any) {
	if invariantChecks && !cond {
		panic("scheduler invariant violated: " + fmt.Sprintf(format, args...))
	}
}
