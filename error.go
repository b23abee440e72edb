package flashsale

import "fmt"

type ErrorCode int

const (
	Unknown ErrorCode = iota
	// NotFound means the product is not known to the durable store (or its
	// counter was never seeded on the coordination nodes).
	NotFound
	// InsufficientStock means the counter was observed below the requested
	// quantity. Terminal for the item but harmless to retry.
	InsufficientStock
	// Busy means lock acquisition failed after exhausting the retry policy.
	// No state was changed; the caller may retry.
	Busy
	// Inconsistent means a partial cross-node state was detected and
	// compensated; a reconciliation against the durable counter is scheduled.
	Inconsistent
	// Unavailable means not enough coordination nodes are reachable to form
	// a quorum.
	Unavailable
	// Unauthorized is passed through from the auth collaborator.
	Unauthorized
	// NotEligible means the purchase was refused by the product's eligibility
	// rule before any lock was taken.
	NotEligible
	// LockLost means the lock validity window elapsed mid flight. Surfaced to
	// callers as Busy or Inconsistent depending on progress.
	LockLost
)

// Error is the engine's typed error. UserData typically carries the product ID
// the failed operation was about.
type Error[T any] struct {
	Code     ErrorCode
	Err      error
	UserData T
}

func (e Error[T]) Error() string {
	return fmt.Sprintf("Error %d: %v, user data: %v", e.Code, e.Err, e.UserData)
}

func (e Error[T]) Unwrap() error {
	return e.Err
}
