package engine

import (
	"fmt"
	"strings"
)

// ConflictError reports an operation that lost against current state:
// either the document is in a state that forbids the operation, or a
// concurrent writer won an optimistic-concurrency race. Only the latter
// is safe to retry.
type ConflictError struct {
	Reason    string
	Retryable bool
}

func (e ConflictError) Error() string { return e.Reason }

// ValidationError carries the precondition categories still missing
// before an LMRA session can be completed, so a caller can render
// guidance without a second inspection call.
type ValidationError struct {
	Missing []string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("completion preconditions not met; missing: %s", strings.Join(e.Missing, ", "))
}
