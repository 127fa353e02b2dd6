package dispatcher

import (
	"errors"
	"fmt"

	"github.com/opsbots/machinist/internal/execution"
)

var (
	// ErrValidation indicates bad input. Surfaced immediately, never
	// retried.
	ErrValidation = errors.New("invalid submission")

	// ErrDuplicate indicates an execution for the same script is
	// already active. Policy is one concurrent run per script per
	// machine.
	ErrDuplicate = errors.New("script already has an active execution")

	// ErrNotFound indicates no execution exists for the given id.
	ErrNotFound = errors.New("execution not found")
)

// InvalidTransitionError is returned when an operation is requested
// against an execution whose current status does not allow it. The
// request is rejected with no side effects and must not be retried
// automatically.
type InvalidTransitionError struct {
	Op   string
	From execution.Status
	To   execution.Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s: no transition from %s to %s", e.Op, e.From, e.To)
}

func NewInvalidTransitionError(op string, from, to execution.Status) InvalidTransitionError {
	return InvalidTransitionError{Op: op, From: from, To: to}
}
