package pipeline

import (
	"errors"
	"fmt"

	"github.com/edvin/deployctl/internal/model"
)

var (
	// ErrExecutionNotFound is returned for unknown execution IDs.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionRunning is returned when an operation needs a terminal
	// execution, e.g. a manual rollback of a pipeline still in flight.
	ErrExecutionRunning = errors.New("execution still running")

	// ErrExecutionTerminal is returned when cancelling an execution that has
	// already finished.
	ErrExecutionTerminal = errors.New("execution already terminal")

	// ErrNothingToRollback is returned when no stage of an execution ever
	// shifted traffic.
	ErrNothingToRollback = errors.New("no stage to roll back")
)

// RollbackFailureError escalates a rollback that kept failing after bounded
// retries. It is the only stage error that must reach the alerting path.
type RollbackFailureError struct {
	ExecutionID string
	Environment model.Environment
	Attempts    int
	Err         error
}

func (e *RollbackFailureError) Error() string {
	return fmt.Sprintf("rollback of %s in %s failed after %d attempts: %v",
		e.ExecutionID, e.Environment, e.Attempts, e.Err)
}

func (e *RollbackFailureError) Unwrap() error { return e.Err }
