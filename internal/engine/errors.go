package engine

import (
	"errors"
	"fmt"

	"bountyline/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrUnauthorized       = errors.New("not assigned to caller")
	ErrAgentNotRegistered = errors.New("agent not registered")
	ErrInvalidInput       = errors.New("invalid input")
)

// NotFoundError names the entity that failed to resolve.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidStateError reports a transition attempted from the wrong status.
type InvalidStateError struct {
	TaskID  string
	Current domain.Status
	Want    domain.Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("task %s is %s, expected %s", e.TaskID, e.Current, e.Want)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

type NotAssignedError struct {
	TaskID  string
	AgentID string
}

func (e *NotAssignedError) Error() string {
	return fmt.Sprintf("task %s is not assigned to agent %s", e.TaskID, e.AgentID)
}

func (e *NotAssignedError) Is(target error) bool { return target == ErrUnauthorized }

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
