package domain

import "errors"

var (
	// Submission errors
	ErrValidation     = errors.New("validation failed")
	ErrUnknownKind    = errors.New("unknown task kind")
	ErrBudgetExceeded = errors.New("budget exceeded")

	// Store errors
	ErrTaskNotFound     = errors.New("task not found")
	ErrBudgetNotFound   = errors.New("budget not found")
	ErrStoreUnavailable = errors.New("store unavailable")

	// Cancellation errors
	ErrNotCancellable = errors.New("task not cancellable")
	ErrNotOwner       = errors.New("requester is not the task owner")

	// Execution errors
	ErrTaskTimeout        = errors.New("task execution timed out")
	ErrHandlerUnavailable = errors.New("task handler unavailable")
)
