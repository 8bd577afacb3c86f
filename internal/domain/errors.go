package domain

import (
	"errors"
	"fmt"
)

// Common domain errors that can occur while preparing or running a
// generation task.
var (
	// ErrInvalidTask indicates that a task specification is malformed.
	ErrInvalidTask = errors.New("invalid task specification")

	// ErrUnknownLabel indicates that a label referenced by a task or a
	// record does not exist in the task's label set.
	ErrUnknownLabel = errors.New("unknown label")

	// ErrEmptyDataset indicates that an operation required a dataset split
	// that contains no examples.
	ErrEmptyDataset = errors.New("empty dataset")

	// ErrInvalidConfiguration indicates that configuration is invalid or incomplete.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// TaskError represents an error tied to a specific label of a task.
// It provides context about which label and operation caused the error.
type TaskError struct {
	// Label is the task label that was involved in the failed operation.
	Label string

	// Operation describes what was being performed when the error occurred.
	Operation string

	// Err is the underlying error that caused the operation to fail.
	Err error
}

// Error implements the error interface for TaskError.
func (e *TaskError) Error() string {
	return fmt.Sprintf("task error: operation=%s, label=%s, err=%v", e.Operation, e.Label, e.Err)
}

// Unwrap returns the underlying error, supporting Go 1.13+ error unwrapping.
func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError creates a new TaskError with the given details.
func NewTaskError(label, operation string, err error) *TaskError {
	return &TaskError{
		Label:     label,
		Operation: operation,
		Err:       err,
	}
}

// ValidationError represents an error that occurred during validation.
// It can contain multiple validation failures.
type ValidationError struct {
	// Entity is the name of the entity that failed validation.
	Entity string

	// Errors contains the list of validation error messages.
	Errors []string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation error for %s: %s", e.Entity, e.Errors[0])
	}
	return fmt.Sprintf("validation errors for %s: %v", e.Entity, e.Errors)
}

// Unwrap lets callers match any validation failure against ErrInvalidTask.
func (e *ValidationError) Unwrap() error { return ErrInvalidTask }

// AddError adds a new error message to the validation error.
func (e *ValidationError) AddError(msg string) { e.Errors = append(e.Errors, msg) }

// HasErrors returns true if there are any validation errors.
func (e *ValidationError) HasErrors() bool { return len(e.Errors) > 0 }

// NewValidationError creates a new ValidationError for the given entity.
func NewValidationError(entity string) *ValidationError {
	return &ValidationError{
		Entity: entity,
		Errors: make([]string, 0),
	}
}

// BudgetExceededError reports that a run consumed more of a limited
// resource (tokens or calls) than its budget allows.
type BudgetExceededError struct {
	// LimitType names the exhausted resource, "tokens" or "calls".
	LimitType string
	// Limit is the configured maximum.
	Limit int
	// Used is the amount consumed when the limit was detected.
	Used int
	// Scope identifies what the budget was attached to.
	Scope string
}

// Error implements the error interface for BudgetExceededError.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s: %s used %d of %d", e.Scope, e.LimitType, e.Used, e.Limit)
}

// NewBudgetExceededError creates a new BudgetExceededError.
func NewBudgetExceededError(limitType string, limit, used int, scope string) *BudgetExceededError {
	return &BudgetExceededError{
		LimitType: limitType,
		Limit:     limit,
		Used:      used,
		Scope:     scope,
	}
}
