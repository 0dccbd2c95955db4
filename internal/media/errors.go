package media

import (
	"fmt"
)

type (
	// UnreadableFileError indicates the path provided could not be opened or read.
	UnreadableFileError struct {
		Path string
		Err  error
	}

	// MalformedContainerError indicates a composite file is structurally
	// invalid, typically because it's offset table is corrupt.
	MalformedContainerError struct {
		Path   string
		Reason string
	}

	// InvalidParameterError is returned when a caller supplied parameter is out
	// of range. It is always raised before any file I/O is performed.
	InvalidParameterError struct {
		Param  string
		Value  any
		Reason string
	}

	// ConfirmationRequiredError is returned when a destructive operation is
	// attempted without explicit confirmation (force).
	ConfirmationRequiredError struct {
		Operation string
		Count     int
	}

	// ProcessingFailure is the catch-all wrapper for an underlying failure
	// encountered while processing an item. It carries the path and stage
	// to make the failure reproducible.
	ProcessingFailure struct {
		Path  string
		Stage Stage
		Err   error
	}
)

func (e *UnreadableFileError) Error() string {
	return fmt.Sprintf("file %s is unreadable: %v", e.Path, e.Err)
}

func (e *UnreadableFileError) Unwrap() error { return e.Err }

func (e *MalformedContainerError) Error() string {
	return fmt.Sprintf("malformed container %s: %s", e.Path, e.Reason)
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s=%v: %s", e.Param, e.Value, e.Reason)
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("%s would remove %d file(s); confirmation (force) is required", e.Operation, e.Count)
}

func (e *ProcessingFailure) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Stage, e.Path, e.Err)
}

func (e *ProcessingFailure) Unwrap() error { return e.Err }

// NewProcessingFailure wraps the error provided in a ProcessingFailure, unless
// it is nil, or is already a ProcessingFailure.
func NewProcessingFailure(path string, stage Stage, err error) error {
	if err == nil {
		return nil
	}

	if pf, ok := err.(*ProcessingFailure); ok {
		return pf
	}

	return &ProcessingFailure{Path: path, Stage: stage, Err: err}
}
