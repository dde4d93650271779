package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuery       = errors.New("invalid query")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	ErrCycleDetected      = errors.New("cycle detected")
	ErrHierarchyTooDeep   = errors.New("hierarchy too deep")
	ErrLowConfidence      = errors.New("low confidence")
	ErrDuplicateReference = errors.New("duplicate reference")
	ErrTemporary          = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

// NewError builds a typed error from a message when there is no underlying cause.
func NewError(kind error, operation, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", operation, kind, fmt.Sprintf(format, args...))
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
