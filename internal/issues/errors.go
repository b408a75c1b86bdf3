package issues

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service failures for transport mapping.
type ErrorKind string

const (
	// KindNotFound marks an unresolvable id, phid or task id.
	KindNotFound ErrorKind = "not_found"
	// KindValidation marks malformed input or a missing foreign key target.
	KindValidation ErrorKind = "validation"
	// KindConflict marks a uniqueness violation.
	KindConflict ErrorKind = "conflict"
	// KindStorage marks a storage layer failure.
	KindStorage ErrorKind = "storage"
)

var (
	// ErrNotFound matches every not found ServiceError via errors.Is.
	ErrNotFound = errors.New("issues: not found")
	// ErrValidation matches every validation ServiceError via errors.Is.
	ErrValidation = errors.New("issues: validation failed")
	// ErrConflict matches every conflict ServiceError via errors.Is.
	ErrConflict = errors.New("issues: conflict")
)

// ServiceError is returned by every Service operation.
type ServiceError struct {
	code  string
	kind  ErrorKind
	field string
	err   error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Is lets errors.Is match the kind sentinels.
func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.kind == KindNotFound
	case ErrValidation:
		return e.kind == KindValidation
	case ErrConflict:
		return e.kind == KindConflict
	}
	return false
}

// Code returns the dotted operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the error classification.
func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

// Field names the offending input field for validation errors.
func (e *ServiceError) Field() string {
	return e.field
}

func newError(kind ErrorKind, operation, reason, field string, cause error) error {
	return &ServiceError{
		code:  fmt.Sprintf("%s.%s", operation, reason),
		kind:  kind,
		field: field,
		err:   cause,
	}
}

func newServiceError(operation, reason string, cause error) error {
	return newError(KindStorage, operation, reason, "", cause)
}

func newNotFoundError(operation, reason string, cause error) error {
	return newError(KindNotFound, operation, reason, "", cause)
}

func newValidationError(operation, reason, field string, cause error) error {
	return newError(KindValidation, operation, reason, field, cause)
}

func newConflictError(operation, reason string, cause error) error {
	return newError(KindConflict, operation, reason, "", cause)
}
