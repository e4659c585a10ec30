package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode categorizes mutation-path validation failures.
type ErrorCode string

const (
	// CodeInvalidPath indicates an empty or malformed path.
	CodeInvalidPath ErrorCode = "INVALID_PATH"

	// CodeInvalidValue indicates a value with no JSON representation.
	CodeInvalidValue ErrorCode = "INVALID_VALUE"
)

// ValidationError is returned synchronously by Update and Append when the
// mutation cannot be applied at all.
type ValidationError struct {
	Code    ErrorCode
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (path=%s)", e.Code, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PersistenceError wraps a filesystem or serialization failure during
// Save or Load. Lock contention on the destination is not an error; see
// SaveSkippedLocked.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("state %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NotifyError collects subscriber failures from a single mutation.
// The mutation itself has already been applied when a NotifyError is
// returned.
type NotifyError struct {
	Path string
	Errs []error
}

// Error implements the error interface.
func (e *NotifyError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d subscriber(s) failed for %s: %s", len(e.Errs), e.Path, strings.Join(msgs, "; "))
}

// Unwrap exposes the individual subscriber errors to errors.Is/As.
func (e *NotifyError) Unwrap() []error {
	return e.Errs
}

// WarningKind classifies integrity warnings.
type WarningKind string

const (
	WarnTypeMismatch      WarningKind = "type_mismatch"
	WarnListCoercion      WarningKind = "list_coercion"
	WarnContainerReplaced WarningKind = "container_replaced"
	WarnLegacyListRepair  WarningKind = "legacy_list_repair"
)

// IntegrityWarning records a value that did not match the expected shape
// at its path. Warnings never block a write.
type IntegrityWarning struct {
	Timestamp time.Time   `json:"timestamp"`
	Path      string      `json:"path"`
	Kind      WarningKind `json:"kind"`
	Message   string      `json:"message"`
}
