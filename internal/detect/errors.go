package detect

import (
	"errors"
	"fmt"
	"time"
)

// DiagnosticError is returned when a draft cannot become an issue.
//
// A malformed draft means a detection path is broken, so the registry
// refuses it loudly instead of dropping it. Code ("DET-<uuid>") is unique
// per failure so the log line and the returned error can be matched up;
// Snapshot is the state tree at the moment of failure.
type DiagnosticError struct {
	Code      string
	Message   string
	Draft     Draft
	Snapshot  map[string]any
	Timestamp time.Time
}

// Error implements the error interface.
func (e *DiagnosticError) Error() string {
	return fmt.Sprintf("%s: %s (method=%s)", e.Code, e.Message, e.Draft.Method)
}

// IsDiagnosticError reports whether err wraps a *DiagnosticError.
func IsDiagnosticError(err error) bool {
	var de *DiagnosticError
	return errors.As(err, &de)
}

// ErrUnknownIssue is returned for operations on an id the registry has
// never seen.
var ErrUnknownIssue = errors.New("unknown issue")
