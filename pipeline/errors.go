package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict means a conditional transition matched no row in the expected state.
	ErrStateConflict = errors.New("state conflict")
	// ErrUnavailable wraps store failures the consumer loop may retry.
	ErrUnavailable = errors.New("dependency unavailable")
)

// ValidationError reports malformed or incomplete input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Correlation anomaly reasons.
const (
	AnomalyUnknownRequest  = "unknown_request"
	AnomalyAlreadyResolved = "already_resolved"
	AnomalyLogMismatch     = "log_mismatch"
)

// CorrelationAnomaly is a result that cannot be matched to a live pending request.
type CorrelationAnomaly struct {
	RequestID string
	LogID     uint
	State     RequestState
	Reason    string
}

func (e *CorrelationAnomaly) Error() string {
	return fmt.Sprintf("correlation anomaly: %s (requestId=%s logId=%d state=%s)", e.Reason, e.RequestID, e.LogID, e.State)
}

// DispatchError means the analysis request was persisted but could not be published.
type DispatchError struct {
	RequestID string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch analysis request %s: %v", e.RequestID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAnomaly reports whether err carries a *CorrelationAnomaly.
func IsAnomaly(err error) bool {
	var ae *CorrelationAnomaly
	return errors.As(err, &ae)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
