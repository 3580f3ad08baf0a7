// Package delivery sends notification deliveries to external channels and
// reports the outcome back to the store.
package delivery

import (
	"context"
	"errors"

	"log-correlator/pipeline"
)

// Channel delivers one notification. Name is matched case-insensitively
// against Notification.Channel.
type Channel interface {
	Name() string
	Send(ctx context.Context, d pipeline.Delivery) error
}

// StatusReporter receives delivery outcomes. *pipeline.Store implements it.
type StatusReporter interface {
	UpdateNotificationStatus(ctx context.Context, id uint, status pipeline.NotificationStatus, detail string) error
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the dispatcher stops retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
