// Package errs holds the error taxonomy shared by the broadcast components.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrNotFound     = errors.New("mailing not found")
	ErrUnauthorized = errors.New("missing or invalid credential")
	ErrBadFilter    = errors.New("audience filter rejected by directory")
	ErrConflict     = errors.New("mailing is being processed")
)

// AuthError is returned when the directory rejects the service credential.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("directory auth failed: status %d: %s", e.Status, e.Body)
}

func (e *AuthError) Is(target error) bool { return target == ErrUnauthorized }

// DirectoryError is a non-2xx answer from the audience directory.
type DirectoryError struct {
	Op        string
	Status    int
	Body      string
	BadFilter bool
}

func (e *DirectoryError) Error() string {
	if e.BadFilter {
		return fmt.Sprintf("directory %s: invalid filter (status %d): %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("directory %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *DirectoryError) Is(target error) bool {
	return e.BadFilter && target == ErrBadFilter
}

// DispatchError is a non-2xx acknowledgment from the delivery worker.
type DispatchError struct {
	Status int
	Body   string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("delivery worker rejected batch: status %d: %s", e.Status, e.Body)
}

// ValidationError carries every invariant a mailing violates.
type ValidationError struct {
	Err *multierror.Error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return "validation failed"
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err.ErrorOrNil()
}

// Problems lists the individual violations.
func (e *ValidationError) Problems() []string {
	if e.Err == nil {
		return nil
	}
	out := make([]string, 0, len(e.Err.Errors))
	for _, err := range e.Err.Errors {
		out = append(out, err.Error())
	}
	return out
}

// IsTransient reports whether err is worth retrying on a later attempt:
// network failures, timeouts, cancellation and 5xx directory answers
// (login included).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		return dirErr.Status >= 500
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Status >= 500
	}
	return false
}
