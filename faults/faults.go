// Package faults classifies pipeline errors so workers and the scheduler
// can translate them into run outcomes without inspecting error strings.
package faults

import (
	"errors"
	"fmt"
)

// Class identifies where in the taxonomy an error falls.
type Class string

const (
	// ClassTransient covers timeouts, 5xx responses, connection resets and
	// rate limiting. Retried within the current page before escalating.
	ClassTransient Class = "transient"
	// ClassPermanent covers 4xx responses excluding rate limits. The run
	// fails without retrying in the same tick.
	ClassPermanent Class = "permanent"
	// ClassAuth covers 401/403 from a remote. The run fails; the job and
	// integration stay enabled.
	ClassAuth Class = "auth"
	// ClassProtocol covers malformed queue messages, including a missing
	// tenant id. The message is dead-lettered immediately.
	ClassProtocol Class = "protocol"
	// ClassParse covers per-entity normalization failures. The entity is
	// marked and the batch continues.
	ClassParse Class = "parse"
	// ClassReferential covers a missing foreign referent at load time.
	ClassReferential Class = "referential"
	// ClassEmbedding covers embedding provider failures.
	ClassEmbedding Class = "embedding"
)

// Fault wraps an error with its taxonomy class.
type Fault struct {
	Cls Class
	err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.Cls, f.err)
}

func (f *Fault) Unwrap() error {
	return f.err
}

// New wraps err under the given class.
func New(cls Class, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Cls: cls, err: err}
}

// Newf is New with fmt.Errorf formatting.
func Newf(cls Class, format string, args ...any) error {
	return &Fault{Cls: cls, err: fmt.Errorf(format, args...)}
}

// ClassOf returns the class of err, or "" when err carries no class.
func ClassOf(err error) Class {
	var f *Fault
	if errors.As(err, &f) {
		return f.Cls
	}
	return ""
}

// IsTransient returns true if the error should be retried in place.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// IsProtocol returns true if the message carrying err must be dead-lettered.
func IsProtocol(err error) bool {
	return ClassOf(err) == ClassProtocol
}

// IsAuth returns true for 401/403 remote failures.
func IsAuth(err error) bool {
	return ClassOf(err) == ClassAuth
}

// FromStatusCode maps a remote HTTP status to the taxonomy. A zero or 2xx
// status returns nil so callers can pass responses through unconditionally.
func FromStatusCode(status int, err error) error {
	switch {
	case status == 0 || (status >= 200 && status < 300):
		return nil
	case status == 401 || status == 403:
		return New(ClassAuth, err)
	case status == 429:
		return New(ClassTransient, err)
	case status >= 400 && status < 500:
		return New(ClassPermanent, err)
	default:
		return New(ClassTransient, err)
	}
}
