package store

import (
	"errors"
	"fmt"
)

// ErrClientClosed is returned by requests issued after Close.
var ErrClientClosed = errors.New("store client closed")

type Kind int

const (
	// KindTransient failures are expected to clear on retry.
	KindTransient Kind = iota
	// KindPermanent failures are never retried.
	KindPermanent
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

const CodeMaxRetries = "max_retries_exceeded"

// StoreError is the single error type surfaced by Client.
type StoreError struct {
	Status  int
	Code    string
	Message string
	Kind    Kind
	Err     error
}

func (e *StoreError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("store error (%d): [%s] %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("store error: [%s] %s", e.Code, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindTransient
}

// IsPermanent reports whether err is a non-retryable store failure.
func IsPermanent(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindPermanent
}

// IsExhausted reports whether err came from running out of retry attempts.
func IsExhausted(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == CodeMaxRetries
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
