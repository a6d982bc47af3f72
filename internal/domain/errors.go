package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced on terminal job states.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindUnsupportedPlatform Kind = "unsupported_platform"
	KindResolutionFailed    Kind = "resolution_failed"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindSizeExceeded        Kind = "size_exceeded"
	KindNetwork             Kind = "network_error"
	KindTimeout             Kind = "timeout"
	KindCancelled           Kind = "cancelled"
	KindDeliveryFailed      Kind = "delivery_failed"
	KindStaleReference      Kind = "stale_reference"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal"
)

// Error carries a Kind plus an optional diagnostic.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, ErrCancelled) works
// regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrUnsupportedPlatform = &Error{Kind: KindUnsupportedPlatform}
	ErrResolutionFailed    = &Error{Kind: KindResolutionFailed}
	ErrQuotaExceeded       = &Error{Kind: KindQuotaExceeded}
	ErrSizeExceeded        = &Error{Kind: KindSizeExceeded}
	ErrNetwork             = &Error{Kind: KindNetwork}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrCancelled           = &Error{Kind: KindCancelled}
	ErrDeliveryFailed      = &Error{Kind: KindDeliveryFailed}
	ErrStaleReference      = &Error{Kind: KindStaleReference}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether err is worth another attempt at the segment level.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout:
		return true
	}
	return false
}
