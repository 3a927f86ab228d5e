package webhook

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies why an inbound delivery was not dispatched, or why dispatch failed.
type Kind int

const (
	// KindUnknown is reported for errors that do not carry a webhook classification.
	KindUnknown Kind = iota
	KindMalformedHeader
	KindSignatureMismatch
	KindStaleTimestamp
	KindInvalidPayload
	KindConfiguration
	KindHandler
)

func (k Kind) String() string {
	switch k {
	case KindMalformedHeader:
		return "malformed_header"
	case KindSignatureMismatch:
		return "signature_mismatch"
	case KindStaleTimestamp:
		return "stale_timestamp"
	case KindInvalidPayload:
		return "invalid_payload"
	case KindConfiguration:
		return "configuration"
	case KindHandler:
		return "handler"
	default:
		return "unknown"
	}
}

// Category groups kinds by who has to act on them.
type Category string

const (
	CategoryTransport      Category = "transport"
	CategoryAuthentication Category = "authentication"
	CategoryConfiguration  Category = "configuration"
	CategoryHandler        Category = "handler"
)

// Category returns the error family of k.
func (k Kind) Category() Category {
	switch k {
	case KindMalformedHeader, KindInvalidPayload:
		return CategoryTransport
	case KindSignatureMismatch, KindStaleTimestamp:
		return CategoryAuthentication
	case KindConfiguration:
		return CategoryConfiguration
	default:
		return CategoryHandler
	}
}

// Code is the machine readable error code rendered to callers.
func (k Kind) Code() string {
	switch k {
	case KindMalformedHeader:
		return "MALFORMED_HEADER"
	case KindSignatureMismatch:
		return "SIGNATURE_MISMATCH"
	case KindStaleTimestamp:
		return "STALE_TIMESTAMP"
	case KindInvalidPayload:
		return "INVALID_PAYLOAD"
	case KindConfiguration:
		return "WEBHOOK_NOT_CONFIGURED"
	default:
		return "HANDLER_ERROR"
	}
}

// Message is the caller facing description of k. It never includes payload or secret material.
func (k Kind) Message() string {
	switch k {
	case KindMalformedHeader:
		return "malformed signature header"
	case KindSignatureMismatch:
		return "signature mismatch"
	case KindStaleTimestamp:
		return "signature timestamp outside tolerance"
	case KindInvalidPayload:
		return "invalid event payload"
	case KindConfiguration:
		return "webhook signing secret not configured"
	default:
		return "event handler failed"
	}
}

// HTTPStatus maps k onto the response status returned to the provider.
func (k Kind) HTTPStatus() int {
	switch k.Category() {
	case CategoryTransport, CategoryAuthentication:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps a failure with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return KindUnknown
}
