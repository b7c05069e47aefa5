package model

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientNetwork is a connectivity failure. Retried by user action only.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrAuthExpired means the access credential was rejected.
	ErrAuthExpired = errors.New("auth expired")
	// ErrMalformedPayload means an incoming payload could not be turned into a Message.
	ErrMalformedPayload = errors.New("malformed payload")
	ErrNotFound         = errors.New("not found")
	ErrClosed           = errors.New("conversation closed")
	ErrUnsupported      = errors.New("unsupported for this conversation kind")
)

// PayloadError describes which part of an incoming event failed to parse.
type PayloadError struct {
	Event string
	Field string
	Err   error
}

func (e *PayloadError) Error() string {
	msg := "malformed payload"
	if e.Event != "" {
		msg += " event=" + e.Event
	}
	if e.Field != "" {
		msg += " field=" + e.Field
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *PayloadError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedPayload, e.Err}
	}
	return []error{ErrMalformedPayload}
}
