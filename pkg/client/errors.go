package client

import (
	"errors"
	"fmt"
)

var (
	// ErrMessageExists is returned when posting a guid that is already queued.
	ErrMessageExists = errors.New("fmtp: message already exists")
	// ErrMessageDeleted is returned for messages that were acknowledged before.
	ErrMessageDeleted  = errors.New("fmtp: message deleted")
	ErrMessageNotFound = errors.New("fmtp: message not found")
	ErrUnauthorized    = errors.New("fmtp: unauthorized")
)

// FormatError means the server answered with a document the client could not
// understand.
type FormatError struct {
	URL string
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("fmtp: unexpected response format from %s: %v", e.URL, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// HTTPError is an unexpected status code.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fmtp: %s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}
