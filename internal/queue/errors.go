package queue

import "errors"

var (
	ErrInvalidIdentifier = errors.New("invalid message identifier")
	ErrQueueNotAllowed   = errors.New("queue name not allowed")
	ErrConflict          = errors.New("message already exists")
	ErrGone              = errors.New("message already deleted")
	ErrNotFound          = errors.New("message not found")
	ErrUnauthorized      = errors.New("unauthorized")
)
