package services

import "errors"

var (
	// ErrEmptyMessage is returned for chat input with no text and no image.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrUnknownSession is returned for chat sessions that do not exist for the tenant.
	ErrUnknownSession = errors.New("unknown chat session")
	// ErrSuperseded is returned when a newer turn for the same chat session won the race.
	ErrSuperseded = errors.New("superseded by a newer message")
	// ErrUnknownFlow is returned for flow editor sessions that do not exist for the tenant.
	ErrUnknownFlow = errors.New("unknown flow session")
	// ErrNoFile is returned when an analysis request carries no file content.
	ErrNoFile = errors.New("no file uploaded")
	// ErrInvalidInput is returned for other malformed requests.
	ErrInvalidInput = errors.New("invalid input")
)
