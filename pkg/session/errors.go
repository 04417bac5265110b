package session

import "errors"

// Sentinel errors returned by the controller.
var (
	// ErrNotFound means no session with the given id exists in memory or on disk.
	ErrNotFound = errors.New("session not found")

	// ErrEmptyPrompt rejects a generation request with no scene description.
	ErrEmptyPrompt = errors.New("prompt must not be empty")

	// ErrAlreadyStarted rejects a second Start for the same session.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrInvalidRole rejects a generation request naming an unknown role.
	ErrInvalidRole = errors.New("invalid role")
)
