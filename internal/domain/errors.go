package domain

import "errors"

// Domain errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session has ended")
	ErrSessionExists   = errors.New("session already exists")
	ErrPlayerNotFound  = errors.New("player not found in session")
	ErrOrbNotFound     = errors.New("orb not found")
	ErrNotRegistered   = errors.New("connection not registered to a session")
	ErrInvalidSession  = errors.New("invalid session configuration")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInternalError   = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrPlayerNotFound) || errors.Is(err, ErrOrbNotFound)
}
