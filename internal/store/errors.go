package store

import "errors"

var (
	ErrServiceNotFound      = errors.New("service not found")
	ErrCenterNotFound       = errors.New("service center not found")
	ErrTokenNotFound        = errors.New("token not found")
	ErrCounterNotFound      = errors.New("counter not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidTransition    = errors.New("invalid token state transition")
	ErrEmptyQueue           = errors.New("no waiting token for counter services")
	ErrCounterUnavailable   = errors.New("counter unavailable")
	ErrCounterOccupied      = errors.New("counter holds an active token")
	ErrDuplicateActiveToken = errors.New("customer already holds an active token")
	ErrExpired              = errors.New("arrival deadline passed")
	ErrConflict             = errors.New("concurrent update lost, retry")
	ErrAccessDenied         = errors.New("access denied")
)
