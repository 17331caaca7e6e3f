package domain

import "errors"

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
	ErrSessionEnded     = errors.New("session already ended")
	ErrLinkExists       = errors.New("peer link already exists")
	ErrLinkClosed       = errors.New("peer link closed")
	ErrSetupStarted     = errors.New("viewer setup already started")
	ErrMediaUnavailable = errors.New("local media unavailable")
	ErrChannelClosed    = errors.New("signaling channel closed")
	ErrInvalidToken     = errors.New("invalid token")
)
