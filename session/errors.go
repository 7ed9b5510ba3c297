package session

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrClientIDInUse   = errors.New("client identifier already in use")
	ErrEmptyClientID   = errors.New("client identifier cannot be empty")
	ErrStoreClosed     = errors.New("store is closed")
	ErrManagerClosed   = errors.New("session manager closed")
)
