package storage

import "errors"

var (
	ErrStoreClosed      = errors.New("storage is closed")
	ErrPacketIDInUse    = errors.New("packet identifier already in use")
	ErrInvalidHandle    = errors.New("invalid message handle")
	ErrBadMessageName   = errors.New("message file name does not match schema")
	ErrAlreadyLoaded    = errors.New("storage already loaded")
	ErrClientNotInitted = errors.New("client storage not initialized")
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
	ErrMessagesExceeded = errors.New("stored message count limit exceeded")
	ErrEmptyClientID    = errors.New("client identifier cannot be empty")
	ErrUnsafeClientID   = errors.New("client identifier not usable as storage path")
)
