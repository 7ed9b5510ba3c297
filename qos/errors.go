package qos

import "errors"

var (
	ErrHandlerClosed     = errors.New("qos handler closed")
	ErrInvalidQoS        = errors.New("invalid QoS level")
	ErrPacketIDNotFound  = errors.New("packet identifier not found")
	ErrPacketIDExhausted = errors.New("no free packet identifier")
	ErrInflightFull      = errors.New("inflight window full")
	ErrWaitTimeout       = errors.New("timed out waiting for acknowledgment")
	ErrWaitCanceled      = errors.New("connection closed while waiting for acknowledgment")
	ErrWouldBlock        = errors.New("acknowledgment not yet available")
	ErrStorageRejected   = errors.New("message rejected by storage hook")
)
