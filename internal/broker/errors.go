package broker

import "errors"

var (
	ErrDisconnected     = errors.New("broker disconnected")
	ErrClosed           = errors.New("broker client closed")
	ErrConnectionLost   = errors.New("broker connection lost")
	ErrUnreachable      = errors.New("broker unreachable")
	ErrMalformed        = errors.New("malformed message")
	ErrNotConfirmed     = errors.New("publish not confirmed by broker")
	ErrConsumerCanceled = errors.New("consumer canceled by broker")
	ErrAlreadySettled   = errors.New("delivery already settled")
)
