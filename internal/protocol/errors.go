package protocol

import "errors"

var (
	ErrInvalidType    = errors.New("protocol: invalid message type")
	ErrMissingToken   = errors.New("protocol: missing token")
	ErrMissingService = errors.New("protocol: missing service name")
	ErrMissingName    = errors.New("protocol: missing command or event name")
	ErrInvalidJSON    = errors.New("protocol: invalid JSON sequence")
)
