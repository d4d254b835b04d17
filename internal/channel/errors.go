package channel

import "errors"

var (
	ErrChannelClosed        = errors.New("channel: channel closed")
	ErrWaitingForHello      = errors.New("channel: waiting for Hello message")
	ErrNotOpen              = errors.New("channel: channel is not open")
	ErrInvalidToken         = errors.New("channel: invalid token")
	ErrCommandBeforeHello   = errors.New("channel: received command before Hello message")
	ErrInvalidFlowControl   = errors.New("channel: invalid flow control message")
	ErrRedirectPending      = errors.New("channel: redirect already pending")
	ErrNoLocator            = errors.New("channel: remote peer has no Locator service")
	ErrPeerNotFound         = errors.New("channel: peer not found")
	ErrConnectionReset      = errors.New("channel: connection reset by peer")
	ErrNotDispatchGoroutine = errors.New("channel: called outside the dispatch goroutine")
)
