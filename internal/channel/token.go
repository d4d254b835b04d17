package channel

import (
	"time"

	"github.com/danmuck/tcfchan/internal/protocol"
)

// Token identifies one command. Outbound tokens are created by SendCommand;
// inbound tokens are handed to command servers and proxies.
type Token struct {
	id       string
	ch       *Channel
	listener CommandListener
	command  *protocol.Command
	out      *outMessage
	sentAt   time.Time
}

func (t *Token) ID() string {
	return t.id
}

func (t *Token) Channel() *Channel {
	return t.ch
}

// Command is the outbound command; nil for inbound tokens.
func (t *Token) Command() *protocol.Command {
	return t.command
}

func (t *Token) Listener() CommandListener {
	return t.listener
}

// Cancel drops the command if it has not been transmitted yet. A canceled
// command gets no further callbacks. Must be called on the dispatch goroutine.
func (t *Token) Cancel() bool {
	if t.out == nil {
		return false
	}
	t.ch.mustDispatch()
	if !t.ch.out.cancel(t.out) {
		return false
	}
	t.ch.outTokens.Remove(t.id)
	return true
}
