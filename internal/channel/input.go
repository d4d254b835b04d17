package channel

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/danmuck/tcfchan/internal/observability"
	"github.com/danmuck/tcfchan/internal/protocol"
	"github.com/danmuck/tcfchan/internal/protocol/errreport"
)

func (c *Channel) onReaderExit(err error) {
	if c.State() == StateClosed {
		return
	}
	if errors.Is(err, io.EOF) {
		if c.outTokens.Size() > 0 {
			c.Terminate(ErrConnectionReset)
			return
		}
		c.Close()
		return
	}
	c.Terminate(err)
}

// handleInput runs on the dispatch goroutine. Any error or panic while
// handling a message is fatal to the channel.
func (c *Channel) handleInput(msg protocol.Message) {
	if c.State() == StateClosed {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.Terminate(fmt.Errorf("channel: panic handling %s: %v", msg.Type(), r))
		}
	}()
	if err := c.dispatchInput(msg); err != nil {
		c.Terminate(err)
	}
}

func (c *Channel) dispatchInput(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Progress:
		tok, err := c.lookupToken(m.Token, false)
		if err != nil {
			return err
		}
		tok.listener.Progress(tok, m.Data)
		c.reportCongestion()
	case *protocol.Result:
		tok, err := c.lookupToken(m.Token, true)
		if err != nil {
			return err
		}
		observability.RecordCommandDuration(tok.command.Service, c.clock.Since(tok.sentAt))
		tok.listener.Result(tok, m.Data)
		c.reportCongestion()
	case *protocol.Unrecognized:
		tok, err := c.lookupToken(m.Token, true)
		if err != nil {
			return err
		}
		tok.listener.Terminated(tok, c.unrecognized(tok.command))
		c.reportCongestion()
	case *protocol.Command:
		return c.handleCommand(m)
	case *protocol.Event:
		return c.handleEvent(m)
	case *protocol.FlowControl:
		return c.handleFlowControl(m)
	default:
		return fmt.Errorf("%w: %T", protocol.ErrInvalidType, msg)
	}
	return nil
}

func (c *Channel) lookupToken(id string, remove bool) (*Token, error) {
	v, ok := c.outTokens.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidToken, id)
	}
	if remove {
		c.outTokens.Remove(id)
	}
	return v.(*Token), nil
}

func (c *Channel) unrecognized(cmd *protocol.Command) error {
	if _, ok := c.remoteServices[cmd.Service]; !ok {
		return errreport.NewError(errreport.CodeInvCommand, "Service not available: {0}", cmd.Service)
	}
	return errreport.NewError(errreport.CodeInvCommand, "Command is not recognized: {0} {1}", cmd.Service, cmd.Name)
}

func (c *Channel) handleCommand(m *protocol.Command) error {
	if c.State() == StateOpening {
		return fmt.Errorf("%w: %s %s", ErrCommandBeforeHello, m.Service, m.Name)
	}
	tok := &Token{id: m.Token, ch: c}
	if c.proxy != nil {
		c.proxy.OnCommand(tok, m.Service, m.Name, m.Data)
		return nil
	}
	if srv, ok := c.commandServers[m.Service]; ok {
		srv.Command(tok, m.Name, m.Data)
		return nil
	}
	return c.RejectCommand(tok)
}

func (c *Channel) handleEvent(m *protocol.Event) error {
	hello := m.Service == LocatorName && m.Name == HelloEvent
	if hello {
		if err := c.loadRemoteServices(m.Data); err != nil {
			return err
		}
	}
	switch {
	case c.proxy != nil && c.State() == StateOpen:
		c.proxy.OnEvent(m.Service, m.Name, m.Data)
	case hello:
		if c.State() != StateOpening {
			// a repeated Hello only refreshes the remote tables
			return nil
		}
		c.setState(StateOpen)
		if len(c.redirectQueue) > 0 {
			next := c.redirectQueue[0]
			c.redirectQueue = c.redirectQueue[1:]
			return c.Redirect(next)
		}
		c.notifyOpened()
	default:
		for _, l := range c.eventListeners[m.Service] {
			l.Event(m.Name, m.Data)
		}
		c.reportCongestion()
	}
	return nil
}

func (c *Channel) handleFlowControl(m *protocol.FlowControl) error {
	raw := strings.TrimSpace(strings.TrimRight(string(m.Data), "\x00"))
	level, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidFlowControl, raw)
	}
	c.remoteLevel.Store(int32(clampLevel(level)))
	c.notifyCongestion(c.Congestion())
	return nil
}
