package channel

import (
	"fmt"
	"time"

	"github.com/danmuck/tcfchan/internal/observability"
	"github.com/danmuck/tcfchan/internal/peer"
	"github.com/danmuck/tcfchan/internal/protocol/errreport"
	"go.uber.org/multierr"
)

// Close ends the channel gracefully: queued messages drain, then EOS.
// Calling it on a closed channel does nothing.
func (c *Channel) Close() {
	c.mustDispatch()
	c.shutdown(nil)
}

// Terminate ends the channel with err, sending it to the peer as an error
// report after EOS.
func (c *Channel) Terminate(err error) {
	c.mustDispatch()
	if err == nil {
		err = fmt.Errorf("%w: terminated", ErrChannelClosed)
	}
	c.shutdown(err)
}

func (c *Channel) shutdown(cause error) {
	if c.State() == StateClosed {
		return
	}
	c.setState(StateClosed)
	c.closeErr = cause
	c.cancelRedirectWait()
	c.redirectQueue = nil

	timeout := c.cfg.CloseTimeout
	var report []byte
	if cause != nil {
		timeout = c.cfg.TerminateTimeout
		var err error
		if report, err = errreport.FromError(cause).Marshal(); err != nil {
			c.log.Warn().Err(err).Msg("encode close error report")
			report = nil
		}
		c.log.Warn().Err(cause).Msg("channel terminated")
	} else {
		c.log.Debug().Msg("channel closing")
	}
	c.out.push(&outMessage{eos: true, report: report})
	go c.teardown(timeout)

	if cause != nil {
		if rp, ok := c.remotePeer.(*peer.RegisteredPeer); ok {
			rp.OnChannelTerminated()
		}
	}
	if c.proxy != nil {
		p := c.proxy
		c.safely("proxy closed", func() { p.OnChannelClosed(cause) })
	}
	c.disp.Invoke(func() { c.finishClose(cause) })
}

// finishClose fails every outstanding command, then tells channel listeners.
func (c *Channel) finishClose(cause error) {
	termErr := ErrChannelClosed
	if cause != nil {
		termErr = fmt.Errorf("%w: %w", ErrChannelClosed, cause)
	}
	for _, v := range c.outTokens.Values() {
		tok := v.(*Token)
		c.safely("terminated", func() { tok.listener.Terminated(tok, termErr) })
	}
	c.outTokens.Clear()
	for _, l := range c.channelListeners {
		c.safely("closed", func() { l.OnChannelClosed(cause) })
	}
	observability.RecordChannelClosed(cause != nil)
}

// teardown waits for the transmitter to drain, stops the transport, and
// joins the receiver.
func (c *Channel) teardown(timeout time.Duration) {
	var errs error
	if c.started.Load() {
		select {
		case <-c.writerDone:
		case <-c.clock.After(timeout):
			errs = multierr.Append(errs, fmt.Errorf("channel: transmitter did not drain within %s", timeout))
		}
	}
	errs = multierr.Append(errs, c.transport.Stop())
	if c.started.Load() {
		select {
		case <-c.readerDone:
		case <-c.clock.After(c.cfg.ReaderJoinTimeout):
			errs = multierr.Append(errs, fmt.Errorf("channel: receiver did not stop within %s", c.cfg.ReaderJoinTimeout))
		}
	}
	if errs != nil {
		c.log.Debug().Err(errs).Msg("channel teardown")
	}
	close(c.done)
}
