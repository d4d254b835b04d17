package channel

import (
	"runtime"
	"time"

	"github.com/danmuck/tcfchan/internal/observability"
	"github.com/danmuck/tcfchan/internal/protocol"
)

// readLoop decodes inbound messages and posts them to the dispatcher. It
// never touches channel state.
func (c *Channel) readLoop() {
	defer close(c.readerDone)
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			c.disp.Invoke(func() { c.onReaderExit(err) })
			return
		}
		c.msgsIn.Add(1)
		c.trace("in", msg)
		observability.RecordChannelMessage("in", msg.Type().String())
		c.disp.Invoke(func() { c.handleInput(msg) })
		if level := c.localLevel.Load(); level > 0 {
			c.clock.Sleep(time.Duration(level) * time.Millisecond)
		}
	}
}

// writeLoop drains the outbound queue until the end-of-stream marker.
func (c *Channel) writeLoop() {
	defer close(c.writerDone)
	for {
		m, more := c.out.next()
		if m.eos {
			if err := c.writer.WriteEndOfStream(m.report); err != nil {
				c.log.Debug().Err(err).Msg("write end of stream")
			}
			return
		}
		if err := c.writer.WriteMessage(m.msg); err != nil {
			c.disp.Invoke(func() { c.Terminate(err) })
			return
		}
		c.msgsOut.Add(1)
		c.trace("out", m.msg)
		observability.RecordChannelMessage("out", m.msg.Type().String())

		remote := int(c.remoteLevel.Load())
		if !more || remote > 0 {
			if err := c.writer.Flush(); err != nil {
				c.disp.Invoke(func() { c.Terminate(err) })
				return
			}
		}
		if remote > 0 {
			c.clock.Sleep(time.Duration(remote) * c.cfg.PacingUnit)
		} else {
			runtime.Gosched()
		}
	}
}

func (c *Channel) trace(dir string, msg protocol.Message) {
	if !c.cfg.Trace {
		return
	}
	ev := c.log.Trace().Str("dir", dir).Str("type", msg.Type().String())
	switch m := msg.(type) {
	case *protocol.Command:
		ev = ev.Str("token", m.Token).Str("service", m.Service).Str("name", m.Name)
	case *protocol.Event:
		ev = ev.Str("service", m.Service).Str("name", m.Name)
	default:
		if tok, ok := protocol.TokenOf(msg); ok {
			ev = ev.Str("token", tok)
		}
	}
	ev.Int("bytes", len(protocol.PayloadOf(msg))).Msg("tcf message")
}
