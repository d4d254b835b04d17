package channel

import (
	"github.com/danmuck/tcfchan/internal/protocol/errreport"
)

// ChannelProxy splices two channels in raw-proxy mode: commands and events
// from either side are forwarded verbatim to the other, replies travel back,
// and closing one side closes the other.
type ChannelProxy struct {
	a, b *Channel
}

// NewChannelProxy puts a and b in proxy mode. Each side announces the
// services of the other in a fresh Hello.
func NewChannelProxy(a, b *Channel) (*ChannelProxy, error) {
	cp := &ChannelProxy{a: a, b: b}
	aServices := a.RemoteServices()
	bServices := b.RemoteServices()
	if err := a.SetProxy(&proxySide{from: a, to: b}, bServices); err != nil {
		return nil, err
	}
	if err := b.SetProxy(&proxySide{from: b, to: a}, aServices); err != nil {
		return nil, err
	}
	return cp, nil
}

func (cp *ChannelProxy) Channels() (*Channel, *Channel) {
	return cp.a, cp.b
}

type proxySide struct {
	from, to *Channel
}

func (s *proxySide) OnCommand(token *Token, service, name string, data []byte) {
	_, err := s.to.SendCommand(ServiceName(service), name, data, &forwardListener{origin: token})
	if err != nil {
		s.from.log.Debug().Err(err).Str("service", service).Str("name", name).Msg("proxy forward command")
		_ = s.from.RejectCommand(token)
	}
}

func (s *proxySide) OnEvent(service, name string, data []byte) {
	if err := s.to.SendEvent(ServiceName(service), name, data); err != nil {
		s.from.log.Debug().Err(err).Str("service", service).Str("name", name).Msg("proxy forward event")
	}
}

func (s *proxySide) OnChannelClosed(err error) {
	if s.to.State() == StateClosed {
		return
	}
	if err == nil {
		s.to.Close()
		return
	}
	s.to.Terminate(err)
}

type forwardListener struct {
	origin *Token
}

func (l *forwardListener) Progress(_ *Token, data []byte) {
	_ = l.origin.ch.SendProgress(l.origin, data)
}

func (l *forwardListener) Result(_ *Token, data []byte) {
	_ = l.origin.ch.SendResult(l.origin, data)
}

func (l *forwardListener) Terminated(_ *Token, err error) {
	if errreport.HasCode(err, errreport.CodeInvCommand) {
		_ = l.origin.ch.RejectCommand(l.origin)
	}
}
