// Package locator implements both sides of the TCF Locator service: the
// agent's server, which publishes the peer registry and serves redirects,
// and the client proxy a channel uses to redirect itself.
package locator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/danmuck/tcfchan/internal/channel"
	"github.com/danmuck/tcfchan/internal/peer"
	"github.com/danmuck/tcfchan/internal/protocol"
	"github.com/danmuck/tcfchan/internal/protocol/errreport"
	"github.com/danmuck/tcfchan/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

const (
	Name = channel.LocatorName

	EventPeerAdded     = "peerAdded"
	EventPeerChanged   = "peerChanged"
	EventPeerRemoved   = "peerRemoved"
	EventPeerHeartBeat = "peerHeartBeat"
)

// Dialer opens a transport to the peer described by attrs.
type Dialer interface {
	DialPeer(ctx context.Context, attrs map[string]string) (frame.Transport, error)
}

type DialerFunc func(ctx context.Context, attrs map[string]string) (frame.Transport, error)

func (f DialerFunc) DialPeer(ctx context.Context, attrs map[string]string) (frame.Transport, error) {
	return f(ctx, attrs)
}

type ServerOptions struct {
	Registry *peer.Registry
	// Dialer serves redirect. Nil answers every redirect with an error.
	Dialer Dialer
	// Channel configures channels opened to redirect targets.
	Channel channel.Config
	// DialTimeout bounds connecting to a redirect target.
	DialTimeout time.Duration
}

// Server is the Locator service of one channel.
type Server struct {
	ch       *channel.Channel
	opts     ServerOptions
	listener *peer.ListenerFuncs
}

// Factory returns a per-channel factory for the Locator server.
func Factory(opts ServerOptions) func(*channel.Channel) channel.Service {
	return func(ch *channel.Channel) channel.Service {
		return NewServer(ch, opts)
	}
}

// NewServer binds a Locator server to ch and starts publishing registry
// changes to it. Must be called on the dispatch goroutine of ch.
func NewServer(ch *channel.Channel, opts ServerOptions) *Server {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	s := &Server{ch: ch, opts: opts}
	if opts.Registry == nil {
		return s
	}
	s.listener = &peer.ListenerFuncs{
		OnAdded:     func(p peer.Peer) { s.publish(EventPeerAdded, p.Attributes()) },
		OnChanged:   func(p peer.Peer) { s.publish(EventPeerChanged, p.Attributes()) },
		OnRemoved:   func(id string) { s.publish(EventPeerRemoved, id) },
		OnHeartBeat: func(id string) { s.publish(EventPeerHeartBeat, id) },
	}
	opts.Registry.AddListener(s.listener)
	ch.AddChannelListener(&channel.ChannelListenerFuncs{
		OnClosed: func(error) { opts.Registry.RemoveListener(s.listener) },
	})
	return s
}

func (s *Server) Name() string { return Name }

// publish may be called from any goroutine.
func (s *Server) publish(event string, arg any) {
	data, err := protocol.ToJSONSequence(arg)
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("locator: encode event")
		return
	}
	s.ch.Dispatcher().Invoke(func() {
		if s.ch.State() != channel.StateOpen || s.ch.IsProxy() {
			return
		}
		if err := s.ch.SendEvent(s, event, data); err != nil {
			log.Debug().Err(err).Str("event", event).Msg("locator: send event")
		}
	})
}

func (s *Server) Command(tok *channel.Token, name string, data []byte) {
	switch name {
	case "sync":
		s.reply(tok, nil)
	case "getPeers":
		s.getPeers(tok)
	case "redirect":
		s.redirect(tok, data)
	default:
		_ = s.ch.RejectCommand(tok)
	}
}

// reply sends a result whose first element is err as an error report.
func (s *Server) reply(tok *channel.Token, err error, rest ...any) {
	var report any
	if err != nil {
		report = errreport.FromError(err)
	}
	data, encErr := protocol.ToJSONSequence(append([]any{report}, rest...)...)
	if encErr != nil {
		log.Error().Err(encErr).Msg("locator: encode reply")
		_ = s.ch.RejectCommand(tok)
		return
	}
	_ = s.ch.SendResult(tok, data)
}

func (s *Server) getPeers(tok *channel.Token) {
	list := []map[string]string{}
	if s.opts.Registry != nil {
		for _, p := range s.opts.Registry.List() {
			list = append(list, p.Attributes())
		}
	}
	s.reply(tok, nil, list)
}

func (s *Server) redirect(tok *channel.Token, data []byte) {
	attrs, err := s.resolveTarget(data)
	if err != nil {
		s.reply(tok, err)
		return
	}
	if s.opts.Dialer == nil {
		s.reply(tok, errreport.NewError(errreport.CodeUnsupported, "Redirect is not supported by this agent"))
		return
	}

	id := attrs[peer.AttrID]
	disp := s.ch.Dispatcher()
	local := s.ch.LocalPeer()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.DialTimeout)
		defer cancel()
		tr, err := s.opts.Dialer.DialPeer(ctx, attrs)
		disp.Invoke(func() {
			if err != nil {
				log.Warn().Err(err).Str("peer", id).Msg("locator: redirect dial failed")
				s.reply(tok, errreport.NewError(errreport.CodeOther, "Cannot connect to peer {0}: {1}", id, err.Error()))
				return
			}
			if s.ch.State() != channel.StateOpen {
				_ = tr.Stop()
				return
			}
			s.splice(tok, tr, attrs, local)
		})
	}()
}

// splice opens a channel over tr and, once it is open, acknowledges the
// redirect and joins the two channels.
func (s *Server) splice(tok *channel.Token, tr frame.Transport, attrs map[string]string, local peer.Peer) {
	target := channel.New(s.ch.Dispatcher(), tr, channel.Options{
		Config:     s.opts.Channel,
		LocalPeer:  local,
		RemotePeer: peer.NewTransient(attrs),
	})
	var opened bool
	watch := &channel.ChannelListenerFuncs{}
	watch.OnOpened = func() {
		opened = true
		target.RemoveChannelListener(watch)
		if s.ch.State() != channel.StateOpen {
			target.Close()
			return
		}
		s.reply(tok, nil)
		if _, err := channel.NewChannelProxy(s.ch, target); err != nil {
			target.Terminate(err)
			s.ch.Terminate(err)
			return
		}
		log.Info().Str("channel", s.ch.ID()).Str("peer", attrs[peer.AttrID]).Msg("locator: channel redirected")
	}
	watch.OnClosed = func(err error) {
		if opened {
			return
		}
		if err == nil {
			err = channel.ErrChannelClosed
		}
		s.reply(tok, errreport.NewError(errreport.CodeOther, "Cannot open channel to peer {0}: {1}", attrs[peer.AttrID], err.Error()))
	}
	target.AddChannelListener(watch)
	target.Start()
}

func (s *Server) resolveTarget(data []byte) (map[string]string, error) {
	var raw json.RawMessage
	if err := protocol.DecodeSequence(data, &raw); err != nil {
		return nil, errreport.NewError(errreport.CodeJSONSyntax, "redirect: {0}", err.Error())
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		if s.opts.Registry == nil {
			return nil, unknownPeer(id)
		}
		p, ok := s.opts.Registry.Resolve(id)
		if !ok {
			return nil, unknownPeer(id)
		}
		return p.Attributes(), nil
	}
	var attrs map[string]string
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, errreport.NewError(errreport.CodeJSONSyntax, "redirect: peer must be an id or an attribute map")
	}
	if len(attrs) == 0 {
		return nil, errreport.NewError(errreport.CodeUnknownPeer, "redirect: empty peer attributes")
	}
	return attrs, nil
}

func unknownPeer(id string) error {
	return errreport.NewError(errreport.CodeUnknownPeer, "Unknown peer ID: {0}", id)
}
