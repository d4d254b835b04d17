package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/tcfchan/internal/channel"
	"github.com/danmuck/tcfchan/internal/dispatch"
	"github.com/danmuck/tcfchan/internal/peer"
	"github.com/danmuck/tcfchan/internal/protocol/frame"
	"github.com/danmuck/tcfchan/internal/services"
	"github.com/danmuck/tcfchan/internal/services/diagnostics"
	"github.com/danmuck/tcfchan/internal/services/locator"
	"github.com/danmuck/tcfchan/internal/transport"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var (
	ErrNotDialable   = errors.New("agent: peer is not dialable")
	ErrChannelAbsent = errors.New("agent: no such channel")
)

// Agent owns the dispatcher shared by all of its channels. The channels map
// is only touched on the dispatch goroutine.
type Agent struct {
	cfg      Config
	disp     *dispatch.Dispatcher
	registry *peer.Registry
	services *services.ServiceRegistry
	local    *peer.RegisteredPeer
	started  time.Time

	channels map[string]*channel.Channel
	sweep    *sweeper

	closeOnce sync.Once
	closeErr  error
}

// remoteAttributer is implemented by transports that know their far end.
type remoteAttributer interface {
	PeerAttributes() map[string]string
}

func New(cfg Config) (*Agent, error) {
	cfg = cfg.WithDefaults()
	a := &Agent{
		cfg:      cfg,
		disp:     dispatch.New(cfg.Clock),
		registry: peer.NewRegistry(cfg.Clock, cfg.Channel.PeerDataRetention),
		services: services.NewServiceRegistry(),
		started:  cfg.Clock.Now(),
		channels: make(map[string]*channel.Channel),
	}
	local, err := a.registry.Register(a.localAttributes(cfg.ListenAddr))
	if err != nil {
		a.disp.Close()
		return nil, fmt.Errorf("agent: register local peer: %w", err)
	}
	a.local = local

	a.services.RegisterLocal(locator.Name, locator.Factory(locator.ServerOptions{
		Registry:    a.registry,
		Dialer:      a,
		Channel:     cfg.Channel,
		DialTimeout: cfg.Transport.ConnectTimeout,
	}))
	a.services.RegisterLocal(diagnostics.Name, diagnostics.Factory(cfg.Tests...))
	a.services.RegisterRemote(locator.Name, locator.ClientFactory())
	return a, nil
}

func (a *Agent) ID() string {
	return a.cfg.ID
}

func (a *Agent) Config() Config {
	return a.cfg
}

func (a *Agent) Registry() *peer.Registry {
	return a.registry
}

func (a *Agent) Services() *services.ServiceRegistry {
	return a.services
}

func (a *Agent) Dispatcher() *dispatch.Dispatcher {
	return a.disp
}

func (a *Agent) LocalPeer() *peer.RegisteredPeer {
	return a.local
}

func (a *Agent) localAttributes(addr string) map[string]string {
	attrs := map[string]string{
		peer.AttrID:               a.cfg.ID,
		peer.AttrAgentID:          a.cfg.ID,
		peer.AttrServiceManagerID: a.cfg.ID,
		peer.AttrName:             a.cfg.Name,
		peer.AttrOSName:           runtime.GOOS,
		peer.AttrTransportName:    transport.NameTCP,
	}
	if a.cfg.Transport.TLS.Enabled {
		attrs[peer.AttrTransportName] = transport.NameSSL
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host != "" {
			attrs[peer.AttrHost] = host
		}
		attrs[peer.AttrPort] = port
	}
	return attrs
}

// advertise refreshes the local peer once the listener address is known.
func (a *Agent) advertise(addr net.Addr) {
	if _, err := a.registry.Register(a.localAttributes(addr.String())); err != nil {
		log.Warn().Err(err).Str("agent", a.cfg.ID).Msg("agent: advertise local peer")
	}
}

// Attach starts a channel over tr. It may be called from any goroutine.
func (a *Agent) Attach(tr frame.Transport) *channel.Channel {
	opts := channel.Options{
		Config:    a.cfg.Channel,
		Provider:  a.services,
		LocalPeer: a.local,
	}
	if ra, ok := tr.(remoteAttributer); ok {
		opts.RemotePeer = peer.NewTransient(ra.PeerAttributes())
	}
	ch := channel.New(a.disp, tr, opts)
	if !a.disp.Invoke(func() {
		a.channels[ch.ID()] = ch
		ch.AddChannelListener(&channel.ChannelListenerFuncs{
			OnOpened: func() {
				log.Info().Str("agent", a.cfg.ID).Str("channel", ch.ID()).Strs("services", ch.RemoteServices()).Msg("agent: channel open")
			},
			OnClosed: func(err error) {
				delete(a.channels, ch.ID())
				ev := log.Info()
				if err != nil {
					ev = log.Warn().Err(err)
				}
				ev.Str("agent", a.cfg.ID).Str("channel", ch.ID()).Int("active", len(a.channels)).Msg("agent: channel closed")
			},
		})
		ch.Start()
	}) {
		_ = tr.Stop()
	}
	return ch
}

// Serve accepts channels on ln until ctx ends.
func (a *Agent) Serve(ctx context.Context, ln *transport.Listener) error {
	defer ln.Close()
	a.advertise(ln.Addr())
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	log.Info().Str("agent", a.cfg.ID).Str("addr", ln.Addr().String()).Msg("agent: listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			tc, err := ln.Handshake(conn)
			if err != nil {
				log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("agent: handshake failed")
				return
			}
			a.Attach(tc)
		}()
	}
}

// DialPeer implements locator.Dialer for TCP, SSL, WS and WSS peers.
func (a *Agent) DialPeer(ctx context.Context, attrs map[string]string) (frame.Transport, error) {
	conn, err := a.dial(ctx, attrs, false)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (a *Agent) dial(ctx context.Context, attrs map[string]string, retry bool) (*transport.Conn, error) {
	id := attrs[peer.AttrID]
	host := attrs[peer.AttrHost]
	if host == "" {
		return nil, fmt.Errorf("%w: %s has no host", ErrNotDialable, id)
	}
	addr := net.JoinHostPort(host, attrs[peer.AttrPort])
	cfg := a.cfg.Transport

	name := strings.ToUpper(attrs[peer.AttrTransportName])
	switch name {
	case "", transport.NameTCP, transport.NameSSL:
		cfg.TLS.Enabled = name == transport.NameSSL
		if retry {
			rng := rand.New(rand.NewSource(a.cfg.Clock.Now().UnixNano()))
			return transport.DialRetry(ctx, cfg, addr, a.cfg.Clock, rng)
		}
		return transport.Dial(ctx, cfg, addr)
	case transport.NameWS, transport.NameWSS:
		u := url.URL{Scheme: strings.ToLower(name), Host: addr, Path: attrs[AttrPath]}
		if u.Path == "" {
			u.Path = a.cfg.WebSocketPath
		}
		cfg.TLS.Enabled = name == transport.NameWSS
		return transport.DialWebSocket(ctx, cfg, u.String())
	default:
		return nil, fmt.Errorf("%w: %s uses transport %q", ErrNotDialable, id, name)
	}
}

// Snapshots lists open channels sorted by id.
func (a *Agent) Snapshots(ctx context.Context) ([]channel.Snapshot, error) {
	var out []channel.Snapshot
	err := a.disp.InvokeAndWait(ctx, func() {
		for _, ch := range a.channels {
			out = append(out, ch.Snapshot())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// CloseChannel closes one channel gracefully.
func (a *Agent) CloseChannel(ctx context.Context, id string) error {
	found := false
	if err := a.disp.InvokeAndWait(ctx, func() {
		if ch, ok := a.channels[id]; ok {
			found = true
			ch.Close()
		}
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrChannelAbsent, id)
	}
	return nil
}

// Close shuts every channel down and stops the dispatcher. Later calls
// return the first result.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.shutdown()
	})
	return a.closeErr
}

func (a *Agent) shutdown() error {
	timeout := a.cfg.Channel.CloseTimeout + a.cfg.Channel.ReaderJoinTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		errs  error
		chans []*channel.Channel
	)
	err := a.disp.InvokeAndWait(ctx, func() {
		if a.sweep != nil {
			a.sweep.stop()
		}
		for _, ch := range a.channels {
			chans = append(chans, ch)
			ch.Close()
		}
	})
	errs = multierr.Append(errs, err)
	for _, ch := range chans {
		select {
		case <-ch.Done():
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("agent: channel %s did not close: %w", ch.ID(), ctx.Err()))
		}
	}
	a.disp.Close()
	return errs
}
