package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/tcfchan/internal/channel"
	"github.com/danmuck/tcfchan/internal/dispatch"
	"github.com/danmuck/tcfchan/internal/peer"
	"github.com/danmuck/tcfchan/internal/services"
	"github.com/danmuck/tcfchan/internal/services/locator"
	"github.com/danmuck/tcfchan/internal/transport"
)

// session is one open channel driven from a command.
type session struct {
	disp   *dispatch.Dispatcher
	ch     *channel.Channel
	opened chan struct{}
	closed chan error
}

func dial(ctx context.Context, opts *options) (*transport.Conn, error) {
	cfg := opts.transportConfig()
	if strings.HasPrefix(opts.addr, "ws://") || strings.HasPrefix(opts.addr, "wss://") {
		return transport.DialWebSocket(ctx, cfg, opts.addr)
	}
	return transport.Dial(ctx, cfg, opts.addr)
}

func connect(ctx context.Context, opts *options) (*session, error) {
	conn, err := dial(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.addr, err)
	}

	provider := services.NewServiceRegistry()
	provider.RegisterRemote(locator.Name, locator.ClientFactory())
	s := &session{
		disp:   dispatch.New(nil),
		opened: make(chan struct{}, 4),
		closed: make(chan error, 1),
	}
	s.ch = channel.New(s.disp, conn, channel.Options{
		Provider:   provider,
		RemotePeer: peer.NewTransient(conn.PeerAttributes()),
	})
	err = s.disp.InvokeAndWait(ctx, func() {
		s.ch.AddChannelListener(&channel.ChannelListenerFuncs{
			OnOpened: func() { s.opened <- struct{}{} },
			OnClosed: func(err error) { s.closed <- err },
		})
	})
	if err != nil {
		_ = conn.Stop()
		s.disp.Close()
		return nil, err
	}
	s.ch.Start()
	if err := s.waitOpen(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) waitOpen(ctx context.Context) error {
	select {
	case <-s.opened:
		return nil
	case err := <-s.closed:
		if err == nil {
			err = channel.ErrChannelClosed
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for Hello: %w", ctx.Err())
	}
}

// call runs start on the dispatch goroutine and waits for its completion.
func (s *session) call(ctx context.Context, start func(done func(error))) error {
	result := make(chan error, 1)
	done := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	if err := s.disp.InvokeAndWait(ctx, func() { start(done) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case err := <-s.closed:
		if err == nil {
			err = channel.ErrChannelClosed
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// locator waits until the remote Locator proxy has its first peer list.
func (s *session) locator(ctx context.Context) (*locator.Client, error) {
	var loc *locator.Client
	err := s.call(ctx, func(done func(error)) {
		c, ok := channel.RemoteServiceAs[*locator.Client](s.ch)
		if !ok {
			done(channel.ErrNoLocator)
			return
		}
		loc = c
		if c.Synced() {
			done(nil)
			return
		}
		c.GetPeers(func(_ []peer.Peer, err error) { done(err) })
	})
	return loc, err
}

func (s *session) remoteServices(ctx context.Context) ([]string, error) {
	var names []string
	err := s.disp.InvokeAndWait(ctx, func() { names = s.ch.RemoteServices() })
	return names, err
}

func (s *session) close() {
	_ = s.disp.InvokeAndWait(context.Background(), s.ch.Close)
	<-s.ch.Done()
	s.disp.Close()
}
