package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/tcfchan/internal/dispatch"
	"github.com/danmuck/tcfchan/internal/peer"
	"github.com/danmuck/tcfchan/internal/protocol"
	"github.com/danmuck/tcfchan/internal/protocol/frame"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// rawPeer drives the far end of a pipe with the bare codec.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
	w    *frame.Writer
	msgs chan protocol.Message
	end  chan error
}

func newRawPeer(t *testing.T, conn net.Conn) *rawPeer {
	tr := frame.NewEscapeTransport(conn, conn, conn)
	p := &rawPeer{
		t:    t,
		conn: conn,
		w:    frame.NewWriter(tr),
		msgs: make(chan protocol.Message, 256),
		end:  make(chan error, 1),
	}
	r := frame.NewReader(tr, frame.DefaultLimits())
	go func() {
		for {
			m, err := r.ReadMessage()
			if err != nil {
				p.end <- err
				return
			}
			p.msgs <- m
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return p
}

func (p *rawPeer) send(m protocol.Message) {
	p.t.Helper()
	require.NoError(p.t, p.w.WriteMessage(m))
	require.NoError(p.t, p.w.Flush())
}

func (p *rawPeer) sendHello(names ...string) {
	p.t.Helper()
	data, err := protocol.ToJSONSequence(names)
	require.NoError(p.t, err)
	p.send(&protocol.Event{Service: LocatorName, Name: HelloEvent, Data: data})
}

// expect returns the next message that is not flow control.
func (p *rawPeer) expect() protocol.Message {
	p.t.Helper()
	for {
		select {
		case m := <-p.msgs:
			if _, ok := m.(*protocol.FlowControl); ok {
				continue
			}
			return m
		case <-time.After(waitFor):
			p.t.Fatalf("timed out waiting for message")
			return nil
		}
	}
}

func (p *rawPeer) expectFlowControl() *protocol.FlowControl {
	p.t.Helper()
	for {
		select {
		case m := <-p.msgs:
			if fc, ok := m.(*protocol.FlowControl); ok {
				return fc
			}
		case <-time.After(waitFor):
			p.t.Fatalf("timed out waiting for flow control")
			return nil
		}
	}
}

func (p *rawPeer) expectEnd() error {
	p.t.Helper()
	select {
	case err := <-p.end:
		return err
	case <-time.After(waitFor):
		p.t.Fatalf("timed out waiting for end of stream")
		return nil
	}
}

func pipe(t *testing.T) (net.Conn, net.Conn) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

type echoServer struct{}

func (echoServer) Name() string { return "Diagnostics" }

func (echoServer) Command(tok *Token, name string, data []byte) {
	if name != "echo" {
		_ = tok.Channel().RejectCommand(tok)
		return
	}
	_ = tok.Channel().SendResult(tok, data)
}

// fakeLocator is a remote Locator client with a fixed peer table.
type fakeLocator struct {
	ch        *Channel
	peers     map[string]peer.Peer
	listeners []peer.Listener
}

func (l *fakeLocator) Name() string { return LocatorName }

func (l *fakeLocator) Peer(id string) (peer.Peer, bool) {
	p, ok := l.peers[id]
	return p, ok
}

func (l *fakeLocator) RedirectTo(target map[string]string, done func(err error)) (*Token, error) {
	var arg any = target
	if id, ok := target[peer.AttrID]; ok && len(target) == 1 {
		arg = id
	}
	data, err := protocol.ToJSONSequence(arg)
	if err != nil {
		return nil, err
	}
	return l.ch.SendCommand(l, "redirect", data, &CommandListenerFuncs{
		OnResult: func(_ *Token, data []byte) {
			var report json.RawMessage
			if err := protocol.DecodeSequence(data, &report); err != nil {
				done(err)
				return
			}
			if string(report) != "null" {
				done(errors.New(string(report)))
				return
			}
			done(nil)
		},
		OnTerminated: func(_ *Token, err error) { done(err) },
	})
}

func (l *fakeLocator) AddPeerListener(pl peer.Listener) {
	l.listeners = append(l.listeners, pl)
}

func (l *fakeLocator) RemovePeerListener(pl peer.Listener) {
	for i, x := range l.listeners {
		if x == pl {
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return
		}
	}
}

func (l *fakeLocator) add(p peer.Peer) {
	l.peers[p.ID()] = p
	for _, pl := range append([]peer.Listener(nil), l.listeners...) {
		pl.PeerAdded(p)
	}
}

type testProvider struct {
	mu       sync.Mutex
	local    []Service
	peers    map[string]peer.Peer
	locators []*fakeLocator
}

func newTestProvider(local ...Service) *testProvider {
	return &testProvider{local: local, peers: map[string]peer.Peer{}}
}

func (p *testProvider) LocalServices(*Channel) []Service {
	return p.local
}

func (p *testProvider) RemoteService(ch *Channel, name string) Service {
	if name != LocatorName {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	loc := &fakeLocator{ch: ch, peers: map[string]peer.Peer{}}
	for id, pr := range p.peers {
		loc.peers[id] = pr
	}
	p.locators = append(p.locators, loc)
	return loc
}

func (p *testProvider) lastLocator() *fakeLocator {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.locators) == 0 {
		return nil
	}
	return p.locators[len(p.locators)-1]
}

type harness struct {
	t        *testing.T
	disp     *dispatch.Dispatcher
	ch       *Channel
	peer     *rawPeer
	provider *testProvider
	opened   chan struct{}
	closed   chan error
}

func newHarness(t *testing.T, cfg Config, clk clock.Clock) *harness {
	t.Helper()
	disp := dispatch.New(clk)
	t.Cleanup(disp.Close)

	a, b := pipe(t)
	h := &harness{
		t:        t,
		disp:     disp,
		provider: newTestProvider(ServiceName(LocatorName), echoServer{}),
		opened:   make(chan struct{}, 8),
		closed:   make(chan error, 8),
	}
	h.ch = New(disp, frame.NewEscapeTransport(a, a, a), Options{
		ID:         t.Name(),
		Config:     cfg,
		Provider:   h.provider,
		RemotePeer: peer.NewTransient(map[string]string{peer.AttrID: "remote"}),
	})
	h.do(func() {
		h.ch.AddChannelListener(&ChannelListenerFuncs{
			OnOpened: func() { h.opened <- struct{}{} },
			OnClosed: func(err error) { h.closed <- err },
		})
	})
	h.peer = newRawPeer(t, b)
	h.ch.Start()

	hello, ok := h.peer.expect().(*protocol.Event)
	require.True(t, ok)
	require.Equal(t, LocatorName, hello.Service)
	require.Equal(t, HelloEvent, hello.Name)
	return h
}

func (h *harness) do(fn func()) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(h.t, h.disp.InvokeAndWait(ctx, fn))
}

func (h *harness) open(services ...string) {
	h.t.Helper()
	h.peer.sendHello(services...)
	h.waitOpened()
}

func (h *harness) waitOpened() {
	h.t.Helper()
	select {
	case <-h.opened:
	case <-time.After(waitFor):
		h.t.Fatalf("channel did not open, state=%s", h.ch.State())
	}
}

func (h *harness) waitClosed() error {
	h.t.Helper()
	select {
	case err := <-h.closed:
		return err
	case <-time.After(waitFor):
		h.t.Fatalf("channel did not close, state=%s", h.ch.State())
		return nil
	}
}

type commandRecorder struct {
	mu         sync.Mutex
	log        []string
	results    chan []byte
	progress   chan []byte
	terminated chan error
}

func newCommandRecorder() *commandRecorder {
	return &commandRecorder{
		results:    make(chan []byte, 64),
		progress:   make(chan []byte, 64),
		terminated: make(chan error, 64),
	}
}

func (r *commandRecorder) record(s string) {
	r.mu.Lock()
	r.log = append(r.log, s)
	r.mu.Unlock()
}

func (r *commandRecorder) Progress(_ *Token, data []byte) {
	r.record("progress")
	r.progress <- data
}

func (r *commandRecorder) Result(_ *Token, data []byte) {
	r.record("result")
	r.results <- data
}

func (r *commandRecorder) Terminated(_ *Token, err error) {
	r.record("terminated")
	r.terminated <- err
}

func (r *commandRecorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func recv[T any](t *testing.T, c <-chan T) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for value")
		var zero T
		return zero
	}
}
