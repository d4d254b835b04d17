package locator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/tcfchan/internal/channel"
	"github.com/danmuck/tcfchan/internal/dispatch"
	"github.com/danmuck/tcfchan/internal/peer"
	"github.com/danmuck/tcfchan/internal/protocol/errreport"
	"github.com/danmuck/tcfchan/internal/protocol/frame"
	"github.com/danmuck/tcfchan/internal/services"
	"github.com/danmuck/tcfchan/internal/services/diagnostics"
	"github.com/danmuck/tcfchan/internal/testutil/testlog"
	"github.com/danmuck/tcfchan/internal/transport"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func do(t *testing.T, disp *dispatch.Dispatcher, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, disp.InvokeAndWait(ctx, fn))
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

type world struct {
	clientDisp *dispatch.Dispatcher
	agentDisp  *dispatch.Dispatcher
	registry   *peer.Registry
	client     *channel.Channel
	agent      *channel.Channel
	opened     chan struct{}
	closed     chan error
}

func newWorld(t *testing.T, registry *peer.Registry, dialer Dialer) *world {
	t.Helper()
	if registry == nil {
		registry = peer.NewRegistry(nil, time.Minute)
	}
	w := &world{
		clientDisp: dispatch.New(nil),
		agentDisp:  dispatch.New(nil),
		registry:   registry,
		opened:     make(chan struct{}, 4),
		closed:     make(chan error, 1),
	}
	t.Cleanup(w.clientDisp.Close)
	t.Cleanup(w.agentDisp.Close)

	clientServices := services.NewServiceRegistry()
	clientServices.RegisterRemote(Name, ClientFactory())
	agentServices := services.NewServiceRegistry()
	agentServices.RegisterLocal(Name, Factory(ServerOptions{Registry: w.registry, Dialer: dialer}))

	a, b := transport.Pipe()
	w.agent = channel.New(w.agentDisp, a, channel.Options{ID: "agent-side", Provider: agentServices})
	w.client = channel.New(w.clientDisp, b, channel.Options{
		ID:         "client",
		Provider:   clientServices,
		RemotePeer: peer.NewTransient(map[string]string{peer.AttrID: "agent"}),
	})
	do(t, w.clientDisp, func() {
		w.client.AddChannelListener(&channel.ChannelListenerFuncs{
			OnOpened: func() { w.opened <- struct{}{} },
			OnClosed: func(err error) { w.closed <- err },
		})
	})
	w.agent.Start()
	w.client.Start()
	recv(t, w.opened)
	t.Cleanup(func() {
		_ = w.clientDisp.InvokeAndWait(context.Background(), func() { w.client.Close() })
	})
	return w
}

func (w *world) locator(t *testing.T) *Client {
	t.Helper()
	var c *Client
	require.Eventually(t, func() bool {
		do(t, w.clientDisp, func() {
			if svc, ok := channel.RemoteServiceAs[*Client](w.client); ok && svc.Synced() {
				c = svc
			}
		})
		return c != nil
	}, waitFor, 5*time.Millisecond)
	return c
}

func register(t *testing.T, r *peer.Registry, id, name string) {
	t.Helper()
	_, err := r.Register(map[string]string{peer.AttrID: id, peer.AttrName: name, peer.AttrTransportName: "TCP"})
	require.NoError(t, err)
}

func TestGetPeersFillsClientCache(t *testing.T) {
	testlog.Start(t)
	registry := peer.NewRegistry(nil, time.Minute)
	register(t, registry, "peerB", "name-peerB")
	register(t, registry, "peerA", "name-peerA")
	w := newWorld(t, registry, nil)
	loc := w.locator(t)

	do(t, w.clientDisp, func() {
		var ids []string
		for _, p := range loc.Peers() {
			ids = append(ids, p.ID())
		}
		require.Equal(t, []string{"peerA", "peerB"}, ids)
		p, ok := loc.Peer("peerA")
		require.True(t, ok)
		require.Equal(t, "name-peerA", p.Name())
	})

	synced := make(chan error, 1)
	do(t, w.clientDisp, func() { loc.Sync(func(err error) { synced <- err }) })
	require.NoError(t, recv(t, synced))

	listed := make(chan int, 1)
	do(t, w.clientDisp, func() {
		loc.GetPeers(func(peers []peer.Peer, err error) {
			require.NoError(t, err)
			listed <- len(peers)
		})
	})
	require.Equal(t, 2, recv(t, listed))
}

func TestRedirectUnsupportedWithoutDialer(t *testing.T) {
	testlog.Start(t)
	registry := peer.NewRegistry(nil, time.Minute)
	register(t, registry, "peerA", "A")
	w := newWorld(t, registry, nil)
	w.locator(t)

	do(t, w.clientDisp, func() { require.NoError(t, w.client.RedirectToPeer("peerA")) })
	err := recv(t, w.closed)
	require.True(t, errreport.HasCode(err, errreport.CodeUnsupported), err)
}

func TestRegistryChangesArePublished(t *testing.T) {
	testlog.Start(t)
	w := newWorld(t, nil, nil)
	loc := w.locator(t)

	events := make(chan string, 8)
	do(t, w.clientDisp, func() {
		loc.AddPeerListener(&peer.ListenerFuncs{
			OnAdded:     func(p peer.Peer) { events <- "added:" + p.ID() },
			OnChanged:   func(p peer.Peer) { events <- "changed:" + p.Name() },
			OnRemoved:   func(id string) { events <- "removed:" + id },
			OnHeartBeat: func(id string) { events <- "heartbeat:" + id },
		})
	})

	register(t, w.registry, "peerC", "one")
	require.Equal(t, "added:peerC", recv(t, events))
	register(t, w.registry, "peerC", "two")
	require.Equal(t, "changed:two", recv(t, events))
	require.True(t, w.registry.HeartBeat("peerC"))
	require.Equal(t, "heartbeat:peerC", recv(t, events))
	require.True(t, w.registry.Remove("peerC"))
	require.Equal(t, "removed:peerC", recv(t, events))

	do(t, w.clientDisp, func() {
		_, ok := loc.Peer("peerC")
		require.False(t, ok)
	})
}

func TestRedirectSplicesToTarget(t *testing.T) {
	testlog.Start(t)
	targetDisp := dispatch.New(nil)
	t.Cleanup(targetDisp.Close)
	targetServices := services.NewServiceRegistry()
	targetServices.RegisterLocal(diagnostics.Name, diagnostics.Factory("t1"))

	dialed := make(chan map[string]string, 1)
	dialer := DialerFunc(func(_ context.Context, attrs map[string]string) (frame.Transport, error) {
		if attrs[peer.AttrID] != "target" {
			return nil, errors.New("connection refused")
		}
		dialed <- attrs
		near, far := transport.Pipe()
		target := channel.New(targetDisp, far, channel.Options{ID: "target", Provider: targetServices})
		target.Start()
		return near, nil
	})
	w := newWorld(t, nil, dialer)
	register(t, w.registry, "target", "Target")
	loc := w.locator(t)
	require.Eventually(t, func() bool {
		var ok bool
		do(t, w.clientDisp, func() { _, ok = loc.Peer("target") })
		return ok
	}, waitFor, 5*time.Millisecond)

	do(t, w.clientDisp, func() { require.NoError(t, w.client.RedirectToPeer("target")) })
	require.Equal(t, "Target", recv(t, dialed)[peer.AttrName])
	recv(t, w.opened)

	do(t, w.clientDisp, func() {
		require.Equal(t, channel.StateOpen, w.client.State())
		require.Equal(t, "target", w.client.RemotePeer().ID())
		var history []string
		for _, p := range w.client.RemotePeerHistory() {
			history = append(history, p.ID())
		}
		require.Equal(t, []string{"agent", "target"}, history)
		_, ok := w.client.RemoteService(diagnostics.Name)
		require.True(t, ok)
	})
	do(t, w.agentDisp, func() { require.True(t, w.agent.IsProxy()) })

	replies := make(chan string, 1)
	do(t, w.clientDisp, func() {
		diagnostics.Echo(w.client, "via agent", func(reply string, err error) {
			require.NoError(t, err)
			replies <- reply
		})
	})
	require.Equal(t, "via agent", recv(t, replies))

	tests := make(chan []string, 1)
	do(t, w.clientDisp, func() {
		diagnostics.GetTestList(w.client, func(list []string, err error) {
			require.NoError(t, err)
			tests <- list
		})
	})
	require.Equal(t, []string{"t1"}, recv(t, tests))
}

func TestRedirectDialFailureTerminatesClient(t *testing.T) {
	testlog.Start(t)
	dialer := DialerFunc(func(context.Context, map[string]string) (frame.Transport, error) {
		return nil, errors.New("connection refused")
	})
	w := newWorld(t, nil, dialer)
	w.locator(t)

	do(t, w.clientDisp, func() {
		require.NoError(t, w.client.Redirect(map[string]string{peer.AttrID: "ghost", peer.AttrHost: "10.9.9.9"}))
	})
	err := recv(t, w.closed)
	require.Error(t, err)
	require.Contains(t, err.Error(), "redirect to ghost failed")
	require.Contains(t, err.Error(), "connection refused")
}

func TestResolveTarget(t *testing.T) {
	testlog.Start(t)
	registry := peer.NewRegistry(nil, time.Minute)
	register(t, registry, "known", "Known")
	s := &Server{opts: ServerOptions{Registry: registry}}

	attrs, err := s.resolveTarget([]byte("\"known\"\x00"))
	require.NoError(t, err)
	require.Equal(t, "Known", attrs[peer.AttrName])

	_, err = s.resolveTarget([]byte("\"missing\"\x00"))
	require.True(t, errreport.HasCode(err, errreport.CodeUnknownPeer))

	attrs, err = s.resolveTarget([]byte("{\"ID\":\"x\",\"Host\":\"h\"}\x00"))
	require.NoError(t, err)
	require.Equal(t, "h", attrs[peer.AttrHost])

	_, err = s.resolveTarget([]byte("{}\x00"))
	require.True(t, errreport.HasCode(err, errreport.CodeUnknownPeer))
	_, err = s.resolveTarget([]byte("42\x00"))
	require.True(t, errreport.HasCode(err, errreport.CodeJSONSyntax))
}
