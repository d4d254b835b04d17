package channel

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/tcfchan/internal/dispatch"
	"github.com/danmuck/tcfchan/internal/protocol"
	"github.com/danmuck/tcfchan/internal/protocol/errreport"
	"github.com/danmuck/tcfchan/internal/protocol/frame"
	"github.com/danmuck/tcfchan/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestSendBeforeHelloIsRejected(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)

	h.do(func() {
		_, err := h.ch.SendCommand(ServiceName("Diagnostics"), "echo", nil, nil)
		require.ErrorIs(t, err, ErrWaitingForHello)
		err = h.ch.SendEvent(ServiceName("Diagnostics"), "ping", nil)
		require.ErrorIs(t, err, ErrWaitingForHello)
		require.Equal(t, StateOpening, h.ch.State())

		_, err = h.ch.SendCommand(ServiceName(LocatorName), "sync", nil, nil)
		require.NoError(t, err)
	})

	cmd, ok := h.peer.expect().(*protocol.Command)
	require.True(t, ok)
	require.Equal(t, LocatorName, cmd.Service)
	require.Equal(t, "sync", cmd.Name)
	require.Equal(t, StateOpening, h.ch.State())
}

func TestHelloOpensChannel(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, Config{}, nil)

	h.open(LocatorName, "Diagnostics", "Memory")
	require.Equal(t, StateOpen, h.ch.State())

	h.do(func() {
		require.Equal(t, []string{"Diagnostics", LocatorName, "Memory"}, h.ch.RemoteServices())
		require.Equal(t, []string{"Diagnostics", LocatorName, ZeroCopyName}, h.ch.LocalServices())

		svc, ok := h.ch.RemoteService("Memory")
		require.True(t, ok)
		require.Equal(t, ServiceName("Memory"), svc)

		loc, ok := RemoteServiceAs[RemoteLocator](h.ch)
		require.True(t, ok)
		require.Equal(t, LocatorName, loc.Name())

		_, ok = LocalServiceAs[CommandServer](h.ch)
		require.True(t, ok)
	})

	// a second Hello refreshes the remote table without reopening
	h.peer.sendHello(LocatorName)
	require.Eventually(t, func() bool {
		var names []string
		h.do(func() { names = h.ch.RemoteServices() })
		return len(names) == 1
	}, waitFor, 5*time.Millisecond)
	require.Empty(t, h.opened)
}

func TestLocalHelloListsServices(t *testing.T) {
	testlog.Start(t)

	disp := dispatch.New(nil)
	defer disp.Close()
	a, b := pipe(t)
	ch := New(disp, frame.NewEscapeTransport(a, a, a), Options{Provider: newTestProvider(ServiceName(LocatorName), echoServer{})})
	p := newRawPeer(t, b)
	ch.Start()

	hello := p.expect().(*protocol.Event)
	var names []string
	require.NoError(t, protocol.DecodeSequence(hello.Data, &names))
	require.Equal(t, []string{"Diagnostics", LocatorName, ZeroCopyName}, names)
}

func TestCommandResultRoundTrip(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)
	h.open(LocatorName, "Diagnostics")

	rec := newCommandRecorder()
	var tok *Token
	args, err := protocol.ToJSONSequence("abc")
	require.NoError(t, err)
	h.do(func() {
		tok, err = h.ch.SendCommand(ServiceName("Diagnostics"), "echo", args, rec)
		require.NoError(t, err)
	})

	cmd := h.peer.expect().(*protocol.Command)
	require.Equal(t, tok.ID(), cmd.Token)
	require.Equal(t, "Diagnostics", cmd.Service)
	require.Equal(t, "echo", cmd.Name)
	require.Equal(t, args, cmd.Data)

	h.peer.send(&protocol.Progress{Token: cmd.Token, Data: []byte("50\x00")})
	h.peer.send(&protocol.Result{Token: cmd.Token, Data: []byte("\"abc\"\x00")})

	require.Equal(t, []byte("50\x00"), recv(t, rec.progress))
	parts, err := protocol.ParseSequence(recv(t, rec.results))
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, `"abc"`, string(parts[0]))
	require.Equal(t, []string{"progress", "result"}, rec.entries())

	h.do(func() {
		require.Equal(t, -100, h.ch.Congestion())
		require.Zero(t, h.ch.Snapshot().Outstanding)
	})
}

func TestTokensAreUnique(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)
	h.open(LocatorName)

	seen := map[string]bool{}
	h.do(func() {
		for i := 0; i < 100; i++ {
			tok, err := h.ch.SendCommand(ServiceName(LocatorName), "sync", nil, nil)
			require.NoError(t, err)
			require.False(t, seen[tok.ID()], "duplicate token %s", tok.ID())
			seen[tok.ID()] = true
		}
	})
}

func TestResultForUnknownTokenTerminates(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)
	h.open(LocatorName, "Diagnostics")

	h.peer.send(&protocol.Result{Token: "999", Data: []byte("null\x00")})

	err := h.waitClosed()
	require.ErrorIs(t, err, ErrInvalidToken)
	require.Equal(t, StateClosed, h.ch.State())

	end := h.peer.expectEnd()
	var remote *frame.RemoteError
	require.ErrorAs(t, end, &remote)
	require.Contains(t, remote.Error(), "invalid token")

	<-h.ch.Done()
	require.ErrorIs(t, h.ch.Err(), ErrInvalidToken)

	h.do(func() {
		_, err := h.ch.SendCommand(ServiceName("Diagnostics"), "echo", nil, nil)
		require.ErrorIs(t, err, ErrChannelClosed)
		require.Zero(t, h.ch.out.len())
	})
}

func TestCongestionFromOutstandingCommands(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{PendingLimit: 32}, nil)
	h.open(LocatorName, "Diagnostics")

	h.do(func() {
		require.Equal(t, -100, h.ch.Congestion())
		require.Equal(t, -100, h.ch.Snapshot().Congestion)
		require.Equal(t, -100, h.ch.RemoteCongestion())

		for i := 0; i < 16; i++ {
			_, err := h.ch.SendCommand(ServiceName("Diagnostics"), "echo", nil, nil)
			require.NoError(t, err)
		}
		require.Equal(t, -50, h.ch.Congestion())

		for i := 16; i < 40; i++ {
			_, err := h.ch.SendCommand(ServiceName("Diagnostics"), "echo", nil, nil)
			require.NoError(t, err)
		}
		require.GreaterOrEqual(t, h.ch.Congestion(), 40*100/32-100)
		require.Equal(t, 25, h.ch.Congestion())

		for i := 0; i < 100; i++ {
			_, err := h.ch.SendCommand(ServiceName("Diagnostics"), "echo", nil, nil)
			require.NoError(t, err)
		}
		require.Equal(t, 100, h.ch.Congestion())
	})
}

func TestRemoteFlowControlNotifiesListeners(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)
	h.open(LocatorName)

	levels := make(chan int, 4)
	h.do(func() {
		h.ch.AddChannelListener(&ChannelListenerFuncs{OnCongestion: func(level int) { levels <- level }})
	})

	h.peer.send(&protocol.FlowControl{Data: []byte("-30\x00")})
	require.Equal(t, -30, recv(t, levels))

	h.peer.send(&protocol.FlowControl{Data: []byte("-500")})
	require.Equal(t, -100, recv(t, levels))
	h.do(func() { require.Equal(t, -100, h.ch.RemoteCongestion()) })

	h.peer.send(&protocol.FlowControl{Data: []byte("fast\x00")})
	require.ErrorIs(t, h.waitClosed(), ErrInvalidFlowControl)
}

func TestLocalCongestionIsReported(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	mock.Add(time.Hour)
	h := newHarness(t, Config{LocalCongestion: func() int { return -20 }}, mock)
	h.open(LocatorName, "Diagnostics")

	events := func(n int) {
		for i := 0; i < n; i++ {
			h.peer.send(&protocol.Event{Service: "Diagnostics", Name: "tick"})
		}
	}

	h.do(func() { require.Equal(t, -100, h.ch.LocalCongestion()) })

	// one eighth of the way from -100 toward -20
	events(8)
	require.Equal(t, "-90\x00", string(h.peer.expectFlowControl().Data))

	// inside the report interval nothing changes
	events(8)
	h.do(func() { require.Equal(t, -90, h.ch.LocalCongestion()) })

	mock.Add(time.Second)
	events(8)
	require.Equal(t, "-82\x00", string(h.peer.expectFlowControl().Data))
	h.do(func() { require.Equal(t, -82, h.ch.LocalCongestion()) })
}

func TestSendRejectsNilService(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)
	h.open(LocatorName)

	h.do(func() {
		_, err := h.ch.SendCommand(nil, "echo", nil, nil)
		require.ErrorIs(t, err, protocol.ErrMissingService)
		require.ErrorIs(t, h.ch.SendEvent(nil, "tick", nil), protocol.ErrMissingService)
		require.Zero(t, h.ch.out.len())
	})
}

func TestInboundCommands(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)
	h.open(LocatorName)

	h.peer.send(&protocol.Command{Token: "a1", Service: "Diagnostics", Name: "echo", Data: []byte("\"x\"\x00")})
	res := h.peer.expect().(*protocol.Result)
	require.Equal(t, "a1", res.Token)
	require.Equal(t, []byte("\"x\"\x00"), res.Data)

	h.peer.send(&protocol.Command{Token: "a2", Service: "Diagnostics", Name: "nope"})
	require.Equal(t, &protocol.Unrecognized{Token: "a2"}, h.peer.expect())

	h.peer.send(&protocol.Command{Token: "a3", Service: "Registers", Name: "get"})
	require.Equal(t, &protocol.Unrecognized{Token: "a3"}, h.peer.expect())
}

func TestCommandBeforeHelloIsProtocolError(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)

	h.peer.send(&protocol.Command{Token: "1", Service: "Diagnostics", Name: "echo"})
	require.ErrorIs(t, h.waitClosed(), ErrCommandBeforeHello)
}

func TestUnrecognizedReply(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)
	h.open(LocatorName, "Diagnostics")

	rec := newCommandRecorder()
	h.do(func() {
		_, err := h.ch.SendCommand(ServiceName("Diagnostics"), "bogus", nil, rec)
		require.NoError(t, err)
		_, err = h.ch.SendCommand(ServiceName("Missing"), "get", nil, rec)
		require.NoError(t, err)
	})
	first := h.peer.expect().(*protocol.Command)
	second := h.peer.expect().(*protocol.Command)
	h.peer.send(&protocol.Unrecognized{Token: first.Token})
	h.peer.send(&protocol.Unrecognized{Token: second.Token})

	err := recv(t, rec.terminated)
	require.True(t, errreport.HasCode(err, errreport.CodeInvCommand))
	require.Equal(t, "Command is not recognized: Diagnostics bogus", err.Error())

	err = recv(t, rec.terminated)
	require.True(t, errreport.HasCode(err, errreport.CodeInvCommand))
	require.Equal(t, "Service not available: Missing", err.Error())
}

func TestCloseTerminatesOutstandingCommands(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)
	h.open(LocatorName, "Diagnostics")

	rec := newCommandRecorder()
	h.do(func() {
		h.ch.AddChannelListener(&ChannelListenerFuncs{OnClosed: func(error) { rec.record("closed") }})
		for i := 0; i < 3; i++ {
			_, err := h.ch.SendCommand(ServiceName("Diagnostics"), "echo", nil, rec)
			require.NoError(t, err)
		}
	})
	for i := 0; i < 3; i++ {
		h.peer.expect()
	}

	cause := errors.New("operator abort")
	h.do(func() { h.ch.Terminate(cause) })
	require.ErrorIs(t, h.waitClosed(), cause)

	for i := 0; i < 3; i++ {
		err := recv(t, rec.terminated)
		require.ErrorIs(t, err, ErrChannelClosed)
		require.ErrorIs(t, err, cause)
	}
	require.Equal(t, []string{"terminated", "terminated", "terminated", "closed"}, rec.entries())

	end := h.peer.expectEnd()
	require.Contains(t, end.Error(), "operator abort")
}

func TestCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)
	h.open(LocatorName)

	h.do(func() {
		h.ch.Close()
		h.ch.Close()
		h.ch.Terminate(errors.New("late"))
	})
	require.NoError(t, h.waitClosed())
	require.ErrorIs(t, h.peer.expectEnd(), io.EOF)
	<-h.ch.Done()
	require.NoError(t, h.ch.Err())
	select {
	case err := <-h.closed:
		t.Fatalf("second close notification: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemoteEndOfStream(t *testing.T) {
	testlog.Start(t)

	t.Run("idle channel closes cleanly", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		h.open(LocatorName)
		require.NoError(t, h.peer.w.WriteEndOfStream(nil))
		require.NoError(t, h.waitClosed())
	})

	t.Run("outstanding commands reset", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		h.open(LocatorName)
		rec := newCommandRecorder()
		h.do(func() {
			_, err := h.ch.SendCommand(ServiceName(LocatorName), "sync", nil, rec)
			require.NoError(t, err)
		})
		h.peer.expect()
		require.NoError(t, h.peer.w.WriteEndOfStream(nil))
		require.ErrorIs(t, h.waitClosed(), ErrConnectionReset)
		require.ErrorIs(t, recv(t, rec.terminated), ErrConnectionReset)
	})

	t.Run("error report", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		h.open(LocatorName)
		report, err := errreport.New(errreport.CodeProtocol, "peer gave up").Marshal()
		require.NoError(t, err)
		require.NoError(t, h.peer.w.WriteEndOfStream(report))
		err = h.waitClosed()
		require.True(t, errreport.HasCode(err, errreport.CodeProtocol))
	})

	t.Run("stream cut inside message", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		h.open(LocatorName)
		_, err := h.peer.conn.Write([]byte{'E', 0, 'D', 'i'})
		require.NoError(t, err)
		require.NoError(t, h.peer.conn.Close())
		require.ErrorIs(t, h.waitClosed(), frame.ErrRemoteClosed)
	})
}

func TestEventListenerSnapshot(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)
	h.open(LocatorName, "Diagnostics")

	got := make(chan string, 8)
	svc := ServiceName("Diagnostics")
	second := &EventListenerFuncs{OnEvent: func(name string, _ []byte) { got <- "second:" + name }}
	first := &EventListenerFuncs{}
	first.OnEvent = func(name string, _ []byte) {
		got <- "first:" + name
		h.ch.RemoveEventListener(svc, first)
		h.ch.AddEventListener(svc, second)
	}
	h.do(func() { h.ch.AddEventListener(svc, first) })

	h.peer.send(&protocol.Event{Service: "Diagnostics", Name: "one"})
	h.peer.send(&protocol.Event{Service: "Diagnostics", Name: "two"})

	require.Equal(t, "first:one", recv(t, got))
	require.Equal(t, "second:two", recv(t, got))
	select {
	case extra := <-got:
		t.Fatalf("unexpected delivery %s", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListenerPanicIsContained(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)
	h.do(func() {
		h.ch.AddChannelListener(&ChannelListenerFuncs{OnOpened: func() { panic("listener bug") }})
	})
	h.open(LocatorName)
	require.Equal(t, StateOpen, h.ch.State())
}

func TestCallsOffDispatchAreRejected(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{AssertDispatch: true}, nil)

	require.PanicsWithValue(t, ErrNotDispatchGoroutine, func() { h.ch.RemoteServices() })
	require.PanicsWithValue(t, ErrNotDispatchGoroutine, func() { h.ch.Congestion() })

	_, err := h.ch.SendCommand(ServiceName(LocatorName), "sync", nil, nil)
	require.ErrorIs(t, err, ErrNotDispatchGoroutine)
	require.ErrorIs(t, h.ch.SendEvent(ServiceName(LocatorName), "x", nil), ErrNotDispatchGoroutine)
	require.PanicsWithValue(t, ErrNotDispatchGoroutine, func() { h.ch.Close() })
}

func TestCancelBeforeTransmit(t *testing.T) {
	testlog.Start(t)
	disp := dispatch.New(nil)
	defer disp.Close()
	a, _ := pipe(t)
	// never started, so nothing leaves the queue
	ch := New(disp, frame.NewEscapeTransport(a, a, a), Options{})

	rec := newCommandRecorder()
	h := &harness{t: t, disp: disp}
	h.do(func() {
		tok, err := ch.SendCommand(ServiceName(LocatorName), "sync", nil, rec)
		require.NoError(t, err)
		require.Equal(t, 1, ch.outTokens.Size())
		require.True(t, tok.Cancel())
		require.False(t, tok.Cancel())
		require.Equal(t, 0, ch.outTokens.Size())
		ch.Close()
	})
	require.Empty(t, rec.entries())
}

func TestCancelAfterTransmitFails(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{}, nil)
	h.open(LocatorName)

	var tok *Token
	h.do(func() {
		var err error
		tok, err = h.ch.SendCommand(ServiceName(LocatorName), "sync", nil, nil)
		require.NoError(t, err)
	})
	h.peer.expect()
	h.do(func() { require.False(t, tok.Cancel()) })
}

func TestFlowControlJumpsQueue(t *testing.T) {
	testlog.Start(t)
	q := newOutQueue()
	q.push(&outMessage{msg: &protocol.Event{Service: "a", Name: "1"}})
	q.push(&outMessage{msg: &protocol.Event{Service: "a", Name: "2"}})
	q.pushFlowControl([]byte("5\x00"))
	q.pushFlowControl([]byte("7\x00"))
	canceled := &outMessage{msg: &protocol.Event{Service: "a", Name: "3"}}
	q.push(canceled)
	require.True(t, q.cancel(canceled))

	m, more := q.next()
	require.Equal(t, &protocol.FlowControl{Data: []byte("7\x00")}, m.msg)
	require.True(t, more)
	require.True(t, m.sent)
	require.False(t, q.cancel(m))

	m, _ = q.next()
	require.Equal(t, "1", m.msg.(*protocol.Event).Name)
	m, more = q.next()
	require.Equal(t, "2", m.msg.(*protocol.Event).Name)
	require.True(t, more)

	q.push(&outMessage{eos: true})
	m, more = q.next()
	require.True(t, m.eos)
	require.False(t, more)
}
