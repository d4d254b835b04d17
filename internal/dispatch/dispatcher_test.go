package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/tcfchan/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestInvokeRunsInOrder(t *testing.T) {
	testlog.Start(t)
	d := New(nil)
	defer d.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, d.Invoke(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, d.InvokeAndWait(context.Background(), func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 50)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestInDispatch(t *testing.T) {
	testlog.Start(t)
	d := New(nil)
	defer d.Close()

	require.False(t, d.InDispatch())
	var inside bool
	require.NoError(t, d.InvokeAndWait(context.Background(), func() {
		inside = d.InDispatch()
		// nested wait runs inline instead of deadlocking
		require.NoError(t, d.InvokeAndWait(context.Background(), func() {}))
	}))
	require.True(t, inside)
}

func TestInDispatchWhileBusy(t *testing.T) {
	testlog.Start(t)
	d := New(nil)
	defer d.Close()

	busy := make(chan struct{})
	release := make(chan struct{})
	d.Invoke(func() {
		close(busy)
		<-release
	})
	<-busy
	require.False(t, d.InDispatch())
	close(release)

	var inside bool
	require.NoError(t, d.InvokeAndWait(context.Background(), func() { inside = d.InDispatch() }))
	require.True(t, inside)
	require.False(t, d.InDispatch())
}

func TestPanicIsRecovered(t *testing.T) {
	testlog.Start(t)
	d := New(nil)
	defer d.Close()

	d.Invoke(func() { panic("boom") })
	ran := false
	require.NoError(t, d.InvokeAndWait(context.Background(), func() { ran = true }))
	require.True(t, ran)
}

func TestInvokeAfterUsesClock(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	d := New(mock)
	defer d.Close()

	fired := make(chan struct{})
	d.InvokeAfter(time.Second, func() { close(fired) })

	mock.Add(500 * time.Millisecond)
	select {
	case <-fired:
		t.Fatalf("timer fired early")
	default:
	}
	mock.Add(time.Second)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
	}
}

func TestCloseRejectsNewWork(t *testing.T) {
	testlog.Start(t)
	d := New(nil)

	ran := make(chan struct{})
	d.Invoke(func() { close(ran) })
	d.Close()
	<-ran

	require.False(t, d.Invoke(func() {}))
	require.ErrorIs(t, d.InvokeAndWait(context.Background(), func() {}), ErrClosed)
	<-d.Done()
}

func TestCongestionCombinesMonitors(t *testing.T) {
	testlog.Start(t)
	d := New(nil)
	defer d.Close()

	require.Equal(t, -100, d.Congestion())
	d.AddCongestionMonitor(func() int { return 40 })
	require.Equal(t, 40, d.Congestion())
	d.AddCongestionMonitor(func() int { return 400 })
	require.Equal(t, 100, d.Congestion())
}

func TestInvokeAndWaitHonorsContext(t *testing.T) {
	testlog.Start(t)
	d := New(nil)
	defer d.Close()

	release := make(chan struct{})
	d.Invoke(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.InvokeAndWait(ctx, func() {})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
