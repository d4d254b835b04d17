// Package dispatch provides the single goroutine that owns all channel state.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("dispatch: dispatcher closed")

// Dispatcher runs posted functions one at a time, in FIFO order, on a
// dedicated goroutine.
type Dispatcher struct {
	clock clock.Clock

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []func()
	closed   bool
	monitors []func() int

	goid    atomic.Uint64
	running atomic.Bool
	done    chan struct{}
}

// New starts a dispatcher. A nil clk uses the wall clock.
func New(clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	d := &Dispatcher{
		clock: clk,
		done:  make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *Dispatcher) Clock() clock.Clock {
	return d.clock
}

// Done is closed when the dispatch goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Invoke posts fn without blocking. It reports false once the dispatcher
// is closed.
func (d *Dispatcher) Invoke(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
	return true
}

// InvokeAfter posts fn once delay has elapsed on the dispatcher clock.
func (d *Dispatcher) InvokeAfter(delay time.Duration, fn func()) *clock.Timer {
	return d.clock.AfterFunc(delay, func() {
		d.Invoke(fn)
	})
}

// InvokeAndWait runs fn on the dispatch goroutine and waits for it. Called
// from the dispatch goroutine it runs fn inline.
func (d *Dispatcher) InvokeAndWait(ctx context.Context, fn func()) error {
	if d.InDispatch() {
		fn()
		return nil
	}
	finished := make(chan struct{})
	if !d.Invoke(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-d.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InDispatch reports whether the caller runs on the dispatch goroutine.
// Outside a posted function it answers without reading the stack.
func (d *Dispatcher) InDispatch() bool {
	if !d.running.Load() {
		return false
	}
	id := d.goid.Load()
	return id != 0 && id == currentGoroutineID()
}

// AddCongestionMonitor registers an extra source of local congestion.
func (d *Dispatcher) AddCongestionMonitor(fn func() int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.monitors = append(d.monitors, fn)
}

// Congestion is the process-wide level in [-100, 100]: the queue backlog
// combined with every registered monitor.
func (d *Dispatcher) Congestion() int {
	d.mu.Lock()
	level := len(d.queue)/10 - 100
	monitors := append([]func() int(nil), d.monitors...)
	d.mu.Unlock()
	for _, m := range monitors {
		if n := m(); n > level {
			level = n
		}
	}
	return clamp(level)
}

// Len is the number of queued functions.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close stops accepting work. Already queued functions still run. Close
// waits for the goroutine to exit unless it is called from it.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.cond.Broadcast()
	}
	d.mu.Unlock()
	if !d.InDispatch() {
		<-d.done
	}
}

func (d *Dispatcher) loop() {
	d.goid.Store(currentGoroutineID())
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.run(fn)
	}
}

func (d *Dispatcher) run(fn func()) {
	d.running.Store(true)
	defer func() {
		d.running.Store(false)
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Msg("dispatch: recovered panic in posted function")
		}
	}()
	fn()
}

func clamp(level int) int {
	if level < -100 {
		return -100
	}
	if level > 100 {
		return 100
	}
	return level
}

// currentGoroutineID parses the id from the "goroutine N [" stack header.
func currentGoroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
