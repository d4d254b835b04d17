package channel

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/tcfchan/internal/dispatch"
	"github.com/danmuck/tcfchan/internal/observability"
	"github.com/danmuck/tcfchan/internal/peer"
	"github.com/danmuck/tcfchan/internal/protocol"
	"github.com/danmuck/tcfchan/internal/protocol/frame"
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configure a new channel.
type Options struct {
	// ID names the channel in logs and snapshots. Empty generates one.
	ID         string
	Config     Config
	Provider   ServiceProvider
	LocalPeer  peer.Peer
	RemotePeer peer.Peer
}

// Channel is one TCF connection. Apart from State, ID, Done, and Err, every
// method must be called on the dispatch goroutine.
type Channel struct {
	id    string
	cfg   Config
	disp  *dispatch.Dispatcher
	clock clock.Clock
	log   zerolog.Logger

	transport frame.Transport
	reader    *frame.Reader
	writer    *frame.Writer
	out       *outQueue

	started     atomic.Bool
	state       atomic.Int32
	remoteLevel atomic.Int32
	localLevel  atomic.Int32
	nextToken   atomic.Uint64
	msgsIn      atomic.Uint64
	msgsOut     atomic.Uint64

	writerDone chan struct{}
	readerDone chan struct{}
	done       chan struct{}
	closeErr   error

	// owned by the dispatch goroutine
	provider         ServiceProvider
	localPeer        peer.Peer
	remotePeer       peer.Peer
	history          []peer.Peer
	localServices    map[string]Service
	remoteServices   map[string]Service
	commandServers   map[string]CommandServer
	eventListeners   map[string][]EventListener
	channelListeners []ChannelListener
	outTokens        *linkedhashmap.Map
	proxy            Proxy
	redirectQueue    []map[string]string
	redirectToken    *Token
	redirectWait     *redirectWait
	reportCount      int
	reportTime       time.Time
}

// New creates a channel over t in the OPENING state. Start begins I/O.
func New(disp *dispatch.Dispatcher, t frame.Transport, opts Options) *Channel {
	cfg := opts.Config.WithDefaults()
	if cfg.LocalCongestion == nil {
		cfg.LocalCongestion = disp.Congestion
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &Channel{
		id:             id,
		cfg:            cfg,
		disp:           disp,
		clock:          disp.Clock(),
		log:            log.With().Str("channel", id).Logger(),
		transport:      t,
		reader:         frame.NewReader(t, cfg.Limits),
		writer:         frame.NewWriter(t),
		out:            newOutQueue(),
		writerDone:     make(chan struct{}),
		readerDone:     make(chan struct{}),
		done:           make(chan struct{}),
		provider:       opts.Provider,
		localPeer:      opts.LocalPeer,
		remotePeer:     opts.RemotePeer,
		localServices:  make(map[string]Service),
		remoteServices: make(map[string]Service),
		commandServers: make(map[string]CommandServer),
		eventListeners: make(map[string][]EventListener),
		outTokens:      linkedhashmap.New(),
	}
	c.state.Store(int32(StateOpening))
	c.remoteLevel.Store(minLevel)
	c.localLevel.Store(minLevel)
	if c.remotePeer != nil {
		c.history = append(c.history, c.remotePeer)
	}
	return c
}

// Start launches the receiver and transmitter and schedules the Hello.
// It may be called from any goroutine.
func (c *Channel) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	observability.RecordChannelStarted()
	go c.readLoop()
	go c.writeLoop()
	c.disp.Invoke(c.open)
}

func (c *Channel) open() {
	if c.State() != StateOpening || c.proxy != nil {
		return
	}
	c.loadLocalServices()
	if err := c.sendHello(c.LocalServices()); err != nil {
		c.Terminate(err)
	}
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

func (c *Channel) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("channel state")
	}
}

func (c *Channel) Dispatcher() *dispatch.Dispatcher {
	return c.disp
}

// Done is closed once the transport has been torn down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err is the close cause; valid after Done is closed.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Channel) LocalPeer() peer.Peer {
	c.assertDispatch()
	return c.localPeer
}

func (c *Channel) RemotePeer() peer.Peer {
	c.assertDispatch()
	return c.remotePeer
}

// RemotePeerHistory lists the initial remote peer followed by every redirect
// target, oldest first.
func (c *Channel) RemotePeerHistory() []peer.Peer {
	c.assertDispatch()
	return slices.Clone(c.history)
}

func (c *Channel) LocalService(name string) (Service, bool) {
	c.assertDispatch()
	s, ok := c.localServices[name]
	return s, ok
}

func (c *Channel) RemoteService(name string) (Service, bool) {
	c.assertDispatch()
	s, ok := c.remoteServices[name]
	return s, ok
}

func (c *Channel) LocalServices() []string {
	c.assertDispatch()
	return sortedNames(c.localServices)
}

func (c *Channel) RemoteServices() []string {
	c.assertDispatch()
	return sortedNames(c.remoteServices)
}

// SendCommand queues a command. While OPENING only Locator commands are
// allowed; a closed channel rejects everything.
func (c *Channel) SendCommand(service Service, name string, data []byte, l CommandListener) (*Token, error) {
	if err := c.checkDispatch(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, protocol.ErrMissingService
	}
	svc := service.Name()
	switch c.State() {
	case StateClosed:
		return nil, ErrChannelClosed
	case StateOpening:
		if svc != LocatorName {
			return nil, fmt.Errorf("%w: cannot send %s.%s", ErrWaitingForHello, svc, name)
		}
	}
	if err := checkNames(svc, name); err != nil {
		return nil, err
	}
	if l == nil {
		l = discardListener{}
	}
	tok := &Token{
		id:       strconv.FormatUint(c.nextToken.Add(1), 10),
		ch:       c,
		listener: l,
		sentAt:   c.clock.Now(),
	}
	tok.command = &protocol.Command{Token: tok.id, Service: svc, Name: name, Data: data}
	tok.out = &outMessage{msg: tok.command}
	c.outTokens.Put(tok.id, tok)
	c.out.push(tok.out)
	return tok, nil
}

// SendEvent queues an event. While OPENING only Locator events are allowed.
func (c *Channel) SendEvent(service Service, name string, data []byte) error {
	if err := c.checkDispatch(); err != nil {
		return err
	}
	if service == nil {
		return protocol.ErrMissingService
	}
	svc := service.Name()
	switch c.State() {
	case StateClosed:
		return ErrChannelClosed
	case StateOpening:
		if svc != LocatorName {
			return fmt.Errorf("%w: cannot send event %s.%s", ErrWaitingForHello, svc, name)
		}
	}
	if err := checkNames(svc, name); err != nil {
		return err
	}
	c.out.push(&outMessage{msg: &protocol.Event{Service: svc, Name: name, Data: data}})
	return nil
}

// SendProgress answers an inbound command without completing it.
func (c *Channel) SendProgress(token *Token, data []byte) error {
	if err := c.checkReply(); err != nil {
		return err
	}
	c.out.push(&outMessage{msg: &protocol.Progress{Token: token.id, Data: data}})
	return nil
}

// SendResult completes an inbound command.
func (c *Channel) SendResult(token *Token, data []byte) error {
	if err := c.checkReply(); err != nil {
		return err
	}
	c.out.push(&outMessage{msg: &protocol.Result{Token: token.id, Data: data}})
	return nil
}

// RejectCommand replies N to an inbound command.
func (c *Channel) RejectCommand(token *Token) error {
	if err := c.checkDispatch(); err != nil {
		return err
	}
	if c.State() == StateClosed {
		return ErrChannelClosed
	}
	c.out.push(&outMessage{msg: &protocol.Unrecognized{Token: token.id}})
	return nil
}

func (c *Channel) checkReply() error {
	if err := c.checkDispatch(); err != nil {
		return err
	}
	switch c.State() {
	case StateClosed:
		return ErrChannelClosed
	case StateOpening:
		return ErrNotOpen
	}
	return nil
}

func (c *Channel) AddCommandServer(service Service, srv CommandServer) {
	c.mustDispatch()
	c.commandServers[service.Name()] = srv
}

func (c *Channel) RemoveCommandServer(service Service) {
	c.mustDispatch()
	delete(c.commandServers, service.Name())
}

func (c *Channel) AddEventListener(service Service, l EventListener) {
	c.mustDispatch()
	name := service.Name()
	// copy on write: a fan-out in progress keeps iterating the old slice
	c.eventListeners[name] = append(slices.Clone(c.eventListeners[name]), l)
}

func (c *Channel) RemoveEventListener(service Service, l EventListener) {
	c.mustDispatch()
	name := service.Name()
	list := slices.DeleteFunc(slices.Clone(c.eventListeners[name]), func(x EventListener) bool {
		return x == l
	})
	if len(list) == 0 {
		delete(c.eventListeners, name)
		return
	}
	c.eventListeners[name] = list
}

func (c *Channel) AddChannelListener(l ChannelListener) {
	c.mustDispatch()
	c.channelListeners = append(slices.Clone(c.channelListeners), l)
}

func (c *Channel) RemoveChannelListener(l ChannelListener) {
	c.mustDispatch()
	c.channelListeners = slices.DeleteFunc(slices.Clone(c.channelListeners), func(x ChannelListener) bool {
		return x == l
	})
}

// IsProxy reports whether the channel is in raw-proxy mode.
func (c *Channel) IsProxy() bool {
	c.assertDispatch()
	return c.proxy != nil
}

// SetProxy switches the channel to raw-proxy mode: services is announced in
// a Hello, local services are dropped, and inbound commands and events go
// to p. Must be called before the Hello scheduled by Start runs, or on an
// open channel.
func (c *Channel) SetProxy(p Proxy, services []string) error {
	if err := c.checkDispatch(); err != nil {
		return err
	}
	if c.State() == StateClosed {
		return ErrChannelClosed
	}
	c.proxy = p
	if err := c.sendHello(services); err != nil {
		return err
	}
	clear(c.localServices)
	clear(c.commandServers)
	return nil
}

func (c *Channel) sendHello(services []string) error {
	if services == nil {
		services = []string{}
	}
	data, err := protocol.ToJSONSequence(services)
	if err != nil {
		return err
	}
	return c.SendEvent(ServiceName(LocatorName), HelloEvent, data)
}

func (c *Channel) loadLocalServices() {
	clear(c.localServices)
	if c.provider != nil {
		for _, s := range c.provider.LocalServices(c) {
			c.localServices[s.Name()] = s
			if srv, ok := s.(CommandServer); ok {
				c.commandServers[s.Name()] = srv
			}
		}
	}
	if _, ok := c.transport.(zeroCopier); ok {
		if _, exists := c.localServices[ZeroCopyName]; !exists {
			c.localServices[ZeroCopyName] = ServiceName(ZeroCopyName)
		}
	}
}

func (c *Channel) loadRemoteServices(data []byte) error {
	var names []string
	if err := protocol.DecodeSequence(data, &names); err != nil {
		return fmt.Errorf("channel: invalid Hello: %w", err)
	}
	clear(c.remoteServices)
	for _, name := range names {
		var s Service
		if c.provider != nil {
			s = c.provider.RemoteService(c, name)
		}
		if s == nil {
			s = ServiceName(name)
		}
		c.remoteServices[name] = s
	}
	if zc, ok := c.transport.(zeroCopier); ok {
		_, remote := c.remoteServices[ZeroCopyName]
		zc.EnableZeroCopy(remote)
	}
	return nil
}

type zeroCopier interface {
	EnableZeroCopy(on bool)
}

func (c *Channel) checkDispatch() error {
	if !c.disp.InDispatch() {
		return ErrNotDispatchGoroutine
	}
	return nil
}

func (c *Channel) assertDispatch() {
	if c.cfg.AssertDispatch {
		c.mustDispatch()
	}
}

func (c *Channel) mustDispatch() {
	if !c.disp.InDispatch() {
		panic(ErrNotDispatchGoroutine)
	}
}

// safely runs a listener callback, logging instead of propagating a panic.
func (c *Channel) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("callback", what).Str("panic", fmt.Sprint(r)).Msg("listener panicked")
		}
	}()
	fn()
}

func (c *Channel) notifyOpened() {
	observability.RecordChannelOpened()
	for _, l := range c.channelListeners {
		c.safely("opened", l.OnChannelOpened)
	}
}

func (c *Channel) notifyCongestion(level int) {
	for _, l := range c.channelListeners {
		c.safely("congestion", func() { l.CongestionLevel(level) })
	}
}

func checkNames(service, name string) error {
	if strings.IndexByte(service, 0) >= 0 || strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%w: %q %q", frame.ErrInvalidString, service, name)
	}
	if service == "" {
		return protocol.ErrMissingService
	}
	if name == "" {
		return protocol.ErrMissingName
	}
	return nil
}

func sortedNames(table map[string]Service) []string {
	names := slices.Collect(maps.Keys(table))
	sort.Strings(names)
	return names
}
