package locator

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/danmuck/tcfchan/internal/channel"
	"github.com/danmuck/tcfchan/internal/command"
	"github.com/danmuck/tcfchan/internal/peer"
	"github.com/danmuck/tcfchan/internal/protocol"
	"github.com/danmuck/tcfchan/internal/protocol/errreport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrSuperseded = errors.New("locator: client superseded by a newer Hello")

// Client is the proxy for a peer's Locator service. It keeps a cache of the
// peers the remote agent knows, filled by getPeers when the proxy is created
// and kept current from Locator events. All methods run on the dispatch
// goroutine.
type Client struct {
	ch        *channel.Channel
	peers     map[string]*peer.TransientPeer
	listeners []peer.Listener
	synced    bool
	log       zerolog.Logger
}

// ClientFactory builds a Client for each channel whose peer announces Locator.
func ClientFactory() func(*channel.Channel) channel.Service {
	return func(ch *channel.Channel) channel.Service { return NewClient(ch) }
}

func NewClient(ch *channel.Channel) *Client {
	c := &Client{
		ch:    ch,
		peers: make(map[string]*peer.TransientPeer),
		log:   log.With().Str("channel", ch.ID()).Str("service", Name).Logger(),
	}
	ch.AddEventListener(c, c)
	c.GetPeers(func(_ []peer.Peer, err error) {
		if err != nil && !errors.Is(err, ErrSuperseded) {
			c.log.Debug().Err(err).Msg("locator: initial getPeers")
		}
	})
	return c
}

func (c *Client) Name() string { return Name }

// Synced reports whether the first getPeers reply has arrived.
func (c *Client) Synced() bool {
	return c.synced
}

func (c *Client) Peer(id string) (peer.Peer, bool) {
	p, ok := c.peers[id]
	if !ok {
		return nil, false
	}
	return p, true
}

// Peers returns the cached peers ordered by id.
func (c *Client) Peers() []peer.Peer {
	ids := slices.Sorted(maps.Keys(c.peers))
	out := make([]peer.Peer, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.peers[id])
	}
	return out
}

func (c *Client) AddPeerListener(l peer.Listener) {
	c.listeners = append(slices.Clone(c.listeners), l)
}

func (c *Client) RemovePeerListener(l peer.Listener) {
	c.listeners = slices.DeleteFunc(slices.Clone(c.listeners), func(x peer.Listener) bool { return x == l })
}

// GetPeers refreshes the cache from the remote agent.
func (c *Client) GetPeers(done func(peers []peer.Peer, err error)) *command.Command {
	return command.Send(c.ch, c, "getPeers", nil, func(cmd *command.Command, err error, args []json.RawMessage) {
		var (
			report json.RawMessage
			list   []map[string]string
		)
		if err == nil {
			err = command.Decode(args, &report, &list)
		}
		if err == nil {
			err = cmd.ToError(report)
		}
		if err == nil && !c.current() {
			err = ErrSuperseded
		}
		if err != nil {
			done(nil, err)
			return
		}
		c.replacePeers(list)
		done(c.Peers(), nil)
	})
}

// Sync round-trips a no-op command; it completes after every event the
// agent sent before it.
func (c *Client) Sync(done func(err error)) *command.Command {
	return command.Send(c.ch, c, "sync", nil, func(cmd *command.Command, err error, args []json.RawMessage) {
		var report json.RawMessage
		if err == nil {
			err = command.Decode(args, &report)
		}
		if err == nil {
			err = cmd.ToError(report)
		}
		done(err)
	})
}

// RedirectTo implements channel.RemoteLocator. A target holding only an id
// is sent as the id string.
func (c *Client) RedirectTo(target map[string]string, done func(err error)) (*channel.Token, error) {
	var arg any = target
	if id, ok := target[peer.AttrID]; ok && len(target) == 1 {
		arg = id
	}
	cmd := command.Send(c.ch, c, "redirect", []any{arg}, func(cmd *command.Command, err error, args []json.RawMessage) {
		var report json.RawMessage
		if err == nil {
			err = command.Decode(args, &report)
		}
		if err == nil {
			err = cmd.ToError(report)
		}
		done(err)
	})
	if cmd.Token() == nil {
		return nil, fmt.Errorf("%w redirect", command.ErrCannotSend)
	}
	return cmd.Token(), nil
}

// current reports whether c is still the channel's Locator proxy. A repeated
// Hello installs a new one.
func (c *Client) current() bool {
	svc, ok := c.ch.RemoteService(Name)
	return ok && svc == channel.Service(c)
}

func (c *Client) Event(name string, data []byte) {
	if !c.current() {
		c.ch.RemoveEventListener(c, c)
		return
	}
	if err := c.handleEvent(name, data); err != nil {
		c.log.Warn().Err(err).Str("event", name).Msg("locator: bad event")
	}
}

func (c *Client) handleEvent(name string, data []byte) error {
	switch name {
	case EventPeerAdded, EventPeerChanged:
		var attrs map[string]string
		if err := protocol.DecodeSequence(data, &attrs); err != nil {
			return err
		}
		if err := peer.ValidateAttributes(attrs); err != nil {
			return err
		}
		p := peer.NewTransient(attrs)
		_, known := c.peers[p.ID()]
		c.peers[p.ID()] = p
		for _, l := range c.listeners {
			if known {
				l.PeerChanged(p)
			} else {
				l.PeerAdded(p)
			}
		}
	case EventPeerRemoved:
		var id string
		if err := protocol.DecodeSequence(data, &id); err != nil {
			return err
		}
		if _, ok := c.peers[id]; !ok {
			return nil
		}
		delete(c.peers, id)
		for _, l := range c.listeners {
			l.PeerRemoved(id)
		}
	case EventPeerHeartBeat:
		var id string
		if err := protocol.DecodeSequence(data, &id); err != nil {
			return err
		}
		for _, l := range c.listeners {
			l.PeerHeartBeat(id)
		}
	default:
		return errreport.NewError(errreport.CodeInvCommand, "unknown Locator event: {0}", name)
	}
	return nil
}

func (c *Client) replacePeers(list []map[string]string) {
	next := make(map[string]*peer.TransientPeer, len(list))
	for _, attrs := range list {
		if peer.ValidateAttributes(attrs) != nil {
			continue
		}
		p := peer.NewTransient(attrs)
		next[p.ID()] = p
	}
	old := c.peers
	c.peers = next
	c.synced = true

	listeners := c.listeners
	added := make([]string, 0, len(next))
	for id := range next {
		if _, ok := old[id]; !ok {
			added = append(added, id)
		}
	}
	sort.Strings(added)
	for _, id := range added {
		for _, l := range listeners {
			l.PeerAdded(next[id])
		}
	}
	for _, id := range slices.Sorted(maps.Keys(old)) {
		if _, ok := next[id]; ok {
			continue
		}
		for _, l := range listeners {
			l.PeerRemoved(id)
		}
	}
}
