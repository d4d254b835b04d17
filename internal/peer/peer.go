// Package peer models TCF peers: attribute maps identifying an endpoint, the
// registry of peers known to a process, and listeners for peer changes.
package peer

import (
	"maps"
	"sync"
	"time"
)

// Standard peer attribute names.
const (
	AttrID               = "ID"
	AttrServiceManagerID = "ServiceManagerID"
	AttrAgentID          = "AgentID"
	AttrName             = "Name"
	AttrOSName           = "OSName"
	AttrTransportName    = "TransportName"
	AttrProxy            = "Proxy"
	AttrHost             = "Host"
	AttrAliases          = "Aliases"
	AttrAddresses        = "Addresses"
	AttrPort             = "Port"
	AttrUserName         = "UserName"
)

// Peer is a read-only view of an endpoint's attributes.
type Peer interface {
	ID() string
	Name() string
	Attributes() map[string]string
}

// TransientPeer holds attributes without owning any registry entry.
type TransientPeer struct {
	attrs map[string]string
}

func NewTransient(attrs map[string]string) *TransientPeer {
	return &TransientPeer{attrs: maps.Clone(attrs)}
}

func (p *TransientPeer) ID() string   { return p.attrs[AttrID] }
func (p *TransientPeer) Name() string { return p.attrs[AttrName] }

func (p *TransientPeer) Attributes() map[string]string {
	return maps.Clone(p.attrs)
}

// RegisteredPeer is owned by a Registry and tracks liveness.
type RegisteredPeer struct {
	mu       sync.Mutex
	attrs    map[string]string
	lastSeen time.Time
}

func (p *RegisteredPeer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attrs[AttrID]
}

func (p *RegisteredPeer) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attrs[AttrName]
}

func (p *RegisteredPeer) Attributes() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.attrs)
}

// LastSeen is the time of the latest registration or heartbeat.
func (p *RegisteredPeer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// OnChannelTerminated drops the liveness credit so the next sweep
// re-checks the peer instead of waiting out the retention period.
func (p *RegisteredPeer) OnChannelTerminated() {
	p.mu.Lock()
	p.lastSeen = time.Time{}
	p.mu.Unlock()
}

func (p *RegisteredPeer) update(attrs map[string]string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = now
	if maps.Equal(p.attrs, attrs) {
		return false
	}
	p.attrs = maps.Clone(attrs)
	return true
}

func (p *RegisteredPeer) touch(now time.Time) {
	p.mu.Lock()
	p.lastSeen = now
	p.mu.Unlock()
}

// Listener observes the peer set.
type Listener interface {
	PeerAdded(p Peer)
	PeerChanged(p Peer)
	PeerRemoved(id string)
	PeerHeartBeat(id string)
}

// ListenerFuncs adapts optional callbacks to Listener.
type ListenerFuncs struct {
	OnAdded     func(p Peer)
	OnChanged   func(p Peer)
	OnRemoved   func(id string)
	OnHeartBeat func(id string)
}

func (l *ListenerFuncs) PeerAdded(p Peer) {
	if l.OnAdded != nil {
		l.OnAdded(p)
	}
}

func (l *ListenerFuncs) PeerChanged(p Peer) {
	if l.OnChanged != nil {
		l.OnChanged(p)
	}
}

func (l *ListenerFuncs) PeerRemoved(id string) {
	if l.OnRemoved != nil {
		l.OnRemoved(id)
	}
}

func (l *ListenerFuncs) PeerHeartBeat(id string) {
	if l.OnHeartBeat != nil {
		l.OnHeartBeat(id)
	}
}
