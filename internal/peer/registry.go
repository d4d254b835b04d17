package peer

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	ErrInvalidAttributes = errors.New("peer: invalid peer attributes")
	ErrPeerNotFound      = errors.New("peer: peer not found")
)

// DefaultRetention is how long a peer stays registered without a heartbeat.
const DefaultRetention = 60 * time.Second

// Registry stores peers by id. Listeners run synchronously on the goroutine
// that changed the registry, outside the registry lock.
type Registry struct {
	mu        sync.Mutex
	clock     clock.Clock
	retention time.Duration
	items     map[string]*RegisteredPeer
	listeners []Listener
}

// NewRegistry creates an empty registry. Zero retention uses DefaultRetention.
func NewRegistry(clk clock.Clock, retention time.Duration) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		clock:     clk,
		retention: retention,
		items:     make(map[string]*RegisteredPeer),
	}
}

func (r *Registry) Retention() time.Duration {
	return r.retention
}

// ValidateAttributes checks that attrs carry a usable peer id.
func ValidateAttributes(attrs map[string]string) error {
	id := attrs[AttrID]
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidAttributes, AttrID)
	}
	if !isValidID(id) {
		return fmt.Errorf("%w: invalid id format %q", ErrInvalidAttributes, id)
	}
	return nil
}

// Register adds a peer or refreshes an existing one. Listeners see
// PeerAdded, PeerChanged, or PeerHeartBeat accordingly.
func (r *Registry) Register(attrs map[string]string) (*RegisteredPeer, error) {
	if err := ValidateAttributes(attrs); err != nil {
		return nil, err
	}
	now := r.clock.Now()
	id := attrs[AttrID]

	r.mu.Lock()
	p, exists := r.items[id]
	changed := false
	if exists {
		changed = p.update(attrs, now)
	} else {
		p = &RegisteredPeer{attrs: maps.Clone(attrs), lastSeen: now}
		r.items[id] = p
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		switch {
		case !exists:
			l.PeerAdded(p)
		case changed:
			l.PeerChanged(p)
		default:
			l.PeerHeartBeat(id)
		}
	}
	return p, nil
}

// HeartBeat refreshes a peer's liveness.
func (r *Registry) HeartBeat(id string) bool {
	r.mu.Lock()
	p, ok := r.items[id]
	if ok {
		p.touch(r.clock.Now())
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()
	if !ok {
		return false
	}
	for _, l := range listeners {
		l.PeerHeartBeat(id)
	}
	return true
}

// Remove deletes a peer and notifies listeners.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.items[id]
	delete(r.items, id)
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()
	if !ok {
		return false
	}
	for _, l := range listeners {
		l.PeerRemoved(id)
	}
	return true
}

// Resolve returns a peer by id.
func (r *Registry) Resolve(id string) (*RegisteredPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[id]
	return p, ok
}

// List returns peers in deterministic id order.
func (r *Registry) List() []*RegisteredPeer {
	r.mu.Lock()
	list := make([]*RegisteredPeer, 0, len(r.items))
	for _, p := range r.items {
		list = append(list, p)
	}
	r.mu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID() < list[j].ID()
	})
	return list
}

// Sweep removes peers not seen within the retention period and returns
// their ids. Expired peers never include the pinned ids.
func (r *Registry) Sweep(pinned ...string) []string {
	now := r.clock.Now()
	r.mu.Lock()
	var expired []string
	for id, p := range r.items {
		if slices.Contains(pinned, id) {
			continue
		}
		if now.Sub(p.LastSeen()) > r.retention {
			expired = append(expired, id)
			delete(r.items, id)
		}
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		for _, l := range listeners {
			l.PeerRemoved(id)
		}
	}
	return expired
}

func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) RemoveListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = slices.DeleteFunc(r.listeners, func(x Listener) bool {
		return x == l
	})
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c == 0x7f {
			return false
		}
	}
	return true
}
