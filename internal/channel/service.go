package channel

import (
	"github.com/danmuck/tcfchan/internal/peer"
)

const (
	LocatorName  = "Locator"
	ZeroCopyName = "ZeroCopy"

	HelloEvent = "Hello"
)

// Service is a named capability group.
type Service interface {
	Name() string
}

// ServiceName is a Service known only by its name. Remote services without
// a dedicated client proxy are represented this way.
type ServiceName string

func (n ServiceName) Name() string { return string(n) }

// ServiceProvider supplies the service tables of a channel.
type ServiceProvider interface {
	// LocalServices returns the services offered on ch. Services that
	// implement CommandServer are registered for their name.
	LocalServices(ch *Channel) []Service
	// RemoteService returns a client proxy for a service the peer announced,
	// or nil for a plain ServiceName.
	RemoteService(ch *Channel, name string) Service
}

// RemoteLocator is the client side of the peer's Locator service, as needed
// for redirection.
type RemoteLocator interface {
	Service
	Peer(id string) (peer.Peer, bool)
	// RedirectTo asks the remote agent to splice this channel to target.
	RedirectTo(target map[string]string, done func(err error)) (*Token, error)
	AddPeerListener(l peer.Listener)
	RemovePeerListener(l peer.Listener)
}

// RemoteServiceAs returns the first remote service implementing T.
func RemoteServiceAs[T any](c *Channel) (T, bool) {
	c.assertDispatch()
	return findService[T](c.remoteServices)
}

// LocalServiceAs returns the first local service implementing T.
func LocalServiceAs[T any](c *Channel) (T, bool) {
	c.assertDispatch()
	return findService[T](c.localServices)
}

func findService[T any](table map[string]Service) (T, bool) {
	var zero T
	// Locator first keeps lookups stable when several services match.
	if s, ok := table[LocatorName]; ok {
		if v, ok := s.(T); ok {
			return v, true
		}
	}
	for _, name := range sortedNames(table) {
		if v, ok := table[name].(T); ok {
			return v, true
		}
	}
	return zero, false
}
