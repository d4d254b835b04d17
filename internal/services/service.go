// Package services holds the per-channel service registry used as a
// channel.ServiceProvider.
package services

import (
	"sort"
	"sync"

	"github.com/danmuck/tcfchan/internal/channel"
)

// Factory creates the instance of a service bound to one channel. A nil
// result leaves the service out for that channel.
type Factory func(ch *channel.Channel) channel.Service

// ServiceRegistry stores local service factories and remote client proxy
// factories by service name.
type ServiceRegistry struct {
	local  map[string]Factory
	remote map[string]Factory
	mu     sync.RWMutex
}

// NewServiceRegistry initializes an empty service registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		local:  make(map[string]Factory),
		remote: make(map[string]Factory),
	}
}

// RegisterLocal offers name on every channel created with this registry.
func (sr *ServiceRegistry) RegisterLocal(name string, f Factory) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.local[name] = f
}

// RegisterRemote installs a client proxy for name, used whenever a peer
// announces that service.
func (sr *ServiceRegistry) RegisterRemote(name string, f Factory) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.remote[name] = f
}

// Names returns the local service names in sorted order.
func (sr *ServiceRegistry) Names() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	names := make([]string, 0, len(sr.local))
	for name := range sr.local {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LocalServices implements channel.ServiceProvider.
func (sr *ServiceRegistry) LocalServices(ch *channel.Channel) []channel.Service {
	sr.mu.RLock()
	factories := make(map[string]Factory, len(sr.local))
	for name, f := range sr.local {
		factories[name] = f
	}
	sr.mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]channel.Service, 0, len(names))
	for _, name := range names {
		if svc := factories[name](ch); svc != nil {
			out = append(out, svc)
		}
	}
	return out
}

// RemoteService implements channel.ServiceProvider.
func (sr *ServiceRegistry) RemoteService(ch *channel.Channel, name string) channel.Service {
	sr.mu.RLock()
	f, ok := sr.remote[name]
	sr.mu.RUnlock()
	if !ok {
		return nil
	}
	return f(ch)
}
