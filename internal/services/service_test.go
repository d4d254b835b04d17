package services

import (
	"testing"

	"github.com/danmuck/tcfchan/internal/channel"
	"github.com/danmuck/tcfchan/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type namedService struct {
	name string
	ch   *channel.Channel
}

func (s *namedService) Name() string { return s.name }

func TestServiceRegistryBuildsPerChannelServices(t *testing.T) {
	testlog.Start(t)
	registry := NewServiceRegistry()
	registry.RegisterLocal("Zeta", func(ch *channel.Channel) channel.Service {
		return &namedService{name: "Zeta", ch: ch}
	})
	registry.RegisterLocal("Alpha", func(ch *channel.Channel) channel.Service {
		return &namedService{name: "Alpha", ch: ch}
	})
	registry.RegisterLocal("Skipped", func(*channel.Channel) channel.Service { return nil })

	require.Equal(t, []string{"Alpha", "Skipped", "Zeta"}, registry.Names())

	first := registry.LocalServices(nil)
	second := registry.LocalServices(nil)
	require.Len(t, first, 2)
	require.Equal(t, "Alpha", first[0].Name())
	require.Equal(t, "Zeta", first[1].Name())
	require.NotSame(t, first[0], second[0])
}

func TestServiceRegistryRemoteProxies(t *testing.T) {
	testlog.Start(t)
	registry := NewServiceRegistry()
	require.Nil(t, registry.RemoteService(nil, "Memory"))

	registry.RegisterRemote("Memory", func(*channel.Channel) channel.Service {
		return &namedService{name: "Memory"}
	})
	svc := registry.RemoteService(nil, "Memory")
	require.NotNil(t, svc)
	require.Equal(t, "Memory", svc.Name())

	var _ channel.ServiceProvider = registry
}
