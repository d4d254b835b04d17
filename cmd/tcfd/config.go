package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/tcfchan/internal/agent"
	"github.com/danmuck/tcfchan/internal/transport"
)

// tcfd.toml key mapping to agent settings.
type fileConfig struct {
	ID             string   `toml:"id"`
	Name           string   `toml:"name"`
	Addr           string   `toml:"addr"`
	WebSocketAddr  string   `toml:"websocket_addr"`
	WebSocketPath  string   `toml:"websocket_path"`
	AllowedOrigins []string `toml:"websocket_allowed_origins"`
	AdminAddr      string   `toml:"admin_addr"`
	AdminToken     string   `toml:"admin_token"`
	CORSOrigins    []string `toml:"cors_origins"`
	Tests          []string `toml:"diagnostics_tests"`
	ProbeInterval  string   `toml:"probe_interval"`
	SweepInterval  string   `toml:"sweep_interval"`

	PendingLimit   int    `toml:"channel_pending_limit"`
	PeerRetention  string `toml:"channel_peer_retention"`
	CloseTimeout   string `toml:"channel_close_timeout"`
	Trace          bool   `toml:"channel_trace"`
	AssertDispatch bool   `toml:"channel_assert_dispatch"`

	ConnectTimeout     string `toml:"transport_connect_timeout"`
	MaxConnectAttempts int    `toml:"transport_max_connect_attempts"`
	SecurityMode       string `toml:"transport_security_mode"`
	TLSEnabled         bool   `toml:"transport_tls_enabled"`
	TLSMutual          bool   `toml:"transport_tls_mutual"`
	TLSCertFile        string `toml:"transport_tls_cert_file"`
	TLSKeyFile         string `toml:"transport_tls_key_file"`
	TLSCAFile          string `toml:"transport_tls_ca_file"`

	Peers []peerConfig `toml:"peers"`
}

type peerConfig struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	Transport string `toml:"transport"`
	Host      string `toml:"host"`
	Port      string `toml:"port"`
	Path      string `toml:"path"`
}

// loadAgentConfig overlays the keys present in path onto agent.DefaultConfig.
func loadAgentConfig(path string) (agent.Config, error) {
	cfg := agent.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return agent.Config{}, fmt.Errorf("load tcfd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return agent.Config{}, fmt.Errorf("load tcfd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("id") {
		cfg.ID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("websocket_addr") {
		cfg.WebSocketAddr = strings.TrimSpace(raw.WebSocketAddr)
	}
	if meta.IsDefined("websocket_path") {
		cfg.WebSocketPath = strings.TrimSpace(raw.WebSocketPath)
	}
	if meta.IsDefined("websocket_allowed_origins") {
		cfg.AllowedOrigins = raw.AllowedOrigins
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("diagnostics_tests") {
		cfg.Tests = raw.Tests
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"probe_interval", raw.ProbeInterval, &cfg.ProbeInterval},
		{"sweep_interval", raw.SweepInterval, &cfg.SweepInterval},
		{"channel_peer_retention", raw.PeerRetention, &cfg.Channel.PeerDataRetention},
		{"channel_close_timeout", raw.CloseTimeout, &cfg.Channel.CloseTimeout},
		{"transport_connect_timeout", raw.ConnectTimeout, &cfg.Transport.ConnectTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return agent.Config{}, fmt.Errorf("load tcfd config: %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("channel_pending_limit") {
		cfg.Channel.PendingLimit = raw.PendingLimit
	}
	if meta.IsDefined("channel_trace") {
		cfg.Channel.Trace = raw.Trace
	}
	if meta.IsDefined("channel_assert_dispatch") {
		cfg.Channel.AssertDispatch = raw.AssertDispatch
	}
	if meta.IsDefined("transport_max_connect_attempts") {
		cfg.Transport.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("transport_security_mode") {
		cfg.Transport.SecurityMode = transport.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("transport_tls_enabled") {
		cfg.Transport.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("transport_tls_mutual") {
		cfg.Transport.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("transport_tls_cert_file") {
		cfg.Transport.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("transport_tls_key_file") {
		cfg.Transport.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("transport_tls_ca_file") {
		cfg.Transport.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}

	for i, p := range raw.Peers {
		if strings.TrimSpace(p.Host) == "" {
			return agent.Config{}, fmt.Errorf("load tcfd config: peers[%d]: host is required", i)
		}
		cfg.Peers = append(cfg.Peers, agent.StaticPeer{
			ID:        strings.TrimSpace(p.ID),
			Name:      strings.TrimSpace(p.Name),
			Transport: strings.TrimSpace(p.Transport),
			Host:      strings.TrimSpace(p.Host),
			Port:      strings.TrimSpace(p.Port),
			Path:      strings.TrimSpace(p.Path),
		})
	}

	if err := cfg.Transport.ValidateServerTransport(); err != nil {
		return agent.Config{}, fmt.Errorf("load tcfd config: %w", err)
	}
	return cfg, nil
}
