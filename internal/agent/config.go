package agent

import (
	"net"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/tcfchan/internal/channel"
	"github.com/danmuck/tcfchan/internal/peer"
	"github.com/danmuck/tcfchan/internal/transport"
	"github.com/google/uuid"
)

// StaticPeer is a configured peer the agent probes and advertises.
type StaticPeer struct {
	ID        string
	Name      string
	Transport string
	Host      string
	Port      string
	// Path is the WebSocket endpoint for WS and WSS peers.
	Path string
}

func (p StaticPeer) Attributes() map[string]string {
	name := strings.ToUpper(strings.TrimSpace(p.Transport))
	if name == "" {
		name = transport.NameTCP
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = name + ":" + net.JoinHostPort(p.Host, p.Port)
	}
	attrs := map[string]string{
		peer.AttrID:            id,
		peer.AttrTransportName: name,
		peer.AttrHost:          p.Host,
		peer.AttrPort:          p.Port,
	}
	if p.Name != "" {
		attrs[peer.AttrName] = p.Name
	}
	if p.Path != "" {
		attrs[AttrPath] = p.Path
	}
	return attrs
}

// AttrPath carries the WebSocket endpoint path of a peer.
const AttrPath = "Path"

// Config for one agent process.
type Config struct {
	ID   string
	Name string

	// ListenAddr accepts TCP or TLS channels. Empty disables it.
	ListenAddr string
	// WebSocketAddr accepts WS or WSS channels on WebSocketPath. Empty disables it.
	WebSocketAddr  string
	WebSocketPath  string
	AllowedOrigins []string

	AdminAddr   string
	CORSOrigins []string
	// AdminToken guards mutating admin routes. Empty leaves them open.
	AdminToken  string

	Peers         []StaticPeer
	ProbeInterval time.Duration
	SweepInterval time.Duration

	// Tests are listed by Diagnostics.getTestList.
	Tests []string

	Channel   channel.Config
	Transport transport.Config
	// Clock drives the dispatcher and peer registry. Nil is the wall clock.
	Clock clock.Clock
}

func DefaultConfig() Config {
	return Config{
		Name:          "tcfd",
		ListenAddr:    ":1534",
		WebSocketPath: "/tcf",
		ProbeInterval: 30 * time.Second,
		SweepInterval: 5 * time.Second,
		Channel:       channel.DefaultConfig(),
		Transport:     transport.DefaultConfig(),
	}
}

// WithDefaults fills zero fields and generates an id when none is set.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		c.ID = "tcfd-" + uuid.NewString()[:8]
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = def.WebSocketPath
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	c.Channel = c.Channel.WithDefaults()
	c.Transport = c.Transport.WithDefaults()
	return c
}
