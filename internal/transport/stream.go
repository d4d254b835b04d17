package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/tcfchan/internal/peer"
	"github.com/danmuck/tcfchan/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

const (
	NameTCP  = "TCP"
	NameSSL  = "SSL"
	NameWS   = "WS"
	NameWSS  = "WSS"
	NamePipe = "PIPE"
)

// Conn is a channel transport over one connection. It embeds the escape
// transport, so a channel over a Conn negotiates zero-copy blocks.
type Conn struct {
	*frame.EscapeTransport
	conn         net.Conn
	name         string
	peerIdentity string
}

func newConn(conn net.Conn, name string) *Conn {
	return &Conn{
		EscapeTransport: frame.NewEscapeTransport(conn, conn, conn),
		conn:            conn,
		name:            name,
	}
}

// TransportName is the TCF transport name: TCP, SSL, WS, WSS or PIPE.
func (c *Conn) TransportName() string {
	return c.name
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// PeerIdentity is the verified client certificate identity, if any.
func (c *Conn) PeerIdentity() string {
	return c.peerIdentity
}

// PeerAttributes describes the remote end for a transient peer.
func (c *Conn) PeerAttributes() map[string]string {
	attrs := map[string]string{peer.AttrTransportName: c.name}
	host, port, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		attrs[peer.AttrID] = c.name + ":" + c.RemoteAddr().String()
		return attrs
	}
	attrs[peer.AttrHost] = host
	attrs[peer.AttrPort] = port
	attrs[peer.AttrID] = c.name + ":" + net.JoinHostPort(host, port)
	if c.peerIdentity != "" {
		attrs[peer.AttrUserName] = c.peerIdentity
	}
	return attrs
}

// Dial opens a TCP or TLS stream to addr.
func Dial(ctx context.Context, cfg Config, addr string) (*Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return newConn(rawConn, NameTCP), nil
	}

	tlsCfg, err := cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return newConn(conn, NameSSL), nil
}

// DialRetry dials until it succeeds, the context ends, or MaxConnectAttempts
// is used up, sleeping NextBackoffDelay between attempts.
func DialRetry(ctx context.Context, cfg Config, addr string, clk clock.Clock, rng *rand.Rand) (*Conn, error) {
	cfg = cfg.WithDefaults()
	if clk == nil {
		clk = clock.New()
	}
	for attempt := 1; ; attempt++ {
		conn, err := Dial(ctx, cfg, addr)
		if err == nil {
			return conn, nil
		}
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, fmt.Errorf("transport: dial %s failed after %d attempts: %w", addr, attempt, err)
		}
		log.Debug().Err(err).Str("addr", addr).Int("attempt", attempt).Msg("dial failed, backing off")
		if err := sleepBackoff(ctx, clk, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

// Listener accepts TCP or TLS streams.
type Listener struct {
	ln     net.Listener
	cfg    Config
	tlsCfg *tls.Config
}

func Listen(cfg Config, addr string) (*Listener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	l := &Listener{cfg: cfg}
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		l.tlsCfg = tlsCfg
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l.ln = ln
	return l, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept returns the next raw connection. Handshake turns it into a Conn;
// callers run it off the accept loop.
func (l *Listener) Accept() (net.Conn, error) {
	return l.ln.Accept()
}

func (l *Listener) Handshake(conn net.Conn) (*Conn, error) {
	if l.tlsCfg == nil {
		return newConn(conn, NameTCP), nil
	}
	tlsConn := tls.Server(conn, l.tlsCfg)
	_ = tlsConn.SetDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = tlsConn.SetDeadline(time.Time{})

	c := newConn(tlsConn, NameSSL)
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) > 0 {
		c.peerIdentity = peerIdentityFromCert(state.PeerCertificates[0])
	}
	return c, nil
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Pipe returns the two ends of an in-memory stream.
func Pipe() (*Conn, *Conn) {
	a, b := net.Pipe()
	return newConn(a, NamePipe), newConn(b, NamePipe)
}
