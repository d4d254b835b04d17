package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/tcfchan/internal/protocol/frame"
	"github.com/gorilla/websocket"
)

var ErrNotWebSocketURL = errors.New("transport: not a ws or wss url")

// wsStream carries the escaped byte stream in binary WebSocket messages.
// Bytes written between flushes form one message. Text messages are
// ignored.
type wsStream struct {
	ws   *websocket.Conn
	r    io.Reader
	wbuf bytes.Buffer

	closeOnce sync.Once
	closeErr  error
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			mt, r, err := s.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	return s.wbuf.Write(p)
}

func (s *wsStream) Flush() error {
	if s.wbuf.Len() == 0 {
		return nil
	}
	err := s.ws.WriteMessage(websocket.BinaryMessage, s.wbuf.Bytes())
	s.wbuf.Reset()
	return err
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.closeErr = s.ws.Close()
	})
	return s.closeErr
}

func newWebSocketConn(ws *websocket.Conn, name string) *Conn {
	s := &wsStream{ws: ws}
	return &Conn{
		EscapeTransport: frame.NewEscapeTransport(s, s, s),
		conn:            ws.NetConn(),
		name:            name,
	}
}

// DialWebSocket opens a ws:// or wss:// channel transport. TLS settings
// apply to wss.
func DialWebSocket(ctx context.Context, cfg Config, rawURL string) (*Conn, error) {
	cfg = cfg.WithDefaults()
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	name := NameWS
	switch strings.ToLower(u.Scheme) {
	case "ws":
	case "wss":
		name = NameWSS
		cfg.TLS.Enabled = true
		if err := cfg.ValidateClientTransport(); err != nil {
			return nil, err
		}
		tlsCfg, err := cfg.ClientTLSConfig(hostPort(u))
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	default:
		return nil, ErrNotWebSocketURL
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	ws, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return newWebSocketConn(ws, name), nil
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return u.Host + ":443"
}

// WebSocketUpgrader accepts channel transports on an HTTP endpoint.
type WebSocketUpgrader struct {
	upgrader websocket.Upgrader
}

// NewWebSocketUpgrader allows any origin when allowedOrigins is empty.
func NewWebSocketUpgrader(allowedOrigins []string) *WebSocketUpgrader {
	return &WebSocketUpgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildOriginChecker(allowedOrigins),
		},
	}
}

func (u *WebSocketUpgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	name := NameWS
	if r.TLS != nil {
		name = NameWSS
	}
	return newWebSocketConn(ws, name), nil
}

func buildOriginChecker(allowed []string) func(*http.Request) bool {
	allowedSet := make(map[string]struct{})
	for _, origin := range allowed {
		if normalized, ok := normalizeOrigin(origin); ok {
			allowedSet[normalized] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if len(allowedSet) == 0 {
			return true
		}
		normalized, ok := normalizeOrigin(r.Header.Get("Origin"))
		if !ok {
			return false
		}
		_, ok = allowedSet[normalized]
		return ok
	}
}

func normalizeOrigin(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
