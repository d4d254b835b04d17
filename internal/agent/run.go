package agent

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/tcfchan/internal/transport"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// WebSocketHandler upgrades requests on WebSocketPath to channels.
func (a *Agent) WebSocketHandler() http.Handler {
	upgrader := transport.NewWebSocketUpgrader(a.cfg.AllowedOrigins)
	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("agent: websocket upgrade failed")
			return
		}
		a.Attach(conn)
	})
	return mux
}

// Run serves every configured listener until ctx ends or SIGINT/SIGTERM
// arrives, then closes all channels.
func (a *Agent) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.cfg.Transport.ValidateServerTransport(); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.ListenAddr != "" {
		ln, err := transport.Listen(a.cfg.Transport, a.cfg.ListenAddr)
		if err != nil {
			return err
		}
		g.Go(func() error { return a.Serve(ctx, ln) })
	}

	var servers []*http.Server
	if a.cfg.WebSocketAddr != "" {
		srv := &http.Server{Addr: a.cfg.WebSocketAddr, Handler: a.WebSocketHandler(), ReadHeaderTimeout: 10 * time.Second}
		if a.cfg.Transport.TLS.Enabled {
			tlsCfg, err := a.cfg.Transport.ServerTLSConfig()
			if err != nil {
				return err
			}
			srv.TLSConfig = tlsCfg
		}
		servers = append(servers, srv)
	}
	if a.cfg.AdminAddr != "" {
		servers = append(servers, &http.Server{Addr: a.cfg.AdminAddr, Handler: a.Router(), ReadHeaderTimeout: 10 * time.Second})
	}
	for _, srv := range servers {
		g.Go(func() error {
			log.Info().Str("agent", a.cfg.ID).Str("addr", srv.Addr).Msg("agent: http listening")
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	a.StartSweep()
	g.Go(func() error {
		a.probeLoop(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var errs error
		for _, srv := range servers {
			errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
		}
		errs = multierr.Append(errs, a.Close())
		log.Info().Str("agent", a.cfg.ID).Msg("agent: stopped")
		return errs
	})
	return g.Wait()
}
