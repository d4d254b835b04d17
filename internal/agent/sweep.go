package agent

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/tcfchan/internal/peer"
	"github.com/rs/zerolog/log"
)

// sweeper expires stale peers on the dispatch goroutine.
type sweeper struct {
	a       *Agent
	timer   *clock.Timer
	stopped bool
}

// StartSweep schedules registry expiry every SweepInterval. The local peer
// never expires.
func (a *Agent) StartSweep() {
	a.disp.Invoke(func() {
		if a.sweep != nil {
			return
		}
		a.sweep = &sweeper{a: a}
		a.sweep.schedule()
	})
}

func (s *sweeper) schedule() {
	if s.stopped {
		return
	}
	s.timer = s.a.disp.InvokeAfter(s.a.cfg.SweepInterval, s.run)
}

func (s *sweeper) run() {
	if s.stopped {
		return
	}
	if expired := s.a.registry.Sweep(s.a.cfg.ID); len(expired) > 0 {
		log.Info().Str("agent", s.a.cfg.ID).Strs("peers", expired).Msg("agent: peers expired")
	}
	s.schedule()
}

func (s *sweeper) stop() {
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

// ProbeOnce dials every static peer and registers the ones that answer.
// A failed probe lets the next sweep expire the peer.
func (a *Agent) ProbeOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sp := range a.cfg.Peers {
		attrs := sp.Attributes()
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.probe(ctx, attrs)
		}()
	}
	wg.Wait()
}

func (a *Agent) probe(ctx context.Context, attrs map[string]string) {
	id := attrs[peer.AttrID]
	conn, err := a.dial(ctx, attrs, true)
	if err != nil {
		log.Debug().Err(err).Str("peer", id).Msg("agent: probe failed")
		if p, ok := a.registry.Resolve(id); ok {
			p.OnChannelTerminated()
		}
		return
	}
	_ = conn.Stop()
	if _, err := a.registry.Register(attrs); err != nil {
		log.Warn().Err(err).Str("peer", id).Msg("agent: register static peer")
	}
}

// probeLoop probes static peers every ProbeInterval until ctx ends.
func (a *Agent) probeLoop(ctx context.Context) {
	if len(a.cfg.Peers) == 0 {
		return
	}
	ticker := a.cfg.Clock.Ticker(a.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		a.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
