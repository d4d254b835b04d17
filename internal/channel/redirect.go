package channel

import (
	"fmt"
	"maps"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/tcfchan/internal/peer"
)

type redirectWait struct {
	id       string
	loc      RemoteLocator
	listener *peer.ListenerFuncs
	timer    *clock.Timer
}

// RedirectToPeer redirects the channel to the peer with the given id.
func (c *Channel) RedirectToPeer(id string) error {
	return c.Redirect(map[string]string{peer.AttrID: id})
}

// Redirect asks the remote agent to re-point this channel at target. While
// OPENING the request is queued until the next Hello. A target holding only
// an id must be known to the remote Locator; an unknown id is waited for
// until a third of the peer retention period has elapsed.
func (c *Channel) Redirect(target map[string]string) error {
	if err := c.checkDispatch(); err != nil {
		return err
	}
	switch c.State() {
	case StateClosed:
		return ErrChannelClosed
	case StateOpening:
		if c.redirectToken != nil || c.redirectWait != nil {
			return ErrRedirectPending
		}
		c.redirectQueue = append(c.redirectQueue, maps.Clone(target))
		return nil
	}

	loc, ok := RemoteServiceAs[RemoteLocator](c)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNoLocator, peerID(c.remotePeer))
		c.Terminate(err)
		return err
	}

	id := target[peer.AttrID]
	var next peer.Peer
	if id != "" && len(target) == 1 {
		p, known := loc.Peer(id)
		if !known {
			c.waitForPeer(loc, id)
			c.setState(StateOpening)
			return nil
		}
		next = p
	} else {
		next = peer.NewTransient(target)
	}

	tok, err := loc.RedirectTo(target, func(err error) {
		c.redirectDone(next, err)
	})
	if err != nil {
		c.Terminate(err)
		return err
	}
	c.redirectToken = tok
	c.setState(StateOpening)
	return nil
}

func (c *Channel) redirectDone(next peer.Peer, err error) {
	c.redirectToken = nil
	if c.State() != StateOpening {
		return
	}
	if err != nil {
		c.Terminate(fmt.Errorf("channel: redirect to %s failed: %w", peerID(next), err))
		return
	}
	c.remotePeer = next
	c.history = append(c.history, next)
	clear(c.remoteServices)
	clear(c.eventListeners)
	c.remoteLevel.Store(minLevel)
	c.log.Info().Str("peer", peerID(next)).Msg("channel redirected")
}

func (c *Channel) waitForPeer(loc RemoteLocator, id string) {
	w := &redirectWait{id: id, loc: loc}
	w.listener = &peer.ListenerFuncs{
		OnAdded: func(p peer.Peer) {
			if p.ID() != id || c.redirectWait != w {
				return
			}
			c.cancelRedirectWait()
			c.setState(StateOpen)
			if err := c.RedirectToPeer(id); err != nil {
				c.log.Warn().Err(err).Str("peer", id).Msg("redirect after discovery")
			}
		},
	}
	loc.AddPeerListener(w.listener)
	w.timer = c.disp.InvokeAfter(c.cfg.PeerDataRetention/3, func() {
		if c.redirectWait != w {
			return
		}
		c.cancelRedirectWait()
		c.Terminate(fmt.Errorf("%w: %s", ErrPeerNotFound, id))
	})
	c.redirectWait = w
}

func (c *Channel) cancelRedirectWait() {
	w := c.redirectWait
	if w == nil {
		return
	}
	c.redirectWait = nil
	w.loc.RemovePeerListener(w.listener)
	if w.timer != nil {
		w.timer.Stop()
	}
}

func peerID(p peer.Peer) string {
	if p == nil {
		return "<unknown>"
	}
	return p.ID()
}
