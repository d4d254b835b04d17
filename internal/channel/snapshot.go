package channel

// Snapshot is a point-in-time view of a channel for diagnostics.
type Snapshot struct {
	ID               string   `json:"id"`
	State            string   `json:"state"`
	LocalPeer        string   `json:"local_peer,omitempty"`
	RemotePeer       string   `json:"remote_peer,omitempty"`
	History          []string `json:"remote_peer_history,omitempty"`
	LocalServices    []string `json:"local_services"`
	RemoteServices   []string `json:"remote_services"`
	Outstanding      int      `json:"outstanding_commands"`
	Queued           int      `json:"queued_messages"`
	Congestion       int      `json:"congestion"`
	RemoteCongestion int      `json:"remote_congestion"`
	LocalCongestion  int      `json:"local_congestion"`
	MessagesIn       uint64   `json:"messages_in"`
	MessagesOut      uint64   `json:"messages_out"`
	Proxy            bool     `json:"proxy"`
}

func (c *Channel) Snapshot() Snapshot {
	c.assertDispatch()
	s := Snapshot{
		ID:               c.id,
		State:            c.State().String(),
		LocalServices:    c.LocalServices(),
		RemoteServices:   c.RemoteServices(),
		Outstanding:      c.outTokens.Size(),
		Queued:           c.out.len(),
		Congestion:       c.Congestion(),
		RemoteCongestion: c.RemoteCongestion(),
		LocalCongestion:  c.LocalCongestion(),
		MessagesIn:       c.msgsIn.Load(),
		MessagesOut:      c.msgsOut.Load(),
		Proxy:            c.proxy != nil,
	}
	if c.localPeer != nil {
		s.LocalPeer = c.localPeer.ID()
	}
	if c.remotePeer != nil {
		s.RemotePeer = c.remotePeer.ID()
	}
	for _, p := range c.history {
		s.History = append(s.History, p.ID())
	}
	return s
}
