package channel

import (
	"time"

	"github.com/danmuck/tcfchan/internal/protocol/frame"
)

// Config tunes one channel. Zero fields take DefaultConfig values.
type Config struct {
	// PendingLimit is the outstanding command count that maps to congestion 0.
	PendingLimit int
	// CongestionReportEvery counts inbound messages between local congestion checks.
	CongestionReportEvery int
	// CongestionReportInterval is the minimum gap between flow control reports.
	CongestionReportInterval time.Duration
	// PacingUnit is the transmit delay per point of positive remote congestion.
	PacingUnit time.Duration

	CloseTimeout      time.Duration
	TerminateTimeout  time.Duration
	ReaderJoinTimeout time.Duration

	// PeerDataRetention bounds how long a redirect waits for an unknown peer
	// (one third of it).
	PeerDataRetention time.Duration

	Limits frame.Limits

	// LocalCongestion reports this process's congestion. Nil uses the
	// dispatcher level.
	LocalCongestion func() int

	// Trace logs every inbound and outbound message at trace level.
	Trace bool

	// AssertDispatch makes accessors panic when called off the dispatch
	// goroutine. Send, Close and the other mutators always check.
	AssertDispatch bool
}

func DefaultConfig() Config {
	return Config{
		PendingLimit:             32,
		CongestionReportEvery:    8,
		CongestionReportInterval: 500 * time.Millisecond,
		PacingUnit:               10 * time.Millisecond,
		CloseTimeout:             10 * time.Second,
		TerminateTimeout:         500 * time.Millisecond,
		ReaderJoinTimeout:        2 * time.Second,
		PeerDataRetention:        60 * time.Second,
		Limits:                   frame.DefaultLimits(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.PendingLimit <= 0 {
		c.PendingLimit = def.PendingLimit
	}
	if c.CongestionReportEvery <= 0 {
		c.CongestionReportEvery = def.CongestionReportEvery
	}
	if c.CongestionReportInterval <= 0 {
		c.CongestionReportInterval = def.CongestionReportInterval
	}
	if c.PacingUnit <= 0 {
		c.PacingUnit = def.PacingUnit
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = def.TerminateTimeout
	}
	if c.ReaderJoinTimeout <= 0 {
		c.ReaderJoinTimeout = def.ReaderJoinTimeout
	}
	if c.PeerDataRetention <= 0 {
		c.PeerDataRetention = def.PeerDataRetention
	}
	if c.Limits == (frame.Limits{}) {
		c.Limits = def.Limits
	}
	return c
}
