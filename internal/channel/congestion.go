package channel

import (
	"strconv"

	"github.com/danmuck/tcfchan/internal/observability"
)

// Congestion combines the outstanding command backlog with the level the
// remote peer reported, clamped to [-100, 100].
func (c *Channel) Congestion() int {
	c.assertDispatch()
	level := c.outTokens.Size()*100/c.cfg.PendingLimit - 100
	if remote := int(c.remoteLevel.Load()); remote > level {
		level = remote
	}
	return clampLevel(level)
}

// RemoteCongestion is the last level reported by the peer.
func (c *Channel) RemoteCongestion() int {
	return int(c.remoteLevel.Load())
}

// LocalCongestion is the last level reported to the peer.
func (c *Channel) LocalCongestion() int {
	return int(c.localLevel.Load())
}

// reportCongestion runs after each inbound result, progress, unrecognized,
// or event message. Reports are rate limited and move one eighth of the way
// toward the measured level.
func (c *Channel) reportCongestion() {
	c.reportCount++
	if c.reportCount < c.cfg.CongestionReportEvery {
		return
	}
	c.reportCount = 0
	if c.State() != StateOpen {
		return
	}
	now := c.clock.Now()
	if now.Sub(c.reportTime) < c.cfg.CongestionReportInterval {
		return
	}
	level := clampLevel(c.cfg.LocalCongestion())
	last := int(c.localLevel.Load())
	if level == last {
		return
	}
	if step := (level - last) / 8; step != 0 {
		level = last + step
	}
	c.reportTime = now
	c.out.pushFlowControl(append(strconv.AppendInt(nil, int64(level), 10), 0))
	c.localLevel.Store(int32(level))
	observability.RecordCongestionReport(level)
}

// minLevel is the level of a peer that has not reported yet.
const minLevel = -100

func clampLevel(level int) int {
	if level < minLevel {
		return minLevel
	}
	if level > 100 {
		return 100
	}
	return level
}
