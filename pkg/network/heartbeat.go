package network

import (
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/NovaMesh/novalink-client/pkg/protocol"
)

// HeartbeatConfig controls liveness probing while established.
type HeartbeatConfig struct {
	// Interval between outbound Pings.
	Interval time.Duration

	// DegradedAfter is the inbound silence that triggers a degraded signal
	// without disconnecting.
	DegradedAfter time.Duration

	// DeadAfter is the inbound silence that forces reconnection.
	DeadAfter time.Duration

	// PingTimeout is how long each Ping waits for its Pong.
	PingTimeout time.Duration

	// ProbeWindow is the grace period after an unanswered Ping before the
	// connection is declared dead.
	ProbeWindow time.Duration

	// CheckInterval is the cadence of silence evaluation.
	CheckInterval time.Duration
}

// DefaultHeartbeatConfig returns the production thresholds: a Ping every 30s,
// degraded at 20s of silence, dead 30s beyond that.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:      30 * time.Second,
		DegradedAfter: 20 * time.Second,
		DeadAfter:     50 * time.Second,
		PingTimeout:   5 * time.Second,
		ProbeWindow:   3 * time.Second,
		CheckInterval: 5 * time.Second,
	}
}

// heartbeat probes connection liveness while the session is established.
// All methods run on the client's dispatch loop; timers fire back onto it
// guarded by the connection epoch, so a stale timer after teardown is a
// no-op.
type heartbeat struct {
	c   *Client
	cfg HeartbeatConfig
	clk clock.Clock

	seq          uint64
	lastActivity time.Time
	degraded     bool

	pingTimer  *clock.Timer
	checkTimer *clock.Timer
	pongWaits  map[uint64]*clock.Timer
}

func newHeartbeat(c *Client, cfg HeartbeatConfig, clk clock.Clock) *heartbeat {
	return &heartbeat{c: c, cfg: cfg, clk: clk, pongWaits: make(map[uint64]*clock.Timer)}
}

func (h *heartbeat) start(epoch uint64) {
	h.degraded = false
	h.lastActivity = h.clk.Now()
	h.schedulePing(epoch)
	h.scheduleCheck(epoch)
}

func (h *heartbeat) stop() {
	if h.pingTimer != nil {
		h.pingTimer.Stop()
		h.pingTimer = nil
	}
	if h.checkTimer != nil {
		h.checkTimer.Stop()
		h.checkTimer = nil
	}
	for seq, t := range h.pongWaits {
		t.Stop()
		delete(h.pongWaits, seq)
	}
}

// touch records inbound traffic and clears a degraded condition.
func (h *heartbeat) touch() {
	h.lastActivity = h.clk.Now()
	if h.degraded {
		h.degraded = false
		h.c.emitStatus(StatusConnected)
	}
}

func (h *heartbeat) schedulePing(epoch uint64) {
	h.pingTimer = h.clk.AfterFunc(h.cfg.Interval, func() {
		h.c.postEpoch(epoch, func() {
			h.sendPing(epoch)
			h.schedulePing(epoch)
		})
	})
}

func (h *heartbeat) sendPing(epoch uint64) {
	h.seq++
	seq := h.seq

	ping := &protocol.Ping{
		Timestamp: h.clk.Now().UnixMilli(),
		Sequence:  seq,
	}
	if err := h.c.sendPacket(ping); err != nil {
		log.Printf("⚠️  Heartbeat ping failed: %v", err)
		return
	}

	h.pongWaits[seq] = h.clk.AfterFunc(h.cfg.PingTimeout, func() {
		h.c.postEpoch(epoch, func() { h.pingTimedOut(epoch, seq) })
	})
}

// pingTimedOut runs when a Ping went unanswered. It opens a short probe
// window; if no traffic at all arrives within it, the connection is forced
// down.
func (h *heartbeat) pingTimedOut(epoch uint64, seq uint64) {
	delete(h.pongWaits, seq)
	probeStart := h.clk.Now()
	log.Printf("⚠️  Ping %d unanswered after %v, probing connection health", seq, h.cfg.PingTimeout)

	h.clk.AfterFunc(h.cfg.ProbeWindow, func() {
		h.c.postEpoch(epoch, func() {
			if !h.lastActivity.After(probeStart) {
				h.c.forceReconnect(fmt.Sprintf("ping %d unanswered and no traffic within probe window", seq))
			}
		})
	})
}

func (h *heartbeat) pongReceived(seq uint64) {
	if t, ok := h.pongWaits[seq]; ok {
		t.Stop()
		delete(h.pongWaits, seq)
	}
}

func (h *heartbeat) scheduleCheck(epoch uint64) {
	h.checkTimer = h.clk.AfterFunc(h.cfg.CheckInterval, func() {
		h.c.postEpoch(epoch, func() {
			h.check()
			h.scheduleCheck(epoch)
		})
	})
}

func (h *heartbeat) check() {
	silence := h.clk.Now().Sub(h.lastActivity)

	if silence > h.cfg.DeadAfter {
		h.c.forceReconnect(fmt.Sprintf("no inbound traffic for %v", silence))
		return
	}

	if silence > h.cfg.DegradedAfter && !h.degraded {
		h.degraded = true
		log.Printf("⚠️  Connection degrading: %v without inbound traffic", silence)
		h.c.emitStatus(StatusDegraded)
	}
}
