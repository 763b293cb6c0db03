// Package netmon estimates per-peer connection quality from transport-level
// timestamps and packet sequence numbers, and turns the estimates into
// input-delay and prediction-window recommendations for the session.
package netmon

import (
	"time"

	"github.com/Heliozoa/mirai/assert"
	"github.com/Heliozoa/mirai/types"
)

// lossWindowSize is the number of most recent sequence numbers considered
// when computing the loss rate.
const lossWindowSize = 128

// Config bounds the recommendations a Monitor may produce. The session clamps
// them again; these are advisory values, not hard contracts.
type Config struct {
	TickDuration        time.Duration
	MinInputDelay       types.Tick
	MaxInputDelay       types.Tick
	MaxPredictionWindow types.Tick
}

// Monitor tracks one remote peer's round-trip time, jitter, and loss rate.
//
// RTT smoothing follows the classic RFC 6298 estimator: an exponentially
// weighted mean (srtt) plus a mean-deviation term (rttvar) that doubles as
// the jitter estimate.
type Monitor struct {
	cfg Config

	srtt   time.Duration
	rttvar time.Duration
	primed bool

	seen       [lossWindowSize]bool
	highestSeq uint32
	anySeq     bool
}

func NewMonitor(cfg Config) *Monitor {
	assert.That(cfg.TickDuration > 0, "tick duration must be positive, got %v", cfg.TickDuration)
	assert.That(cfg.MinInputDelay <= cfg.MaxInputDelay,
		"min input delay %d exceeds max %d", cfg.MinInputDelay, cfg.MaxInputDelay)
	return &Monitor{cfg: cfg}
}

// AddRTTSample feeds one round-trip measurement taken from a send timestamp
// echoed back by the peer.
func (m *Monitor) AddRTTSample(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	if !m.primed {
		m.srtt = rtt
		m.rttvar = rtt / 2
		m.primed = true
		return
	}
	diff := m.srtt - rtt
	if diff < 0 {
		diff = -diff
	}
	m.rttvar = (3*m.rttvar + diff) / 4
	m.srtt = (7*m.srtt + rtt) / 8
}

// ObserveSeq records the arrival of a packet with the given sender sequence
// number. Gaps between the previous highest and this one count as (so far)
// unreceived; late arrivals fill their slot back in.
func (m *Monitor) ObserveSeq(seq uint32) {
	if !m.anySeq {
		m.anySeq = true
		m.highestSeq = seq
		m.seen[seq%lossWindowSize] = true
		return
	}
	if seq > m.highestSeq {
		for s := m.highestSeq + 1; s < seq; s++ {
			m.seen[s%lossWindowSize] = false
		}
		m.highestSeq = seq
	}
	m.seen[seq%lossWindowSize] = true
}

// SRTT returns the smoothed round-trip estimate, zero before any sample.
func (m *Monitor) SRTT() time.Duration {
	return m.srtt
}

// Jitter returns the smoothed RTT deviation, zero before any sample.
func (m *Monitor) Jitter() time.Duration {
	return m.rttvar
}

// LossRate returns the fraction of the recent sequence window that never
// arrived, in [0, 1].
func (m *Monitor) LossRate() float64 {
	if !m.anySeq {
		return 0
	}
	window := uint32(lossWindowSize)
	if m.highestSeq+1 < window {
		window = m.highestSeq + 1
	}
	lost := 0
	for s := m.highestSeq + 1 - window; s <= m.highestSeq; s++ {
		if !m.seen[s%lossWindowSize] {
			lost++
		}
	}
	return float64(lost) / float64(window)
}

// RecommendedInputDelay suggests how many ticks of local input delay hide the
// one-way latency to this peer. Low under good conditions, growing with RTT
// and jitter, always within the configured bounds.
func (m *Monitor) RecommendedInputDelay() types.Tick {
	if !m.primed {
		return m.cfg.MinInputDelay
	}
	target := m.srtt/2 + 2*m.rttvar
	return clamp(ceilTicks(target, m.cfg.TickDuration), m.cfg.MinInputDelay, m.cfg.MaxInputDelay)
}

// RecommendedPredictionWindow suggests how far ahead of the confirmed horizon
// the simulation should be allowed to run before stalling.
func (m *Monitor) RecommendedPredictionWindow() types.Tick {
	if !m.primed {
		return m.cfg.MaxPredictionWindow
	}
	target := m.srtt + 4*m.rttvar
	ticks := ceilTicks(target, m.cfg.TickDuration)
	if m.LossRate() > 0.05 {
		// Degraded link: leave room to ride out redundancy-recovered gaps.
		ticks += 2
	}
	return clamp(ticks, 1, m.cfg.MaxPredictionWindow)
}

func ceilTicks(d, tick time.Duration) types.Tick {
	return types.Tick((d + tick - 1) / tick)
}

func clamp(v, lo, hi types.Tick) types.Tick {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
