package transport

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Heliozoa/mirai/testutils"
	"github.com/Heliozoa/mirai/types"
)

type pair struct {
	a, b *Endpoint
}

func newPair(t *testing.T, faults Faults) pair {
	t.Helper()
	net := NewMemNetwork(testutils.NewRand(t), faults, zerolog.Nop())
	connA := net.Node("a")
	connB := net.Node("b")
	session := uuid.New()

	a := NewEndpoint(Config{
		Session:          session,
		LocalSlot:        0,
		Peers:            []Peer{{Slot: 1, Addr: connB.Addr()}},
		Conn:             connA,
		RedundancyWindow: 8,
		Logger:           zerolog.Nop(),
	})
	b := NewEndpoint(Config{
		Session:          session,
		LocalSlot:        1,
		Peers:            []Peer{{Slot: 0, Addr: connA.Addr()}},
		Conn:             connB,
		RedundancyWindow: 8,
		Logger:           zerolog.Nop(),
	})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return pair{a: a, b: b}
}

// drainInto polls until cond is satisfied over the accumulated receives.
func drainInto(t *testing.T, e *Endpoint, got map[types.Tick]types.Input, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, r := range e.PollReceived() {
			got[r.Tick] = r.Input
		}
		return cond()
	}, time.Second, time.Millisecond)
}

func TestInputDelivery(t *testing.T) {
	p := newPair(t, Faults{})
	p.a.SendLocalInput(1, types.ButtonLeft)

	got := map[types.Tick]types.Input{}
	drainInto(t, p.b, got, func() bool { return len(got) == 1 })
	assert.Equal(t, types.ButtonLeft, got[1])
}

func TestRedundancyRecoversLoss(t *testing.T) {
	p := newPair(t, Faults{LossRate: 0.2})

	const ticks = 200
	got := map[types.Tick]types.Input{}
	for tick := types.Tick(1); tick <= ticks; tick++ {
		p.a.SendLocalInput(tick, types.Input(tick))
		for _, r := range p.b.PollReceived() {
			got[r.Tick] = r.Input
		}
	}

	// Every tick except possibly the last window is covered by at least
	// eight packets, so a fifth of them dropping changes nothing.
	drainInto(t, p.b, got, func() bool {
		for tick := types.Tick(1); tick <= ticks-8; tick++ {
			if _, ok := got[tick]; !ok {
				return false
			}
		}
		return true
	})
	for tick := types.Tick(1); tick <= ticks-8; tick++ {
		assert.Equal(t, types.Input(tick), got[tick], "tick %d", tick)
	}
}

func TestDuplicatesAreHarmless(t *testing.T) {
	p := newPair(t, Faults{DuplicateRate: 1})

	for tick := types.Tick(1); tick <= 20; tick++ {
		p.a.SendLocalInput(tick, types.Input(tick))
	}
	got := map[types.Tick]types.Input{}
	drainInto(t, p.b, got, func() bool { return len(got) >= 20 })
	for tick := types.Tick(1); tick <= 20; tick++ {
		assert.Equal(t, types.Input(tick), got[tick])
	}
}

func TestAckRoundtrip(t *testing.T) {
	p := newPair(t, Faults{})

	p.a.SendLocalInput(1, types.ButtonLeft)
	got := map[types.Tick]types.Input{}
	drainInto(t, p.b, got, func() bool { return len(got) == 1 })

	// B's next send acknowledges tick 1; A learns of it on its next drain.
	p.b.SendLocalInput(1, types.ButtonRight)
	require.Eventually(t, func() bool {
		p.a.PollReceived()
		return p.a.AckedTick(1) == 1
	}, time.Second, time.Millisecond)

	assert.False(t, p.a.LastSeen(1).IsZero())
}

func TestAckedInputsLeaveTheWindow(t *testing.T) {
	p := newPair(t, Faults{})

	// Exchange ten ticks with acks flowing both ways.
	for tick := types.Tick(1); tick <= 10; tick++ {
		p.a.SendLocalInput(tick, types.Input(tick))
		got := map[types.Tick]types.Input{}
		drainInto(t, p.b, got, func() bool { return len(got) > 0 })
		p.b.SendLocalInput(tick, types.Input(tick))
		require.Eventually(t, func() bool {
			p.a.PollReceived()
			return p.a.AckedTick(1) == tick
		}, time.Second, time.Millisecond)
	}

	// Everything through tick 10 is acknowledged, so the next packet
	// carries only the new input instead of the full window.
	p.a.SendLocalInput(11, types.Input(11))
	var recv []Received
	require.Eventually(t, func() bool {
		recv = append(recv, p.b.PollReceived()...)
		return len(recv) > 0
	}, time.Second, time.Millisecond)
	require.Len(t, recv, 1)
	assert.Equal(t, types.Tick(11), recv[0].Tick)
	assert.Equal(t, types.Input(11), recv[0].Input)
}

func TestDiscardBefore(t *testing.T) {
	p := newPair(t, Faults{})
	p.b.SetDiscardBefore(5)

	for tick := types.Tick(1); tick <= 10; tick++ {
		p.a.SendLocalInput(tick, types.Input(tick))
	}
	got := map[types.Tick]types.Input{}
	drainInto(t, p.b, got, func() bool { return len(got) >= 6 })

	for tick := range got {
		assert.GreaterOrEqual(t, tick, types.Tick(5))
	}
}

func TestStateCheckPropagates(t *testing.T) {
	p := newPair(t, Faults{})

	p.a.SetStateCheck(7, 0xabcdef)
	p.a.SendLocalInput(1, types.Neutral)

	require.Eventually(t, func() bool {
		p.b.PollReceived()
		tick, sum, ok := p.b.PeerStateCheck(0)
		return ok && tick == 7 && sum == 0xabcdef
	}, time.Second, time.Millisecond)
}

func TestForeignSessionIgnored(t *testing.T) {
	net := NewMemNetwork(testutils.NewRand(t), Faults{}, zerolog.Nop())
	connA := net.Node("a")
	connB := net.Node("b")

	a := NewEndpoint(Config{
		Session:          uuid.New(),
		LocalSlot:        0,
		Peers:            []Peer{{Slot: 1, Addr: connB.Addr()}},
		Conn:             connA,
		RedundancyWindow: 8,
		Logger:           zerolog.Nop(),
	})
	b := NewEndpoint(Config{
		Session:          uuid.New(), // different match
		LocalSlot:        1,
		Peers:            []Peer{{Slot: 0, Addr: connA.Addr()}},
		Conn:             connB,
		RedundancyWindow: 8,
		Logger:           zerolog.Nop(),
	})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	a.SendLocalInput(1, types.ButtonLeft)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, b.PollReceived())
}

func TestResendKeepsRetransmitting(t *testing.T) {
	p := newPair(t, Faults{})
	p.a.SendLocalInput(1, types.ButtonAttack)

	got := map[types.Tick]types.Input{}
	drainInto(t, p.b, got, func() bool { return len(got) == 1 })

	// A stalled sender re-broadcasts the same window.
	p.a.Resend()
	require.Eventually(t, func() bool {
		for _, r := range p.b.PollReceived() {
			if r.Tick == 1 && r.Input == types.ButtonAttack {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}
