package mirai

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Heliozoa/mirai/testutils"
	"github.com/Heliozoa/mirai/transport"
	"github.com/Heliozoa/mirai/types"
)

var dstNumOps = flag.Int("dst.ops", 600, "number of operations to run in DST")

type dstOp int

// Op values double as selection weights.
const (
	dstOpAdvanceA    dstOp = 3
	dstOpAdvanceB    dstOp = 4
	dstOpAdvanceBoth dstOp = 8
	dstOpStallBoth   dstOp = 1
)

var dstOps = []dstOp{dstOpAdvanceA, dstOpAdvanceB, dstOpAdvanceBoth, dstOpStallBoth}

// TestDST drives two sessions through a randomized schedule over a faulty
// network and checks the core guarantees hold throughout: no session errors
// out, confirmed horizons never regress, and the peers end up byte-identical
// on their shared confirmed prefix.
func TestDST(t *testing.T) {
	rng := testutils.NewRand(t)
	f := newFixture(t, transport.Faults{
		LossRate:      0.10,
		DuplicateRate: 0.05,
		ReorderRate:   0.05,
	})

	var prevA, prevB types.Tick
	step := func(s *Session) {
		if err := s.Advance(); err != nil {
			require.ErrorIs(t, err, ErrPredictionLimit)
		}
	}
	for op := 0; op < *dstNumOps; op++ {
		switch testutils.RandWeightedOp(rng, dstOps) {
		case dstOpAdvanceA:
			step(f.a)
		case dstOpAdvanceB:
			step(f.b)
		case dstOpAdvanceBoth:
			step(f.a)
			step(f.b)
		case dstOpStallBoth:
			// Let in-flight reordered packets land.
			time.Sleep(2 * time.Millisecond)
		}

		require.GreaterOrEqual(t, f.a.ConfirmedHorizon(), prevA, "op %d: horizon regressed", op)
		require.GreaterOrEqual(t, f.b.ConfirmedHorizon(), prevB, "op %d: horizon regressed", op)
		prevA = f.a.ConfirmedHorizon()
		prevB = f.b.ConfirmedHorizon()
	}

	target := prevA
	if prevB < target {
		target = prevB
	}
	requireConverged(t, f, target+20)
}
