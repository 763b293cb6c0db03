package mirai

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/Heliozoa/mirai/types"
)

var (
	// ErrTerminated is returned by session operations after Close.
	ErrTerminated = eris.New("session terminated")

	// ErrPredictionLimit is returned by Advance when the local simulation has
	// run the full prediction window ahead of the confirmed horizon. The
	// caller should keep polling until remote inputs arrive.
	ErrPredictionLimit = eris.New("prediction window exhausted")
)

// DesyncError reports that a peer's confirmed state diverged from ours. The
// session enters the Desynced stage and cannot continue.
type DesyncError struct {
	Tick      types.Tick
	Slot      types.PlayerID
	LocalSum  uint64
	RemoteSum uint64
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("state desync at tick %d with player %d: local %016x, remote %016x",
		e.Tick, e.Slot, e.LocalSum, e.RemoteSum)
}

// DisconnectError reports that a peer went silent past the disconnect timeout.
type DisconnectError struct {
	Slot types.PlayerID
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("player %d timed out", e.Slot)
}
