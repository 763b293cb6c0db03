package input

import (
	"github.com/Heliozoa/mirai/types"
)

// Predictor fills input gaps so simulation can proceed optimistically before
// a remote player's real input arrives. Its policy is deliberately simple:
// repeat the player's most recent known input, neutral when there is none.
//
// Predictions are pure functions of the log contents. The same history always
// yields the same prediction, which resimulation depends on.
type Predictor struct {
	log *Log
}

func NewPredictor(log *Log) *Predictor {
	return &Predictor{log: log}
}

// Predict returns the input to assume for (tick, player): the most recent
// confirmed-or-predicted input strictly before the tick, falling back to the
// neutral input when no history remains.
func (p *Predictor) Predict(tick types.Tick, player types.PlayerID) types.Input {
	if tick == 0 {
		return types.Neutral
	}
	m := p.log.entries[player]
	for t := tick - 1; ; t-- {
		if e, ok := m[t]; ok {
			return e.Input
		}
		if t <= p.log.floor {
			return types.Neutral
		}
	}
}
