package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Heliozoa/mirai/types"
)

func TestPredictTickZeroIsNeutral(t *testing.T) {
	p := NewPredictor(NewLog(1))
	assert.Equal(t, types.Neutral, p.Predict(0, 0))
}

func TestPredictRepeatsLastKnownInput(t *testing.T) {
	l := NewLog(1)
	p := NewPredictor(l)

	_, err := l.Record(3, 0, types.ButtonLeft, true)
	require.NoError(t, err)

	assert.Equal(t, types.ButtonLeft, p.Predict(4, 0))
	// Gaps are skipped over: the most recent entry wins regardless of
	// distance.
	assert.Equal(t, types.ButtonLeft, p.Predict(10, 0))
}

func TestPredictFromPredictedEntry(t *testing.T) {
	l := NewLog(1)
	p := NewPredictor(l)

	_, err := l.Record(2, 0, types.ButtonAttack, false)
	require.NoError(t, err)

	// Predictions chain off earlier predictions so resimulated ticks stay
	// self-consistent.
	assert.Equal(t, types.ButtonAttack, p.Predict(3, 0))
}

func TestPredictWithOnlySeedIsNeutral(t *testing.T) {
	l := NewLog(1)
	p := NewPredictor(l)
	assert.Equal(t, types.Neutral, p.Predict(5, 0))
}

func TestPredictUsesPastNotFuture(t *testing.T) {
	l := NewLog(1)
	p := NewPredictor(l)

	_, err := l.Record(5, 0, types.ButtonRight, true)
	require.NoError(t, err)

	// Tick 3's prediction may not peek at tick 5.
	assert.Equal(t, types.Neutral, p.Predict(3, 0))
}
