package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Heliozoa/mirai/types"
)

func TestTickZeroSeededNeutral(t *testing.T) {
	l := NewLog(2)

	for p := types.PlayerID(0); p < 2; p++ {
		e, err := l.Get(0, p)
		require.NoError(t, err)
		assert.Equal(t, types.Neutral, e.Input)
		assert.True(t, e.Confirmed)
	}
	assert.EqualValues(t, 0, l.ConfirmedHorizon())
}

func TestConfirmAdvancesHorizon(t *testing.T) {
	l := NewLog(2)

	_, err := l.Record(1, 0, types.ButtonLeft, true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, l.HighestConfirmedFor(0))
	assert.EqualValues(t, 0, l.ConfirmedHorizon(), "horizon waits for the slowest player")

	_, err = l.Record(1, 1, types.ButtonRight, true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, l.ConfirmedHorizon())
}

func TestGappedConfirmDoesNotCount(t *testing.T) {
	l := NewLog(1)

	// Tick 2 confirmed while tick 1 is still missing.
	_, err := l.Record(2, 0, types.ButtonAttack, true)
	require.NoError(t, err)
	assert.EqualValues(t, 0, l.ConfirmedHorizon())

	// Filling the gap releases both.
	_, err = l.Record(1, 0, types.ButtonLeft, true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, l.ConfirmedHorizon())
}

func TestUpgradeMatchingPrediction(t *testing.T) {
	l := NewLog(1)

	_, err := l.Record(1, 0, types.ButtonLeft, false)
	require.NoError(t, err)

	res, err := l.Record(1, 0, types.ButtonLeft, true)
	require.NoError(t, err)
	assert.True(t, res.Upgraded)
	assert.False(t, res.Contradicted)
}

func TestUpgradeContradictingPrediction(t *testing.T) {
	l := NewLog(1)

	_, err := l.Record(1, 0, types.Neutral, false)
	require.NoError(t, err)

	res, err := l.Record(1, 0, types.ButtonAttack, true)
	require.NoError(t, err)
	assert.True(t, res.Upgraded)
	assert.True(t, res.Contradicted)

	e, err := l.Get(1, 0)
	require.NoError(t, err)
	assert.Equal(t, types.ButtonAttack, e.Input)
	assert.True(t, e.Confirmed)
}

func TestRepredictionOverwrites(t *testing.T) {
	l := NewLog(1)

	_, err := l.Record(1, 0, types.Neutral, false)
	require.NoError(t, err)
	res, err := l.Record(1, 0, types.ButtonLeft, false)
	require.NoError(t, err)
	assert.False(t, res.Upgraded)

	e, err := l.Get(1, 0)
	require.NoError(t, err)
	assert.Equal(t, types.ButtonLeft, e.Input)
	assert.False(t, e.Confirmed)
}

func TestConfirmedIsIdempotent(t *testing.T) {
	l := NewLog(1)

	_, err := l.Record(1, 0, types.ButtonLeft, true)
	require.NoError(t, err)
	res, err := l.Record(1, 0, types.ButtonLeft, true)
	require.NoError(t, err)
	assert.False(t, res.Upgraded)
	assert.False(t, res.Contradicted)
}

func TestConflictingConfirmIsViolation(t *testing.T) {
	l := NewLog(1)

	_, err := l.Record(1, 0, types.ButtonLeft, true)
	require.NoError(t, err)

	_, err = l.Record(1, 0, types.ButtonRight, true)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDowngradeIsViolation(t *testing.T) {
	l := NewLog(1)

	_, err := l.Record(1, 0, types.ButtonLeft, true)
	require.NoError(t, err)

	_, err = l.Record(1, 0, types.ButtonLeft, false)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestFinalizeBefore(t *testing.T) {
	l := NewLog(1)
	for tick := types.Tick(1); tick <= 5; tick++ {
		_, err := l.Record(tick, 0, types.ButtonLeft, true)
		require.NoError(t, err)
	}

	l.FinalizeBefore(3)
	assert.EqualValues(t, 3, l.Floor())

	_, err := l.Get(2, 0)
	assert.ErrorIs(t, err, ErrMissing)
	_, err = l.Get(3, 0)
	assert.NoError(t, err)

	// Confirming below the floor is a violation, even with a fresh value.
	_, err = l.Record(2, 0, types.ButtonRight, true)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	// Late predictions below the floor are silently ignored.
	_, err = l.Record(2, 0, types.ButtonRight, false)
	assert.NoError(t, err)
}

func TestUnknownPlayerIsViolation(t *testing.T) {
	l := NewLog(2)
	_, err := l.Record(1, 7, types.ButtonLeft, true)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}
