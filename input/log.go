// Package input records every player's per-tick inputs, both confirmed values
// from their authoritative source and locally synthesized predictions, and
// tracks how far the session's confirmed horizon has advanced.
package input

import (
	"errors"

	"github.com/Heliozoa/mirai/assert"
	"github.com/Heliozoa/mirai/types"
)

var (
	// ErrMissing is returned when no input has been recorded for a
	// (tick, player) pair. This is the routine case the predictor absorbs.
	ErrMissing = errors.New("no input recorded for tick")

	// ErrProtocolViolation is returned when a recording would regress
	// confirmed state: downgrading confirmed to predicted, confirming a
	// conflicting value, or confirming a tick that was already finalized.
	ErrProtocolViolation = errors.New("input log protocol violation")
)

// Entry is a single player's input for a single tick.
type Entry struct {
	Input     types.Input
	Confirmed bool
}

// RecordResult describes how a Record call changed the log.
type RecordResult struct {
	// Contradicted is true when a confirmation replaced a prediction with a
	// different value. Every tick simulated from this one on must be
	// corrected by a rollback.
	Contradicted bool

	// Upgraded is true when a predicted entry became confirmed.
	Upgraded bool
}

// Log holds the input history for a fixed set of players.
//
// Tick 0 is pre-seeded with a confirmed neutral input for every player: all
// peers agree the session begins from rest, so the confirmed horizon starts
// at 0 and simulation begins with tick 1.
type Log struct {
	entries []map[types.Tick]Entry
	contig  []types.Tick
	floor   types.Tick
}

// NewLog creates a log for the given number of players.
func NewLog(players int) *Log {
	assert.That(players > 0, "input log needs at least one player, got %d", players)
	l := &Log{
		entries: make([]map[types.Tick]Entry, players),
		contig:  make([]types.Tick, players),
	}
	for p := range l.entries {
		l.entries[p] = map[types.Tick]Entry{0: {Input: types.Neutral, Confirmed: true}}
	}
	return l
}

// Players returns the number of player slots in the log.
func (l *Log) Players() int {
	return len(l.entries)
}

// Record inserts or upgrades the entry for (tick, player).
//
// Re-recording an identical confirmed value is idempotent. Upgrading a
// prediction to a confirmed value is the normal path for remote inputs; if
// the confirmed value differs from the prediction the result reports a
// contradiction so the session can roll back. A predicted value may freely
// overwrite an earlier prediction (re-prediction during resimulation).
func (l *Log) Record(tick types.Tick, player types.PlayerID, in types.Input, confirmed bool) (RecordResult, error) {
	if int(player) >= len(l.entries) {
		return RecordResult{}, ErrProtocolViolation
	}
	if tick < l.floor {
		if confirmed {
			// A peer confirming below the finalization point has diverged
			// from the agreed history.
			return RecordResult{}, ErrProtocolViolation
		}
		return RecordResult{}, nil
	}

	m := l.entries[player]
	prev, exists := m[tick]

	if exists && prev.Confirmed {
		if !confirmed {
			return RecordResult{}, ErrProtocolViolation
		}
		if prev.Input != in {
			return RecordResult{}, ErrProtocolViolation
		}
		return RecordResult{}, nil // idempotent
	}

	m[tick] = Entry{Input: in, Confirmed: confirmed}

	res := RecordResult{}
	if exists && confirmed {
		res.Upgraded = true
		res.Contradicted = prev.Input != in
	}
	if confirmed {
		l.advanceContig(player)
	}
	return res, nil
}

// Get returns the recorded input for (tick, player), or ErrMissing.
func (l *Log) Get(tick types.Tick, player types.PlayerID) (Entry, error) {
	if int(player) >= len(l.entries) {
		return Entry{}, ErrMissing
	}
	e, ok := l.entries[player][tick]
	if !ok {
		return Entry{}, ErrMissing
	}
	return e, nil
}

// HighestConfirmedFor returns the greatest tick with an unbroken confirmed
// run from the finalization point. Confirmed ticks beyond a gap do not count
// until the gap is filled.
func (l *Log) HighestConfirmedFor(player types.PlayerID) types.Tick {
	return l.contig[player]
}

// ConfirmedHorizon returns the highest tick for which every player's input is
// confirmed for all ticks up to and including it. It never decreases.
func (l *Log) ConfirmedHorizon() types.Tick {
	horizon := types.MaxTick
	for p := range l.contig {
		if l.contig[p] < horizon {
			horizon = l.contig[p]
		}
	}
	return horizon
}

// FinalizeBefore prunes all entries strictly older than the given tick and
// makes them permanently immutable: later confirmations below the threshold
// are protocol violations.
func (l *Log) FinalizeBefore(tick types.Tick) {
	if tick <= l.floor {
		return
	}
	assert.That(tick <= l.ConfirmedHorizon()+1,
		"cannot finalize tick %d past the confirmed horizon %d", tick, l.ConfirmedHorizon())
	l.floor = tick
	for p := range l.entries {
		for t := range l.entries[p] {
			if t < tick {
				delete(l.entries[p], t)
			}
		}
	}
}

// Floor returns the current finalization point; entries below it are gone.
func (l *Log) Floor() types.Tick {
	return l.floor
}

func (l *Log) advanceContig(player types.PlayerID) {
	m := l.entries[player]
	for {
		next, ok := m[l.contig[player]+1]
		if !ok || !next.Confirmed {
			return
		}
		l.contig[player]++
	}
}
