// Package types holds the small leaf types shared by every mirai package.
package types

import "math"

// Tick identifies one fixed-duration simulation step. Ticks are globally
// numbered: all peers agree on tick 0's wall-clock origin during session
// negotiation and count up from there.
type Tick uint64

// MaxTick is a sentinel for "no tick"; no session ever reaches it.
const MaxTick Tick = math.MaxUint64

// PlayerID is a player-slot index into the session's fixed peer table.
type PlayerID uint8

// Input is a single player's input for a single tick, packed as a button
// bitfield. Inputs are immutable once created and occupy exactly two bytes
// on the wire.
type Input uint16

// Neutral is the defined zero input, used as the prediction seed when a
// player has no input history yet.
const Neutral Input = 0

const (
	ButtonLeft Input = 1 << iota
	ButtonRight
	ButtonUp
	ButtonDown
	ButtonAttack
	ButtonBlock
	ButtonSpecial
	ButtonStart
)

// Has reports whether every button in mask is pressed.
func (in Input) Has(mask Input) bool {
	return in&mask == mask
}

// With returns a copy of the input with the given buttons pressed.
func (in Input) With(mask Input) Input {
	return in | mask
}
