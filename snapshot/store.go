// Package snapshot keeps a bounded history of serialized game states keyed by
// tick. The store is exclusively owned and mutated by the session's simulation
// loop, so it does no locking of its own.
package snapshot

import (
	"encoding/binary"
	"errors"

	"github.com/pierrec/lz4/v4"
	"github.com/rotisserie/eris"
	"lukechampine.com/blake3"

	"github.com/Heliozoa/mirai/assert"
	"github.com/Heliozoa/mirai/types"
)

// ErrNotFound is returned when the requested tick was never stored or has
// already been evicted from the history window.
var ErrNotFound = errors.New("snapshot not found")

type entry struct {
	tick       types.Tick
	valid      bool
	compressed bool
	rawLen     int
	data       []byte
	sum        uint64
}

// Store is a ring buffer of snapshots. Its capacity bounds how far back a
// rollback can reach; inserting past capacity evicts the oldest entry.
type Store struct {
	entries []entry
	floor   types.Tick
	latest  types.Tick
	stored  bool
}

// NewStore creates a store holding at most capacity snapshots.
func NewStore(capacity int) *Store {
	assert.That(capacity > 0, "snapshot store capacity must be positive, got %d", capacity)
	return &Store{
		entries: make([]entry, capacity),
	}
}

// Capacity returns the maximum number of snapshots the store retains.
func (s *Store) Capacity() int {
	return len(s.entries)
}

// Put stores a snapshot for the given tick, overwriting any existing entry for
// that tick. The state is lz4-compressed at rest and checksummed so peers can
// cross-verify confirmed states.
func (s *Store) Put(tick types.Tick, state []byte) {
	e := &s.entries[int(tick)%len(s.entries)]

	buf := make([]byte, lz4.CompressBlockBound(len(state)))
	n, err := lz4.CompressBlock(state, buf, nil)
	if err != nil || n == 0 || n >= len(state) {
		// Incompressible; keep the raw bytes.
		e.compressed = false
		e.data = append(e.data[:0], state...)
	} else {
		e.compressed = true
		e.data = append(e.data[:0], buf[:n]...)
	}

	e.tick = tick
	e.valid = true
	e.rawLen = len(state)
	e.sum = sum64(state)

	if !s.stored || tick > s.latest {
		s.latest = tick
		s.stored = true
	}
}

// Get returns the uncompressed snapshot for the given tick, or ErrNotFound if
// the tick was never stored or its slot has since been reused or evicted.
func (s *Store) Get(tick types.Tick) ([]byte, error) {
	e, err := s.lookup(tick)
	if err != nil {
		return nil, err
	}
	if !e.compressed {
		out := make([]byte, e.rawLen)
		copy(out, e.data)
		return out, nil
	}
	out := make([]byte, e.rawLen)
	if _, err := lz4.UncompressBlock(e.data, out); err != nil {
		return nil, eris.Wrapf(err, "failed to decompress snapshot for tick %d", tick)
	}
	return out, nil
}

// Checksum returns the 64-bit state checksum recorded when the snapshot for
// the given tick was stored.
func (s *Store) Checksum(tick types.Tick) (uint64, error) {
	e, err := s.lookup(tick)
	if err != nil {
		return 0, err
	}
	return e.sum, nil
}

// EvictBefore discards every snapshot strictly older than the given tick.
// Ticks below the threshold are permanently unreachable afterwards.
func (s *Store) EvictBefore(tick types.Tick) {
	if tick <= s.floor {
		return
	}
	s.floor = tick
	for i := range s.entries {
		if s.entries[i].valid && s.entries[i].tick < tick {
			s.entries[i].valid = false
			s.entries[i].data = nil
		}
	}
}

// Latest returns the highest tick currently stored.
func (s *Store) Latest() (types.Tick, bool) {
	return s.latest, s.stored
}

func (s *Store) lookup(tick types.Tick) (*entry, error) {
	if tick < s.floor {
		return nil, ErrNotFound
	}
	e := &s.entries[int(tick)%len(s.entries)]
	if !e.valid || e.tick != tick {
		return nil, ErrNotFound
	}
	return e, nil
}

func sum64(state []byte) uint64 {
	sum := blake3.Sum256(state)
	return binary.LittleEndian.Uint64(sum[:8])
}
