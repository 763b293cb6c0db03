package transport

import (
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Heliozoa/mirai/assert"
)

// Faults configures the failure modes a MemNetwork injects. Zero values mean
// a perfect network.
type Faults struct {
	LossRate      float64 // probability a datagram disappears
	DuplicateRate float64 // probability a datagram is delivered twice
	ReorderRate   float64 // probability a datagram is held behind the next one
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// MemNetwork is an in-process datagram network for tests. Delivery runs
// through a seeded random source so faulty runs are reproducible.
type MemNetwork struct {
	mu     sync.Mutex
	rng    *rand.Rand
	faults Faults
	nodes  map[string]*MemConn
	log    zerolog.Logger
}

// NewMemNetwork creates a network driven by the given seeded source.
func NewMemNetwork(rng *rand.Rand, faults Faults, log zerolog.Logger) *MemNetwork {
	assert.That(faults.MaxLatency >= faults.MinLatency, "max latency below min")
	return &MemNetwork{
		rng:    rng,
		faults: faults,
		nodes:  make(map[string]*MemConn),
		log:    log,
	}
}

// Node registers a new addressable endpoint on the network.
func (n *MemNetwork) Node(name string) *MemConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	assert.That(n.nodes[name] == nil, "duplicate node %q", name)
	c := &MemConn{
		net:    n,
		addr:   memAddr(name),
		inbox:  make(chan memDatagram, 1024),
		closed: make(chan struct{}),
	}
	n.nodes[name] = c
	return c
}

type memDatagram struct {
	from net.Addr
	data []byte
}

func (n *MemNetwork) send(from net.Addr, to string, data []byte) {
	n.mu.Lock()
	dst := n.nodes[to]
	roll := func(p float64) bool { return p > 0 && n.rng.Float64() < p }
	lost := roll(n.faults.LossRate)
	dup := roll(n.faults.DuplicateRate)
	delay := n.faults.MinLatency
	if span := n.faults.MaxLatency - n.faults.MinLatency; span > 0 {
		delay += time.Duration(n.rng.Int64N(int64(span)))
	}
	if roll(n.faults.ReorderRate) {
		delay += n.faults.MaxLatency + time.Millisecond
	}
	n.mu.Unlock()

	if dst == nil || lost {
		return
	}
	copies := 1
	if dup {
		copies = 2
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	deliver := func() {
		for i := 0; i < copies; i++ {
			select {
			case dst.inbox <- memDatagram{from: from, data: buf}:
			case <-dst.closed:
			default:
			}
		}
	}
	if delay == 0 {
		deliver()
		return
	}
	time.AfterFunc(delay, deliver)
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// MemConn is one node's net.PacketConn on a MemNetwork.
type MemConn struct {
	net       *MemNetwork
	addr      memAddr
	inbox     chan memDatagram
	closeOnce sync.Once
	closed    chan struct{}
}

var _ net.PacketConn = (*MemConn)(nil)

// Addr returns the node's address for use in peer configs.
func (c *MemConn) Addr() net.Addr { return c.addr }

func (c *MemConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-c.inbox:
		n := copy(p, d.data)
		return n, d.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *MemConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.net.send(c.addr, addr.String(), p)
	return len(p), nil
}

func (c *MemConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *MemConn) LocalAddr() net.Addr { return c.addr }

// Deadlines are unused by the endpoint reader and unimplemented.
func (c *MemConn) SetDeadline(time.Time) error      { return nil }
func (c *MemConn) SetReadDeadline(time.Time) error  { return nil }
func (c *MemConn) SetWriteDeadline(time.Time) error { return nil }
