// Package transport exchanges per-tick inputs between peers over an
// unreliable datagram link. Every outgoing packet carries a short window of
// the sender's most recent inputs, so any single drop is recovered from the
// next arrival without retransmission.
//
// An endpoint runs one reader goroutine that only decodes datagrams and hands
// them to a bounded queue. All transport state is mutated on the simulation
// thread when the queue is drained at a tick boundary, which keeps input
// application order a function of tick numbers rather than arrival timing.
package transport

import (
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Heliozoa/mirai/assert"
	"github.com/Heliozoa/mirai/netmon"
	"github.com/Heliozoa/mirai/types"
)

const defaultQueueSize = 512

// Peer describes one remote participant of the session.
type Peer struct {
	Slot types.PlayerID
	Addr net.Addr
}

// Config configures an Endpoint.
type Config struct {
	Session   uuid.UUID
	LocalSlot types.PlayerID
	Peers     []Peer
	Conn      net.PacketConn

	// RedundancyWindow is how many of the most recent local inputs ride in
	// every outgoing packet.
	RedundancyWindow int

	// Monitors, when set, receive RTT samples and sequence observations per
	// peer slot as inbound packets are drained.
	Monitors map[types.PlayerID]*netmon.Monitor

	// SendBudget rate-limits outgoing packets. Sends over budget are dropped,
	// which the redundant window makes safe. Nil means unlimited.
	SendBudget *rate.Limiter

	Logger zerolog.Logger

	// QueueSize bounds the inbound packet queue; overflow drops packets.
	QueueSize int
}

// Received is one remote input decoded from an inbound packet.
type Received struct {
	Slot  types.PlayerID
	Tick  types.Tick
	Input types.Input
}

type peerState struct {
	addr net.Addr

	seq        uint32 // next outgoing sequence number on this link
	lastSeq    uint32 // highest inbound sequence number seen
	seqSeen    bool
	contigSeen types.Tick // highest inbound tick received with no gaps below it
	lastAck    types.Tick // highest of our ticks the peer contiguously received
	lastSeenAt time.Time

	echoTime   uint64 // most recent inbound send timestamp, echoed back
	echoRecvAt time.Time

	checkTick types.Tick
	checkSum  uint64
	hasCheck  bool
}

type inbound struct {
	pkt    Packet
	recvAt time.Time
}

// Endpoint sends local inputs to all peers and surfaces decoded remote
// inputs. PollReceived never blocks; SendLocalInput never blocks.
type Endpoint struct {
	cfg   Config
	log   zerolog.Logger
	epoch time.Time

	recent []types.Input // ring of recent local inputs
	latest types.Tick    // tick of the most recent local input
	count  int           // how many local inputs recorded so far

	peers map[types.PlayerID]*peerState

	checkTick types.Tick
	checkSum  uint64
	hasCheck  bool

	discardBefore types.Tick

	queue  chan inbound
	closed chan struct{}
}

// NewEndpoint starts the reader goroutine and returns a ready endpoint.
func NewEndpoint(cfg Config) *Endpoint {
	assert.That(cfg.Conn != nil, "transport config needs a connection")
	assert.That(cfg.RedundancyWindow > 0 && cfg.RedundancyWindow <= MaxWindow,
		"redundancy window %d out of range", cfg.RedundancyWindow)
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}

	e := &Endpoint{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "transport").Logger(),
		epoch:  time.Now(),
		recent: make([]types.Input, cfg.RedundancyWindow),
		peers:  make(map[types.PlayerID]*peerState, len(cfg.Peers)),
		queue:  make(chan inbound, cfg.QueueSize),
		closed: make(chan struct{}),
	}
	for _, p := range cfg.Peers {
		e.peers[p.Slot] = &peerState{addr: p.Addr}
	}
	go e.readLoop()
	return e
}

// SendLocalInput records the local input for the given tick and broadcasts it
// to every peer together with the trailing redundancy window.
func (e *Endpoint) SendLocalInput(tick types.Tick, in types.Input) {
	if e.count > 0 {
		assert.That(tick == e.latest+1, "local inputs must be sent in tick order: got %d after %d", tick, e.latest)
	}
	e.recent[int(tick)%len(e.recent)] = in
	e.latest = tick
	if e.count < len(e.recent) {
		e.count++
	}

	e.broadcast(tick)
}

// Resend re-broadcasts the current redundancy window without recording a new
// input. Used as a keepalive while the simulation is stalled, so peers still
// receive retransmissions of possibly lost inputs.
func (e *Endpoint) Resend() {
	if e.count == 0 {
		return
	}
	e.broadcast(e.latest)
}

func (e *Endpoint) broadcast(tick types.Tick) {
	window := e.windowFor(tick)
	now := time.Now()
	sendTime := uint64(now.Sub(e.epoch).Microseconds())

	for slot, peer := range e.peers {
		if e.cfg.SendBudget != nil && !e.cfg.SendBudget.Allow() {
			// Over budget. The next packet's window re-carries this input.
			continue
		}
		// Inputs the peer already acknowledged contiguously need no
		// retransmission; keep at least the newest one as a carrier.
		w := window
		base := tick + 1 - types.Tick(len(w))
		if peer.lastAck >= base {
			skip := peer.lastAck - base + 1
			if int(skip) >= len(w) {
				skip = types.Tick(len(w) - 1)
			}
			w = w[skip:]
			base += skip
		}
		pkt := Packet{
			Session:  e.cfg.Session,
			Slot:     e.cfg.LocalSlot,
			Seq:      peer.seq,
			Ack:      peer.contigSeen,
			SendTime: sendTime,
			EchoTime: peer.echoTime,
			BaseTick: base,
			Inputs:   w,
		}
		if peer.echoTime != 0 {
			pkt.EchoHold = uint64(now.Sub(peer.echoRecvAt).Microseconds())
		}
		if e.hasCheck {
			pkt.CheckTick = e.checkTick
			pkt.CheckSum = e.checkSum
		}
		buf, err := pkt.Marshal()
		if err != nil {
			e.log.Error().Err(err).Msg("failed to marshal input packet")
			continue
		}
		peer.seq++
		if _, err := e.cfg.Conn.WriteTo(buf, peer.addr); err != nil {
			// Send failures are indistinguishable from loss to the peer;
			// redundancy covers both.
			e.log.Debug().Err(err).Uint8("slot", uint8(slot)).Msg("send failed")
		}
	}
}

// PollReceived drains the inbound queue and returns all newly decoded remote
// inputs. It never blocks; with nothing queued it returns an empty slice.
// Acknowledgment, timing, and checksum state is updated here, on the caller's
// goroutine, never on the reader's.
func (e *Endpoint) PollReceived() []Received {
	var out []Received
	for {
		select {
		case in := <-e.queue:
			out = e.apply(out, in)
		default:
			return out
		}
	}
}

func (e *Endpoint) apply(out []Received, in inbound) []Received {
	peer, ok := e.peers[in.pkt.Slot]
	if !ok {
		e.log.Warn().Uint8("slot", uint8(in.pkt.Slot)).Msg("packet from unknown slot")
		return out
	}
	peer.lastSeenAt = in.recvAt

	fresh := !peer.seqSeen || in.pkt.Seq > peer.lastSeq
	if mon := e.cfg.Monitors[in.pkt.Slot]; mon != nil {
		mon.ObserveSeq(in.pkt.Seq)
		if fresh && in.pkt.EchoTime != 0 {
			rtt := time.Duration(uint64(in.recvAt.Sub(e.epoch).Microseconds())-in.pkt.EchoTime)*time.Microsecond -
				time.Duration(in.pkt.EchoHold)*time.Microsecond
			mon.AddRTTSample(rtt)
		}
	}

	// Stale or duplicate packets may not regress link state, but their
	// inputs are still applied: input recording is idempotent and the log
	// rejects regressions on its own.
	if fresh {
		peer.seqSeen = true
		peer.lastSeq = in.pkt.Seq
		peer.echoTime = in.pkt.SendTime
		peer.echoRecvAt = in.recvAt
		if in.pkt.Ack > peer.lastAck {
			peer.lastAck = in.pkt.Ack
		}
		if in.pkt.CheckSum != 0 && (!peer.hasCheck || in.pkt.CheckTick > peer.checkTick) {
			peer.checkTick = in.pkt.CheckTick
			peer.checkSum = in.pkt.CheckSum
			peer.hasCheck = true
		}
	}

	for i, input := range in.pkt.Inputs {
		tick := in.pkt.BaseTick + types.Tick(i)
		if tick == peer.contigSeen+1 {
			peer.contigSeen = tick
		}
		if tick < e.discardBefore {
			continue
		}
		out = append(out, Received{Slot: in.pkt.Slot, Tick: tick, Input: input})
	}
	return out
}

// Peers returns the slots of all remote participants.
func (e *Endpoint) Peers() []types.PlayerID {
	slots := make([]types.PlayerID, 0, len(e.peers))
	for slot := range e.peers {
		slots = append(slots, slot)
	}
	return slots
}

// SetStateCheck publishes the local confirmed-state checksum that future
// outgoing packets carry.
func (e *Endpoint) SetStateCheck(tick types.Tick, sum uint64) {
	e.checkTick = tick
	e.checkSum = sum
	e.hasCheck = true
}

// PeerStateCheck returns the newest confirmed-state checksum received from
// the given peer.
func (e *Endpoint) PeerStateCheck(slot types.PlayerID) (tick types.Tick, sum uint64, ok bool) {
	peer, exists := e.peers[slot]
	if !exists || !peer.hasCheck {
		return 0, 0, false
	}
	return peer.checkTick, peer.checkSum, true
}

// SetDiscardBefore raises the threshold below which inbound input ticks are
// silently dropped. Matches the session's finalization point.
func (e *Endpoint) SetDiscardBefore(tick types.Tick) {
	if tick > e.discardBefore {
		e.discardBefore = tick
	}
}

// AckedTick returns the highest local tick the peer has contiguously
// received. Acknowledged inputs are dropped from later outgoing windows.
func (e *Endpoint) AckedTick(slot types.PlayerID) types.Tick {
	if peer, ok := e.peers[slot]; ok {
		return peer.lastAck
	}
	return 0
}

// LastSeen returns when a packet from the peer last arrived. The zero time
// means never.
func (e *Endpoint) LastSeen(slot types.PlayerID) time.Time {
	if peer, ok := e.peers[slot]; ok {
		return peer.lastSeenAt
	}
	return time.Time{}
}

// Close stops the reader and releases the connection. Pending inbound
// packets are discarded.
func (e *Endpoint) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
	}
	close(e.closed)
	return e.cfg.Conn.Close()
}

func (e *Endpoint) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, _, err := e.cfg.Conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.closed:
			default:
				if !errors.Is(err, net.ErrClosed) {
					e.log.Error().Err(err).Msg("read failed")
				}
			}
			return
		}
		var pkt Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			e.log.Debug().Err(err).Msg("dropping undecodable packet")
			continue
		}
		if pkt.Session != e.cfg.Session {
			continue
		}
		select {
		case e.queue <- inbound{pkt: pkt, recvAt: time.Now()}:
		default:
			// Queue overflow behaves exactly like network loss.
		}
	}
}

func (e *Endpoint) windowFor(tick types.Tick) []types.Input {
	n := len(e.recent)
	if e.count < n {
		n = e.count
	}
	if types.Tick(n) > tick+1 {
		n = int(tick + 1)
	}
	window := make([]types.Input, n)
	for i := 0; i < n; i++ {
		t := tick - types.Tick(n-1-i)
		window[i] = e.recent[int(t)%len(e.recent)]
	}
	return window
}
