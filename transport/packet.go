package transport

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/Heliozoa/mirai/types"
)

// Wire layout, big-endian:
//
//	magic    uint32  "MIRA"
//	version  uint8
//	flags    uint8   (reserved)
//	session  [16]byte
//	slot     uint8   sender's player slot
//	seq      uint32  per-link sender sequence number
//	ack      uint64  highest tick received from the addressed peer
//	send     uint64  sender clock, µs since session epoch
//	echo     uint64  echoed send timestamp, 0 when none received yet
//	echoHold uint64  µs the echoed timestamp was held before this send
//	chkTick  uint64  tick of the sender's latest confirmed state checksum
//	chkSum   uint64  blake3-64 of that state
//	base     uint64  first tick covered by the input window
//	count    uint8   number of inputs that follow
//	inputs   count × uint16, for ticks base, base+1, ...
const (
	protoMagic   uint32 = 0x4d495241 // "MIRA"
	protoVersion uint8  = 1

	headerSize = 4 + 1 + 1 + 16 + 1 + 4 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 1

	// MaxWindow caps the redundant input window so packets stay well under
	// any realistic MTU.
	MaxWindow = 64
)

var (
	errBadMagic   = eris.New("packet has wrong magic")
	errBadVersion = eris.New("packet has unsupported version")
	errTruncated  = eris.New("packet is truncated")
	errBadWindow  = eris.New("packet input window is malformed")
)

// Packet is one transport datagram: the sender's most recent inputs plus the
// acknowledgment and timing fields piggybacked on every send.
type Packet struct {
	Session  uuid.UUID
	Slot     types.PlayerID
	Seq      uint32
	Ack      types.Tick
	SendTime uint64
	EchoTime uint64
	EchoHold uint64

	// CheckTick/CheckSum carry the sender's newest confirmed-state checksum
	// so peers can cross-verify simulation below the confirmed horizon.
	CheckTick types.Tick
	CheckSum  uint64

	BaseTick types.Tick
	Inputs   []types.Input
}

// Marshal encodes the packet into a fresh buffer.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Inputs) == 0 || len(p.Inputs) > MaxWindow {
		return nil, errBadWindow
	}
	buf := make([]byte, headerSize+2*len(p.Inputs))
	binary.BigEndian.PutUint32(buf[0:], protoMagic)
	buf[4] = protoVersion
	buf[5] = 0
	copy(buf[6:22], p.Session[:])
	buf[22] = uint8(p.Slot)
	binary.BigEndian.PutUint32(buf[23:], p.Seq)
	binary.BigEndian.PutUint64(buf[27:], uint64(p.Ack))
	binary.BigEndian.PutUint64(buf[35:], p.SendTime)
	binary.BigEndian.PutUint64(buf[43:], p.EchoTime)
	binary.BigEndian.PutUint64(buf[51:], p.EchoHold)
	binary.BigEndian.PutUint64(buf[59:], uint64(p.CheckTick))
	binary.BigEndian.PutUint64(buf[67:], p.CheckSum)
	binary.BigEndian.PutUint64(buf[75:], uint64(p.BaseTick))
	buf[83] = uint8(len(p.Inputs))
	for i, in := range p.Inputs {
		binary.BigEndian.PutUint16(buf[headerSize+2*i:], uint16(in))
	}
	return buf, nil
}

// Unmarshal decodes a datagram in place.
func (p *Packet) Unmarshal(buf []byte) error {
	if len(buf) < headerSize {
		return errTruncated
	}
	if binary.BigEndian.Uint32(buf[0:]) != protoMagic {
		return errBadMagic
	}
	if buf[4] != protoVersion {
		return errBadVersion
	}
	copy(p.Session[:], buf[6:22])
	p.Slot = types.PlayerID(buf[22])
	p.Seq = binary.BigEndian.Uint32(buf[23:])
	p.Ack = types.Tick(binary.BigEndian.Uint64(buf[27:]))
	p.SendTime = binary.BigEndian.Uint64(buf[35:])
	p.EchoTime = binary.BigEndian.Uint64(buf[43:])
	p.EchoHold = binary.BigEndian.Uint64(buf[51:])
	p.CheckTick = types.Tick(binary.BigEndian.Uint64(buf[59:]))
	p.CheckSum = binary.BigEndian.Uint64(buf[67:])
	p.BaseTick = types.Tick(binary.BigEndian.Uint64(buf[75:]))
	count := int(buf[83])
	if count == 0 || count > MaxWindow || len(buf) < headerSize+2*count {
		return errBadWindow
	}
	p.Inputs = make([]types.Input, count)
	for i := range p.Inputs {
		p.Inputs[i] = types.Input(binary.BigEndian.Uint16(buf[headerSize+2*i:]))
	}
	return nil
}
