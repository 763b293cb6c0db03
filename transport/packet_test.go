package transport

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Heliozoa/mirai/types"
)

func samplePacket() Packet {
	return Packet{
		Session:   uuid.MustParse("0f0e0d0c-0b0a-0908-0706-050403020100"),
		Slot:      1,
		Seq:       42,
		Ack:       117,
		SendTime:  1_000_000,
		EchoTime:  900_000,
		EchoHold:  16_666,
		CheckTick: 110,
		CheckSum:  0xdeadbeefcafebabe,
		BaseTick:  111,
		Inputs: []types.Input{
			types.ButtonLeft,
			types.Neutral,
			types.ButtonLeft | types.ButtonAttack,
		},
	}
}

func TestMarshalRoundtrip(t *testing.T) {
	want := samplePacket()
	buf, err := want.Marshal()
	require.NoError(t, err)

	var got Packet
	require.NoError(t, got.Unmarshal(buf))
	assert.Equal(t, want, got)
}

func TestMarshalRejectsEmptyWindow(t *testing.T) {
	p := samplePacket()
	p.Inputs = nil
	_, err := p.Marshal()
	assert.Error(t, err)
}

func TestMarshalRejectsOversizedWindow(t *testing.T) {
	p := samplePacket()
	p.Inputs = make([]types.Input, MaxWindow+1)
	_, err := p.Marshal()
	assert.Error(t, err)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var p Packet
	assert.Error(t, p.Unmarshal(nil))
	assert.Error(t, p.Unmarshal([]byte("hello")))

	sample := samplePacket()
	buf, err := sample.Marshal()
	require.NoError(t, err)

	// Wrong magic.
	bad := append([]byte(nil), buf...)
	bad[0] ^= 0xff
	assert.Error(t, p.Unmarshal(bad))

	// Wrong version.
	bad = append([]byte(nil), buf...)
	bad[4] = 200
	assert.Error(t, p.Unmarshal(bad))

	// Count pointing past the buffer.
	bad = append([]byte(nil), buf...)
	bad[83] = MaxWindow
	assert.Error(t, p.Unmarshal(bad))

	// Truncated mid-header.
	assert.Error(t, p.Unmarshal(buf[:20]))
}
