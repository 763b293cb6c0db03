// Package lobby pairs players before a session starts. Clients connect to a
// lobby server over a websocket, queue up, and challenge each other; when a
// challenge is accepted the server deals out a match descriptor with the
// session ID and every participant's address, which is everything a Session
// needs to start.
package lobby

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Message types sent by clients.
const (
	msgHello     = "hello"
	msgQueue     = "queue"
	msgDequeue   = "dequeue"
	msgChallenge = "challenge"
	msgAccept    = "accept"
	msgDecline   = "decline"
	msgHeartbeat = "heartbeat"
)

// Message types sent by the server.
const (
	msgWelcome = "welcome"
	msgPeers   = "peers"
	msgQueued  = "queued"
	msgMatch   = "match"
)

// PeerInfo identifies one queued player and the address its game endpoint
// listens on.
type PeerInfo struct {
	ID   uuid.UUID `json:"id"`
	Addr string    `json:"addr"`
}

// Slot assigns one participant of a match to a player slot.
type Slot struct {
	Slot uint8     `json:"slot"`
	ID   uuid.UUID `json:"id"`
	Addr string    `json:"addr"`
}

// Match is the descriptor a session is started from. Both participants
// receive an identical descriptor.
type Match struct {
	Session  uuid.UUID `json:"session"`
	TickRate float64   `json:"tick_rate"`
	StartAt  time.Time `json:"start_at"`
	Slots    []Slot    `json:"slots"`
}

// LocalSlot returns the slot assigned to the given player ID.
func (m *Match) LocalSlot(id uuid.UUID) (uint8, error) {
	for _, s := range m.Slots {
		if s.ID == id {
			return s.Slot, nil
		}
	}
	return 0, eris.Errorf("player %s is not part of match %s", id, m.Session)
}

// envelope is the wire frame for every lobby message. Only the fields
// relevant to Type are populated.
type envelope struct {
	Type string `json:"type"`

	Addr  string     `json:"addr,omitempty"`  // hello
	ID    uuid.UUID  `json:"id,omitempty"`    // welcome
	Peer  uuid.UUID  `json:"peer,omitempty"`  // challenge, accept, decline
	Peers []PeerInfo `json:"peers,omitempty"` // peers, queued
	Match *Match     `json:"match,omitempty"` // match
}

func encode(env envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode lobby message")
	}
	return data, nil
}

func decode(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, eris.Wrap(err, "failed to decode lobby message")
	}
	if env.Type == "" {
		return env, eris.New("lobby message missing type")
	}
	return env, nil
}
