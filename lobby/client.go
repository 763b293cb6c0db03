package lobby

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const heartbeatInterval = 10 * time.Second

// Event is a notification from the lobby. Exactly one field besides Type
// is populated.
type Event struct {
	Type  EventType
	Peer  PeerInfo   // EventQueued
	Peers []PeerInfo // EventPeers
	From  uuid.UUID  // EventChallenge, EventDecline
	Match *Match     // EventMatch
}

type EventType string

const (
	EventPeers     EventType = "peers"     // queue snapshot after queueing
	EventQueued    EventType = "queued"    // another player joined the queue
	EventChallenge EventType = "challenge" // a peer challenged us
	EventDecline   EventType = "decline"   // a peer declined our challenge
	EventMatch     EventType = "match"     // a challenge was accepted, session ready
)

// Client is one player's connection to a lobby server. Events arrive on
// Events; the channel closes when the connection ends.
type Client struct {
	conn *websocket.Conn
	log  zerolog.Logger

	id     uuid.UUID
	events chan Event

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Dial connects to the lobby at url, announces the local game address, and
// waits for the server's welcome carrying the assigned player ID.
func Dial(ctx context.Context, url, gameAddr string, logger zerolog.Logger) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to dial lobby %s", url)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		conn:   conn,
		log:    logger.With().Str("component", "lobby").Logger(),
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	if err := c.send(envelope{Type: msgHello, Addr: gameAddr}); err != nil {
		conn.Close()
		return nil, err
	}
	env, err := c.read()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if env.Type != msgWelcome {
		conn.Close()
		return nil, eris.Errorf("expected welcome, got %q", env.Type)
	}
	c.id = env.ID

	go c.readLoop()
	go c.heartbeatLoop()
	return c, nil
}

// ID returns the player ID the server assigned on connect.
func (c *Client) ID() uuid.UUID { return c.id }

// Events returns the stream of lobby notifications.
func (c *Client) Events() <-chan Event { return c.events }

// Queue enters the matchmaking queue. The server answers with an EventPeers
// snapshot of everyone already queued.
func (c *Client) Queue() error { return c.send(envelope{Type: msgQueue}) }

// Dequeue leaves the queue. Pending challenges are dropped by the server.
func (c *Client) Dequeue() error { return c.send(envelope{Type: msgDequeue}) }

// Challenge asks the given queued peer for a match.
func (c *Client) Challenge(peer uuid.UUID) error {
	return c.send(envelope{Type: msgChallenge, Peer: peer})
}

// Accept agrees to a received challenge. Both players then receive EventMatch.
func (c *Client) Accept(peer uuid.UUID) error {
	return c.send(envelope{Type: msgAccept, Peer: peer})
}

// Decline rejects a received challenge.
func (c *Client) Decline(peer uuid.UUID) error {
	return c.send(envelope{Type: msgDecline, Peer: peer})
}

// Err returns the error that ended the connection, if any, after Events
// closes.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close tears down the connection. Events closes shortly after.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) send(env envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return eris.Wrap(err, "failed to send lobby message")
	}
	return nil
}

func (c *Client) read() (envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return envelope{}, eris.Wrap(err, "failed to read lobby message")
	}
	return decode(data)
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		env, err := c.read()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.shutdown(err)
			}
			return
		}
		ev, ok := toEvent(env)
		if !ok {
			c.log.Warn().Str("type", env.Type).Msg("unexpected lobby message")
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func toEvent(env envelope) (Event, bool) {
	switch env.Type {
	case msgPeers:
		return Event{Type: EventPeers, Peers: env.Peers}, true
	case msgQueued:
		if len(env.Peers) != 1 {
			return Event{}, false
		}
		return Event{Type: EventQueued, Peer: env.Peers[0]}, true
	case msgChallenge:
		return Event{Type: EventChallenge, From: env.Peer}, true
	case msgDecline:
		return Event{Type: EventDecline, From: env.Peer}, true
	case msgMatch:
		if env.Match == nil {
			return Event{}, false
		}
		return Event{Type: EventMatch, Match: env.Match}, true
	default:
		return Event{}, false
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(envelope{Type: msgHeartbeat}); err != nil {
				return
			}
		}
	}
}
