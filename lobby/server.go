package lobby

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const matchStartDelay = 2 * time.Second

// Server is a lobby that tracks a queue of players and relays challenges
// between them. It implements http.Handler; each connection is upgraded to a
// websocket.
//
// The queue is the entire candidate set: queueing returns every other queued
// player, and later arrivals are announced as they queue.
type Server struct {
	log      zerolog.Logger
	tickRate float64
	upgrader websocket.Upgrader

	mu      sync.Mutex
	players map[uuid.UUID]*playerConn
	queued  map[uuid.UUID]bool

	// challenges maps challenged player to the set of challengers.
	challenges map[uuid.UUID]map[uuid.UUID]bool
}

type playerConn struct {
	id   uuid.UUID
	addr string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (p *playerConn) send(env envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// NewServer creates a lobby that stamps match descriptors with the given
// tick rate.
func NewServer(tickRate float64, logger zerolog.Logger) *Server {
	return &Server{
		log:        logger.With().Str("component", "lobby_server").Logger(),
		tickRate:   tickRate,
		players:    make(map[uuid.UUID]*playerConn),
		queued:     make(map[uuid.UUID]bool),
		challenges: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	player, err := s.register(conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to register player")
		return
	}
	defer s.unregister(player)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := decode(data)
		if err != nil {
			s.log.Warn().Err(err).Stringer("player", player.id).Msg("bad lobby message")
			continue
		}
		s.handle(player, env)
	}
}

func (s *Server) register(conn *websocket.Conn) (*playerConn, error) {
	env, err := func() (envelope, error) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return envelope{}, err
		}
		return decode(data)
	}()
	if err != nil {
		return nil, err
	}
	player := &playerConn{id: uuid.New(), addr: env.Addr, conn: conn}
	if err := player.send(envelope{Type: msgWelcome, ID: player.id}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.players[player.id] = player
	s.mu.Unlock()
	s.log.Info().Stringer("player", player.id).Str("addr", player.addr).Msg("player connected")
	return player, nil
}

func (s *Server) unregister(player *playerConn) {
	s.mu.Lock()
	delete(s.players, player.id)
	s.dropLocked(player.id)
	s.mu.Unlock()
	s.log.Info().Stringer("player", player.id).Msg("player disconnected")
}

func (s *Server) handle(player *playerConn, env envelope) {
	switch env.Type {
	case msgQueue:
		s.queue(player)
	case msgDequeue:
		s.mu.Lock()
		s.dropLocked(player.id)
		s.mu.Unlock()
	case msgChallenge:
		s.challenge(player, env.Peer)
	case msgAccept:
		s.accept(player, env.Peer)
	case msgDecline:
		s.relayDecline(player, env.Peer)
	case msgHeartbeat:
	default:
		s.log.Warn().Str("type", env.Type).Stringer("player", player.id).Msg("unexpected lobby message")
	}
}

func (s *Server) queue(player *playerConn) {
	s.mu.Lock()
	others := make([]PeerInfo, 0, len(s.queued))
	var notify []*playerConn
	for id := range s.queued {
		if id == player.id {
			continue
		}
		other := s.players[id]
		others = append(others, PeerInfo{ID: other.id, Addr: other.addr})
		notify = append(notify, other)
	}
	s.queued[player.id] = true
	s.mu.Unlock()

	s.sendTo(player, envelope{Type: msgPeers, Peers: others})
	joined := []PeerInfo{{ID: player.id, Addr: player.addr}}
	for _, other := range notify {
		s.sendTo(other, envelope{Type: msgQueued, Peers: joined})
	}
}

func (s *Server) challenge(player *playerConn, peerID uuid.UUID) {
	s.mu.Lock()
	peer := s.players[peerID]
	valid := peer != nil && s.queued[peerID] && s.queued[player.id]
	if valid {
		if s.challenges[peerID] == nil {
			s.challenges[peerID] = make(map[uuid.UUID]bool)
		}
		s.challenges[peerID][player.id] = true
	}
	s.mu.Unlock()
	if !valid {
		return
	}
	s.sendTo(peer, envelope{Type: msgChallenge, Peer: player.id})
}

func (s *Server) accept(player *playerConn, challengerID uuid.UUID) {
	s.mu.Lock()
	challenger := s.players[challengerID]
	valid := challenger != nil && s.challenges[player.id][challengerID]
	if valid {
		s.dropLocked(player.id)
		s.dropLocked(challengerID)
	}
	s.mu.Unlock()
	if !valid {
		return
	}

	// The challenger takes slot 0 so both sides derive the same assignment.
	match := &Match{
		Session:  uuid.New(),
		TickRate: s.tickRate,
		StartAt:  time.Now().Add(matchStartDelay),
		Slots: []Slot{
			{Slot: 0, ID: challenger.id, Addr: challenger.addr},
			{Slot: 1, ID: player.id, Addr: player.addr},
		},
	}
	s.sendTo(challenger, envelope{Type: msgMatch, Match: match})
	s.sendTo(player, envelope{Type: msgMatch, Match: match})
	s.log.Info().
		Stringer("session", match.Session).
		Stringer("challenger", challenger.id).
		Stringer("accepter", player.id).
		Msg("match created")
}

func (s *Server) relayDecline(player *playerConn, challengerID uuid.UUID) {
	s.mu.Lock()
	challenger := s.players[challengerID]
	valid := challenger != nil && s.challenges[player.id][challengerID]
	if valid {
		delete(s.challenges[player.id], challengerID)
	}
	s.mu.Unlock()
	if !valid {
		return
	}
	s.sendTo(challenger, envelope{Type: msgDecline, Peer: player.id})
}

// dropLocked removes a player from the queue and clears every challenge that
// involves them. Callers hold s.mu.
func (s *Server) dropLocked(id uuid.UUID) {
	delete(s.queued, id)
	delete(s.challenges, id)
	for _, challengers := range s.challenges {
		delete(challengers, id)
	}
}

func (s *Server) sendTo(player *playerConn, env envelope) {
	if err := player.send(env); err != nil {
		s.log.Debug().Err(err).Stringer("player", player.id).Msg("failed to send lobby message")
	}
}
