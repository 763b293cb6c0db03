// Command duel runs a headless two-player demo match. Two instances pointed
// at the same lobby pair up, negotiate a session, and fight with scripted
// inputs until interrupted.
//
//	duel -lobby ws://localhost:8080/lobby -listen 127.0.0.1:7000
//
// Run with -serve to host the lobby instead of joining one.
package main

import (
	"context"
	"flag"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"

	"github.com/Heliozoa/mirai"
	"github.com/Heliozoa/mirai/examples/duel"
	"github.com/Heliozoa/mirai/lobby"
	"github.com/Heliozoa/mirai/transport"
	"github.com/Heliozoa/mirai/types"
)

const tickRate = 60

func main() {
	var (
		lobbyURL = flag.String("lobby", "ws://127.0.0.1:8080/lobby", "lobby websocket URL")
		listen   = flag.String("listen", "127.0.0.1:0", "UDP address for the game session")
		serve    = flag.String("serve", "", "host a lobby on this address instead of playing")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *serve != "" {
		runLobby(ctx, *serve, log)
		return
	}
	if err := play(ctx, *lobbyURL, *listen, log); err != nil {
		log.Fatal().Err(err).Msg("match failed")
	}
}

func runLobby(ctx context.Context, addr string, log zerolog.Logger) {
	srv := &http.Server{
		Addr:    addr,
		Handler: lobby.NewServer(tickRate, log),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("lobby listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("lobby failed")
	}
}

func play(ctx context.Context, lobbyURL, listen string, log zerolog.Logger) error {
	conn, err := net.ListenPacket("udp", listen)
	if err != nil {
		return err
	}

	client, err := lobby.Dial(ctx, lobbyURL, conn.LocalAddr().String(), log)
	if err != nil {
		return err
	}
	defer client.Close()

	match, err := findMatch(ctx, client, log)
	if err != nil {
		return err
	}

	localSlot, err := match.LocalSlot(client.ID())
	if err != nil {
		return err
	}
	var peers []transport.Peer
	for _, s := range match.Slots {
		if s.ID == client.ID() {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", s.Addr)
		if err != nil {
			return err
		}
		peers = append(peers, transport.Peer{Slot: types.PlayerID(s.Slot), Addr: addr})
	}

	session, err := mirai.NewSession(
		duel.New(),
		&walker{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))},
		mirai.NetworkConfig{
			Session:   match.Session,
			LocalSlot: types.PlayerID(localSlot),
			Peers:     peers,
			Conn:      conn,
		},
		log,
		mirai.SessionOptions{TickRate: match.TickRate},
	)
	if err != nil {
		return err
	}

	if wait := time.Until(match.StartAt); wait > 0 {
		log.Info().Dur("in", wait).Msg("match starting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return session.Close()
		}
	}
	return session.Run(ctx)
}

// findMatch queues up, challenges the first peer it sees, and accepts any
// incoming challenge, whichever resolves first.
func findMatch(ctx context.Context, client *lobby.Client, log zerolog.Logger) (*lobby.Match, error) {
	if err := client.Queue(); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-client.Events():
			if !ok {
				return nil, client.Err()
			}
			switch ev.Type {
			case lobby.EventPeers:
				if len(ev.Peers) > 0 {
					if err := client.Challenge(ev.Peers[0].ID); err != nil {
						return nil, err
					}
				}
			case lobby.EventQueued:
				if err := client.Challenge(ev.Peer.ID); err != nil {
					return nil, err
				}
			case lobby.EventChallenge:
				if err := client.Accept(ev.From); err != nil {
					return nil, err
				}
			case lobby.EventMatch:
				log.Info().Stringer("session", ev.Match.Session).Msg("matched")
				return ev.Match, nil
			}
		}
	}
}

// walker mashes buttons with a bias toward holding the previous one, which
// is a decent stand-in for human play when testing prediction.
type walker struct {
	rng  *rand.Rand
	last types.Input
}

func (w *walker) Sample() types.Input {
	if w.rng.IntN(4) != 0 {
		return w.last
	}
	switch w.rng.IntN(4) {
	case 0:
		w.last = types.Neutral
	case 1:
		w.last = types.ButtonLeft
	case 2:
		w.last = types.ButtonRight
	case 3:
		w.last = types.ButtonAttack
	}
	return w.last
}
