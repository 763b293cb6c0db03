// Package mirai runs deterministic lockstep simulations over unreliable
// networks using rollback. Each participant simulates every tick immediately,
// predicting inputs for remote players that have not arrived yet. When a real
// input contradicts a prediction, the session restores an earlier snapshot
// and resimulates, so the confirmed timeline is always the one every peer
// converges on.
package mirai

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Heliozoa/mirai/assert"
	"github.com/Heliozoa/mirai/input"
	"github.com/Heliozoa/mirai/metrics"
	"github.com/Heliozoa/mirai/netmon"
	"github.com/Heliozoa/mirai/snapshot"
	"github.com/Heliozoa/mirai/stage"
	"github.com/Heliozoa/mirai/transport"
	"github.com/Heliozoa/mirai/types"
	"github.com/rotisserie/eris"
)

// Game is the deterministic simulation a session drives. Step must be a pure
// function of prior state and the given inputs: identical input sequences
// must produce identical Save output on every machine, so no wall clocks,
// no unseeded randomness, no floating point that varies across platforms.
//
// Load must fully overwrite the state with a previous Save result. It is
// called mid-session on every rollback.
type Game interface {
	Step(inputs []types.Input)
	Save() ([]byte, error)
	Load(state []byte) error
}

// InputSource polls the local player's input. Sample is called once per
// scheduled input tick on the session goroutine.
type InputSource interface {
	Sample() types.Input
}

// NetworkConfig describes the session's peers and the datagram socket that
// reaches them. Slots must be dense: with n participants, slots 0..n-1, one
// of which is local.
type NetworkConfig struct {
	Session   uuid.UUID
	LocalSlot types.PlayerID
	Peers     []transport.Peer
	Conn      net.PacketConn
}

const retuneInterval = 60 // ticks between input delay adjustments

// Session coordinates the simulation, the input log, the snapshot store, and
// the transport for one match. All methods must be called from a single
// goroutine; the only internal concurrency is the transport's reader, which
// never touches session state.
type Session struct {
	opt     SessionOptions
	log     zerolog.Logger
	stage   *stage.Manager
	tickDur time.Duration

	game   Game
	source InputSource

	localSlot types.PlayerID
	players   int
	peerSlots []types.PlayerID

	endpoint  *transport.Endpoint
	monitors  map[types.PlayerID]*netmon.Monitor
	inputs    *input.Log
	predictor *input.Predictor
	snapshots *snapshot.Store

	currentTick types.Tick
	localSent   types.Tick // highest tick a local input has been recorded for
	inputDelay  types.Tick
	predWindow  types.Tick // adaptive stall threshold, at most MaxPredictionWindow
	finalized   types.Tick
	startedAt   time.Time
	failure     error
}

// NewSession validates the configuration, takes the initial snapshot, and
// returns a session in the Idle stage. Environment variables provide
// defaults; opts override them.
func NewSession(game Game, source InputSource, netCfg NetworkConfig, logger zerolog.Logger, opts ...SessionOptions) (*Session, error) {
	cfg, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}
	opt := SessionOptions{}
	cfg.applyToOptions(&opt)
	for _, o := range opts {
		opt.apply(o)
	}
	if err := opt.validate(); err != nil {
		return nil, err
	}
	if netCfg.Conn == nil {
		return nil, eris.New("network config needs a connection")
	}
	players := len(netCfg.Peers) + 1
	if players < 2 || players > 255 {
		return nil, eris.Errorf("unsupported player count %d", players)
	}
	seen := map[types.PlayerID]bool{netCfg.LocalSlot: true}
	for _, p := range netCfg.Peers {
		if int(p.Slot) >= players || seen[p.Slot] {
			return nil, eris.Errorf("peer slots must be dense and unique, got %d", p.Slot)
		}
		seen[p.Slot] = true
	}

	if opt.StatsdAddress != "" {
		if err := metrics.Init(opt.StatsdAddress, nil); err != nil {
			return nil, eris.Wrap(err, "failed to init metrics")
		}
	}

	tickDur := time.Duration(float64(time.Second) / opt.TickRate)
	monitors := make(map[types.PlayerID]*netmon.Monitor, len(netCfg.Peers))
	for _, p := range netCfg.Peers {
		monitors[p.Slot] = netmon.NewMonitor(netmon.Config{
			TickDuration:        tickDur,
			MinInputDelay:       types.Tick(opt.MinInputDelay),
			MaxInputDelay:       types.Tick(opt.MaxInputDelay),
			MaxPredictionWindow: types.Tick(opt.MaxPredictionWindow),
		})
	}

	endpoint := transport.NewEndpoint(transport.Config{
		Session:          netCfg.Session,
		LocalSlot:        netCfg.LocalSlot,
		Peers:            netCfg.Peers,
		Conn:             netCfg.Conn,
		RedundancyWindow: opt.RedundancyWindow,
		Monitors:         monitors,
		SendBudget: rate.NewLimiter(
			rate.Limit(opt.TickRate*8*float64(len(netCfg.Peers))),
			len(netCfg.Peers)*256,
		),
		Logger: logger,
	})

	s := &Session{
		opt:       opt,
		log:       logger.With().Str("component", "session").Logger(),
		stage:     stage.NewManager(),
		tickDur:   tickDur,
		game:      game,
		source:    source,
		localSlot: netCfg.LocalSlot,
		players:   players,
		endpoint:  endpoint,
		monitors:  monitors,
		inputs:    input.NewLog(players),
		snapshots: snapshot.NewStore(int(opt.HistoryWindow + opt.MaxPredictionWindow + 2)),

		inputDelay: types.Tick(opt.MinInputDelay),
		predWindow: types.Tick(opt.MaxPredictionWindow),
	}
	s.predictor = input.NewPredictor(s.inputs)
	for _, p := range netCfg.Peers {
		s.peerSlots = append(s.peerSlots, p.Slot)
	}

	state, err := game.Save()
	if err != nil {
		endpoint.Close()
		return nil, eris.Wrap(err, "failed to save initial state")
	}
	s.snapshots.Put(0, state)
	return s, nil
}

// Stage returns the session's current lifecycle stage.
func (s *Session) Stage() stage.Stage { return s.stage.Current() }

// CurrentTick returns the next tick the session will simulate.
func (s *Session) CurrentTick() types.Tick { return s.currentTick }

// ConfirmedHorizon returns the highest tick through which every player's
// inputs are confirmed.
func (s *Session) ConfirmedHorizon() types.Tick { return s.inputs.ConfirmedHorizon() }

// InputDelay returns the current adaptive local input delay in ticks.
func (s *Session) InputDelay() types.Tick { return s.inputDelay }

// PredictionWindow returns the current adaptive stall threshold: how many
// ticks the simulation may run past the confirmed horizon.
func (s *Session) PredictionWindow() types.Tick { return s.predWindow }

// Run drives the session at the configured tick rate until the context is
// canceled or the session fails. A prediction window stall is not a failure;
// the loop keeps polling until remote inputs unblock it.
func (s *Session) Run(ctx context.Context) error {
	if !s.stage.CompareAndSwap(stage.Idle, stage.Running) {
		return ErrTerminated
	}
	s.startedAt = time.Now()
	s.log.Info().
		Float64("tick_rate", s.opt.TickRate).
		Int("players", s.players).
		Msg("session started")

	ticker := time.NewTicker(s.tickDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			if err := s.Advance(); err != nil {
				if eris.Is(err, ErrPredictionLimit) {
					continue
				}
				s.shutdown()
				return err
			}
		}
	}
}

// Advance attempts to simulate exactly one tick. It absorbs pending remote
// inputs, rolls back if any contradicted a prediction, and stalls with
// ErrPredictionLimit when too far ahead of the confirmed horizon.
//
// Run calls this on a ticker; callers that own their frame loop may call it
// directly instead, once per frame.
func (s *Session) Advance() error {
	switch st := s.stage.Current(); st {
	case stage.Idle:
		s.stage.CompareAndSwap(stage.Idle, stage.Running)
		s.startedAt = time.Now()
	case stage.Running:
	default:
		if s.failure != nil {
			return s.failure
		}
		return ErrTerminated
	}
	start := time.Now()
	defer metrics.EmitTickStat(start, "advance")

	if err := s.absorb(); err != nil {
		if eris.Is(err, snapshot.ErrNotFound) {
			// The rollback target is gone from the history window; the
			// confirmed timeline can no longer be reconstructed here.
			return s.fail(stage.Desynced, err)
		}
		return s.fail(stage.Terminated, err)
	}
	if err := s.verifyStateChecks(); err != nil {
		return s.fail(stage.Desynced, err)
	}
	s.finalize()
	if err := s.checkLiveness(); err != nil {
		return s.fail(stage.Terminated, err)
	}

	horizon := s.inputs.ConfirmedHorizon()
	if s.currentTick > horizon && s.predWindow <= s.currentTick-horizon {
		// Too far ahead. Keep retransmitting so a peer stalled on our lost
		// packets can still make progress.
		s.endpoint.Resend()
		return ErrPredictionLimit
	}

	if err := s.sendLocalInputs(); err != nil {
		return s.fail(stage.Terminated, err)
	}
	if err := s.stepTick(s.currentTick); err != nil {
		return s.fail(stage.Terminated, err)
	}
	s.currentTick++
	s.publishStateCheck()
	s.retune()
	return nil
}

// Close terminates the session and releases the transport.
func (s *Session) Close() error {
	s.shutdown()
	return nil
}

func (s *Session) shutdown() {
	if s.stage.Current().Terminal() {
		return
	}
	s.stage.Store(stage.Terminated)
	if err := s.endpoint.Close(); err != nil {
		s.log.Warn().Err(err).Msg("failed to close endpoint")
	}
	s.log.Info().Uint64("tick", uint64(s.currentTick)).Msg("session terminated")
}

func (s *Session) fail(st stage.Stage, err error) error {
	s.failure = err
	s.stage.Store(st)
	if cerr := s.endpoint.Close(); cerr != nil {
		s.log.Warn().Err(cerr).Msg("failed to close endpoint")
	}
	s.log.Error().Err(err).Uint64("tick", uint64(s.currentTick)).Msg("session failed")
	return err
}

// absorb drains the transport and records every received input as confirmed.
// If any confirmation contradicts a prediction the session already simulated
// past, it rolls back to the earliest contradicted tick and resimulates.
func (s *Session) absorb() error {
	received := s.endpoint.PollReceived()
	earliest := types.MaxTick
	for _, r := range received {
		if r.Tick < s.inputs.Floor() {
			continue
		}
		res, err := s.inputs.Record(r.Tick, r.Slot, r.Input, true)
		if err != nil {
			return eris.Wrapf(err, "player %d at tick %d", r.Slot, r.Tick)
		}
		if res.Contradicted && r.Tick < s.currentTick && r.Tick < earliest {
			earliest = r.Tick
		}
	}
	if earliest < s.currentTick {
		return s.rollback(earliest)
	}
	return nil
}

// rollback restores the newest snapshot at or before the contradicted tick
// and resimulates up to the present with the corrected inputs.
func (s *Session) rollback(contradicted types.Tick) error {
	swapped := s.stage.CompareAndSwap(stage.Running, stage.RollingBack)
	assert.That(swapped, "rollback outside the Running stage")
	defer s.stage.CompareAndSwap(stage.RollingBack, stage.Running)

	restore := s.strideFloor(contradicted)
	if floor := s.inputs.Floor(); restore < floor {
		restore = s.strideFloor(floor)
	}
	state, err := s.snapshots.Get(restore)
	if err != nil {
		return eris.Wrapf(err, "no snapshot to roll back to at tick %d", restore)
	}
	if err := s.game.Load(state); err != nil {
		return eris.Wrapf(err, "failed to load snapshot at tick %d", restore)
	}
	for t := restore; t < s.currentTick; t++ {
		if err := s.stepTick(t); err != nil {
			return err
		}
	}
	depth := uint64(s.currentTick - restore)
	metrics.EmitRollbackDepth(depth)
	s.log.Debug().
		Uint64("from", uint64(restore)).
		Uint64("to", uint64(s.currentTick)).
		Msg("rolled back")
	return nil
}

// stepTick simulates one tick, predicting and recording inputs for any
// player whose real input has not arrived, then snapshots on stride
// boundaries.
//
// A predicted entry left over from a previous pass is re-predicted rather
// than reused: during resimulation the ticks below t have been corrected, so
// the prediction chain must be rebuilt off the corrected history.
func (s *Session) stepTick(t types.Tick) error {
	ins := make([]types.Input, s.players)
	for p := 0; p < s.players; p++ {
		slot := types.PlayerID(p)
		entry, err := s.inputs.Get(t, slot)
		if err != nil || !entry.Confirmed {
			assert.That(slot != s.localSlot, "local input missing at tick %d", t)
			predicted := s.predictor.Predict(t, slot)
			if _, rerr := s.inputs.Record(t, slot, predicted, false); rerr != nil {
				return rerr
			}
			entry = input.Entry{Input: predicted}
		}
		ins[p] = entry.Input
	}
	s.game.Step(ins)

	next := t + 1
	if uint64(next)%s.opt.SnapshotStride == 0 {
		state, err := s.game.Save()
		if err != nil {
			return eris.Wrapf(err, "failed to save state at tick %d", next)
		}
		s.snapshots.Put(next, state)
	}
	return nil
}

// sendLocalInputs samples and broadcasts local inputs for every tick up to
// currentTick plus the input delay. Tick 0 is implicitly neutral for
// everyone and is never sent.
func (s *Session) sendLocalInputs() error {
	target := s.currentTick + s.inputDelay
	for t := s.localSent + 1; t <= target; t++ {
		in := s.source.Sample()
		if _, err := s.inputs.Record(t, s.localSlot, in, true); err != nil {
			return err
		}
		s.endpoint.SendLocalInput(t, in)
		s.localSent = t
	}
	return nil
}

// verifyStateChecks compares checksums received from peers against the local
// snapshot at the same tick. A mismatch on a confirmed tick is fatal: the
// simulations have diverged and no amount of rollback reconciles them.
func (s *Session) verifyStateChecks() error {
	horizon := s.inputs.ConfirmedHorizon()
	for _, slot := range s.peerSlots {
		t, remote, ok := s.endpoint.PeerStateCheck(slot)
		if !ok || t > horizon || t > s.currentTick {
			continue
		}
		local, err := s.snapshots.Checksum(t)
		if err != nil {
			continue
		}
		if local != remote {
			return &DesyncError{Tick: t, Slot: slot, LocalSum: local, RemoteSum: remote}
		}
	}
	return nil
}

// publishStateCheck advertises the checksum of the newest stored snapshot at
// or below the confirmed horizon so peers can cross-check it.
func (s *Session) publishStateCheck() {
	t, ok := s.snapshots.Latest()
	if !ok {
		return
	}
	if h := s.inputs.ConfirmedHorizon(); t > h {
		t = s.strideFloor(h)
	}
	sum, err := s.snapshots.Checksum(t)
	if err != nil {
		return
	}
	s.endpoint.SetStateCheck(t, sum)
}

// finalize prunes inputs and snapshots that can no longer be rolled back to:
// everything below both the confirmed horizon and the history window.
func (s *Session) finalize() {
	fin := s.inputs.ConfirmedHorizon()
	if s.currentTick > types.Tick(s.opt.HistoryWindow) {
		if behind := s.currentTick - types.Tick(s.opt.HistoryWindow); behind < fin {
			fin = behind
		}
	} else {
		return
	}
	fin = s.strideFloor(fin)
	if fin <= s.finalized {
		return
	}
	s.finalized = fin
	s.inputs.FinalizeBefore(fin)
	s.snapshots.EvictBefore(fin)
	s.endpoint.SetDiscardBefore(fin)
}

// checkLiveness fails the session when a peer has been silent longer than
// the disconnect timeout.
func (s *Session) checkLiveness() error {
	timeout := time.Duration(s.opt.DisconnectTimeoutTicks) * s.tickDur
	for _, slot := range s.peerSlots {
		last := s.endpoint.LastSeen(slot)
		if last.IsZero() {
			last = s.startedAt
		}
		if !last.IsZero() && time.Since(last) > timeout {
			return &DisconnectError{Slot: slot}
		}
	}
	return nil
}

// retune periodically adjusts the local input delay and the prediction
// window to the measured network conditions and emits per-peer loss gauges.
// The delay must cover the worst peer; the window follows the tightest
// recommendation, never above the configured maximum.
func (s *Session) retune() {
	if uint64(s.currentTick)%retuneInterval != 0 {
		return
	}
	delay := types.Tick(s.opt.MinInputDelay)
	window := types.Tick(s.opt.MaxPredictionWindow)
	for slot, mon := range s.monitors {
		if d := mon.RecommendedInputDelay(); d > delay {
			delay = d
		}
		if w := mon.RecommendedPredictionWindow(); w < window {
			window = w
		}
		metrics.EmitLossRate(slotTag(slot), mon.LossRate())
	}
	if window < 1 {
		window = 1
	}
	if delay != s.inputDelay || window != s.predWindow {
		s.log.Debug().
			Uint64("delay", uint64(delay)).
			Uint64("window", uint64(window)).
			Msg("link quality retuned")
		s.inputDelay = delay
		s.predWindow = window
	}
}

func (s *Session) strideFloor(t types.Tick) types.Tick {
	stride := types.Tick(s.opt.SnapshotStride)
	return t - t%stride
}

func slotTag(slot types.PlayerID) string {
	return strconv.Itoa(int(slot))
}
