package mirai

import (
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// sessionConfig holds the configuration for a Session instance.
// Configuration can be set via environment variables with the specified defaults.
type sessionConfig struct {
	// Number of simulation ticks per second.
	TickRate float64 `env:"MIRAI_TICK_RATE" envDefault:"60"`

	// How many ticks the simulation may run ahead of the confirmed horizon
	// before the loop stalls to wait for remote inputs.
	MaxPredictionWindow uint64 `env:"MIRAI_MAX_PREDICTION_WINDOW" envDefault:"8"`

	// How many ticks of snapshots and inputs are retained behind the
	// current tick before finalization prunes them.
	HistoryWindow uint64 `env:"MIRAI_HISTORY_WINDOW" envDefault:"120"`

	// How many of the most recent local inputs every outgoing packet carries.
	// Must cover the prediction window plus the input delay, so a stalled
	// sender's retransmissions always reach back past the confirmed horizon.
	RedundancyWindow int `env:"MIRAI_REDUNDANCY_WINDOW" envDefault:"16"`

	// Bounds for the adaptive local input delay, in ticks.
	MinInputDelay uint64 `env:"MIRAI_MIN_INPUT_DELAY" envDefault:"0"`
	MaxInputDelay uint64 `env:"MIRAI_MAX_INPUT_DELAY" envDefault:"8"`

	// A snapshot is stored every SnapshotStride ticks. 1 snapshots every tick.
	SnapshotStride uint64 `env:"MIRAI_SNAPSHOT_STRIDE" envDefault:"1"`

	// A peer silent for this many ticks is considered disconnected.
	DisconnectTimeoutTicks uint64 `env:"MIRAI_DISCONNECT_TIMEOUT_TICKS" envDefault:"300"`

	// Address of the statsd agent metrics are emitted to. Empty disables metrics.
	StatsdAddress string `env:"MIRAI_STATSD_ADDRESS"`
}

// loadSessionConfig loads the session configuration from environment variables.
func loadSessionConfig() (sessionConfig, error) {
	cfg := sessionConfig{}

	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse session config")
	}

	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate config")
	}

	return cfg, nil
}

// validate performs validation on the loaded configuration.
func (cfg *sessionConfig) validate() error {
	if cfg.TickRate <= 0 {
		return eris.New("tick rate must be positive")
	}
	if cfg.MaxPredictionWindow == 0 {
		return eris.New("max prediction window cannot be 0")
	}
	if cfg.HistoryWindow <= cfg.MaxPredictionWindow {
		return eris.New("history window must exceed max prediction window")
	}
	if cfg.RedundancyWindow <= 0 {
		return eris.New("redundancy window must be positive")
	}
	if uint64(cfg.RedundancyWindow) < cfg.MaxPredictionWindow+cfg.MaxInputDelay {
		return eris.New("redundancy window must cover max prediction window plus max input delay")
	}
	if cfg.MinInputDelay > cfg.MaxInputDelay {
		return eris.New("min input delay cannot exceed max input delay")
	}
	if cfg.SnapshotStride == 0 {
		return eris.New("snapshot stride cannot be 0")
	}
	if cfg.DisconnectTimeoutTicks == 0 {
		return eris.New("disconnect timeout cannot be 0")
	}
	return nil
}

// applyToOptions applies the configuration values to the given SessionOptions.
func (cfg *sessionConfig) applyToOptions(opt *SessionOptions) {
	opt.TickRate = cfg.TickRate
	opt.MaxPredictionWindow = cfg.MaxPredictionWindow
	opt.HistoryWindow = cfg.HistoryWindow
	opt.RedundancyWindow = cfg.RedundancyWindow
	opt.MinInputDelay = cfg.MinInputDelay
	opt.MaxInputDelay = cfg.MaxInputDelay
	opt.SnapshotStride = cfg.SnapshotStride
	opt.DisconnectTimeoutTicks = cfg.DisconnectTimeoutTicks
	opt.StatsdAddress = cfg.StatsdAddress
}

type SessionOptions struct {
	TickRate               float64 // Number of simulation ticks per second
	MaxPredictionWindow    uint64  // Max ticks simulated past the confirmed horizon
	HistoryWindow          uint64  // Ticks of snapshots and inputs retained for rollback
	RedundancyWindow       int     // Recent local inputs carried per packet
	MinInputDelay          uint64  // Lower bound for the adaptive input delay
	MaxInputDelay          uint64  // Upper bound for the adaptive input delay
	SnapshotStride         uint64  // Ticks between stored snapshots
	DisconnectTimeoutTicks uint64  // Silent ticks before a peer counts as disconnected
	StatsdAddress          string  // Statsd agent address, empty disables metrics
}

// apply merges the given options into the current options, overriding non-zero values.
func (opt *SessionOptions) apply(newOpt SessionOptions) {
	if newOpt.TickRate != 0.0 {
		opt.TickRate = newOpt.TickRate
	}
	if newOpt.MaxPredictionWindow != 0 {
		opt.MaxPredictionWindow = newOpt.MaxPredictionWindow
	}
	if newOpt.HistoryWindow != 0 {
		opt.HistoryWindow = newOpt.HistoryWindow
	}
	if newOpt.RedundancyWindow != 0 {
		opt.RedundancyWindow = newOpt.RedundancyWindow
	}
	if newOpt.MinInputDelay != 0 {
		opt.MinInputDelay = newOpt.MinInputDelay
	}
	if newOpt.MaxInputDelay != 0 {
		opt.MaxInputDelay = newOpt.MaxInputDelay
	}
	if newOpt.SnapshotStride != 0 {
		opt.SnapshotStride = newOpt.SnapshotStride
	}
	if newOpt.DisconnectTimeoutTicks != 0 {
		opt.DisconnectTimeoutTicks = newOpt.DisconnectTimeoutTicks
	}
	if newOpt.StatsdAddress != "" {
		opt.StatsdAddress = newOpt.StatsdAddress
	}
}

// validate checks that the merged options are consistent.
func (opt *SessionOptions) validate() error {
	if opt.TickRate <= 0 {
		return eris.New("tick rate must be positive")
	}
	if opt.MaxPredictionWindow == 0 {
		return eris.New("max prediction window cannot be 0")
	}
	if opt.HistoryWindow <= opt.MaxPredictionWindow {
		return eris.New("history window must exceed max prediction window")
	}
	if opt.RedundancyWindow <= 0 {
		return eris.New("redundancy window must be positive")
	}
	if uint64(opt.RedundancyWindow) < opt.MaxPredictionWindow+opt.MaxInputDelay {
		return eris.New("redundancy window must cover max prediction window plus max input delay")
	}
	if opt.MinInputDelay > opt.MaxInputDelay {
		return eris.New("min input delay cannot exceed max input delay")
	}
	if opt.SnapshotStride == 0 {
		return eris.New("snapshot stride cannot be 0")
	}
	if opt.DisconnectTimeoutTicks == 0 {
		return eris.New("disconnect timeout cannot be 0")
	}
	return nil
}
