package mirai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSessionConfigDefaults(t *testing.T) {
	cfg, err := loadSessionConfig()
	require.NoError(t, err)

	assert.EqualValues(t, 60, cfg.TickRate)
	assert.EqualValues(t, 8, cfg.MaxPredictionWindow)
	assert.EqualValues(t, 120, cfg.HistoryWindow)
	assert.EqualValues(t, 16, cfg.RedundancyWindow)
	assert.EqualValues(t, 1, cfg.SnapshotStride)
	assert.Empty(t, cfg.StatsdAddress)
}

func TestLoadSessionConfigFromEnv(t *testing.T) {
	t.Setenv("MIRAI_TICK_RATE", "32")
	t.Setenv("MIRAI_HISTORY_WINDOW", "64")

	cfg, err := loadSessionConfig()
	require.NoError(t, err)
	assert.EqualValues(t, 32, cfg.TickRate)
	assert.EqualValues(t, 64, cfg.HistoryWindow)
}

func TestLoadSessionConfigRejectsBadValues(t *testing.T) {
	t.Setenv("MIRAI_HISTORY_WINDOW", "4") // below the prediction window

	_, err := loadSessionConfig()
	assert.Error(t, err)
}

func TestOptionsApplyOverridesNonZero(t *testing.T) {
	cfg, err := loadSessionConfig()
	require.NoError(t, err)

	opt := SessionOptions{}
	cfg.applyToOptions(&opt)
	opt.apply(SessionOptions{TickRate: 30, HistoryWindow: 90})

	assert.EqualValues(t, 30, opt.TickRate)
	assert.EqualValues(t, 90, opt.HistoryWindow)
	assert.EqualValues(t, 8, opt.MaxPredictionWindow, "unset fields keep their defaults")
	require.NoError(t, opt.validate())
}

func TestOptionsValidate(t *testing.T) {
	valid := SessionOptions{
		TickRate:               60,
		MaxPredictionWindow:    8,
		HistoryWindow:          120,
		RedundancyWindow:       16,
		MaxInputDelay:          8,
		SnapshotStride:         1,
		DisconnectTimeoutTicks: 300,
	}
	require.NoError(t, valid.validate())

	bad := valid
	bad.TickRate = 0
	assert.Error(t, bad.validate())

	bad = valid
	bad.HistoryWindow = 8
	assert.Error(t, bad.validate())

	bad = valid
	bad.RedundancyWindow = 4
	assert.Error(t, bad.validate())

	bad = valid
	bad.MinInputDelay = 9
	assert.Error(t, bad.validate())
}
