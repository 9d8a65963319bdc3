package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/tranche-trader/internal/config"
	"github.com/camuig/tranche-trader/internal/risk"
)

func load(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestExitConfig(t *testing.T) {
	cfg := load(t, `
tinkoff:
  token: t
exit:
  trailing:
    activation_profit: 50
    brackets:
      - {up_to: 200, step: 20}
      - {up_to: 0, step: 40}
`)
	x := exitConfig(cfg)
	assert.Equal(t, cfg.Exit.PollInterval, x.PollInterval)
	assert.Equal(t, cfg.Feed.Timeout, x.FeedTimeout)
	assert.True(t, x.Trailing.Activation.Equal(decimal.NewFromInt(50)))
	require.Len(t, x.Trailing.Brackets, 2)
	assert.True(t, x.Trailing.Brackets[1].UpTo.IsZero())
	assert.True(t, x.Trailing.Brackets[1].Step.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, cfg.Exit.Reversal.Bars, x.Reversal.Bars)
}

func TestSignalDefaults(t *testing.T) {
	cfg := load(t, "tinkoff:\n  token: t\nentry:\n  deadline: 20m\n")
	d, err := signalDefaults(cfg)
	require.NoError(t, err)
	assert.Len(t, d.TrancheRatios, 3)
	assert.Equal(t, 20*time.Minute, d.Deadline)
	assert.True(t, d.StopLossPct.IsPositive())
}

func TestNeedsBroker(t *testing.T) {
	paperRedis := load(t, "feed:\n  source: redis\nredis:\n  enabled: true\n")
	assert.False(t, needsBroker(paperRedis))
	assert.IsType(t, risk.None{}, riskSignal(nil))

	paperBroker := load(t, "tinkoff:\n  token: t\n")
	assert.True(t, needsBroker(paperBroker))
}
