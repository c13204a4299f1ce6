package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "configs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(body), 0o644))
	return dir
}

func TestLoadConfig_FileValues(t *testing.T) {
	dir := writeConfig(t, `
logger:
  level: debug
  format: json
broker:
  commission_rate: 0.002
  fill_delay_min: 10ms
  fill_delay_max: 20ms
  seed_positions:
    - symbol: MSFT
      quantity: 3
      average_price: 310.5
feed:
  markets: [AAPL, BTC-USD]
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, 0.002, cfg.Broker.CommissionRate)
	assert.Equal(t, 10*time.Millisecond, cfg.Broker.FillDelayMin)
	assert.Equal(t, 20*time.Millisecond, cfg.Broker.FillDelayMax)
	require.Len(t, cfg.Broker.SeedPositions, 1)
	assert.Equal(t, "MSFT", cfg.Broker.SeedPositions[0].Symbol)
	assert.Equal(t, 310.5, cfg.Broker.SeedPositions[0].AveragePrice)
	assert.Equal(t, []string{"AAPL", "BTC-USD"}, cfg.Feed.Markets)

	// Untouched keys keep their defaults.
	assert.Equal(t, 0.0005, cfg.Broker.SlippageRate)
	assert.Equal(t, 10000.0, cfg.Broker.MaxOrderSize)
	assert.Equal(t, time.Second, cfg.Feed.TickInterval)
	assert.Equal(t, []string{"1d", "1w", "1m"}, cfg.Cache.PopularTimeframes)
	assert.False(t, cfg.Mirror.Enabled())
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nowhere"))
	require.NoError(t, err)

	assert.Equal(t, 100000.0, cfg.Account.InitialBalance)
	assert.Equal(t, 500*time.Millisecond, cfg.Broker.FillDelayMin)
	assert.Equal(t, 2500*time.Millisecond, cfg.Broker.FillDelayMax)
	assert.Equal(t, uint32(12345), cfg.Feed.Seed)
	assert.Len(t, cfg.Feed.Markets, 12)
	assert.Equal(t, "@every 30s", cfg.Persistence.Schedule)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("MIRROR_BASE_URL", "http://localhost:5000")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.True(t, cfg.Mirror.Enabled())
}

func TestLoadConfig_InvalidBounds(t *testing.T) {
	dir := writeConfig(t, "broker:\n  min_order_size: 20\n  max_order_size: 5\n")

	_, err := LoadConfig(dir)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid order size bounds")
}
