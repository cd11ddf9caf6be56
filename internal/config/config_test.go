package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsketch/diagen/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 100, cfg.MaxQueueSize)
	assert.Equal(t, time.Duration(0), cfg.QueueTTL)
	assert.Equal(t, 20, cfg.GlobalRequestsPerMin)
	assert.Equal(t, int64(100_000), cfg.GlobalTokensPerMin)
	assert.Equal(t, int64(10<<20), cfg.RenderOutputMax)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_BASE_DELAY", "2s")
	t.Setenv("QUEUE_TTL", "10m")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("API_KEYS", "tok-a:t2,tok-b:t0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.BaseDelay)
	assert.Equal(t, 10*time.Minute, cfg.QueueTTL)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, map[string]string{"tok-a": "t2", "tok-b": "t0"}, cfg.APIKeys)
}

func TestRendererArgv(t *testing.T) {
	t.Parallel()
	cfg := Config{RendererCommand: "python3 -m diagen_render --sandbox"}
	assert.Equal(t, []string{"python3", "-m", "diagen_render", "--sandbox"}, cfg.RendererArgv())
}

func TestDefaultTierTable(t *testing.T) {
	t.Parallel()
	table := DefaultTierTable()

	for _, tier := range []domain.Tier{domain.TierT0, domain.TierT1, domain.TierT2, domain.TierT3} {
		caps, ok := table[tier]
		require.True(t, ok, "tier %s missing", tier)
		assert.Positive(t, caps.MaxConcurrent)
	}
	// Priority strictly increases with tier.
	assert.Less(t, table[domain.TierT0].Priority, table[domain.TierT1].Priority)
	assert.Less(t, table[domain.TierT1].Priority, table[domain.TierT2].Priority)
	assert.Less(t, table[domain.TierT2].Priority, table[domain.TierT3].Priority)

	// Unknown tiers fall back to the default row.
	assert.Equal(t, table[domain.TierT0], table.Caps(domain.Tier("enterprise")))
}

func TestLoadTierTableFromYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
t0:
  requestsPerDay: 10
  requestsPerHour: 2
  tokensPerDay: 50000
  maxConcurrent: 1
  priority: 0
t2:
  requestsPerDay: 1000
  requestsPerHour: 200
  tokensPerDay: 10000000
  maxConcurrent: 8
  priority: 20
`), 0o600))

	table, err := LoadTierTable(path)
	require.NoError(t, err)
	assert.Len(t, table, 2)
	assert.Equal(t, int64(2), table[domain.TierT0].RequestsPerHour)
	assert.Equal(t, 8, table[domain.TierT2].MaxConcurrent)

	// Tiers without a row resolve through the default fallback.
	assert.Equal(t, table[domain.TierT0], table.Caps(domain.TierT1))
}

func TestLoadTierTableEmptyPathUsesDefaults(t *testing.T) {
	t.Parallel()
	table, err := LoadTierTable("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTierTable(), table)
}

func TestLoadTierTableRejectsBadInput(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	_, err := LoadTierTable(write("unknown-tier.yaml", "gold:\n  maxConcurrent: 1\n"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = LoadTierTable(write("zero-concurrent.yaml", "t0:\n  maxConcurrent: 0\n"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = LoadTierTable(write("missing-default.yaml", "t1:\n  maxConcurrent: 2\n"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = LoadTierTable(filepath.Join(dir, "does-not-exist.yaml"))
	assert.Error(t, err)
}
