package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"PORT", "DATABASE_URL", "REDIS_URL", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"MARKET_DATA_MODE", "PRICE_MAX_AGE", "FETCH_TIMEOUT", "IDEMPOTENCY_TTL",
	"TASK_WORKERS", "TASK_MAX_ATTEMPTS", "OUTAGE_GRACE", "FEED_STALE_AFTER",
	"LOG_LEVEL", "LOG_FORMAT", "MAX_SLIPPAGE", "SHUTDOWN_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "demo", cfg.MarketData.Mode)
	assert.Equal(t, 60*time.Second, cfg.MarketData.PriceMaxAge)
	assert.Equal(t, 30*time.Minute, cfg.Outage.Grace)
	assert.Equal(t, 60*time.Second, cfg.Idempotency.TTL)
	assert.True(t, cfg.MaxSlippage().Equal(decimal.NewFromFloat(0.05)))

	tiers, err := cfg.ChallengeTiers()
	require.NoError(t, err)
	assert.Len(t, tiers, 4)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `
server:
  port: "9000"
redis:
  url: redis://localhost:6379/0
market_data:
  mode: redis
  price_max_age: 30s
kafka:
  brokers: [k1:9092]
tasks:
  workers: 2
scheduler:
  sweep: "*/30 * * * * *"
`)
	t.Setenv("PORT", "9100")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("TASK_MAX_ATTEMPTS", "7")
	t.Setenv("OUTAGE_GRACE", "10m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Server.Port, "env wins over YAML")
	assert.Equal(t, "redis", cfg.MarketData.Mode)
	assert.Equal(t, 30*time.Second, cfg.MarketData.PriceMaxAge)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 2, cfg.Tasks.Workers)
	assert.Equal(t, 7, cfg.Tasks.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Outage.Grace)
	assert.Equal(t, "*/30 * * * * *", cfg.Scheduler.Sweep)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeYAML(t, "server: [not, a, map"))
	assert.Error(t, err)

	t.Setenv("PRICE_MAX_AGE", "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, "PRICE_MAX_AGE")

	clearEnv(t)
	t.Setenv("MARKET_DATA_MODE", "redis")
	_, err = Load("")
	assert.ErrorContains(t, err, "REDIS_URL")
}

func TestChallengeTiers_NormalizesLegacyRules(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `
tiers:
  - name: ten-k
    starting_balance: 10000
    rules:
      profitTarget: 1000
      maxTotalDrawdownPercent: 8
      durationDays: 45
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	tiers, err := cfg.ChallengeTiers()
	require.NoError(t, err)
	require.Len(t, tiers, 1)

	r := tiers[0].Rules
	assert.True(t, r.ProfitTargetPercent.Equal(decimal.NewFromFloat(0.1)), "got %s", r.ProfitTargetPercent)
	assert.True(t, r.MaxTotalDrawdownPercent.Equal(decimal.NewFromFloat(0.08)))
	assert.Equal(t, 45, r.DurationDays)
}

func TestLoad_RejectsDuplicateTiers(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `
tiers:
  - {name: a, starting_balance: 5000}
  - {name: A, starting_balance: 10000}
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "duplicate tier")
}
