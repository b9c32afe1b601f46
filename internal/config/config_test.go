package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLAWORK_USE_MEMORY_STORE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8070", cfg.Addr)
	assert.Equal(t, 72*time.Hour, cfg.SubmitWindow)
	assert.Equal(t, 24*time.Hour, cfg.ReviewWindow)
	assert.Equal(t, "clawork.bounty-events", cfg.KafkaTopic)
	assert.False(t, cfg.OpenChannelOnCreate)
	assert.Nil(t, cfg.KafkaBrokers)
}

func TestLoadRequiresDatabaseOrMemoryStore(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CLAWORK_DATABASE_URL", "")
	t.Setenv("CLAWORK_USE_MEMORY_STORE", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CLAWORK_DATABASE_URL", "postgres://localhost/clawork")
	t.Setenv("CLAWORK_ADDR", ":9000")
	t.Setenv("CLAWORK_SUBMIT_WINDOW", "48h")
	t.Setenv("CLAWORK_KAFKA_BROKERS", "broker-1:9092, broker-2:9092,")
	t.Setenv("CLAWORK_OPEN_CHANNEL_ON_CREATE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "postgres://localhost/clawork", cfg.DatabaseURL)
	assert.Equal(t, 48*time.Hour, cfg.SubmitWindow)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.OpenChannelOnCreate)
}

func TestLoadBadDurationFallsBack(t *testing.T) {
	t.Setenv("CLAWORK_USE_MEMORY_STORE", "true")
	t.Setenv("CLAWORK_REVIEW_WINDOW", "yesterday")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.ReviewWindow)
}

func TestLoadProductionRequiresCronSecret(t *testing.T) {
	t.Setenv("CLAWORK_USE_MEMORY_STORE", "true")
	t.Setenv("NODE_ENV", "production")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("CLAWORK_CRON_SECRET", "secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.CronSecret)
}
