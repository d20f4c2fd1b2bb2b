package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.Store)
	assert.Equal(t, "rabbitmq", cfg.Transport)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 8, cfg.IngestWorkers)
	assert.Equal(t, 10*time.Second, cfg.ProcessTimeout)
	assert.Equal(t, 24*time.Hour, cfg.DedupTTL)
	assert.Equal(t, 64, cfg.LockShards)
	assert.Equal(t, 100, cfg.OutboxBatchSize)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.RetryMaxDelay)

	// Optional backends stay off unless configured.
	assert.Empty(t, cfg.MongoURI)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadEnablesMongoFromEnv(t *testing.T) {
	t.Setenv("MONGO_URI", "mongodb://mongo:27017")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mongodb://mongo:27017", cfg.MongoURI)
}

func TestLoadRejectsInvertedRetryDelays(t *testing.T) {
	t.Setenv("RETRY_DELAY", "10s")
	t.Setenv("RETRY_MAX_DELAY", "1s")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE", "MEMORY")
	t.Setenv("TRANSPORT", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("INGEST_WORKERS", "3")
	t.Setenv("DEDUP_TTL", "90m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, "kafka", cfg.Transport)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.IngestWorkers)
	assert.Equal(t, 90*time.Minute, cfg.DedupTTL)
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	t.Setenv("STORE", "sqlite")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("STORE", "memory")
	t.Setenv("TRANSPORT", "nats")
	_, err = Load()
	assert.Error(t, err)
}
