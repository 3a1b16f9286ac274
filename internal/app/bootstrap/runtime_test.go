package bootstrap

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventadapter "github.com/viralforge/cuepassport/internal/adapters/events"
	"github.com/viralforge/cuepassport/internal/adapters/memory"
	"github.com/viralforge/cuepassport/internal/adapters/sqlite"
)

func TestOpenStoreByDriver(t *testing.T) {
	cfg := defaultConfig()

	store, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, store)

	cfg.Storage.Driver = DriverSQLite
	cfg.Storage.SQLitePath = ":memory:"
	store, err = openStore(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	assert.IsType(t, &sqlite.Store{}, store)
	require.NoError(t, store.Ping(context.Background()))
}

func TestWithRedisSelectsBackends(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := defaultConfig()
	base := memory.NewStore()

	store, locker, revocations := withRedis(cfg, base, client)
	assert.Same(t, base, store)
	assert.Nil(t, locker)
	assert.NotNil(t, revocations)

	cfg.Storage.Challenges = BackendRedis
	cfg.Ledger.LockBackend = BackendRedis
	store, locker, _ = withRedis(cfg, base, client)
	_, unchanged := store.(*memory.Store)
	assert.False(t, unchanged)
	assert.NotNil(t, locker)
	assert.Equal(t, base.Ledger(), store.Ledger())
}

func TestNewPublisherFallsBackToLogging(t *testing.T) {
	cfg := defaultConfig()
	publisher, err := newPublisher(cfg, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &eventadapter.LoggingPublisher{}, publisher)

	cfg.Events.KafkaBrokers = []string{"127.0.0.1:9092"}
	publisher, err = newPublisher(cfg, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &eventadapter.KafkaPublisher{}, publisher)
}

func TestNewTokenSignerEphemeralFallback(t *testing.T) {
	cfg := defaultConfig()
	signer, err := newTokenSigner(cfg, slog.Default())
	require.NoError(t, err)
	keys, err := signer.PublicJWKs()
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	cfg.JWT.AllowEphemeral = false
	_, err = newTokenSigner(cfg, slog.Default())
	assert.Error(t, err)
}
