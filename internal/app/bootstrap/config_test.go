package bootstrap

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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Auth.ChallengeTTL)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 100.0, cfg.Auth.RegistrationBonus)
	assert.Equal(t, 50*time.Millisecond, cfg.Auth.ReadRetryBackoff)
	assert.Equal(t, BackendLocal, cfg.Ledger.LockBackend)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
service:
  http_port: 8181
  dev_mode: true
storage:
  driver: sqlite
  sqlite_path: /tmp/passport.db
auth:
  challenge_ttl: 2m
events:
  kafka_brokers: ["kafka-1:9092"]
  topics:
    ledger.transaction_appended: cue.ledger
`)
	t.Setenv("CUE_SERVICE_HTTP_PORT", "9191")
	t.Setenv("CUE_AUTH_SESSION_TTL", "12h")
	t.Setenv("CUE_WEBAUTHN_RP_ORIGINS", "https://a.example,https://b.example")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Service.HTTPPort)
	assert.True(t, cfg.Service.DevMode)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/passport.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 2*time.Minute, cfg.Auth.ChallengeTTL)
	assert.Equal(t, 12*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WebAuthn.RPOrigins)
	assert.Equal(t, []string{"kafka-1:9092"}, cfg.Events.KafkaBrokers)
	assert.Equal(t, "cue.ledger", cfg.Events.Topics["ledger.transaction_appended"])
}

func TestLoadConfigRejectsBadFile(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "service: [unclosed"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown driver":          func(c *Config) { c.Storage.Driver = "mongo" },
		"postgres without url":    func(c *Config) { c.Storage.Driver = DriverPostgres },
		"sqlite without path":     func(c *Config) { c.Storage.Driver = DriverSQLite; c.Storage.SQLitePath = "" },
		"redis challenges no url": func(c *Config) { c.Storage.Challenges = BackendRedis },
		"redis lock no url":       func(c *Config) { c.Ledger.LockBackend = BackendRedis },
		"no jwt keys":             func(c *Config) { c.JWT.AllowEphemeral = false },
		"bad time zone":           func(c *Config) { c.Ledger.BonusTimeZone = "Mars/Olympus" },
		"no origins":              func(c *Config) { c.WebAuthn.RPOrigins = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := defaultConfig()
	cfg.Storage.Challenges = BackendRedis
	cfg.Redis.URL = "redis://localhost:6379/0"
	assert.NoError(t, cfg.Validate())
}
