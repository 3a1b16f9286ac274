package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CUE_"

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	BackendStore = "store"
	BackendLocal = "local"
	BackendRedis = "redis"
)

// Config is the resolved runtime configuration. Values come from defaults, then the YAML
// file, then CUE_ prefixed environment variables.
type Config struct {
	Service  ServiceConfig  `yaml:"service" envPrefix:"SERVICE_"`
	Storage  StorageConfig  `yaml:"storage" envPrefix:"STORAGE_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	WebAuthn WebAuthnConfig `yaml:"webauthn" envPrefix:"WEBAUTHN_"`
	Auth     AuthConfig     `yaml:"auth" envPrefix:"AUTH_"`
	Ledger   LedgerConfig   `yaml:"ledger" envPrefix:"LEDGER_"`
	JWT      JWTConfig      `yaml:"jwt" envPrefix:"JWT_"`
	Events   EventsConfig   `yaml:"events" envPrefix:"EVENTS_"`
	Worker   WorkerConfig   `yaml:"worker" envPrefix:"WORKER_"`
	OTel     OTelConfig     `yaml:"otel" envPrefix:"OTEL_"`
}

type ServiceConfig struct {
	ID       string `yaml:"id" env:"ID"`
	HTTPPort int    `yaml:"http_port" env:"HTTP_PORT"`
	GRPCPort int    `yaml:"grpc_port" env:"GRPC_PORT"`
	// DevMode adds raw error text to HTTP error bodies.
	DevMode  bool   `yaml:"dev_mode" env:"DEV_MODE"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver" env:"DRIVER"`
	PostgresURL string `yaml:"postgres_url" env:"POSTGRES_URL"`
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	MaxConns    int32  `yaml:"max_conns" env:"MAX_CONNS"`
	// Challenges is "store" or "redis".
	Challenges string `yaml:"challenges" env:"CHALLENGES"`
}

type RedisConfig struct {
	URL string `yaml:"url" env:"URL"`
}

type WebAuthnConfig struct {
	RPID          string   `yaml:"rp_id" env:"RP_ID"`
	RPDisplayName string   `yaml:"rp_display_name" env:"RP_DISPLAY_NAME"`
	RPOrigins     []string `yaml:"rp_origins" env:"RP_ORIGINS" envSeparator:","`
}

type AuthConfig struct {
	ChallengeTTL       time.Duration `yaml:"challenge_ttl" env:"CHALLENGE_TTL"`
	SessionTTL         time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
	RegistrationBonus  float64       `yaml:"registration_bonus" env:"REGISTRATION_BONUS"`
	AllowZeroSignCount bool          `yaml:"allow_zero_sign_count" env:"ALLOW_ZERO_SIGN_COUNT"`
	ReadRetryBackoff   time.Duration `yaml:"read_retry_backoff" env:"READ_RETRY_BACKOFF"`
}

type LedgerConfig struct {
	BonusTimeZone   string        `yaml:"bonus_time_zone" env:"BONUS_TIME_ZONE"`
	LockBackend     string        `yaml:"lock_backend" env:"LOCK_BACKEND"`
	LockTTL         time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
	HistoryLimit    int           `yaml:"history_limit" env:"HISTORY_LIMIT"`
	MaxHistoryLimit int           `yaml:"max_history_limit" env:"MAX_HISTORY_LIMIT"`
}

type JWTConfig struct {
	KeyID          string `yaml:"key_id" env:"KEY_ID"`
	Issuer         string `yaml:"issuer" env:"ISSUER"`
	PrivateKeyPEM  string `yaml:"-" env:"PRIVATE_KEY_PEM"`
	PublicKeyPEM   string `yaml:"-" env:"PUBLIC_KEY_PEM"`
	AllowEphemeral bool   `yaml:"allow_ephemeral" env:"ALLOW_EPHEMERAL"`
}

type EventsConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers" env:"KAFKA_BROKERS" envSeparator:","`
	// Topics maps event types to Kafka topics.
	Topics map[string]string `yaml:"topics" env:"TOPICS"`
}

type WorkerConfig struct {
	OutboxPollInterval  time.Duration `yaml:"outbox_poll_interval" env:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize     int           `yaml:"outbox_batch_size" env:"OUTBOX_BATCH_SIZE"`
	OutboxClaimTTL      time.Duration `yaml:"outbox_claim_ttl" env:"OUTBOX_CLAIM_TTL"`
	OutboxMaxRetries    int           `yaml:"outbox_max_retries" env:"OUTBOX_MAX_RETRIES"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" env:"MAINTENANCE_INTERVAL"`
	PurgeGrace          time.Duration `yaml:"purge_grace" env:"PURGE_GRACE"`
	ReconcileBatchSize  int           `yaml:"reconcile_batch_size" env:"RECONCILE_BATCH_SIZE"`
}

type OTelConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

func defaultConfig() Config {
	return Config{
		Service: ServiceConfig{
			ID:       "cue-passport-service",
			HTTPPort: 8080,
			GRPCPort: 9090,
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Driver:     DriverMemory,
			SQLitePath: "cuepassport.db",
			MaxConns:   20,
			Challenges: BackendStore,
		},
		WebAuthn: WebAuthnConfig{
			RPID:          "localhost",
			RPDisplayName: "CUE Passport",
			RPOrigins:     []string{"http://localhost:8080"},
		},
		Auth: AuthConfig{
			ChallengeTTL:      5 * time.Minute,
			SessionTTL:        24 * time.Hour,
			RegistrationBonus: 100,
			ReadRetryBackoff:  50 * time.Millisecond,
		},
		Ledger: LedgerConfig{
			BonusTimeZone:   "UTC",
			LockBackend:     BackendLocal,
			LockTTL:         10 * time.Second,
			HistoryLimit:    20,
			MaxHistoryLimit: 100,
		},
		JWT: JWTConfig{
			KeyID:          "cue-passport-key-1",
			Issuer:         "cue-passport",
			AllowEphemeral: true,
		},
		Events: EventsConfig{
			Topics: map[string]string{},
		},
		Worker: WorkerConfig{
			OutboxPollInterval:  2 * time.Second,
			OutboxBatchSize:     100,
			OutboxClaimTTL:      30 * time.Second,
			OutboxMaxRetries:    5,
			MaintenanceInterval: time.Minute,
			PurgeGrace:          time.Hour,
			ReconcileBatchSize:  100,
		},
	}
}

// LoadConfig resolves configuration in priority order: defaults -> file -> env. A missing
// file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.Storage.Challenges = strings.ToLower(strings.TrimSpace(cfg.Storage.Challenges))
	cfg.Ledger.LockBackend = strings.ToLower(strings.TrimSpace(cfg.Ledger.LockBackend))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistency between the chosen backends and the settings
// they need.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return errors.New("storage.postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	switch c.Storage.Challenges {
	case BackendStore, BackendRedis:
	default:
		return fmt.Errorf("unknown storage.challenges backend %q", c.Storage.Challenges)
	}
	switch c.Ledger.LockBackend {
	case BackendLocal, BackendRedis:
	default:
		return fmt.Errorf("unknown ledger.lock_backend %q", c.Ledger.LockBackend)
	}
	if c.usesRedis() && c.Redis.URL == "" {
		return errors.New("redis.url is required when a redis backend is selected")
	}

	if (c.JWT.PrivateKeyPEM == "" || c.JWT.PublicKeyPEM == "") && !c.JWT.AllowEphemeral {
		return errors.New("missing CUE_JWT_PRIVATE_KEY_PEM or CUE_JWT_PUBLIC_KEY_PEM")
	}
	if c.WebAuthn.RPID == "" || len(c.WebAuthn.RPOrigins) == 0 {
		return errors.New("webauthn.rp_id and webauthn.rp_origins are required")
	}
	if _, err := time.LoadLocation(c.Ledger.BonusTimeZone); err != nil {
		return fmt.Errorf("ledger.bonus_time_zone: %w", err)
	}
	if c.Auth.ChallengeTTL <= 0 || c.Auth.SessionTTL <= 0 {
		return errors.New("auth.challenge_ttl and auth.session_ttl must be positive")
	}
	return nil
}

func (c Config) usesRedis() bool {
	return c.Storage.Challenges == BackendRedis || c.Ledger.LockBackend == BackendRedis
}
