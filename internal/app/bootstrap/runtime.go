package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	cacheadapter "github.com/viralforge/cuepassport/internal/adapters/cache"
	eventadapter "github.com/viralforge/cuepassport/internal/adapters/events"
	grpcadapter "github.com/viralforge/cuepassport/internal/adapters/grpc"
	httpadapter "github.com/viralforge/cuepassport/internal/adapters/http"
	"github.com/viralforge/cuepassport/internal/adapters/memory"
	"github.com/viralforge/cuepassport/internal/adapters/postgres"
	"github.com/viralforge/cuepassport/internal/adapters/security"
	"github.com/viralforge/cuepassport/internal/adapters/sqlite"
	"github.com/viralforge/cuepassport/internal/application"
	"github.com/viralforge/cuepassport/internal/metrics"
	platformotel "github.com/viralforge/cuepassport/internal/platform/otel"
	"github.com/viralforge/cuepassport/internal/ports"
)

type Runtime struct {
	cfg         Config
	logger      *slog.Logger
	service     *application.Service
	httpServer  *http.Server
	grpcServer  *grpc.Server
	outbox      *eventadapter.OutboxWorker
	maintenance *eventadapter.MaintenanceWorker
	cleanups    []func(context.Context)
}

func NewRuntime(ctx context.Context, configPath string) (_ *Runtime, err error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Service.LogLevel)
	slog.SetDefault(logger)
	logger.Info("bootstrapping cue passport service",
		"http_port", cfg.Service.HTTPPort,
		"grpc_port", cfg.Service.GRPCPort,
		"storage_driver", cfg.Storage.Driver,
	)

	rt := &Runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.cleanup(context.Background())
		}
	}()

	shutdownTracing, err := platformotel.Setup(ctx, platformotel.Config{
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.Service.ID,
		SampleRatio: cfg.OTel.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	rt.onCleanup(func(ctx context.Context) { _ = shutdownTracing(ctx) })

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.onCleanup(func(context.Context) { _ = store.Close() })

	var (
		locker      ports.UserLocker
		revocations ports.SessionRevocationStore
	)
	if cfg.Redis.URL != "" {
		redisClient, err := cacheadapter.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.onCleanup(func(context.Context) { _ = redisClient.Close() })
		store, locker, revocations = withRedis(cfg, store, redisClient)
	}

	tokenSigner, err := newTokenSigner(cfg, logger)
	if err != nil {
		return nil, err
	}
	ceremony, err := security.NewWebAuthnCeremony(security.WebAuthnConfig{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("init webauthn: %w", err)
	}
	bonusLocation, err := time.LoadLocation(cfg.Ledger.BonusTimeZone)
	if err != nil {
		return nil, fmt.Errorf("load bonus time zone: %w", err)
	}

	collector := metrics.NewCollector(time.Now().UTC())
	svc := application.NewService(application.Dependencies{
		Config: application.Config{
			ChallengeTTL:       cfg.Auth.ChallengeTTL,
			SessionTTL:         cfg.Auth.SessionTTL,
			RegistrationBonus:  cfg.Auth.RegistrationBonus,
			AllowZeroSignCount: cfg.Auth.AllowZeroSignCount,
			ReadRetryBackoff:   cfg.Auth.ReadRetryBackoff,
			BonusLocation:      bonusLocation,
			HistoryLimit:       cfg.Ledger.HistoryLimit,
			MaxHistoryLimit:    cfg.Ledger.MaxHistoryLimit,
			ReconcileBatchSize: cfg.Worker.ReconcileBatchSize,
			DefaultOrigin:      cfg.WebAuthn.RPOrigins[0],
		},
		Store:       store,
		Ceremony:    ceremony,
		Tokens:      tokenSigner,
		Locker:      locker,
		Revocations: revocations,
		Metrics:     collector,
	})
	rt.service = svc

	router := httpadapter.NewRouter(httpadapter.NewHandler(svc, cfg.Service.DevMode))
	rt.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	rt.grpcServer, _ = grpcadapter.NewServer(grpcadapter.NewPassportInternalServer(svc))

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}
	if closer, ok := publisher.(interface{ Close() error }); ok {
		rt.onCleanup(func(context.Context) { _ = closer.Close() })
	}
	rt.outbox = eventadapter.NewOutboxWorker(logger, store.Outbox(), publisher, eventadapter.OutboxConfig{
		PollInterval: cfg.Worker.OutboxPollInterval,
		BatchSize:    cfg.Worker.OutboxBatchSize,
		ClaimTTL:     cfg.Worker.OutboxClaimTTL,
		MaxRetries:   cfg.Worker.OutboxMaxRetries,
	})
	rt.maintenance = eventadapter.NewMaintenanceWorker(logger, svc, cfg.Worker.MaintenanceInterval, cfg.Worker.PurgeGrace)

	return rt, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openStore connects the configured driver and applies its migrations.
func openStore(ctx context.Context, cfg Config) (ports.Store, error) {
	switch cfg.Storage.Driver {
	case DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := sqlite.RunMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		return sqlite.NewStore(db), nil
	case DriverPostgres:
		db, err := postgres.Connect(ctx, cfg.Storage.PostgresURL, cfg.Storage.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := postgres.NewStore(db)
		if err := postgres.RunMigrations(ctx, db); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		return store, nil
	default:
		return memory.NewStore(), nil
	}
}

// withRedis attaches the Redis-backed pieces. Revocation markers are always written when
// Redis is configured; challenges and the ledger lock move to Redis only when selected.
func withRedis(cfg Config, store ports.Store, client *redis.Client) (ports.Store, ports.UserLocker, ports.SessionRevocationStore) {
	var locker ports.UserLocker
	if cfg.Storage.Challenges == BackendRedis {
		store = cacheadapter.WithChallenges(store, cacheadapter.NewRedisChallengeRepository(client))
	}
	if cfg.Ledger.LockBackend == BackendRedis {
		locker = cacheadapter.NewRedisUserLocker(client, cfg.Ledger.LockTTL)
	}
	return store, locker, cacheadapter.NewRedisSessionRevocationStore(client)
}

func newTokenSigner(cfg Config, logger *slog.Logger) (*security.JWTSigner, error) {
	signer, err := security.NewJWTSigner(cfg.JWT.KeyID, cfg.JWT.Issuer, cfg.JWT.PrivateKeyPEM, cfg.JWT.PublicKeyPEM)
	if err == nil {
		return signer, nil
	}
	if !cfg.JWT.AllowEphemeral {
		return nil, fmt.Errorf("init jwt signer: %w", err)
	}
	logger.Warn("using ephemeral JWT keys for local/dev runtime")
	signer, err = security.NewEphemeralJWTSigner(cfg.JWT.KeyID, cfg.JWT.Issuer)
	if err != nil {
		return nil, fmt.Errorf("init ephemeral jwt signer: %w", err)
	}
	return signer, nil
}

func newPublisher(cfg Config, logger *slog.Logger) (ports.EventPublisher, error) {
	if len(cfg.Events.KafkaBrokers) == 0 {
		return eventadapter.NewLoggingPublisher(logger), nil
	}
	publisher, err := eventadapter.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.Topics)
	if err != nil {
		return nil, fmt.Errorf("init kafka publisher: %w", err)
	}
	return publisher, nil
}

func (r *Runtime) onCleanup(fn func(context.Context)) {
	r.cleanups = append(r.cleanups, fn)
}

// cleanup releases resources in reverse acquisition order.
func (r *Runtime) cleanup(ctx context.Context) {
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		r.cleanups[i](ctx)
	}
	r.cleanups = nil
}

func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.Service.GRPCPort))
	if err != nil {
		r.cleanup(context.Background())
		return fmt.Errorf("listen gRPC: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("http server started", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "addr", lis.Addr().String())
		if err := r.grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		r.logger.Error("server failure", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	r.cleanup(shutdownCtx)
	return runErr
}

// RunWorker runs the outbox publisher and the maintenance loop until a signal arrives.
func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.logger.Info("passport worker started")
	errCh := make(chan error, 2)
	go func() { errCh <- r.outbox.Run(ctx) }()
	go func() { errCh <- r.maintenance.Run(ctx) }()

	var runErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
			runErr = err
			stop()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.cleanup(shutdownCtx)
	return runErr
}
