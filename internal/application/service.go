package application

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	mrand "math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/metrics"
	"github.com/viralforge/cuepassport/internal/ports"
)

const (
	serviceName = "cue-passport-service"
	tracerName  = "github.com/viralforge/cuepassport/internal/application"
)

// Service hosts the challenge, identity, session and ledger use-cases and the auth
// orchestrator composing them.
type Service struct {
	cfg         Config
	store       ports.Store
	ceremony    ports.CeremonyVerifier
	tokens      ports.TokenSigner
	locker      ports.UserLocker
	revocations ports.SessionRevocationStore
	random      domain.RandomSource
	metrics     *metrics.Collector
	tracer      trace.Tracer
	nowFn       func() time.Time
}

type Dependencies struct {
	Config   Config
	Store    ports.Store
	Ceremony ports.CeremonyVerifier
	Tokens   ports.TokenSigner
	// Locker defaults to an in-process keyed mutex.
	Locker ports.UserLocker
	// Revocations is optional; the store stays authoritative.
	Revocations ports.SessionRevocationStore
	// Random drives the mining multiplier. Defaults to a crypto-seeded PCG.
	Random  domain.RandomSource
	Metrics *metrics.Collector
	Clock   func() time.Time
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config.withDefaults()
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalUserLocker()
	}
	random := deps.Random
	if random == nil {
		random = newSeededSource()
	}
	nowFn := deps.Clock
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		ceremony:    deps.Ceremony,
		tokens:      deps.Tokens,
		locker:      locker,
		revocations: deps.Revocations,
		random:      &lockedSource{src: random},
		metrics:     deps.Metrics,
		tracer:      otel.Tracer(tracerName),
		nowFn:       nowFn,
	}
}

func appLogger() *slog.Logger {
	return slog.Default().With(
		"service", serviceName,
		"module", "application",
		"layer", "application",
	)
}

// lockedSource guards sources such as *rand.Rand that are not safe for concurrent use.
type lockedSource struct {
	mu  sync.Mutex
	src domain.RandomSource
}

func (l *lockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

func newSeededSource() domain.RandomSource {
	var seed [16]byte
	_, _ = rand.Read(seed[:])
	return mrand.New(mrand.NewPCG(binary.LittleEndian.Uint64(seed[:8]), binary.LittleEndian.Uint64(seed[8:])))
}

// Ready reports whether the configured store answers.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return writeFailure("store_ping", err)
	}
	return nil
}

func (s *Service) PublicKeys() ([]map[string]any, error) {
	return s.tokens.PublicJWKs()
}

func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}
