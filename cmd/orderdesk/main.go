// Command orderdesk runs the full order-intake service: the ingress API, the
// durable case workflow engine and its activity workers, the approval
// sweeper, and the writer recovery drain, all over one case store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orderdesk-io/orderdesk/pkg/audit"
	"github.com/orderdesk-io/orderdesk/pkg/casestore"
	"github.com/orderdesk-io/orderdesk/pkg/committee"
	"github.com/orderdesk-io/orderdesk/pkg/config"
	"github.com/orderdesk-io/orderdesk/pkg/evidence"
	"github.com/orderdesk-io/orderdesk/pkg/ingress"
	"github.com/orderdesk-io/orderdesk/pkg/observability"
	"github.com/orderdesk-io/orderdesk/pkg/orderflow"
	"github.com/orderdesk-io/orderdesk/pkg/parser"
	"github.com/orderdesk-io/orderdesk/pkg/resolver"
	"github.com/orderdesk-io/orderdesk/pkg/workflow"
	"github.com/orderdesk-io/orderdesk/pkg/writer"
	"github.com/orderdesk-io/orderdesk/pkg/zoho"
)

// version is stamped at build time via -ldflags "-X main.version=...". It
// doubles as the workflow engine version, so bump the minor on any change
// to workflow determinism.
var version = "1.0.0"

// sweepInterval is how often stale approvals are swept. The retention window
// itself comes from configuration.
const sweepInterval = time.Hour

func main() {
	if err := run(); err != nil {
		slog.Error("orderdesk exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("INGRESS_JWT_SECRET is required; refusing to serve unauthenticated")
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.Insecure = os.Getenv("OTLP_INSECURE") == "true"
	telemetry, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	// Case store. Postgres when DATABASE_URL is set, embedded SQLite
	// otherwise; the workflow history shares the same handle.
	var cases *casestore.Store
	if cfg.DatabaseURL != "" {
		cases, err = casestore.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open case store: %w", err)
		}
		logger.Info("case store ready", "backend", "postgres")
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
			return fmt.Errorf("create sqlite dir: %w", err)
		}
		cases, err = casestore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open case store: %w", err)
		}
		logger.Info("case store ready", "backend", "sqlite", "path", cfg.SQLitePath)
	}
	defer cases.Close()

	ev, err := evidence.NewStoreFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("init evidence store: %w", err)
	}
	ev = evidence.WithPrefix(ev, cfg.BlobPrefix)
	trail := audit.NewTrail(ev, logger)

	pool, err := committee.LoadPoolConfig(cfg.CommitteeConfigFile)
	if err != nil {
		return err
	}
	cm, err := committee.NewFromPoolConfig(committee.Config{
		Size:          cfg.CommitteeSize,
		MinSuccessful: cfg.CommitteeMinSuccessful,
		CallTimeout:   cfg.CommitteeTimeout,
		Ceiling:       cfg.CommitteeCeiling,
		MinWeight:     cfg.MinProviderWeight,
		Thresholds: committee.VoteThresholds{
			UnanimousAccept:   cfg.ConfidenceThreshold,
			MajorityAccept:    cfg.MajorityAcceptThreshold,
			MajorityMargin:    cfg.MajorityMargin,
			ConsensusFraction: cfg.ConsensusThreshold,
		},
		AcceptPolicy: cfg.AcceptPolicyExpression,
	}, pool, logger)
	if err != nil {
		return err
	}
	logger.Info("committee ready", "providers", len(pool.Providers), "size", cfg.CommitteeSize)

	catalog := zoho.NewClient(zoho.Config{
		BaseURL:      cfg.CatalogBaseURL,
		TokenURL:     cfg.CatalogTokenURL,
		ClientID:     cfg.CatalogClientID,
		ClientSecret: cfg.CatalogClientSecret,
		RefreshToken: cfg.CatalogRefreshToken,
		RPS:          cfg.CatalogRPS,
	}, logger)

	history, err := workflow.NewSQLHistoryStore(ctx, cases.DB())
	if err != nil {
		return fmt.Errorf("init workflow history: %w", err)
	}
	engine, err := workflow.NewEngine(history, version,
		workflow.WithTaskQueue(cfg.TaskQueue),
		workflow.WithWorkers(cfg.ActivityWorkers),
		workflow.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	svc := orderflow.NewService(cases, ev, trail,
		parser.New(version, logger),
		cm,
		resolver.New(catalog, logger),
		writer.New(catalog, cases, ev, logger),
		logger,
		orderflow.WithTelemetry(telemetry),
	)
	svc.Register(engine)

	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("workflow engine stopped", "error", err)
			stop()
		}
	}()
	go svc.RunSweeper(ctx, cfg.ApprovalRetention, sweepInterval)
	go svc.RunWriterRecovery(ctx, cfg.WriterRecoveryPeriod)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	srv := ingress.NewServer(cases, engine, ingress.NewAuthenticator(cfg.JWTSecret), logger,
		ingress.WithLimiter(ingress.NewRedisLimiter(rdb, cfg.RateLimitRPS, cfg.RateLimitCap)),
		ingress.WithDeduper(ingress.NewRedisDeduper(rdb, cfg.ApprovalRetention)),
		ingress.WithTelemetry(telemetry),
		ingress.WithHealthCheck("database", func(ctx context.Context) error {
			return cases.DB().PingContext(ctx)
		}),
		ingress.WithHealthCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}),
	)

	logger.Info("orderdesk ready", "port", cfg.IngressPort, "version", version)
	return srv.ListenAndServe(ctx, ":"+cfg.IngressPort)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
