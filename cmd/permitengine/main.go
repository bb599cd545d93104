// The permitengine process: loads configuration, applies schema
// migrations, wires the matching and distribution pipeline together, and
// hosts the periodic orchestrator until the process is signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/permitpipeline/permitengine/db"
	"github.com/permitpipeline/permitengine/internal/config"
	"github.com/permitpipeline/permitengine/internal/embedindex"
	"github.com/permitpipeline/permitengine/internal/metrics"
	"github.com/permitpipeline/permitengine/pkg/clientprofile"
	"github.com/permitpipeline/permitengine/pkg/deliverer"
	"github.com/permitpipeline/permitengine/pkg/ledger"
	"github.com/permitpipeline/permitengine/pkg/matcher"
	"github.com/permitpipeline/permitengine/pkg/orchestrator"
	"github.com/permitpipeline/permitengine/pkg/permitstore"
	"github.com/permitpipeline/permitengine/pkg/report"
	"github.com/permitpipeline/permitengine/pkg/scraper"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "permitengine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newZapLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	permitsDB, err := openDB(cfg.Database.DSN(), cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open permits database: %w", err)
	}
	defer permitsDB.Close()

	clientsDB, err := sqlx.Open("pgx", cfg.ClientsDatabase.DSN())
	if err != nil {
		return fmt.Errorf("failed to open clients database: %w", err)
	}
	defer clientsDB.Close()

	if err := db.MigratePermits(permitsDB.DB); err != nil {
		return err
	}
	if err := db.MigrateClients(clientsDB.DB); err != nil {
		return err
	}

	indexLogger := newLogrusLogger(cfg.Logging)
	embedder := embedindex.NewLocalService(cfg.Index.Dimension, indexLogger)
	indexManager := embedindex.NewManager(cfg.Index.RAGIndexDir, embedder, indexLogger)

	store := permitstore.New(permitsDB, logger.Named("permitstore"))
	clientStore := clientprofile.NewSQLStore(clientsDB, logger.Named("clientprofile"))
	deliveryLedger := ledger.New(permitsDB, logger.Named("ledger"))
	clientMatcher := matcher.New(store, indexManager, embedder, cfg.Orchestrator.PerClientTopKDefault)

	sourceNames := make([]string, 0, len(cfg.Orchestrator.ScrapeSources))
	sources := make([]orchestrator.SourceEntry, 0, len(cfg.Orchestrator.ScrapeSources))
	for _, sc := range cfg.Orchestrator.ScrapeSources {
		var src scraper.Source
		if sc.Endpoint != "" {
			src = scraper.NewSocrataSource(sc.Name, sc.Endpoint,
				time.Duration(sc.TimeoutSeconds)*time.Second, nil)
		} else {
			src, err = scraper.Lookup(sc.Name)
			if err != nil {
				logger.Warn("skipping unregistered scrape source", zap.String("source", sc.Name), zap.Error(err))
				continue
			}
		}
		sources = append(sources, orchestrator.SourceEntry{
			Source:     scraper.NewGuardedSource(src, scraper.DefaultBreakerConfig()),
			WindowDays: sc.WindowDays,
		})
		sourceNames = append(sourceNames, sc.Name)
	}
	metrics.RegisterKnownSources(sourceNames)

	var lock orchestrator.CycleLock
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		lock = orchestrator.NewRedisCycleLock(redisClient, "permitengine:cycle_lock", 2*cfg.Orchestrator.CycleInterval)
	} else {
		lock = orchestrator.NewLocalCycleLock()
	}

	registry := prometheus.NewRegistry()
	engineMetrics := metrics.NewMetricsWithRegistry("permitengine", metrics.ServiceOrchestrator, registry)

	orch := orchestrator.New(orchestrator.Deps{
		Sources:     sources,
		Store:       store,
		IndexSource: orchestrator.StoreSource{Store: store},
		Index:       indexManager,
		Clients:     clientStore,
		Matcher:     clientMatcher,
		Ledger:      deliveryLedger,
		Deliverer:   &logDeliverer{logger: logger.Named("deliverer")},
		Lock:        lock,
		Metrics:     engineMetrics,
		Logger:      logger.Named("orchestrator"),
	}, orchestrator.Settings{
		CycleInterval: cfg.Orchestrator.CycleInterval,
		PerClientTopK: cfg.Orchestrator.PerClientTopKDefault,
		Oversample:    cfg.Orchestrator.OversampleDefault,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One cycle at startup, then the periodic schedule.
	if summary, err := orch.TriggerNow(ctx); err != nil {
		logger.Error("startup cycle failed", zap.Error(err))
	} else if summary.Err() != nil {
		logger.Warn("startup cycle completed with contained errors", zap.Error(summary.Err()))
	}

	logger.Info("permitengine running",
		zap.Duration("cycle_interval", cfg.Orchestrator.CycleInterval),
		zap.Int("sources", len(sources)))

	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("permitengine stopped")
	return nil
}

func openDB(dsn string, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dbx, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	dbx.SetMaxOpenConns(cfg.MaxOpenConns)
	dbx.SetMaxIdleConns(cfg.MaxIdleConns)
	dbx.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	return dbx, nil
}

func newZapLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
	}
	return zcfg.Build()
}

func newLogrusLogger(cfg config.LoggingConfig) *logrus.Logger {
	l := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(level)
	}
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}

// logDeliverer is the default Deliverer when no real transport is linked
// in: it logs what would have been sent and reports success, so a
// deployment without an SMTP integration still exercises the full cycle.
// Real deliverers implement deliverer.Deliverer and replace this in the
// orchestrator wiring.
type logDeliverer struct {
	logger *zap.Logger
}

func (d *logDeliverer) Deliver(ctx context.Context, client *clientprofile.ClientProfile, rep report.ClientReport) (deliverer.Outcome, error) {
	d.logger.Info("delivering report",
		zap.Int64("client_id", client.ID),
		zap.String("client", client.Name),
		zap.Int("inclusion_rows", len(rep.Inclusion)),
		zap.Int("exclusion_rows", len(rep.Exclusion)),
		zap.Int("semantic_rows", len(rep.Semantic)))
	return deliverer.Outcome{ClientID: client.ID, RowsDelivered: len(rep.Semantic)}, nil
}
