package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MLidstrom/castellan/internal/api/rest"
	"github.com/MLidstrom/castellan/internal/api/websocket"
	"github.com/MLidstrom/castellan/internal/domain/errors"
	"github.com/MLidstrom/castellan/internal/domain/event"
	"github.com/MLidstrom/castellan/internal/domain/rules"
	"github.com/MLidstrom/castellan/internal/health"
	"github.com/MLidstrom/castellan/internal/infrastructure/cache"
	"github.com/MLidstrom/castellan/internal/infrastructure/config"
	"github.com/MLidstrom/castellan/internal/infrastructure/database"
	"github.com/MLidstrom/castellan/internal/infrastructure/eventlog"
	"github.com/MLidstrom/castellan/internal/infrastructure/repository"
	"github.com/MLidstrom/castellan/internal/infrastructure/telemetry"
	"github.com/MLidstrom/castellan/internal/metrics"
	correlationsvc "github.com/MLidstrom/castellan/internal/service/correlation"
	"github.com/MLidstrom/castellan/internal/service/detection"
	"github.com/MLidstrom/castellan/internal/service/events"
	"github.com/MLidstrom/castellan/internal/service/ignore"
	"github.com/MLidstrom/castellan/internal/service/ingest"
	"github.com/MLidstrom/castellan/internal/service/mitre"
	"github.com/MLidstrom/castellan/internal/service/rulestore"
	"github.com/MLidstrom/castellan/internal/service/threatintel"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		migrate    = flag.Bool("migrate", false, "Apply database migrations and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, *migrate); err != nil {
		logger.Fatal("castellan exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger, migrateOnly bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meterProvider, err := telemetry.SetupMetrics()
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = meterProvider.Shutdown(shutdownCtx)
	}()

	reg, err := metrics.NewRegistry("castellan")
	if err != nil {
		return err
	}
	healthReg := health.NewRegistry()

	// Durable storage is optional; without it events live in the in-memory
	// 24 h window and rule lookups use the built-in fallback catalog.
	var (
		pool      *database.Pool
		eventRepo repository.EventRepository
		ruleStore *rulestore.Store
	)
	if cfg.Database.URL != "" {
		pool, err = database.Connect(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		healthReg.Report("database", health.StatusUp, nil)

		if migrateOnly {
			return database.Migrate(pool.DB(), cfg.Database.MigrationsDir, logger)
		}

		eventRepo = repository.NewEventRepository(pool.DB())
	} else {
		if migrateOnly {
			logger.Warn("no database configured, nothing to migrate")
			return nil
		}
		logger.Warn("no database configured, using in-memory event store")
		eventRepo = repository.NewMemoryEventStore(time.Duration(cfg.Retention.WindowHours) * time.Hour)
	}

	redisCache, err := cache.NewRedisCache(&cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer func() { _ = redisCache.Close() }()
	healthReg.Report("redis", health.StatusUp, nil)

	hub := websocket.NewHub(cfg.Broadcast, reg, logger)
	eventsSvc := events.NewService(eventRepo, hub, cfg.EventLog.ImmediateDashboardBroadcast, reg, logger)

	var ruleProvider detection.RuleProvider
	if pool != nil {
		ruleStore = rulestore.New(repository.NewRuleRepository(pool.DB()), redisCache, reg, logger)
		if err := ruleStore.WarmCache(ctx); err != nil {
			logger.Warn("rule cache warm-up failed", zap.Error(err))
		}
		ruleProvider = ruleStore
	} else {
		ruleProvider = fallbackOnlyRules{}
	}

	detector := detection.NewDetector(detection.NewNormalizer(logger), ruleProvider, reg, logger)
	engine := correlationsvc.NewEngine(correlationsvc.Config{
		AttackChainWindow:      cfg.Correlation.AttackChainWindow,
		LateralWindow:          cfg.Correlation.LateralWindow,
		EscalationWindow:       cfg.Correlation.EscalationWindow,
		BurstWindow:            cfg.Correlation.BurstWindow,
		BurstThreshold:         cfg.Correlation.BurstThreshold,
		MLScoreThreshold:       cfg.Correlation.MLScoreThreshold,
		MaxTrackedEventsPerKey: cfg.Correlation.MaxTrackedEventsPerKey,
	}, nil, logger)
	filter := ignore.New(cfg.IgnorePatterns, logger)

	var sink ingest.EventSink = eventsSvc
	if cfg.ThreatIntel.CacheEnabled {
		intelCache := threatintel.NewCache(
			time.Duration(cfg.ThreatIntel.DefaultCacheExpiryHours)*time.Hour,
			cfg.ThreatIntel.MaxCacheSize, reg, logger)
		// Provider clients are registered here as deployments supply them.
		enricher := threatintel.NewEnricher(intelCache, nil,
			time.Duration(cfg.ThreatIntel.DefaultCacheExpiryHours)*time.Hour,
			cfg.ThreatIntel.RequestTimeout, cfg.ThreatIntel.RetryAttempts, logger)
		sink = enrichingSink{enricher: enricher, next: eventsSvc}
	}

	queue := ingest.NewQueue(cfg.EventLog.QueueCapacity(), reg.SetQueueDepth)
	pipeline := ingest.NewPipeline(queue, detector, engine, filter, sink, ingest.PipelineConfig{
		Workers:       cfg.EventLog.ConsumerConcurrency,
		ShutdownGrace: cfg.EventLog.ShutdownGrace,
		RetryAttempts: cfg.EventLog.RetryAttempts,
	}, reg, healthReg, logger)

	handler := rest.NewHandler(eventsSvc, ruleStore, healthReg, logger)
	router := rest.NewRouter(cfg.Server, handler, hub, logger)
	server := rest.NewServer(cfg.Server, router, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	sweeper := events.NewSweeper(eventRepo,
		time.Duration(cfg.Retention.WindowHours)*time.Hour,
		cfg.Retention.SweepInterval, logger)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})

	if pool != nil && ruleStore != nil {
		techRepo := repository.NewTechniqueRepository(pool.DB())
		refresher := mitre.NewRefresher(
			mitre.NewStixImporter(techRepo, cfg.Mitre.DatasetURL, logger),
			mitre.NewYaraUpdater(cfg.Yara.UpdateCommand, cfg.StateDir, logger),
			ruleStore, cfg.Mitre, cfg.Yara, 0, logger)
		g.Go(func() error {
			refresher.Run(gctx)
			return nil
		})
	}

	if cfg.EventLog.Enabled {
		if len(cfg.EventLog.CollectorCommand) == 0 {
			logger.Warn("event log enabled but no collector command configured, watchers not started")
		} else {
			bookmarks, err := eventlog.NewFileBookmarkStore(cfg.BookmarkDir, logger)
			if err != nil {
				return err
			}
			sub := eventlog.NewExecSubscription(cfg.EventLog.CollectorCommand, logger)
			for _, ch := range cfg.EventLog.Channels {
				if !ch.Enabled {
					continue
				}
				watcher := eventlog.NewWatcher(ch.Name, ch.XPathFilter, sub, bookmarks,
					queue, healthReg, logger, cfg.EventLog.BookmarkFlushInterval)
				g.Go(func() error {
					// A watcher that cannot subscribe stays down without
					// taking the rest of the service with it.
					if err := watcher.Run(gctx); err != nil && gctx.Err() == nil {
						logger.Error("watcher stopped", zap.String("channel", ch.Name), zap.Error(err))
					}
					return nil
				})
			}
		}
	}

	logger.Info("castellan started",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.String("address", cfg.Server.Address))

	return g.Wait()
}

// fallbackOnlyRules serves rule lookups when no database is configured; every
// lookup reports not-found so the detector uses the built-in catalog.
type fallbackOnlyRules struct{}

func (fallbackOnlyRules) GetRule(context.Context, int, string) (*rules.Rule, error) {
	return nil, errors.ErrRuleNotFound
}

// enrichingSink runs threat-intel enrichment before the event reaches the
// store. Enrichment failures degrade to an unenriched event.
type enrichingSink struct {
	enricher *threatintel.Enricher
	next     ingest.EventSink
}

func (s enrichingSink) AddSecurityEvent(ctx context.Context, se *event.SecurityEvent) error {
	s.enricher.Enrich(ctx, se)
	return s.next.AddSecurityEvent(ctx, se)
}
