package main

import (
	"TokenLedger/internal/core"
	"TokenLedger/internal/ingestion"
	"TokenLedger/internal/ledger"
	"TokenLedger/internal/observability"
	"TokenLedger/internal/persistence"
	"TokenLedger/internal/pricing"
	"TokenLedger/internal/projection"
	"TokenLedger/internal/query"
	"TokenLedger/internal/server"
	"TokenLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration, loaded from environment variables.
// An empty PostgresURL runs the ledger in memory; empty NATSURL and RedisAddr
// disable intake/outbound events and the Redis price source.
type Config struct {
	// Backends
	PostgresURL string
	NATSURL     string
	RedisAddr   string

	// Listeners
	GRPCAddr    string
	HTTPAddr    string
	MetricsAddr string

	// Ledger rules
	Tokens      string
	FeeRate     string
	LockTimeout time.Duration

	// Channels and workers
	SettlementChanSize  int
	JournalBatchSize    int
	JournalFlushTimeout time.Duration
	IntakeWorkers       int

	// Sweeper
	AbandonedAfter time.Duration
	SweepInterval  time.Duration

	// LRU
	IdempotencyLRUCapacity int

	// Migrations; empty uses the embedded set
	MigrationsDir string
}

func DefaultConfig() Config {
	return Config{
		PostgresURL:            envOrDefault("LEDGER_POSTGRES_DSN", ""),
		NATSURL:                envOrDefault("LEDGER_NATS_URL", ""),
		RedisAddr:              envOrDefault("LEDGER_REDIS_ADDR", ""),
		GRPCAddr:               envOrDefault("LEDGER_GRPC_ADDR", ":9090"),
		HTTPAddr:               envOrDefault("LEDGER_HTTP_ADDR", ":8080"),
		MetricsAddr:            envOrDefault("LEDGER_METRICS_ADDR", ":9091"),
		Tokens:                 envOrDefault("LEDGER_TOKENS", ""),
		FeeRate:                envOrDefault("LEDGER_FEE_RATE", ledger.DefaultFeeRate.String()),
		LockTimeout:            envDurationOrDefault("LEDGER_LOCK_TIMEOUT", core.DefaultLockTimeout),
		SettlementChanSize:     envIntOrDefault("LEDGER_SETTLEMENT_CHAN_SIZE", 4096),
		JournalBatchSize:       envIntOrDefault("LEDGER_JOURNAL_BATCH_SIZE", 50),
		JournalFlushTimeout:    envDurationOrDefault("LEDGER_JOURNAL_FLUSH_TIMEOUT", 10*time.Millisecond),
		IntakeWorkers:          envIntOrDefault("LEDGER_INTAKE_WORKERS", 8),
		AbandonedAfter:         envDurationOrDefault("LEDGER_ABANDONED_AFTER", 5*time.Minute),
		SweepInterval:          envDurationOrDefault("LEDGER_SWEEP_INTERVAL", time.Minute),
		IdempotencyLRUCapacity: envIntOrDefault("LEDGER_IDEMPOTENCY_LRU_CAPACITY", 100_000),
		MigrationsDir:          envOrDefault("LEDGER_MIGRATIONS_DIR", ""),
	}
}

// stores is the storage side of the ledger, Postgres-backed or in memory.
type stores struct {
	db          *sql.DB
	balances    ledger.BalanceStore
	reader      ledger.BalanceReader
	log         ledger.TransactionLog
	fees        projection.FeeTotalsStore
	dbChecker   core.DBIdempotencyChecker
	tip         ledger.BlockRef
	recentKeys  map[string]string
	memBalances *ledger.MemoryBalanceStore
	pgFees      *projection.PostgresFeeTotals
}

func main() {
	logger := observability.NewLogger("main")
	logger.Info().Msg("TokenLedger starting...")

	cfg := DefaultConfig()

	// --- Context with graceful shutdown ---
	// ctx stops everything that submits transfers; workerCtx stops the
	// settlement workers, which must outlive the producers.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Ledger rules ---
	tokens := ledger.NewTokenRegistry(ledger.DefaultTokens())
	if cfg.Tokens != "" {
		parsed, err := ledger.ParseTokenRegistry(cfg.Tokens)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse LEDGER_TOKENS")
		}
		tokens = parsed
	}
	rate, err := decimal.NewFromString(cfg.FeeRate)
	if err != nil {
		logger.Fatal().Err(err).Str("fee_rate", cfg.FeeRate).Msg("parse LEDGER_FEE_RATE")
	}
	feePolicy, err := ledger.NewRatePolicy(rate, tokens)
	if err != nil {
		logger.Fatal().Err(err).Msg("fee policy")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Storage ---
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open storage")
	}
	if st.db != nil {
		defer st.db.Close()
		healthChecker.Register("postgres", st.db.PingContext)
	}

	sequencer, err := core.NewBlockSequencer(st.tip)
	if err != nil {
		logger.Fatal().Err(err).Msg("block sequencer")
	}

	idempotency := core.NewIdempotencyChecker(cfg.IdempotencyLRUCapacity, st.dbChecker, metrics)
	if len(st.recentKeys) > 0 {
		idempotency.Warm(st.recentKeys)
		logger.Info().Int("keys", len(st.recentKeys)).Msg("idempotency LRU warmed")
	}

	// --- Channels ---
	// Journal channel blocks (backpressure); projection and publish channels drop when full.
	var persistChan chan *ledger.Batch
	if st.db != nil {
		persistChan = make(chan *ledger.Batch, cfg.SettlementChanSize)
	}
	projectionChan := make(chan core.Settlement, cfg.SettlementChanSize)
	var publishChan chan core.Settlement
	if cfg.NATSURL != "" {
		publishChan = make(chan core.Settlement, cfg.SettlementChanSize)
	}

	engine, err := core.NewTransferEngine(core.Config{
		Balances:       st.balances,
		Log:            st.log,
		Fees:           feePolicy,
		Tokens:         tokens,
		Sequencer:      sequencer,
		Idempotency:    idempotency,
		LockTimeout:    cfg.LockTimeout,
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		PublishChan:    publishChan,
		Metrics:        metrics,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("transfer engine")
	}

	// --- Pricing ---
	prices := pricing.Source(pricing.NewStatic(pricing.DefaultPrices()))
	if cfg.RedisAddr != "" {
		rdb, err := pricing.NewRedisClient(cfg.RedisAddr, os.Getenv("LEDGER_REDIS_PASSWORD"), envIntOrDefault("LEDGER_REDIS_DB", 0))
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connect")
		}
		defer rdb.Close()
		redisSource := pricing.NewRedisSource(rdb, os.Getenv("LEDGER_REDIS_PRICE_KEY"))
		healthChecker.Register("redis", redisSource.Ping)
		prices = pricing.NewChain(redisSource, prices)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis price source connected")
	}

	// --- Query side ---
	queryService, err := query.NewQueryService(query.Config{
		Balances:  st.reader,
		Log:       st.log,
		Tokens:    tokens,
		Projector: projection.NewProjector(st.reader, prices),
		Fees:      st.fees,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("query service")
	}

	var rebuildFees func(ctx context.Context) error
	if st.pgFees != nil {
		queryService.RegisterCheck("fee_totals", st.pgFees.Verify)
		rebuildFees = st.pgFees.Rebuild
	}
	if st.memBalances != nil {
		validator := ledger.NewInvariantValidator(st.memBalances)
		queryService.RegisterCheck("non_negative_balances", func(context.Context) error {
			return validator.ValidateNonNegative()
		})
	}

	// --- gRPC + HTTP/JSON server ---
	apiServer, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Engine:        engine,
		QueryService:  queryService,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		RebuildFees:   rebuildFees,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api server")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	var serving, workers sync.WaitGroup
	start := func(wg *sync.WaitGroup, ctx context.Context, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- err
			}
		}()
	}
	startWorker := func(run func(context.Context) error) { start(&workers, workerCtx, run) }
	startServing := func(run func(context.Context) error) { start(&serving, ctx, run) }

	// 1. Journal worker
	if persistChan != nil {
		journalWorker := persistence.NewJournalWorker(st.db, persistChan, cfg.JournalBatchSize, cfg.JournalFlushTimeout, metrics)
		startWorker(journalWorker.Run)
	}

	// 2. Fee projection worker
	feeWorker := projection.NewFeeWorker(st.fees, projectionChan, metrics)
	startWorker(feeWorker.Run)

	// 3. NATS intake and outbound publisher
	var natsSubscriber *ingestion.NATSSubscriber
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		healthChecker.Register("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			logger.Fatal().Err(err).Msg("ensure NATS streams")
		}

		outbound := ingestion.NewOutboundPublisher(js, publishChan, metrics)
		startWorker(outbound.Run)

		rawEventChan := make(chan ingestion.RawEvent, cfg.SettlementChanSize)
		intake := ingestion.NewIntakeWorker(engine, rawEventChan, cfg.IntakeWorkers)
		startServing(intake.Run)

		natsSubscriber = ingestion.NewNATSSubscriber(js, rawEventChan)
		if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS intake running")
	}

	// 4. Abandoned-record sweeper
	startServing(func(ctx context.Context) error {
		runSweeper(ctx, engine, cfg.AbandonedAfter, cfg.SweepInterval, logger)
		return nil
	})

	// 5. gRPC server
	startServing(apiServer.StartGRPC)

	// 6. HTTP/JSON gateway
	startServing(apiServer.StartHTTPGateway)

	// 7. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-workerCtx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)

	logger.Info().
		Int64("block", st.tip.Number).
		Bool("postgres", st.db != nil).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("TokenLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Producers first: once no transfer can start, the workers drain what was
	// settled and flush it before the deferred closes run.
	healthChecker.SetReady(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	cancel()
	if !waitFor(&serving, 30*time.Second) {
		logger.Warn().Msg("servers did not stop within 30s")
	}

	stopWorkers()
	if !waitFor(&workers, 30*time.Second) {
		logger.Warn().Msg("workers did not stop within 30s")
	}

	logger.Info().Msg("TokenLedger shutdown complete")
}

// openStores connects Postgres and runs migrations when a DSN is configured,
// otherwise returns in-memory stores.
func openStores(ctx context.Context, cfg Config, logger zerolog.Logger) (*stores, error) {
	if cfg.PostgresURL == "" {
		logger.Warn().Msg("LEDGER_POSTGRES_DSN not set, running in memory")
		mem := ledger.NewMemoryBalanceStore()
		return &stores{
			balances:    mem,
			reader:      mem,
			log:         ledger.NewMemoryTransactionLog(),
			fees:        projection.NewMemoryFeeTotals(),
			memBalances: mem,
		}, nil
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigratorFS(db, migrations.FS)
	if cfg.MigrationsDir != "" {
		migrator = persistence.NewMigrator(db, cfg.MigrationsDir)
	}
	applied, err := migrator.Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations applied")

	txLog := persistence.NewPostgresTransactionLog(db)
	tip, err := txLog.LatestBlock(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load latest block: %w", err)
	}

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	recent, err := dbChecker.RecentKeys(ctx, cfg.IdempotencyLRUCapacity)
	if err != nil {
		// Tier 2 still answers; the LRU just starts cold.
		logger.Warn().Err(err).Msg("load recent idempotency keys")
	}

	balances := persistence.NewPostgresBalanceStore(db)
	fees := projection.NewPostgresFeeTotals(db)
	return &stores{
		db:         db,
		balances:   balances,
		reader:     balances,
		log:        txLog,
		fees:       fees,
		dbChecker:  dbChecker,
		tip:        tip,
		recentKeys: recent,
		pgFees:     fees,
	}, nil
}

// waitFor reports whether wg finished within timeout.
func waitFor(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// runSweeper cancels abandoned PENDING records once at startup and then every interval.
func runSweeper(ctx context.Context, engine *core.TransferEngine, after, interval time.Duration, logger zerolog.Logger) {
	sweep := func() {
		if _, err := engine.CancelAbandoned(ctx, time.Now().Add(-after)); err != nil {
			logger.Warn().Err(err).Msg("abandoned sweep failed")
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
