package main

import (
	"IsoLedger/internal/config"
	"IsoLedger/internal/core"
	"IsoLedger/internal/event"
	"IsoLedger/internal/ingestion"
	"IsoLedger/internal/observability"
	"IsoLedger/internal/persistence"
	"IsoLedger/internal/projection"
	"IsoLedger/internal/query"
	"IsoLedger/internal/server"
	"IsoLedger/internal/vault"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const callbackConsumer = "isoledger-callbacks"

func main() {
	cfg := config.FromEnv()
	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("main", level)

	if err := run(cfg, level, logger); err != nil {
		logger.Fatal().Err(err).Msg("isoledger stopped")
	}
	logger.Info().Msg("isoledger shutdown complete")
}

func run(cfg config.Config, level zerolog.Level, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seed, err := config.LoadSeed(cfg.MarketsFile)
	if err != nil {
		return err
	}
	logger.Info().Int("markets", len(seed.Markets)).Int("isolation", len(seed.Isolation)).Msg("market seed loaded")

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLoggerWithLevel("migrator", level)).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker("postgres", "nats", "callbacks")
	health.SetComponent("postgres", true)

	// --- Event log ---
	eventLog := persistence.NewEventLogWriter(db)
	lastSeq, err := eventLog.LatestSequence(ctx)
	if err != nil {
		return err
	}
	eventChan := make(chan event.EventEnvelope, cfg.EventChanSize)
	sink := persistence.NewChannelSink(eventChan, lastSeq, observability.NewLoggerWithLevel("events", level))

	// --- NATS ---
	natsLogger := observability.NewLoggerWithLevel("nats", level)
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
		return err
	}
	health.SetComponent("nats", true)
	venue := ingestion.NewVenuePublisher(js, uint64(cfg.VenueMaxRetries), metrics, observability.NewLoggerWithLevel("venue", level))

	// --- Domain ---
	d, err := buildDomain(seed, domainDeps{
		venue: venue,
		store: func(addr common.Address) vault.RequestStore {
			return persistence.NewRequestStore(db, addr)
		},
		events: sink,
		level:  level,
	})
	if err != nil {
		return err
	}

	vaults := persistence.NewVaultStore(db)
	for _, f := range d.factories() {
		n, err := vaults.RestoreFactory(ctx, f)
		if err != nil {
			return err
		}
		logger.Info().Uint64("market", uint64(f.IsolationMarket())).Int("vaults", n).Msg("vaults restored")
	}
	for _, reg := range d.async {
		n, err := persistence.NewRequestStore(db, reg.Address()).Restore(ctx, reg)
		if err != nil {
			return err
		}
		logger.Info().Str("registry", reg.Address().Hex()).Int("requests", n).Msg("async requests restored")
	}

	processed := persistence.NewPostgresProcessedStore(db)
	dedup := core.NewDeduper(cfg.DedupLRUCapacity, processed, metrics, observability.NewLoggerWithLevel("dedup", level))
	recent, err := processed.RecentIDs(ctx, cfg.DedupLRUCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("dedup warm-up skipped")
	}
	dedup.Warm(recent)

	engine := core.NewEngine(d.components(vaults), dedup, metrics, observability.NewLoggerWithLevel("engine", level))

	// --- Persistence and outbound: outlive ingress so buffered events drain ---
	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer persistCancel()

	worker := persistence.NewWorker(db, eventChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics,
		observability.NewLoggerWithLevel("persistence", level))
	outbound := make(chan event.EventEnvelope, cfg.EventChanSize)
	historyIn := make(chan event.EventEnvelope, cfg.EventChanSize)
	worker.Forward(outbound, historyIn)
	publisher := ingestion.NewOutboundPublisher(js, outbound, observability.NewLoggerWithLevel("outbound", level))

	history := projection.NewWorker(db, historyIn, eventLog, observability.NewLoggerWithLevel("history", level))
	if _, err := history.CatchUp(ctx); err != nil {
		logger.Warn().Err(err).Msg("request history catch-up failed")
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(persistCtx); err != nil && persistCtx.Err() == nil {
			logger.Error().Err(err).Msg("persistence worker stopped")
		}
	}()
	go func() {
		_ = publisher.Run(persistCtx)
	}()
	go func() {
		_ = history.Run(persistCtx)
	}()

	// --- Ingress ---
	limits := ingestion.Limits{
		MaxMessageBytes:   seed.CallbackBudgetBytes,
		MaxExtraDataBytes: seed.MaxExtraDataBytes,
	}
	inbound := make(chan core.Inbound, cfg.CallbackChanSize)
	subscriber := ingestion.NewCallbackSubscriber(js, inbound, callbackConsumer, limits, metrics,
		observability.NewLoggerWithLevel("callbacks", level))
	if err := subscriber.Subscribe(ctx); err != nil {
		return err
	}

	var manual *ingestion.ManualIngest
	if cfg.ManualIngest {
		manual = ingestion.NewManualIngest(inbound, limits)
	}

	handler, err := server.NewHTTPHandler(server.HTTPDeps{
		Query:    query.NewService(engine, eventLog, sink.Sequence).WithHistory(projection.NewStore(db)),
		Commands: engine,
		Manual:   manual,
		Health:   health,
		Metrics:  metrics,
		Logger:   observability.NewLoggerWithLevel("http", level),
	})
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, observability.NewLoggerWithLevel("grpc", level))

	errChan := make(chan error, 4)
	var ingress sync.WaitGroup
	start := func(name string, fn func() error) {
		ingress.Add(1)
		go func() {
			defer ingress.Done()
			if err := fn(); err != nil && ctx.Err() == nil {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	start("callbacks", func() error { return engine.RunCallbacks(ctx, inbound) })
	start("grpc", func() error { return grpcServer.Start(ctx) })
	start("http", func() error { return server.ServeHTTP(ctx, cfg.HTTPAddr, handler, logger) })

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	start("metrics", func() error { return server.ServeHTTP(ctx, cfg.MetricsAddr, metricsMux, logger) })

	health.SetComponent("callbacks", true)
	grpcServer.SetServing(health.IsReady())
	logger.Info().
		Int64("sequence", lastSeq).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("isoledger ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// Stop ingress, then let the worker drain every emitted event.
	stop()
	grpcServer.SetServing(false)
	health.SetComponent("callbacks", false)
	subscriber.Stop()
	ingress.Wait()

	close(eventChan)
	select {
	case <-workerDone:
	case <-time.After(30 * time.Second):
		logger.Error().Int("pending", len(eventChan)).Msg("event log drain timed out")
	}
	persistCancel()

	if err := nc.Drain(); err != nil {
		logger.Warn().Err(err).Msg("nats drain")
	}
	return runErr
}
