package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sealog/internal/config"
	httpinfra "sealog/internal/infra/http"
	"sealog/internal/infra/metrics"
	"sealog/internal/tracing"
	"sealog/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvName("config")), "path to the YAML config file")
	flag.Parse()

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			log.Printf("config: %v", err)
		}
		log.Fatalf("invalid configuration")
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sealogd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	tp, err := tracing.Setup(ctx, cfg.OTLP, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return err
	}

	sink, closeSink, err := newEventSink(cfg.Kafka, logger)
	if err != nil {
		return err
	}
	defer closeSink()
	env := usecase.Env{Metrics: m, Events: sink, Logger: logger, Clock: time.Now}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	for _, tc := range cfg.Tenants {
		if err := st.store.Tenants().Upsert(ctx, tc.Tenant()); err != nil {
			return err
		}
	}

	coord, err := newCoordination(cfg, st, logger)
	if err != nil {
		return err
	}
	defer coord.close()

	tsaClient, err := newTSAClient(ctx, cfg.TSA, sink, m, logger)
	if err != nil {
		return err
	}

	archives, err := newArchiveStores(cfg.Archive)
	if err != nil {
		return err
	}

	guard := usecase.NewIntegrityGuard(st.store, env)
	ingest := usecase.NewIngestService(st.store, env)
	signer := usecase.NewBatchSigner(st.store, tsaClient, coord.locks, usecase.SignerOptions{
		MaxAttempts:   cfg.Signer.MaxAttempts,
		RetryBase:     cfg.Signer.RetryBase,
		FailureCap:    cfg.Signer.FailureCap,
		BatchesPerRun: cfg.Signer.BatchesPerRun,
		Parallelism:   cfg.Signer.Parallelism,
	}, env)
	verifier := usecase.NewVerifier(st.store, tsaClient, usecase.VerifierOptions{PageSize: cfg.Verify.PageSize}, env)
	verifier.Guard = guard
	verifier.Locks = coord.locks
	flows := usecase.NewFlowMonitorService(st.store, usecase.FlowOptions{BaselineSamples: cfg.Flow.BaselineSamples}, env)
	retention := usecase.NewRetentionManager(st.store, archives, coord.locks, usecase.RetentionOptions{}, env)
	reports := usecase.NewReportBuilder(st.store, env)

	for _, pc := range cfg.Retention {
		if _, err := retention.SetPolicy(ctx, pc.Policy()); err != nil {
			return err
		}
	}

	sched := usecase.NewScheduler(usecase.SchedulerOptions{
		SignTick:          cfg.Signer.Tick,
		FlowInterval:      cfg.Flow.SampleInterval,
		GuardInterval:     cfg.Verify.GuardInterval,
		VerifyInterval:    cfg.Verify.Interval,
		RetentionInterval: cfg.Archive.Interval,
	}, env)
	sched.Signer = signer
	sched.Verifier = verifier
	sched.Flows = flows
	sched.Retention = retention
	sched.Guard = guard
	sched.Background = append(sched.Background, func(ctx context.Context) error {
		return tsaClient.RunProber(ctx, cfg.TSA.ProbeInterval)
	})

	if cfg.HTTP.AdminAPIKey == "" {
		logger.Warn("admin api key not set; operator routes are unauthenticated")
	}
	server := httpinfra.NewServer(cfg.HTTP, httpinfra.Deps{
		Ingest:   ingest,
		Signer:   signer,
		Verifier: verifier,
		Flows:    flows,
		Reports:  reports,
		Guard:    guard,
		Limiter:  coord.limiter,
		Limits:   rateLimits(cfg.Tenants),
		Gatherer: reg,
		Ready:    st.ready,
		Logger:   logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	logger.Info("sealogd started", "tenants", len(cfg.Tenants), "addr", cfg.HTTP.Addr, "durable", st.durable)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var logOutput io.Writer = os.Stderr

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(logOutput, &slog.HandlerOptions{Level: level}))
}

func rateLimits(tenants []config.TenantConfig) map[string]int {
	out := make(map[string]int, len(tenants))
	for _, t := range tenants {
		if t.RateLimit > 0 {
			out[t.ID] = t.RateLimit
		}
	}
	return out
}
