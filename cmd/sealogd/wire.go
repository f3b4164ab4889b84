package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"sealog/internal/config"
	"sealog/internal/domain"
	"sealog/internal/infra/archive"
	cryptoinfra "sealog/internal/infra/crypto"
	"sealog/internal/infra/db"
	"sealog/internal/infra/events"
	"sealog/internal/infra/lock"
	"sealog/internal/infra/memstore"
	"sealog/internal/infra/metrics"
	"sealog/internal/infra/policyopa"
	"sealog/internal/infra/ratelimit"
	"sealog/internal/infra/tsa"
	"sealog/internal/usecase"

	"github.com/redis/go-redis/v9"
)

type storeHandle struct {
	store   usecase.Store
	pg      *db.Store
	durable bool
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*storeHandle, error) {
	if cfg.Postgres.DSN == "" {
		logger.Warn("postgres.dsn is empty; records are kept in memory only")
		return &storeHandle{store: memstore.New()}, nil
	}
	var cipher *cryptoinfra.FieldCipher
	master, err := cfg.Crypto.MasterKey()
	if err != nil {
		return nil, fmt.Errorf("crypto.master_key_hex: %w", err)
	}
	if master != nil {
		overrides, err := cfg.Crypto.Overrides()
		if err != nil {
			return nil, err
		}
		if cipher, err = cryptoinfra.NewFieldCipher(master, overrides); err != nil {
			return nil, err
		}
	}
	pg, err := db.Open(cfg.Postgres.DSN, db.Options{Cipher: cipher})
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &storeHandle{store: pg, pg: pg, durable: true}, nil
}

func (h *storeHandle) ready(ctx context.Context) error {
	if h.pg == nil {
		return nil
	}
	return h.pg.Ping(ctx)
}

func (h *storeHandle) close() {
	if h.pg != nil {
		_ = h.pg.Close()
	}
}

// coordination holds the sign/verify locks and the ingest rate limiter. Redis backs both when
// configured; otherwise locks fall back to Postgres advisory locks, then to process memory.
type coordination struct {
	locks   usecase.Locker
	limiter domain.RateLimiter
	redis   *redis.Client
}

func newCoordination(cfg config.Config, st *storeHandle, logger *slog.Logger) (*coordination, error) {
	c := &coordination{}
	if cfg.Redis.Addr != "" {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locks, err := lock.NewRedis(c.redis, cfg.Redis.LockLease, logger)
		if err != nil {
			return nil, err
		}
		limiter, err := ratelimit.NewRedisLimiter(c.redis, time.Now)
		if err != nil {
			return nil, err
		}
		c.locks, c.limiter = locks, limiter
		return c, nil
	}

	c.limiter = ratelimit.NewMemoryLimiter(time.Now, cfg.HTTP.RateLimitMaxKeys)
	if st.pg != nil {
		sqlDB, err := st.pg.SQL()
		if err != nil {
			return nil, err
		}
		c.locks = db.NewAdvisoryLocker(sqlDB)
		return c, nil
	}
	c.locks = lock.NewMemory()
	return c, nil
}

func (c *coordination) close() {
	if c.redis != nil {
		_ = c.redis.Close()
	}
}

func newEventSink(cfg config.KafkaConfig, logger *slog.Logger) (usecase.EventSink, func(), error) {
	logSink := events.NewLogSink(logger)
	if len(cfg.Brokers) == 0 {
		return logSink, func() {}, nil
	}
	kafka, err := events.NewKafkaSink(events.KafkaConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		ClientID: cfg.ClientID,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	return events.NewFanout(logSink, kafka), kafka.Close, nil
}

func newTSAClient(ctx context.Context, cfg config.TSAConfig, sink usecase.EventSink, m *metrics.Metrics, logger *slog.Logger) (*tsa.Client, error) {
	var (
		selector *policyopa.Engine
		err      error
	)
	if cfg.PolicyBundle != "" {
		selector, err = policyopa.NewEngineFromBundlePath(ctx, cfg.PolicyBundle)
	} else {
		selector, err = policyopa.NewDefaultEngine(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("tsa policy: %w", err)
	}

	httpClient := &http.Client{}
	backends := make([]tsa.Backend, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		roots, err := tsa.LoadRoots(bc.RootPEM)
		if err != nil {
			return nil, fmt.Errorf("tsa backend %s: %w", bc.ID, err)
		}
		backend, err := tsa.NewHTTPBackend(tsa.HTTPBackendConfig{
			ID:          bc.ID,
			Kind:        domain.BackendKind(bc.Kind),
			Endpoint:    bc.URL,
			Auth:        domain.AuthStyle(bc.Auth),
			Token:       envValue(bc.TokenEnv),
			Username:    envValue(bc.UsernameEnv),
			Password:    envValue(bc.PasswordEnv),
			Roots:       roots,
			Timeout:     bc.Timeout,
			RetryBudget: bc.RetryBudget,
			Priority:    bc.Priority,
			Enabled:     !bc.Disabled,
			Tolerance:   cfg.Tolerance,
		}, httpClient)
		if err != nil {
			return nil, err
		}
		backends = append(backends, backend)
	}
	logger.Info("tsa policy loaded", "bundle_hash", selector.BundleHash(), "backends", len(backends))
	return tsa.NewClient(backends, tsa.ClientOptions{
		CoolDown: cfg.CoolDown,
		Selector: selector,
		Events:   sink,
		Metrics:  m,
		Logger:   logger,
	})
}

func envValue(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

func newArchiveStores(cfg config.ArchiveConfig) ([]usecase.ArchiveStore, error) {
	var out []usecase.ArchiveStore
	if cfg.LocalPath != "" {
		s, err := archive.NewLocal(cfg.LocalPath)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if cfg.WORMPath != "" {
		s, err := archive.NewWORM(cfg.WORMPath)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if cfg.TapeDevice != "" {
		s, err := archive.NewTape(cfg.TapeDevice)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if cfg.S3.Bucket != "" {
		s, err := archive.NewObjectStore(archive.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Prefix:          cfg.S3.Prefix,
			PathStyle:       cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
