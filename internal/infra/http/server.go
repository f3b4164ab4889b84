package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"sealog/internal/config"
	"sealog/internal/domain"
	"sealog/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the services behind the API. Any service left nil answers its routes with 404.
type Deps struct {
	Ingest   *usecase.IngestService
	Signer   *usecase.BatchSigner
	Verifier *usecase.Verifier
	Flows    *usecase.FlowMonitorService
	Reports  *usecase.ReportBuilder
	Guard    *usecase.IntegrityGuard

	Limiter domain.RateLimiter
	// Limits maps tenant id to the records a producer may submit per rate-limit window.
	Limits map[string]int

	Gatherer prometheus.Gatherer
	// Ready reports whether backing stores are reachable; nil means always ready.
	Ready func(ctx context.Context) error

	Logger *slog.Logger
	Clock  func() time.Time
}

type Server struct {
	cfg  config.HTTPConfig
	deps Deps
	r    *gin.Engine
}

func NewServer(cfg config.HTTPConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{cfg: cfg, deps: deps, r: r}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.r
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		s.r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.r.Group("/v1/tenants/:tenant")
	{
		v1.POST("/records", s.rateLimit, s.handleAppend)
		v1.POST("/heartbeats/:producer", s.handleHeartbeat)
	}

	ops := s.r.Group("/v1/tenants/:tenant", s.requireAdmin)
	{
		ops.POST("/sign", s.handleSign)
		ops.POST("/sign/reset", s.handleResetFailed)
		ops.POST("/verifications", s.handleSubmitVerification)
		ops.GET("/verifications/:id", s.handleGetVerification)
		ops.POST("/verifications/:id/cancel", s.handleCancelVerification)
		ops.GET("/verifications/:id/report", s.handleReport)
		ops.POST("/evidence", s.handleEvidence)
		ops.GET("/monitors", s.handleListMonitors)
		ops.PUT("/monitors/:name", s.handleRegisterMonitor)
		ops.GET("/alerts", s.handleListAlerts)
		ops.POST("/alerts/:id/ack", s.handleAckAlert)
		ops.POST("/unfreeze", s.handleUnfreeze)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("http listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
