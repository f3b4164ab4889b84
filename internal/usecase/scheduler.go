package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"sealog/internal/domain"

	"golang.org/x/sync/errgroup"
)

type SchedulerOptions struct {
	SignTick          time.Duration
	FlowInterval      time.Duration
	GuardInterval     time.Duration
	VerifyInterval    time.Duration
	RetentionInterval time.Duration
}

func (o SchedulerOptions) withDefaults() SchedulerOptions {
	if o.SignTick <= 0 {
		o.SignTick = 5 * time.Second
	}
	if o.FlowInterval <= 0 {
		o.FlowInterval = time.Minute
	}
	if o.GuardInterval <= 0 {
		o.GuardInterval = time.Minute
	}
	if o.VerifyInterval <= 0 {
		o.VerifyInterval = 30 * time.Second
	}
	if o.RetentionInterval <= 0 {
		o.RetentionInterval = time.Hour
	}
	return o
}

// Scheduler drives the background work of a node. Every component is optional; Background
// holds extra loops such as the timestamp backend prober.
type Scheduler struct {
	Signer     *BatchSigner
	Verifier   *Verifier
	Flows      *FlowMonitorService
	Retention  *RetentionManager
	Guard      *IntegrityGuard
	Background []func(ctx context.Context) error
	Opts       SchedulerOptions
	Env        Env

	mu       sync.Mutex
	lastSign map[string]time.Time
}

func NewScheduler(opts SchedulerOptions, env Env) *Scheduler {
	return &Scheduler{Opts: opts.withDefaults(), Env: env.withDefaults(), lastSign: make(map[string]time.Time)}
}

// Run blocks until ctx is done or a background loop fails.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Signer != nil {
		if _, err := s.Signer.Recover(ctx); err != nil {
			return err
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	if s.Signer != nil {
		g.Go(func() error { return s.every(ctx, "sign", s.Opts.SignTick, nil, s.signDue) })
	}
	if s.Flows != nil {
		g.Go(func() error { return s.every(ctx, "flow", s.Opts.FlowInterval, nil, s.Flows.Sample) })
	}
	if s.Guard != nil {
		g.Go(func() error { return s.every(ctx, "guard", s.Opts.GuardInterval, nil, s.Guard.CheckAll) })
	}
	if s.Verifier != nil {
		g.Go(func() error { return s.every(ctx, "verify", s.Opts.VerifyInterval, s.Verifier.Wake(), s.Verifier.RunPending) })
	}
	if s.Retention != nil {
		g.Go(func() error {
			return s.every(ctx, "retention", s.Opts.RetentionInterval, nil, func(ctx context.Context) error {
				_, err := s.Retention.Run(ctx)
				return err
			})
		})
	}
	for _, fn := range s.Background {
		g.Go(func() error {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// every runs fn immediately and then on each tick or wake-up until ctx ends. Errors from fn
// are logged, not returned.
func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, wake <-chan struct{}, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			s.Env.Logger.Warn("background task failed", "task", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// signDue signs every tenant whose sign interval has elapsed since its last pass.
func (s *Scheduler) signDue(ctx context.Context) error {
	tenants, err := s.Signer.Store.Tenants().List(ctx)
	if err != nil {
		return err
	}
	now := s.Env.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Signer.Opts.Parallelism)
	for _, t := range tenants {
		s.mu.Lock()
		last, seen := s.lastSign[t.ID]
		due := !seen || now.Sub(last) >= t.EffectiveSignInterval()
		if due {
			s.lastSign[t.ID] = now
		}
		s.mu.Unlock()
		if !due {
			continue
		}
		g.Go(func() error {
			rep, err := s.Signer.SignTenant(gctx, t.ID)
			switch {
			case errors.Is(err, domain.ErrLockHeld):
			case err != nil:
				s.Env.Logger.Warn("sign pass failed", "tenant", t.ID, "error", err)
			case rep.Batches > 0:
				s.Env.Logger.Debug("sign pass", "tenant", t.ID, "batches", rep.Batches, "signed", rep.Signed)
			}
			return nil
		})
	}
	return g.Wait()
}
