package usecase

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"sealog/internal/domain"
)

// IntegrityGuard compares each tenant's ChainHead with the records actually stored and
// freezes the tenant when they disagree. A frozen tenant refuses appends until an operator
// unfreezes it.
type IntegrityGuard struct {
	Store Store
	Env   Env
}

func NewIntegrityGuard(store Store, env Env) *IntegrityGuard {
	return &IntegrityGuard{Store: store, Env: env.withDefaults()}
}

// CheckHead returns domain.ErrInvariantViolated after freezing the tenant if its head has
// drifted from the stored tip.
func (g *IntegrityGuard) CheckHead(ctx context.Context, tenantID string) error {
	head, tip, err := g.Store.Records().HeadAndTip(ctx, tenantID)
	if err != nil {
		return err
	}
	if headMatches(head, tip) {
		return nil
	}
	reason := fmt.Sprintf("chain head at seq %d (%s) but stored tip at seq %d (%s)",
		head.LastSeq, shortHex(head.LastDigest), tip.Seq, shortHex(tip.Digest))
	return g.freeze(ctx, tenantID, reason)
}

func headMatches(head domain.ChainHead, tip domain.ChainTip) bool {
	if tip.Seq == 0 {
		// Empty chain, or every record removed by retention.
		return head.LastSeq == 0 || head.LowWater > head.LastSeq
	}
	return head.LastSeq == tip.Seq && bytes.Equal(head.LastDigest, tip.Digest)
}

func (g *IntegrityGuard) freeze(ctx context.Context, tenantID, reason string) error {
	now := g.Env.now()
	if err := g.Store.Tenants().Freeze(ctx, tenantID, reason, now); err != nil {
		return err
	}
	g.Env.Logger.Error("tenant frozen", "tenant", tenantID, "reason", reason)
	g.Env.publish(ctx, domain.Event{
		Kind:     domain.EventTenantFrozen,
		Severity: domain.SeverityCritical,
		TenantID: tenantID,
		Subject:  tenantID,
		Message:  reason,
		At:       now,
	})
	return fmt.Errorf("%w: %s", domain.ErrInvariantViolated, reason)
}

// CheckAll runs CheckHead for every tenant that is not already frozen.
func (g *IntegrityGuard) CheckAll(ctx context.Context) error {
	tenants, err := g.Store.Tenants().List(ctx)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		if t.Frozen {
			continue
		}
		if err := g.CheckHead(ctx, t.ID); err != nil {
			g.Env.Logger.Warn("chain head check failed", "tenant", t.ID, "error", err)
		}
	}
	return nil
}

func (g *IntegrityGuard) Unfreeze(ctx context.Context, tenantID string) error {
	if err := g.Store.Tenants().Unfreeze(ctx, tenantID); err != nil {
		return err
	}
	g.Env.Logger.Info("tenant unfrozen", "tenant", tenantID)
	return nil
}

func shortHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
