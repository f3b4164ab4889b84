package usecase

import (
	"context"
	"errors"

	"sealog/internal/domain"
	"sealog/internal/infra/chain"
)

// IngestService validates, canonicalises and appends access records.
type IngestService struct {
	Store Store
	Env   Env
}

func NewIngestService(store Store, env Env) *IngestService {
	return &IngestService{Store: store, Env: env.withDefaults()}
}

func (s *IngestService) Append(ctx context.Context, tenantID string, in domain.Incoming) (domain.AppendResult, error) {
	if s == nil || s.Store == nil {
		return domain.AppendResult{}, errors.New("ingest service is not configured")
	}
	tenant, err := s.Store.Tenants().Get(ctx, tenantID)
	if err != nil {
		return domain.AppendResult{}, err
	}
	if tenant.Frozen {
		s.Env.Metrics.RecordRejected(tenantID, "frozen")
		return domain.AppendResult{}, domain.ErrTenantFrozen
	}
	draft, err := chain.Prepare(in, tenant.EffectiveCanonicalVersion())
	if err != nil {
		s.Env.Metrics.RecordRejected(tenantID, rejectReason(err))
		return domain.AppendResult{}, err
	}
	now := s.Env.now()
	res, err := s.Store.Records().Append(ctx, tenantID, draft, tenant.EffectiveDedupWindow(), now)
	if err != nil {
		if errors.Is(err, domain.ErrTenantFrozen) {
			s.Env.Metrics.RecordRejected(tenantID, "frozen")
		}
		return domain.AppendResult{}, err
	}
	s.Env.Metrics.RecordIngested(tenantID, res.Deduplicated)

	if in.Producer != "" && !res.Deduplicated {
		size := int64(len(chain.DraftCanonicalForm(draft)))
		if err := s.Store.Flows().RecordTraffic(ctx, tenantID, in.Producer, 1, size, now); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.Env.Logger.Warn("record producer traffic failed", "tenant", tenantID, "producer", in.Producer, "error", err)
		}
	}
	return res, nil
}

// Heartbeat marks a producer as alive without submitting a record.
func (s *IngestService) Heartbeat(ctx context.Context, tenantID, producer string) error {
	if producer == "" {
		return domain.ErrInvalidArgument
	}
	if _, err := s.Store.Tenants().Get(ctx, tenantID); err != nil {
		return err
	}
	return s.Store.Flows().RecordHeartbeat(ctx, tenantID, producer, s.Env.now())
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidIdentity):
		return "invalid_identity"
	case errors.Is(err, domain.ErrInvalidAddress):
		return "invalid_address"
	default:
		return "invalid_argument"
	}
}
