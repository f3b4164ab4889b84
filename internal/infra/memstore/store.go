// Package memstore keeps every core entity in process memory. It backs unit tests and
// single-node development runs and honours the same invariants as the PostgreSQL store.
package memstore

import (
	"sync"
	"time"

	"sealog/internal/domain"
	"sealog/internal/usecase"

	"github.com/google/uuid"
)

type Store struct {
	mu    sync.RWMutex
	clock func() time.Time

	tenants  map[string]*domain.Tenant
	chains   map[string]*chainState
	batches  map[string]*domain.SignBatch
	runs     map[string]*domain.VerificationRun
	findings map[string][]domain.Finding
	monitors map[string]*domain.FlowMonitor
	alerts   map[string]*domain.FlowAlert
	stats    map[string]*domain.FlowStat
	policies map[string]*domain.RetentionPolicy
	jobs     map[string]*domain.ArchiveJob
}

type chainState struct {
	head    domain.ChainHead
	records map[int64]*domain.AccessRecord
}

var _ usecase.Store = (*Store)(nil)

func New() *Store {
	return NewWithClock(time.Now)
}

func NewWithClock(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		clock:    clock,
		tenants:  make(map[string]*domain.Tenant),
		chains:   make(map[string]*chainState),
		batches:  make(map[string]*domain.SignBatch),
		runs:     make(map[string]*domain.VerificationRun),
		findings: make(map[string][]domain.Finding),
		monitors: make(map[string]*domain.FlowMonitor),
		alerts:   make(map[string]*domain.FlowAlert),
		stats:    make(map[string]*domain.FlowStat),
		policies: make(map[string]*domain.RetentionPolicy),
		jobs:     make(map[string]*domain.ArchiveJob),
	}
}

func (s *Store) Tenants() usecase.TenantRepository             { return tenantRepo{s} }
func (s *Store) Records() usecase.RecordRepository             { return recordRepo{s} }
func (s *Store) Batches() usecase.BatchRepository              { return batchRepo{s} }
func (s *Store) Verifications() usecase.VerificationRepository { return verificationRepo{s} }
func (s *Store) Flows() usecase.FlowRepository                 { return flowRepo{s} }
func (s *Store) Retention() usecase.RetentionRepository        { return retentionRepo{s} }

// Overwrite mutates a stored record in place, bypassing every guard. It exists so tests and
// incident drills can simulate tampering at the storage layer.
func (s *Store) Overwrite(tenantID string, seq int64, fn func(*domain.AccessRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[tenantID]
	if !ok {
		return false
	}
	rec, ok := chain.records[seq]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// OverwriteHead replaces a tenant's chain head without touching records.
func (s *Store) OverwriteHead(tenantID string, head domain.ChainHead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chain(tenantID)
	head.TenantID = tenantID
	chain.head = head
}

func (s *Store) chain(tenantID string) *chainState {
	chain, ok := s.chains[tenantID]
	if !ok {
		chain = &chainState{
			head:    domain.ChainHead{TenantID: tenantID},
			records: make(map[int64]*domain.AccessRecord),
		}
		s.chains[tenantID] = chain
	}
	return chain
}

func newID() string {
	return uuid.NewString()
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	return append([]byte(nil), in...)
}

func cloneTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	t := *in
	return &t
}

func cloneRecord(rec *domain.AccessRecord) domain.AccessRecord {
	out := *rec
	out.ContentDigest = cloneBytes(rec.ContentDigest)
	out.PreviousDigest = cloneBytes(rec.PreviousDigest)
	out.TSAToken = cloneBytes(rec.TSAToken)
	out.SignedAt = cloneTime(rec.SignedAt)
	return out
}

func cloneBatch(b *domain.SignBatch) domain.SignBatch {
	out := *b
	out.Digest = cloneBytes(b.Digest)
	out.Token = cloneBytes(b.Token)
	out.SignedAt = cloneTime(b.SignedAt)
	out.NextAttemptAt = cloneTime(b.NextAttemptAt)
	return out
}

func stateIn[T comparable](state T, states []T) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
