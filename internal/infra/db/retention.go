package db

import (
	"context"
	"time"

	"sealog/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type retentionRepo struct{ s *Store }

func policyFromModel(m RetentionPolicyModel) domain.RetentionPolicy {
	return domain.RetentionPolicy{
		ID:           m.ID,
		TenantID:     m.TenantID,
		Class:        domain.RetentionClass(m.Class),
		Years:        m.Years,
		Months:       m.Months,
		Days:         m.Days,
		ArchiveAfter: m.ArchiveAfter,
		TargetStore:  domain.StoreKind(m.TargetStore),
		Cadence:      domain.Cadence(m.Cadence),
		Enabled:      m.Enabled,
		LastRunAt:    utcPtr(m.LastRunAt),
	}
}

func jobModelFromDomain(j domain.ArchiveJob) ArchiveJobModel {
	return ArchiveJobModel{
		ID:               j.ID,
		PolicyID:         j.PolicyID,
		TenantID:         j.TenantID,
		Class:            string(j.Class),
		Store:            string(j.Store),
		SeqFrom:          j.SeqFrom,
		SeqTo:            j.SeqTo,
		WindowFrom:       timePtrIfSet(j.WindowFrom),
		WindowTo:         timePtrIfSet(j.WindowTo),
		State:            string(j.State),
		Retryable:        j.Retryable,
		RecordsProcessed: j.RecordsProcessed,
		RecordsArchived:  j.RecordsArchived,
		RecordsDeleted:   j.RecordsDeleted,
		RecordsFailed:    j.RecordsFailed,
		BytesMoved:       j.BytesMoved,
		ArchiveKey:       j.ArchiveKey,
		ArchiveSHA256:    j.ArchiveSHA256,
		Error:            j.Error,
		StartedAt:        utcPtr(j.StartedAt),
		EndedAt:          utcPtr(j.EndedAt),
		CreatedAt:        j.CreatedAt.UTC(),
	}
}

func jobFromModel(m ArchiveJobModel) domain.ArchiveJob {
	job := domain.ArchiveJob{
		ID:               m.ID,
		PolicyID:         m.PolicyID,
		TenantID:         m.TenantID,
		Class:            domain.RetentionClass(m.Class),
		Store:            domain.StoreKind(m.Store),
		SeqFrom:          m.SeqFrom,
		SeqTo:            m.SeqTo,
		State:            domain.JobState(m.State),
		Retryable:        m.Retryable,
		RecordsProcessed: m.RecordsProcessed,
		RecordsArchived:  m.RecordsArchived,
		RecordsDeleted:   m.RecordsDeleted,
		RecordsFailed:    m.RecordsFailed,
		BytesMoved:       m.BytesMoved,
		ArchiveKey:       m.ArchiveKey,
		ArchiveSHA256:    m.ArchiveSHA256,
		Error:            m.Error,
		StartedAt:        utcPtr(m.StartedAt),
		EndedAt:          utcPtr(m.EndedAt),
		CreatedAt:        m.CreatedAt.UTC(),
	}
	if m.WindowFrom != nil {
		job.WindowFrom = m.WindowFrom.UTC()
	}
	if m.WindowTo != nil {
		job.WindowTo = m.WindowTo.UTC()
	}
	return job
}

func timePtrIfSet(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

func (r retentionRepo) ListPolicies(ctx context.Context, tenantID string) ([]domain.RetentionPolicy, error) {
	q := r.s.db.WithContext(ctx).Model(&RetentionPolicyModel{})
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var models []RetentionPolicyModel
	if err := q.Order("tenant_id ASC, class ASC").Find(&models).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]domain.RetentionPolicy, 0, len(models))
	for _, m := range models {
		out = append(out, policyFromModel(m))
	}
	return out, nil
}

// UpsertPolicy keys policies by tenant and class. A stored last-run time survives an update
// that does not carry one.
func (r retentionRepo) UpsertPolicy(ctx context.Context, p domain.RetentionPolicy) error {
	if p.TenantID == "" || p.Class == "" {
		return domain.ErrInvalidArgument
	}
	if p.ID == "" {
		p.ID = newID()
	}
	model := RetentionPolicyModel{
		ID:           p.ID,
		TenantID:     p.TenantID,
		Class:        string(p.Class),
		Years:        p.Years,
		Months:       p.Months,
		Days:         p.Days,
		ArchiveAfter: p.ArchiveAfter,
		TargetStore:  string(p.TargetStore),
		Cadence:      string(p.Cadence),
		Enabled:      p.Enabled,
		LastRunAt:    utcPtr(p.LastRunAt),
	}
	updates := clause.AssignmentColumns([]string{
		"years", "months", "days", "archive_after", "target_store", "cadence", "enabled",
	})
	updates = append(updates, clause.Assignment{
		Column: clause.Column{Name: "last_run_at"},
		Value:  gorm.Expr("COALESCE(excluded.last_run_at, retention_policies.last_run_at)"),
	})
	return mapErr(r.s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "class"}},
		DoUpdates: updates,
	}).Create(&model).Error)
}

func (r retentionRepo) TouchPolicy(ctx context.Context, policyID string, at time.Time) error {
	res := r.s.db.WithContext(ctx).Model(&RetentionPolicyModel{}).
		Where("id = ?", policyID).
		Update("last_run_at", at.UTC())
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r retentionRepo) CreateJob(ctx context.Context, job domain.ArchiveJob) (domain.ArchiveJob, error) {
	if job.ID == "" {
		job.ID = newID()
	}
	if job.State == "" {
		job.State = domain.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.s.now()
	}
	model := jobModelFromDomain(job)
	if err := r.s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.ArchiveJob{}, mapErr(err)
	}
	return jobFromModel(model), nil
}

func (r retentionRepo) UpdateJob(ctx context.Context, job domain.ArchiveJob) error {
	db := r.s.db.WithContext(ctx)
	var existing ArchiveJobModel
	if err := db.Select("id").Where("id = ?", job.ID).Take(&existing).Error; err != nil {
		return mapErr(err)
	}
	model := jobModelFromDomain(job)
	return mapErr(db.Save(&model).Error)
}

func (r retentionRepo) GetJob(ctx context.Context, jobID string) (domain.ArchiveJob, error) {
	var m ArchiveJobModel
	if err := r.s.db.WithContext(ctx).Where("id = ?", jobID).Take(&m).Error; err != nil {
		return domain.ArchiveJob{}, mapErr(err)
	}
	return jobFromModel(m), nil
}

func (r retentionRepo) ListJobs(ctx context.Context, tenantID string, states ...domain.JobState) ([]domain.ArchiveJob, error) {
	q := r.s.db.WithContext(ctx).Model(&ArchiveJobModel{})
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if len(states) > 0 {
		q = q.Where("state IN ?", stateStrings(states))
	}
	var models []ArchiveJobModel
	if err := q.Order("seq_from ASC, created_at ASC").Find(&models).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]domain.ArchiveJob, 0, len(models))
	for _, m := range models {
		out = append(out, jobFromModel(m))
	}
	return out, nil
}
