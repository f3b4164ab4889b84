package db

import (
	"context"
	"errors"
	"time"

	"sealog/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type tenantRepo struct{ s *Store }

func tenantFromModel(m TenantModel) domain.Tenant {
	return domain.Tenant{
		ID:               m.ID,
		Slug:             m.Slug,
		SignInterval:     time.Duration(m.SignIntervalMS) * time.Millisecond,
		BatchSize:        m.BatchSize,
		DedupWindow:      time.Duration(m.DedupWindowMS) * time.Millisecond,
		EncryptAtRest:    m.EncryptAtRest,
		CanonicalVersion: m.CanonicalVersion,
		TSAPolicy:        m.TSAPolicy,
		Frozen:           m.Frozen,
		FrozenReason:     m.FrozenReason,
		FrozenAt:         utcPtr(m.FrozenAt),
	}
}

func (r tenantRepo) Get(ctx context.Context, tenantID string) (domain.Tenant, error) {
	var m TenantModel
	err := r.s.db.WithContext(ctx).Where("id = ?", tenantID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Tenant{}, domain.ErrTenantUnknown
	}
	if err != nil {
		return domain.Tenant{}, mapErr(err)
	}
	return tenantFromModel(m), nil
}

func (r tenantRepo) List(ctx context.Context) ([]domain.Tenant, error) {
	var models []TenantModel
	if err := r.s.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]domain.Tenant, 0, len(models))
	for _, m := range models {
		out = append(out, tenantFromModel(m))
	}
	return out, nil
}

// Upsert stores tenant settings and creates the chain head on first sight. An existing freeze
// is preserved.
func (r tenantRepo) Upsert(ctx context.Context, t domain.Tenant) error {
	if t.ID == "" {
		return domain.ErrInvalidArgument
	}
	slug := t.Slug
	if slug == "" {
		slug = t.ID
	}
	now := r.s.now()
	model := TenantModel{
		ID:               t.ID,
		Slug:             slug,
		SignIntervalMS:   t.SignInterval.Milliseconds(),
		BatchSize:        t.BatchSize,
		DedupWindowMS:    t.DedupWindow.Milliseconds(),
		EncryptAtRest:    t.EncryptAtRest,
		CanonicalVersion: t.EffectiveCanonicalVersion(),
		TSAPolicy:        t.TSAPolicy,
		CreatedAt:        now,
	}
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"slug", "sign_interval_ms", "batch_size", "dedup_window_ms",
				"encrypt_at_rest", "canonical_version", "tsa_policy",
			}),
		}).Create(&model).Error; err != nil {
			return err
		}
		head := ChainHeadModel{TenantID: t.ID, UpdatedAt: now}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&head).Error
	})
	return mapErr(err)
}

// Freeze holds the chain head lock so no append can interleave with the state change.
func (r tenantRepo) Freeze(ctx context.Context, tenantID, reason string, at time.Time) error {
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockHead(tx, tenantID); err != nil {
			return err
		}
		return tx.Model(&TenantModel{}).Where("id = ?", tenantID).Updates(map[string]any{
			"frozen":        true,
			"frozen_reason": reason,
			"frozen_at":     at.UTC(),
		}).Error
	})
	return mapErr(err)
}

func (r tenantRepo) Unfreeze(ctx context.Context, tenantID string) error {
	res := r.s.db.WithContext(ctx).Model(&TenantModel{}).Where("id = ?", tenantID).Updates(map[string]any{
		"frozen":        false,
		"frozen_reason": "",
		"frozen_at":     nil,
	})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrTenantUnknown
	}
	return nil
}
