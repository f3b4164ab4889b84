package db

import (
	"context"
	"time"

	"sealog/internal/domain"

	"gorm.io/gorm"
)

type batchRepo struct{ s *Store }

func batchFromModel(m SignBatchModel) domain.SignBatch {
	return domain.SignBatch{
		ID:            m.ID,
		TenantID:      m.TenantID,
		SeqFrom:       m.SeqFrom,
		SeqTo:         m.SeqTo,
		BackendID:     m.BackendID,
		State:         domain.BatchState(m.State),
		Attempts:      m.Attempts,
		Digest:        copyBytes(m.Digest),
		Token:         copyBytes(m.Token),
		Serial:        m.Serial,
		SignedAt:      utcPtr(m.SignedAt),
		LastError:     m.LastError,
		NextAttemptAt: utcPtr(m.NextAttemptAt),
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

func (r batchRepo) GetBatch(ctx context.Context, batchID string) (domain.SignBatch, error) {
	var m SignBatchModel
	if err := r.s.db.WithContext(ctx).Where("id = ?", batchID).Take(&m).Error; err != nil {
		return domain.SignBatch{}, mapErr(err)
	}
	return batchFromModel(m), nil
}

func (r batchRepo) ListBatches(ctx context.Context, tenantID string, states ...domain.BatchState) ([]domain.SignBatch, error) {
	q := r.s.db.WithContext(ctx).Model(&SignBatchModel{})
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if len(states) > 0 {
		q = q.Where("state IN ?", stateStrings(states))
	}
	var models []SignBatchModel
	if err := q.Order("tenant_id ASC, seq_from ASC, created_at ASC").Find(&models).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]domain.SignBatch, 0, len(models))
	for _, m := range models {
		out = append(out, batchFromModel(m))
	}
	return out, nil
}

// RecoverInFlight reverts the records of every IN_FLIGHT batch to UNSIGNED and leaves the
// batch retryable immediately.
func (r batchRepo) RecoverInFlight(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC().Truncate(time.Microsecond)
	recovered := 0
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&SignBatchModel{}).
			Where("state = ?", string(domain.BatchInFlight)).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Model(&AccessRecordModel{}).
			Where("batch_id IN ? AND sign_state = ?", ids, string(domain.SignStateSigning)).
			Updates(map[string]any{
				"sign_state": string(domain.SignStateUnsigned),
				"batch_id":   nil,
			}).Error; err != nil {
			return err
		}
		res := tx.Model(&SignBatchModel{}).Where("id IN ?", ids).Updates(map[string]any{
			"state":           string(domain.BatchRetryableFail),
			"next_attempt_at": now,
			"last_error":      "recovered after interrupted attempt",
			"updated_at":      now,
		})
		recovered = int(res.RowsAffected)
		return res.Error
	})
	if err != nil {
		return 0, mapErr(err)
	}
	return recovered, nil
}

func (r batchRepo) PurgeBatches(ctx context.Context, tenantID string, belowSeq int64, before time.Time) (int64, error) {
	res := r.s.db.WithContext(ctx).
		Where("tenant_id = ? AND seq_to < ? AND created_at < ?", tenantID, belowSeq, before.UTC()).
		Where("state NOT IN ?", []string{string(domain.BatchInFlight), string(domain.BatchPending)}).
		Where("NOT EXISTS (SELECT 1 FROM access_records ar WHERE ar.batch_id = sign_batches.id)").
		Delete(&SignBatchModel{})
	if res.Error != nil {
		return 0, mapErr(res.Error)
	}
	return res.RowsAffected, nil
}
