package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/chain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	identityNational = "national"
	identityPassport = "passport"

	columnIdentity = "identity"
	columnNetwork  = "network_address"
	columnHardware = "hardware_address"
)

type recordRepo struct{ s *Store }

func (s *Store) seal(tenantID string, encrypt bool, plaintext string, column string) ([]byte, error) {
	if !encrypt {
		return []byte(plaintext), nil
	}
	if s.cipher == nil {
		return nil, fmt.Errorf("tenant %s requires encryption at rest but no field cipher is configured", tenantID)
	}
	return s.cipher.EncryptString(tenantID, column, plaintext)
}

func (s *Store) open(m AccessRecordModel, value []byte, column string) (string, error) {
	if !m.Encrypted {
		return string(value), nil
	}
	if s.cipher == nil {
		return "", fmt.Errorf("record %s/%d is encrypted but no field cipher is configured", m.TenantID, m.Seq)
	}
	return s.cipher.DecryptString(m.TenantID, column, value)
}

func (s *Store) recordModel(tenantID string, seq int64, draft domain.RecordDraft, prev []byte, encrypt bool, now time.Time) (AccessRecordModel, error) {
	kind, value := identityNational, draft.Identity.NationalID
	if draft.Identity.IsPassport() {
		kind, value = identityPassport, draft.Identity.Passport
	}
	identity, err := s.seal(tenantID, encrypt, value, columnIdentity)
	if err != nil {
		return AccessRecordModel{}, err
	}
	network, err := s.seal(tenantID, encrypt, draft.NetworkAddress, columnNetwork)
	if err != nil {
		return AccessRecordModel{}, err
	}
	hardware, err := s.seal(tenantID, encrypt, draft.HardwareAddress, columnHardware)
	if err != nil {
		return AccessRecordModel{}, err
	}
	return AccessRecordModel{
		TenantID:         tenantID,
		Seq:              seq,
		IdentityKind:     kind,
		IdentityValue:    identity,
		IdentityCountry:  draft.Identity.Country,
		FullName:         draft.FullName,
		Phone:            draft.Phone,
		NetworkAddress:   network,
		HardwareAddress:  hardware,
		Encrypted:        encrypt,
		EntryTime:        draft.EntryTime.UTC(),
		Suspicious:       draft.Suspicious,
		NATAddress:       draft.NATAddress,
		NATPort:          draft.NATPort,
		Location:         draft.Location,
		DeviceName:       draft.DeviceName,
		Producer:         draft.Producer,
		CanonicalVersion: draft.CanonicalVersion,
		ContentDigest:    copyBytes(draft.ContentDigest),
		PreviousDigest:   prev,
		SignState:        string(domain.SignStateUnsigned),
		CreatedAt:        now,
	}, nil
}

func (s *Store) recordFromModel(m AccessRecordModel) (domain.AccessRecord, error) {
	value, err := s.open(m, m.IdentityValue, columnIdentity)
	if err != nil {
		return domain.AccessRecord{}, err
	}
	network, err := s.open(m, m.NetworkAddress, columnNetwork)
	if err != nil {
		return domain.AccessRecord{}, err
	}
	hardware, err := s.open(m, m.HardwareAddress, columnHardware)
	if err != nil {
		return domain.AccessRecord{}, err
	}
	identity := domain.NationalIdentity(value)
	if m.IdentityKind == identityPassport {
		identity = domain.PassportIdentity(value, m.IdentityCountry)
	}
	return domain.AccessRecord{
		TenantID:         m.TenantID,
		Seq:              m.Seq,
		Identity:         identity,
		FullName:         m.FullName,
		Phone:            m.Phone,
		NetworkAddress:   network,
		HardwareAddress:  hardware,
		EntryTime:        m.EntryTime.UTC(),
		Suspicious:       m.Suspicious,
		NATAddress:       m.NATAddress,
		NATPort:          m.NATPort,
		Location:         m.Location,
		DeviceName:       m.DeviceName,
		Producer:         m.Producer,
		CanonicalVersion: m.CanonicalVersion,
		ContentDigest:    copyBytes(m.ContentDigest),
		PreviousDigest:   copyBytes(m.PreviousDigest),
		SignState:        domain.SignState(m.SignState),
		BatchID:          strVal(m.BatchID),
		TSAToken:         copyBytes(m.TSAToken),
		TSASerial:        strVal(m.TSASerial),
		TSABackendID:     strVal(m.TSABackendID),
		SignedAt:         utcPtr(m.SignedAt),
		SignFailures:     m.SignFailures,
		RetentionClass:   strVal(m.RetentionClass),
		ArchiveJobID:     strVal(m.ArchiveJobID),
		CreatedAt:        m.CreatedAt.UTC(),
	}, nil
}

func (s *Store) recordsFromModels(models []AccessRecordModel) ([]domain.AccessRecord, error) {
	out := make([]domain.AccessRecord, 0, len(models))
	for _, m := range models {
		rec, err := s.recordFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r recordRepo) Append(ctx context.Context, tenantID string, draft domain.RecordDraft, dedupWindow time.Duration, now time.Time) (domain.AppendResult, error) {
	now = now.UTC().Truncate(time.Microsecond)
	var out domain.AppendResult
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		head, err := lockHead(tx, tenantID)
		if err != nil {
			return err
		}
		var tenant TenantModel
		if err := tx.Where("id = ?", tenantID).Take(&tenant).Error; err != nil {
			return err
		}
		if tenant.Frozen {
			return domain.ErrTenantFrozen
		}

		if dedupWindow > 0 {
			var dups []AccessRecordModel
			if err := tx.Where("tenant_id = ? AND content_digest = ? AND created_at >= ?", tenantID, draft.ContentDigest, now.Add(-dedupWindow)).
				Order("seq DESC").
				Limit(1).
				Find(&dups).Error; err != nil {
				return err
			}
			if len(dups) > 0 {
				rec, err := r.s.recordFromModel(dups[0])
				if err != nil {
					return err
				}
				out = domain.AppendResult{Record: rec, Deduplicated: true}
				return nil
			}
		}

		seq, prev := chain.Next(domain.ChainHead{LastSeq: head.LastSeq, LastDigest: head.LastDigest})
		model, err := r.s.recordModel(tenantID, seq, draft, prev, tenant.EncryptAtRest, now)
		if err != nil {
			return err
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if err := tx.Model(&ChainHeadModel{}).Where("tenant_id = ?", tenantID).Updates(map[string]any{
			"last_seq":    seq,
			"last_digest": model.ContentDigest,
			"updated_at":  now,
		}).Error; err != nil {
			return err
		}
		rec, err := r.s.recordFromModel(model)
		if err != nil {
			return err
		}
		out = domain.AppendResult{Record: rec}
		return nil
	})
	if err != nil {
		return domain.AppendResult{}, mapErr(err)
	}
	return out, nil
}

func (r recordRepo) Get(ctx context.Context, tenantID string, from, to int64) ([]domain.AccessRecord, error) {
	db := r.s.db.WithContext(ctx)
	if _, err := loadHead(db, tenantID); err != nil {
		return nil, mapErr(err)
	}
	var models []AccessRecordModel
	if err := db.Where("tenant_id = ? AND seq BETWEEN ? AND ?", tenantID, from, to).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, mapErr(err)
	}
	return r.s.recordsFromModels(models)
}

// Scan returns records whose entry time lies in [from, to), in sequence order.
func (r recordRepo) Scan(ctx context.Context, tenantID string, from, to time.Time) ([]domain.AccessRecord, error) {
	db := r.s.db.WithContext(ctx)
	if _, err := loadHead(db, tenantID); err != nil {
		return nil, mapErr(err)
	}
	var models []AccessRecordModel
	if err := db.Where("tenant_id = ? AND entry_time >= ? AND entry_time < ?", tenantID, from.UTC(), to.UTC()).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, mapErr(err)
	}
	return r.s.recordsFromModels(models)
}

func (r recordRepo) SeqRange(ctx context.Context, tenantID string, from, to time.Time) (int64, int64, error) {
	db := r.s.db.WithContext(ctx)
	if _, err := loadHead(db, tenantID); err != nil {
		return 0, 0, mapErr(err)
	}
	var bounds struct {
		Low  *int64
		High *int64
	}
	if err := db.Model(&AccessRecordModel{}).
		Select("min(seq) AS low, max(seq) AS high").
		Where("tenant_id = ? AND entry_time >= ? AND entry_time < ?", tenantID, from.UTC(), to.UTC()).
		Scan(&bounds).Error; err != nil {
		return 0, 0, mapErr(err)
	}
	if bounds.Low == nil || bounds.High == nil {
		return 0, 0, domain.ErrNotFound
	}
	return *bounds.Low, *bounds.High, nil
}

func (r recordRepo) Head(ctx context.Context, tenantID string) (domain.ChainHead, error) {
	head, err := loadHead(r.s.db.WithContext(ctx), tenantID)
	if err != nil {
		return domain.ChainHead{}, mapErr(err)
	}
	return domain.ChainHead{
		TenantID:   head.TenantID,
		LastSeq:    head.LastSeq,
		LastDigest: copyBytes(head.LastDigest),
		LowWater:   head.LowWater,
		UpdatedAt:  head.UpdatedAt.UTC(),
	}, nil
}

// HeadAndTip shares the chain head row lock that Append takes for update, so an append in
// flight commits before the tip is read.
func (r recordRepo) HeadAndTip(ctx context.Context, tenantID string) (domain.ChainHead, domain.ChainTip, error) {
	var (
		head domain.ChainHead
		tip  domain.ChainTip
	)
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ChainHeadModel
		err := tx.Clauses(clause.Locking{Strength: "SHARE"}).Where("tenant_id = ?", tenantID).Take(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrTenantUnknown
		}
		if err != nil {
			return err
		}
		head = domain.ChainHead{
			TenantID:   model.TenantID,
			LastSeq:    model.LastSeq,
			LastDigest: copyBytes(model.LastDigest),
			LowWater:   model.LowWater,
			UpdatedAt:  model.UpdatedAt.UTC(),
		}
		var models []AccessRecordModel
		if err := tx.Select("seq", "content_digest").
			Where("tenant_id = ?", tenantID).
			Order("seq DESC").
			Limit(1).
			Find(&models).Error; err != nil {
			return err
		}
		if len(models) > 0 {
			tip = domain.ChainTip{Seq: models[0].Seq, Digest: copyBytes(models[0].ContentDigest)}
		}
		return nil
	})
	if err != nil {
		return domain.ChainHead{}, domain.ChainTip{}, mapErr(err)
	}
	return head, tip, nil
}

// SelectUnsigned returns the contiguous run of UNSIGNED records starting at the lowest one.
func (r recordRepo) SelectUnsigned(ctx context.Context, tenantID string, limit int) ([]domain.AccessRecord, error) {
	db := r.s.db.WithContext(ctx)
	if _, err := loadHead(db, tenantID); err != nil {
		return nil, mapErr(err)
	}
	if limit <= 0 {
		return nil, nil
	}
	var first []int64
	if err := db.Model(&AccessRecordModel{}).
		Where("tenant_id = ? AND sign_state = ?", tenantID, string(domain.SignStateUnsigned)).
		Order("seq ASC").
		Limit(1).
		Pluck("seq", &first).Error; err != nil {
		return nil, mapErr(err)
	}
	if len(first) == 0 {
		return nil, nil
	}
	var models []AccessRecordModel
	if err := db.Where("tenant_id = ? AND seq >= ? AND seq < ?", tenantID, first[0], first[0]+int64(limit)).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, mapErr(err)
	}
	run := models[:0]
	expected := first[0]
	for _, m := range models {
		if m.Seq != expected || m.SignState != string(domain.SignStateUnsigned) {
			break
		}
		run = append(run, m)
		expected++
	}
	return r.s.recordsFromModels(run)
}

func (r recordRepo) MarkSigning(ctx context.Context, batch domain.SignBatch) (domain.SignBatch, error) {
	var out domain.SignBatch
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockHead(tx, batch.TenantID); err != nil {
			return err
		}
		now := r.s.now()
		var model SignBatchModel
		create := batch.ID == ""
		if create {
			state := batch.State
			if state == "" {
				state = domain.BatchPending
			}
			model = SignBatchModel{
				ID:        newID(),
				TenantID:  batch.TenantID,
				SeqFrom:   batch.SeqFrom,
				SeqTo:     batch.SeqTo,
				BackendID: batch.BackendID,
				State:     string(state),
				Digest:    copyBytes(batch.Digest),
				CreatedAt: now,
			}
		} else {
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id = ? AND tenant_id = ?", batch.ID, batch.TenantID).
				Take(&model).Error
			if err != nil {
				return err
			}
		}
		if model.State != string(domain.BatchPending) && model.State != string(domain.BatchRetryableFail) {
			return domain.ErrIllegalTransition
		}
		if model.SeqFrom < 1 || model.SeqTo < model.SeqFrom {
			return domain.ErrInvalidArgument
		}
		var unsigned int64
		if err := tx.Model(&AccessRecordModel{}).
			Where("tenant_id = ? AND seq BETWEEN ? AND ? AND sign_state = ?", model.TenantID, model.SeqFrom, model.SeqTo, string(domain.SignStateUnsigned)).
			Count(&unsigned).Error; err != nil {
			return err
		}
		if unsigned != model.SeqTo-model.SeqFrom+1 {
			return domain.ErrIllegalTransition
		}

		model.State = string(domain.BatchInFlight)
		model.Attempts++
		model.NextAttemptAt = nil
		model.UpdatedAt = now
		if create {
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
		} else if err := tx.Save(&model).Error; err != nil {
			return err
		}
		if err := tx.Model(&AccessRecordModel{}).
			Where("tenant_id = ? AND seq BETWEEN ? AND ?", model.TenantID, model.SeqFrom, model.SeqTo).
			Updates(map[string]any{
				"sign_state": string(domain.SignStateSigning),
				"batch_id":   model.ID,
			}).Error; err != nil {
			return err
		}
		out = batchFromModel(model)
		return nil
	})
	if err != nil {
		return domain.SignBatch{}, mapErr(err)
	}
	return out, nil
}

func lockBatch(tx *gorm.DB, batchID string) (SignBatchModel, error) {
	var model SignBatchModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", batchID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SignBatchModel{}, domain.ErrNotFound
	}
	return model, err
}

func (r recordRepo) MarkSigned(ctx context.Context, batchID string, token domain.Token) error {
	if len(token.Bytes) == 0 || token.Serial == "" || token.BackendID == "" {
		return domain.ErrInvalidArgument
	}
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := lockBatch(tx, batchID)
		if err != nil {
			return err
		}
		if model.State != string(domain.BatchInFlight) {
			return domain.ErrIllegalTransition
		}
		var signing int64
		if err := tx.Model(&AccessRecordModel{}).
			Where("tenant_id = ? AND seq BETWEEN ? AND ? AND sign_state = ? AND batch_id = ?",
				model.TenantID, model.SeqFrom, model.SeqTo, string(domain.SignStateSigning), batchID).
			Count(&signing).Error; err != nil {
			return err
		}
		if signing != model.SeqTo-model.SeqFrom+1 {
			return domain.ErrIllegalTransition
		}
		signedAt := token.Time
		if signedAt.IsZero() {
			signedAt = r.s.now()
		}
		signedAt = signedAt.UTC().Truncate(time.Microsecond)
		if err := tx.Model(&AccessRecordModel{}).
			Where("tenant_id = ? AND batch_id = ? AND sign_state = ?", model.TenantID, batchID, string(domain.SignStateSigning)).
			Updates(map[string]any{
				"sign_state":     string(domain.SignStateSigned),
				"tsa_token":      token.Bytes,
				"tsa_serial":     token.Serial,
				"tsa_backend_id": token.BackendID,
				"signed_at":      signedAt,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&SignBatchModel{}).Where("id = ?", batchID).Updates(map[string]any{
			"state":      string(domain.BatchOK),
			"token":      token.Bytes,
			"serial":     token.Serial,
			"backend_id": token.BackendID,
			"signed_at":  signedAt,
			"last_error": "",
			"updated_at": r.s.now(),
		}).Error
	})
	return mapErr(err)
}

func (r recordRepo) MarkFailed(ctx context.Context, batchID string, outcome domain.SignOutcome) error {
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := lockBatch(tx, batchID)
		if err != nil {
			return err
		}
		if model.State != string(domain.BatchInFlight) {
			return domain.ErrIllegalTransition
		}
		if outcome.Retryable {
			err = tx.Model(&AccessRecordModel{}).
				Where("tenant_id = ? AND batch_id = ? AND sign_state = ?", model.TenantID, batchID, string(domain.SignStateSigning)).
				Updates(map[string]any{
					"sign_state": string(domain.SignStateUnsigned),
					"batch_id":   nil,
				}).Error
		} else {
			err = tx.Exec(`UPDATE access_records
				SET batch_id = NULL,
					sign_failures = sign_failures + 1,
					sign_state = CASE WHEN ? > 0 AND sign_failures + 1 >= ? THEN ? ELSE ? END
				WHERE tenant_id = ? AND batch_id = ? AND sign_state = ?`,
				outcome.FailureCap, outcome.FailureCap,
				string(domain.SignStateFailed), string(domain.SignStateUnsigned),
				model.TenantID, batchID, string(domain.SignStateSigning),
			).Error
		}
		if err != nil {
			return err
		}
		updates := map[string]any{
			"last_error": outcome.Detail,
			"updated_at": r.s.now(),
		}
		if outcome.Retryable {
			updates["state"] = string(domain.BatchRetryableFail)
			updates["next_attempt_at"] = utcPtr(outcome.NextAttemptAt)
		} else {
			updates["state"] = string(domain.BatchPermanentFail)
			updates["next_attempt_at"] = nil
		}
		return tx.Model(&SignBatchModel{}).Where("id = ?", batchID).Updates(updates).Error
	})
	return mapErr(err)
}

func (r recordRepo) ResetFailed(ctx context.Context, tenantID string) (int64, error) {
	db := r.s.db.WithContext(ctx)
	if _, err := loadHead(db, tenantID); err != nil {
		return 0, mapErr(err)
	}
	res := db.Model(&AccessRecordModel{}).
		Where("tenant_id = ? AND sign_state = ?", tenantID, string(domain.SignStateFailed)).
		Updates(map[string]any{
			"sign_state":    string(domain.SignStateUnsigned),
			"sign_failures": 0,
		})
	if res.Error != nil {
		return 0, mapErr(res.Error)
	}
	return res.RowsAffected, nil
}

// ArchiveCandidates returns the contiguous run of unarchived, settled records older than cutoff,
// starting at the first record not yet tagged by an archive job.
func (r recordRepo) ArchiveCandidates(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]domain.AccessRecord, error) {
	db := r.s.db.WithContext(ctx)
	head, err := loadHead(db, tenantID)
	if err != nil {
		return nil, mapErr(err)
	}
	if limit <= 0 {
		return nil, nil
	}
	var first []int64
	if err := db.Model(&AccessRecordModel{}).
		Where("tenant_id = ? AND seq >= ? AND archive_job_id IS NULL", tenantID, headLowWater(head)).
		Order("seq ASC").
		Limit(1).
		Pluck("seq", &first).Error; err != nil {
		return nil, mapErr(err)
	}
	if len(first) == 0 {
		return nil, nil
	}
	var models []AccessRecordModel
	if err := db.Where("tenant_id = ? AND seq >= ?", tenantID, first[0]).
		Order("seq ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, mapErr(err)
	}
	run := models[:0]
	expected := first[0]
	for _, m := range models {
		if m.Seq != expected || m.ArchiveJobID != nil {
			break
		}
		if m.SignState == string(domain.SignStateSigning) || !m.EntryTime.Before(cutoff) {
			break
		}
		run = append(run, m)
		expected++
	}
	return r.s.recordsFromModels(run)
}

func (r recordRepo) MarkArchived(ctx context.Context, tenantID string, from, to int64, class domain.RetentionClass, jobID string) error {
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockHead(tx, tenantID); err != nil {
			return err
		}
		var settled int64
		if err := tx.Model(&AccessRecordModel{}).
			Where("tenant_id = ? AND seq BETWEEN ? AND ? AND sign_state <> ?", tenantID, from, to, string(domain.SignStateSigning)).
			Count(&settled).Error; err != nil {
			return err
		}
		if to < from || settled != to-from+1 {
			return domain.ErrIllegalTransition
		}
		return tx.Model(&AccessRecordModel{}).
			Where("tenant_id = ? AND seq BETWEEN ? AND ?", tenantID, from, to).
			Updates(map[string]any{
				"retention_class": string(class),
				"archive_job_id":  jobID,
			}).Error
	})
	return mapErr(err)
}

// DeletePrefix runs under the chain head lock, which CreateRun also takes, so a verification
// run cannot start over a range while it is being removed.
func (r recordRepo) DeletePrefix(ctx context.Context, tenantID string, throughSeq int64) (int64, error) {
	var deleted int64
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		head, err := lockHead(tx, tenantID)
		if err != nil {
			return err
		}
		low := headLowWater(head)
		if throughSeq < low {
			return nil
		}
		if throughSeq > head.LastSeq {
			return domain.ErrInvalidArgument
		}
		var unsettled int64
		if err := tx.Model(&AccessRecordModel{}).
			Where("tenant_id = ? AND seq BETWEEN ? AND ? AND (archive_job_id IS NULL OR sign_state = ?)",
				tenantID, low, throughSeq, string(domain.SignStateSigning)).
			Count(&unsettled).Error; err != nil {
			return err
		}
		if unsettled > 0 {
			return domain.ErrIllegalTransition
		}
		var pinning int64
		if err := tx.Model(&VerificationRunModel{}).
			Where("tenant_id = ? AND seq_from <= ? AND seq_to >= ?", tenantID, throughSeq, low).
			Where("state IN ? OR (state = ? AND NOT exported)",
				[]string{string(domain.RunPending), string(domain.RunRunning)}, string(domain.RunDone)).
			Count(&pinning).Error; err != nil {
			return err
		}
		if pinning > 0 {
			return domain.ErrRetentionDeferred
		}
		res := tx.Where("tenant_id = ? AND seq BETWEEN ? AND ?", tenantID, low, throughSeq).Delete(&AccessRecordModel{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return tx.Model(&ChainHeadModel{}).Where("tenant_id = ?", tenantID).Updates(map[string]any{
			"low_water":  throughSeq + 1,
			"updated_at": r.s.now(),
		}).Error
	})
	if err != nil {
		return 0, mapErr(err)
	}
	return deleted, nil
}
