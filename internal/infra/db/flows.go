package db

import (
	"context"
	"encoding/json"
	"time"

	"sealog/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type flowRepo struct{ s *Store }

func monitorModelFromDomain(m domain.FlowMonitor) (FlowMonitorModel, error) {
	baseline := m.Baseline
	if baseline == nil {
		baseline = []int64{}
	}
	raw, err := json.Marshal(baseline)
	if err != nil {
		return FlowMonitorModel{}, err
	}
	return FlowMonitorModel{
		ID:                 m.ID,
		TenantID:           m.TenantID,
		Name:               m.Name,
		Type:               string(m.Type),
		SourceAddress:      m.SourceAddress,
		SourcePort:         m.SourcePort,
		ExpectedIntervalMS: m.ExpectedInterval.Milliseconds(),
		WarnAfterMS:        m.WarnAfter.Milliseconds(),
		ErrorAfterMS:       m.ErrorAfter.Milliseconds(),
		MinPerMinute:       m.MinPerMinute,
		HighVolumeFactor:   m.HighVolumeFactor,
		Enabled:            m.Enabled,
		Status:             string(m.Status),
		LastSeenAt:         utcPtr(m.LastSeenAt),
		LastHeartbeatAt:    utcPtr(m.LastHeartbeatAt),
		RecordsSeen:        m.RecordsSeen,
		BytesSeen:          m.BytesSeen,
		LogsPerMinute:      m.LogsPerMinute,
		AvgRecordSize:      m.AvgRecordSize,
		SampledRecords:     m.SampledRecords,
		SampledBytes:       m.SampledBytes,
		LastSampledAt:      utcPtr(m.LastSampledAt),
		Baseline:           raw,
		CreatedAt:          m.CreatedAt.UTC(),
	}, nil
}

func monitorFromModel(m FlowMonitorModel) (domain.FlowMonitor, error) {
	var baseline []int64
	if len(m.Baseline) > 0 {
		if err := json.Unmarshal(m.Baseline, &baseline); err != nil {
			return domain.FlowMonitor{}, err
		}
	}
	return domain.FlowMonitor{
		ID:               m.ID,
		TenantID:         m.TenantID,
		Name:             m.Name,
		Type:             domain.MonitorType(m.Type),
		SourceAddress:    m.SourceAddress,
		SourcePort:       m.SourcePort,
		ExpectedInterval: time.Duration(m.ExpectedIntervalMS) * time.Millisecond,
		WarnAfter:        time.Duration(m.WarnAfterMS) * time.Millisecond,
		ErrorAfter:       time.Duration(m.ErrorAfterMS) * time.Millisecond,
		MinPerMinute:     m.MinPerMinute,
		HighVolumeFactor: m.HighVolumeFactor,
		Enabled:          m.Enabled,
		Status:           domain.MonitorStatus(m.Status),
		LastSeenAt:       utcPtr(m.LastSeenAt),
		LastHeartbeatAt:  utcPtr(m.LastHeartbeatAt),
		CreatedAt:        m.CreatedAt.UTC(),
		RecordsSeen:      m.RecordsSeen,
		BytesSeen:        m.BytesSeen,
		LogsPerMinute:    m.LogsPerMinute,
		AvgRecordSize:    m.AvgRecordSize,
		SampledRecords:   m.SampledRecords,
		SampledBytes:     m.SampledBytes,
		LastSampledAt:    utcPtr(m.LastSampledAt),
		Baseline:         baseline,
	}, nil
}

func alertFromModel(m FlowAlertModel) domain.FlowAlert {
	return domain.FlowAlert{
		ID:         m.ID,
		MonitorID:  m.MonitorID,
		TenantID:   m.TenantID,
		Kind:       domain.AlertKind(m.Kind),
		Severity:   domain.Severity(m.Severity),
		Level:      domain.MonitorStatus(m.Level),
		Message:    m.Message,
		FirstSeen:  m.FirstSeen.UTC(),
		AckAt:      utcPtr(m.AckAt),
		ResolvedAt: utcPtr(m.ResolvedAt),
	}
}

func (r flowRepo) SaveMonitor(ctx context.Context, m domain.FlowMonitor) error {
	if m.ID == "" || m.TenantID == "" || m.Name == "" {
		return domain.ErrInvalidArgument
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.s.now()
	}
	model, err := monitorModelFromDomain(m)
	if err != nil {
		return err
	}
	return mapErr(r.s.db.WithContext(ctx).Save(&model).Error)
}

func (r flowRepo) SaveSample(ctx context.Context, m domain.FlowMonitor) error {
	model, err := monitorModelFromDomain(m)
	if err != nil {
		return err
	}
	res := r.s.db.WithContext(ctx).Model(&FlowMonitorModel{}).Where("id = ?", m.ID).Updates(map[string]any{
		"status":          model.Status,
		"logs_per_minute": model.LogsPerMinute,
		"sampled_records": model.SampledRecords,
		"sampled_bytes":   model.SampledBytes,
		"last_sampled_at": model.LastSampledAt,
		"baseline":        model.Baseline,
	})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r flowRepo) GetMonitor(ctx context.Context, monitorID string) (domain.FlowMonitor, error) {
	var m FlowMonitorModel
	if err := r.s.db.WithContext(ctx).Where("id = ?", monitorID).Take(&m).Error; err != nil {
		return domain.FlowMonitor{}, mapErr(err)
	}
	return monitorFromModel(m)
}

func (r flowRepo) FindMonitor(ctx context.Context, tenantID, name string) (domain.FlowMonitor, error) {
	var m FlowMonitorModel
	if err := r.s.db.WithContext(ctx).Where("tenant_id = ? AND name = ?", tenantID, name).Take(&m).Error; err != nil {
		return domain.FlowMonitor{}, mapErr(err)
	}
	return monitorFromModel(m)
}

func (r flowRepo) ListMonitors(ctx context.Context) ([]domain.FlowMonitor, error) {
	var models []FlowMonitorModel
	if err := r.s.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]domain.FlowMonitor, 0, len(models))
	for _, m := range models {
		mon, err := monitorFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, mon)
	}
	return out, nil
}

func (r flowRepo) RecordTraffic(ctx context.Context, tenantID, producer string, records, bytes int64, at time.Time) error {
	at = at.UTC()
	res := r.s.db.WithContext(ctx).Model(&FlowMonitorModel{}).
		Where("tenant_id = ? AND name = ?", tenantID, producer).
		Updates(map[string]any{
			"records_seen":    gorm.Expr("records_seen + ?", records),
			"bytes_seen":      gorm.Expr("bytes_seen + ?", bytes),
			"avg_record_size": gorm.Expr("CASE WHEN records_seen + ? > 0 THEN (bytes_seen + ?) / (records_seen + ?) ELSE avg_record_size END", records, bytes, records),
			"last_seen_at":    gorm.Expr("GREATEST(COALESCE(last_seen_at, ?), ?)", at, at),
		})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r flowRepo) RecordHeartbeat(ctx context.Context, tenantID, producer string, at time.Time) error {
	res := r.s.db.WithContext(ctx).Model(&FlowMonitorModel{}).
		Where("tenant_id = ? AND name = ?", tenantID, producer).
		Update("last_heartbeat_at", at.UTC())
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// OpenAlert relies on the partial unique index over unresolved (monitor, kind) pairs.
func (r flowRepo) OpenAlert(ctx context.Context, alert domain.FlowAlert) (domain.FlowAlert, bool, error) {
	if alert.ID == "" {
		alert.ID = newID()
	}
	model := FlowAlertModel{
		ID:         alert.ID,
		MonitorID:  alert.MonitorID,
		TenantID:   alert.TenantID,
		Kind:       string(alert.Kind),
		Severity:   string(alert.Severity),
		Level:      string(alert.Level),
		Message:    alert.Message,
		FirstSeen:  alert.FirstSeen.UTC(),
		AckAt:      utcPtr(alert.AckAt),
		ResolvedAt: utcPtr(alert.ResolvedAt),
	}
	var out domain.FlowAlert
	created := false
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			created = true
			out = alertFromModel(model)
			return nil
		}
		var existing FlowAlertModel
		if err := tx.Where("monitor_id = ? AND kind = ? AND resolved_at IS NULL", alert.MonitorID, string(alert.Kind)).
			Take(&existing).Error; err != nil {
			return err
		}
		out = alertFromModel(existing)
		return nil
	})
	if err != nil {
		return domain.FlowAlert{}, false, mapErr(err)
	}
	return out, created, nil
}

func (r flowRepo) ResolveAlerts(ctx context.Context, monitorID string, kinds []domain.AlertKind, at time.Time) ([]domain.FlowAlert, error) {
	at = at.UTC()
	var out []domain.FlowAlert
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("monitor_id = ? AND resolved_at IS NULL", monitorID)
		if len(kinds) > 0 {
			q = q.Where("kind IN ?", stateStrings(kinds))
		}
		var models []FlowAlertModel
		if err := q.Order("first_seen ASC").Find(&models).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		ids := make([]string, 0, len(models))
		for i := range models {
			ids = append(ids, models[i].ID)
			models[i].ResolvedAt = &at
			out = append(out, alertFromModel(models[i]))
		}
		return tx.Model(&FlowAlertModel{}).Where("id IN ?", ids).Update("resolved_at", at).Error
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r flowRepo) AckAlert(ctx context.Context, tenantID, alertID string, at time.Time) error {
	db := r.s.db.WithContext(ctx)
	var m FlowAlertModel
	if err := db.Where("id = ? AND tenant_id = ?", alertID, tenantID).Take(&m).Error; err != nil {
		return mapErr(err)
	}
	return mapErr(db.Model(&FlowAlertModel{}).
		Where("id = ? AND ack_at IS NULL", alertID).
		Update("ack_at", at.UTC()).Error)
}

func (r flowRepo) ListAlerts(ctx context.Context, tenantID string, openOnly bool) ([]domain.FlowAlert, error) {
	q := r.s.db.WithContext(ctx).Model(&FlowAlertModel{})
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if openOnly {
		q = q.Where("resolved_at IS NULL")
	}
	var models []FlowAlertModel
	if err := q.Order("first_seen ASC, kind ASC").Find(&models).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]domain.FlowAlert, 0, len(models))
	for _, m := range models {
		out = append(out, alertFromModel(m))
	}
	return out, nil
}

func (r flowRepo) PurgeAlerts(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	res := r.s.db.WithContext(ctx).
		Where("tenant_id = ? AND resolved_at IS NOT NULL AND resolved_at < ?", tenantID, before.UTC()).
		Delete(&FlowAlertModel{})
	if res.Error != nil {
		return 0, mapErr(res.Error)
	}
	return res.RowsAffected, nil
}

// AddStat folds stat into the hourly row for its monitor.
func (r flowRepo) AddStat(ctx context.Context, stat domain.FlowStat) error {
	model := FlowStatModel{
		MonitorID:    stat.MonitorID,
		Hour:         stat.Hour.UTC().Truncate(time.Hour),
		Records:      stat.Records,
		Bytes:        stat.Bytes,
		PeakPerMin:   stat.PeakPerMin,
		AlertCount:   stat.AlertCount,
		DowntimeMins: stat.DowntimeMins,
	}
	return mapErr(r.s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "monitor_id"}, {Name: "hour"}},
		DoUpdates: clause.Assignments(map[string]any{
			"records":       gorm.Expr("flow_stats.records + excluded.records"),
			"bytes":         gorm.Expr("flow_stats.bytes + excluded.bytes"),
			"alert_count":   gorm.Expr("flow_stats.alert_count + excluded.alert_count"),
			"downtime_mins": gorm.Expr("flow_stats.downtime_mins + excluded.downtime_mins"),
			"peak_per_min":  gorm.Expr("GREATEST(flow_stats.peak_per_min, excluded.peak_per_min)"),
		}),
	}).Create(&model).Error)
}

func (r flowRepo) ListStats(ctx context.Context, monitorID string, from, to time.Time) ([]domain.FlowStat, error) {
	var models []FlowStatModel
	if err := r.s.db.WithContext(ctx).
		Where("monitor_id = ? AND hour >= ? AND hour < ?", monitorID, from.UTC(), to.UTC()).
		Order("hour ASC").
		Find(&models).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]domain.FlowStat, 0, len(models))
	for _, m := range models {
		out = append(out, domain.FlowStat{
			MonitorID:    m.MonitorID,
			Hour:         m.Hour.UTC(),
			Records:      m.Records,
			Bytes:        m.Bytes,
			PeakPerMin:   m.PeakPerMin,
			AlertCount:   m.AlertCount,
			DowntimeMins: m.DowntimeMins,
		})
	}
	return out, nil
}

func (r flowRepo) PurgeStats(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	res := r.s.db.WithContext(ctx).
		Where("hour < ? AND monitor_id IN (SELECT id FROM flow_monitors WHERE tenant_id = ?)", before.UTC(), tenantID).
		Delete(&FlowStatModel{})
	if res.Error != nil {
		return 0, mapErr(res.Error)
	}
	return res.RowsAffected, nil
}
