package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"sealog/internal/domain"
)

type flowRepo struct{ s *Store }

func cloneMonitor(m *domain.FlowMonitor) domain.FlowMonitor {
	out := *m
	out.LastSeenAt = cloneTime(m.LastSeenAt)
	out.LastHeartbeatAt = cloneTime(m.LastHeartbeatAt)
	out.LastSampledAt = cloneTime(m.LastSampledAt)
	out.Baseline = append([]int64(nil), m.Baseline...)
	return out
}

func cloneAlert(a *domain.FlowAlert) domain.FlowAlert {
	out := *a
	out.AckAt = cloneTime(a.AckAt)
	out.ResolvedAt = cloneTime(a.ResolvedAt)
	return out
}

func (r flowRepo) SaveMonitor(ctx context.Context, m domain.FlowMonitor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ID == "" || m.TenantID == "" || m.Name == "" {
		return domain.ErrInvalidArgument
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, existing := range r.s.monitors {
		if id != m.ID && existing.TenantID == m.TenantID && existing.Name == m.Name {
			return domain.ErrConflict
		}
	}
	stored := cloneMonitor(&m)
	r.s.monitors[m.ID] = &stored
	return nil
}

func (r flowRepo) SaveSample(ctx context.Context, m domain.FlowMonitor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.monitors[m.ID]
	if !ok {
		return domain.ErrNotFound
	}
	stored.Status = m.Status
	stored.LogsPerMinute = m.LogsPerMinute
	stored.SampledRecords = m.SampledRecords
	stored.SampledBytes = m.SampledBytes
	stored.LastSampledAt = cloneTime(m.LastSampledAt)
	stored.Baseline = append([]int64(nil), m.Baseline...)
	return nil
}

func (r flowRepo) GetMonitor(ctx context.Context, monitorID string) (domain.FlowMonitor, error) {
	if err := ctx.Err(); err != nil {
		return domain.FlowMonitor{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.monitors[monitorID]
	if !ok {
		return domain.FlowMonitor{}, domain.ErrNotFound
	}
	return cloneMonitor(m), nil
}

func (r flowRepo) findLocked(tenantID, name string) *domain.FlowMonitor {
	for _, m := range r.s.monitors {
		if m.TenantID == tenantID && m.Name == name {
			return m
		}
	}
	return nil
}

func (r flowRepo) FindMonitor(ctx context.Context, tenantID, name string) (domain.FlowMonitor, error) {
	if err := ctx.Err(); err != nil {
		return domain.FlowMonitor{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m := r.findLocked(tenantID, name)
	if m == nil {
		return domain.FlowMonitor{}, domain.ErrNotFound
	}
	return cloneMonitor(m), nil
}

func (r flowRepo) ListMonitors(ctx context.Context) ([]domain.FlowMonitor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]domain.FlowMonitor, 0, len(r.s.monitors))
	for _, m := range r.s.monitors {
		out = append(out, cloneMonitor(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r flowRepo) RecordTraffic(ctx context.Context, tenantID, producer string, records, bytes int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m := r.findLocked(tenantID, producer)
	if m == nil {
		return domain.ErrNotFound
	}
	m.RecordsSeen += records
	m.BytesSeen += bytes
	if m.RecordsSeen > 0 {
		m.AvgRecordSize = m.BytesSeen / m.RecordsSeen
	}
	if m.LastSeenAt == nil || at.After(*m.LastSeenAt) {
		seen := at
		m.LastSeenAt = &seen
	}
	return nil
}

func (r flowRepo) RecordHeartbeat(ctx context.Context, tenantID, producer string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m := r.findLocked(tenantID, producer)
	if m == nil {
		return domain.ErrNotFound
	}
	hb := at
	m.LastHeartbeatAt = &hb
	return nil
}

func (r flowRepo) OpenAlert(ctx context.Context, alert domain.FlowAlert) (domain.FlowAlert, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.FlowAlert{}, false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.alerts {
		if existing.MonitorID == alert.MonitorID && existing.Kind == alert.Kind && existing.Open() {
			return cloneAlert(existing), false, nil
		}
	}
	if alert.ID == "" {
		alert.ID = newID()
	}
	stored := cloneAlert(&alert)
	r.s.alerts[alert.ID] = &stored
	return cloneAlert(&stored), true, nil
}

func (r flowRepo) ResolveAlerts(ctx context.Context, monitorID string, kinds []domain.AlertKind, at time.Time) ([]domain.FlowAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.FlowAlert
	for _, a := range r.s.alerts {
		if a.MonitorID != monitorID || !a.Open() || !stateIn(a.Kind, kinds) {
			continue
		}
		resolved := at
		a.ResolvedAt = &resolved
		out = append(out, cloneAlert(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out, nil
}

func (r flowRepo) AckAlert(ctx context.Context, tenantID, alertID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.alerts[alertID]
	if !ok || a.TenantID != tenantID {
		return domain.ErrNotFound
	}
	if a.AckAt == nil {
		ack := at
		a.AckAt = &ack
	}
	return nil
}

func (r flowRepo) ListAlerts(ctx context.Context, tenantID string, openOnly bool) ([]domain.FlowAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.FlowAlert
	for _, a := range r.s.alerts {
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		if openOnly && !a.Open() {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

func (r flowRepo) PurgeAlerts(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, a := range r.s.alerts {
		if a.TenantID == tenantID && a.ResolvedAt != nil && a.ResolvedAt.Before(before) {
			delete(r.s.alerts, id)
			n++
		}
	}
	return n, nil
}

func statKey(monitorID string, hour time.Time) string {
	return fmt.Sprintf("%s/%d", monitorID, hour.Unix())
}

func (r flowRepo) AddStat(ctx context.Context, stat domain.FlowStat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stat.Hour = stat.Hour.UTC().Truncate(time.Hour)
	key := statKey(stat.MonitorID, stat.Hour)
	existing, ok := r.s.stats[key]
	if !ok {
		cp := stat
		r.s.stats[key] = &cp
		return nil
	}
	existing.Records += stat.Records
	existing.Bytes += stat.Bytes
	existing.AlertCount += stat.AlertCount
	existing.DowntimeMins += stat.DowntimeMins
	if stat.PeakPerMin > existing.PeakPerMin {
		existing.PeakPerMin = stat.PeakPerMin
	}
	return nil
}

func (r flowRepo) ListStats(ctx context.Context, monitorID string, from, to time.Time) ([]domain.FlowStat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.FlowStat
	for _, st := range r.s.stats {
		if st.MonitorID == monitorID && !st.Hour.Before(from) && st.Hour.Before(to) {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

func (r flowRepo) PurgeStats(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for key, st := range r.s.stats {
		m, ok := r.s.monitors[st.MonitorID]
		if !ok || m.TenantID != tenantID || !st.Hour.Before(before) {
			continue
		}
		delete(r.s.stats, key)
		n++
	}
	return n, nil
}
