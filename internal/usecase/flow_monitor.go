package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sealog/internal/domain"

	"github.com/google/uuid"
)

const (
	DefaultWarnAfter        = 5 * time.Minute
	DefaultErrorAfter       = 15 * time.Minute
	DefaultHighVolumeFactor = 3.0
	DefaultBaselineSamples  = 60

	minBaselineSamples = 5
)

var monitorStatuses = []string{
	string(domain.MonitorActive),
	string(domain.MonitorWarning),
	string(domain.MonitorError),
	string(domain.MonitorInactive),
}

// silenceKinds resolve once records flow again.
var silenceKinds = []domain.AlertKind{domain.AlertNoRecords, domain.AlertLowVolume, domain.AlertProducerOffline}

type FlowOptions struct {
	BaselineSamples int
}

// FlowMonitorService tracks per-producer liveness and volume. Status follows the time since
// the producer's last record; alerts are opened on degradation and resolved on recovery, at
// most one unresolved alert per monitor and kind.
type FlowMonitorService struct {
	Store Store
	Opts  FlowOptions
	Env   Env
}

func NewFlowMonitorService(store Store, opts FlowOptions, env Env) *FlowMonitorService {
	if opts.BaselineSamples <= 0 {
		opts.BaselineSamples = DefaultBaselineSamples
	}
	return &FlowMonitorService{Store: store, Opts: opts, Env: env.withDefaults()}
}

// Register creates a monitor, or updates the configuration of the tenant's monitor with the
// same name while keeping its traffic counters.
func (s *FlowMonitorService) Register(ctx context.Context, m domain.FlowMonitor) (domain.FlowMonitor, error) {
	if m.TenantID == "" || m.Name == "" {
		return domain.FlowMonitor{}, fmt.Errorf("%w: monitor needs a tenant and a name", domain.ErrInvalidArgument)
	}
	if _, err := s.Store.Tenants().Get(ctx, m.TenantID); err != nil {
		return domain.FlowMonitor{}, err
	}
	if m.Type == "" {
		m.Type = domain.MonitorGeneral
	}
	if m.WarnAfter <= 0 {
		m.WarnAfter = DefaultWarnAfter
	}
	if m.ErrorAfter <= 0 {
		m.ErrorAfter = DefaultErrorAfter
	}
	if m.HighVolumeFactor <= 0 {
		m.HighVolumeFactor = DefaultHighVolumeFactor
	}

	existing, err := s.Store.Flows().FindMonitor(ctx, m.TenantID, m.Name)
	switch {
	case err == nil:
		existing.Type = m.Type
		existing.SourceAddress = m.SourceAddress
		existing.SourcePort = m.SourcePort
		existing.ExpectedInterval = m.ExpectedInterval
		existing.WarnAfter = m.WarnAfter
		existing.ErrorAfter = m.ErrorAfter
		existing.MinPerMinute = m.MinPerMinute
		existing.HighVolumeFactor = m.HighVolumeFactor
		existing.Enabled = m.Enabled
		m = existing
	case errors.Is(err, domain.ErrNotFound):
		m.ID = uuid.NewString()
		m.Status = domain.MonitorActive
		m.CreatedAt = s.Env.now()
		m.RecordsSeen, m.BytesSeen, m.SampledRecords, m.SampledBytes = 0, 0, 0, 0
		m.LastSeenAt, m.LastHeartbeatAt, m.LastSampledAt, m.Baseline = nil, nil, nil, nil
	default:
		return domain.FlowMonitor{}, err
	}
	if !m.Enabled {
		m.Status = domain.MonitorInactive
	} else if m.Status == domain.MonitorInactive {
		m.Status = domain.MonitorActive
	}
	if err := s.Store.Flows().SaveMonitor(ctx, m); err != nil {
		return domain.FlowMonitor{}, err
	}
	return m, nil
}

func (s *FlowMonitorService) Monitors(ctx context.Context, tenantID string) ([]domain.FlowMonitor, error) {
	all, err := s.Store.Flows().ListMonitors(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.FlowMonitor, 0, len(all))
	for _, m := range all {
		if m.TenantID == tenantID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *FlowMonitorService) Alerts(ctx context.Context, tenantID string, openOnly bool) ([]domain.FlowAlert, error) {
	return s.Store.Flows().ListAlerts(ctx, tenantID, openOnly)
}

func (s *FlowMonitorService) Ack(ctx context.Context, tenantID, alertID string) error {
	return s.Store.Flows().AckAlert(ctx, tenantID, alertID, s.Env.now())
}

func (s *FlowMonitorService) Stats(ctx context.Context, monitorID string, from, to time.Time) ([]domain.FlowStat, error) {
	return s.Store.Flows().ListStats(ctx, monitorID, from, to)
}

// Sample evaluates every monitor once. It is meant to run at least once a minute.
func (s *FlowMonitorService) Sample(ctx context.Context) error {
	monitors, err := s.Store.Flows().ListMonitors(ctx)
	if err != nil {
		return err
	}
	now := s.Env.now()
	for _, m := range monitors {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.Evaluate(ctx, m, now); err != nil {
			s.Env.Logger.Warn("flow sample failed", "tenant", m.TenantID, "monitor", m.Name, "error", err)
		}
	}
	return nil
}

// Evaluate moves m to the status implied by now and returns the alerts it opened.
func (s *FlowMonitorService) Evaluate(ctx context.Context, m domain.FlowMonitor, now time.Time) ([]domain.FlowAlert, error) {
	var opened []domain.FlowAlert
	open := func(kind domain.AlertKind, severity domain.Severity, level domain.MonitorStatus, msg string) error {
		alert, created, err := s.Store.Flows().OpenAlert(ctx, domain.FlowAlert{
			ID:        uuid.NewString(),
			MonitorID: m.ID,
			TenantID:  m.TenantID,
			Kind:      kind,
			Severity:  severity,
			Level:     level,
			Message:   msg,
			FirstSeen: now,
		})
		if err != nil || !created {
			return err
		}
		opened = append(opened, alert)
		s.Env.Metrics.AlertRaised(m.TenantID, string(kind))
		s.Env.Logger.Warn("flow alert", "tenant", m.TenantID, "monitor", m.Name, "kind", kind, "message", msg)
		s.Env.publish(ctx, domain.Event{
			Kind:       domain.EventFlowAlert,
			Severity:   severity,
			TenantID:   m.TenantID,
			Subject:    m.Name,
			Message:    msg,
			Attributes: map[string]string{"monitor": m.ID, "alert": alert.ID, "kind": string(kind), "level": string(level)},
			At:         now,
		})
		return nil
	}
	resolve := func(kinds ...domain.AlertKind) error {
		resolved, err := s.Store.Flows().ResolveAlerts(ctx, m.ID, kinds, now)
		if err != nil {
			return err
		}
		for _, a := range resolved {
			s.Env.Logger.Info("flow alert resolved", "tenant", m.TenantID, "monitor", m.Name, "kind", a.Kind)
			s.Env.publish(ctx, domain.Event{
				Kind:       domain.EventFlowResolved,
				Severity:   domain.SeverityLow,
				TenantID:   m.TenantID,
				Subject:    m.Name,
				Message:    fmt.Sprintf("%s on %s resolved", a.Kind, m.Name),
				Attributes: map[string]string{"monitor": m.ID, "alert": a.ID, "kind": string(a.Kind)},
				At:         now,
			})
		}
		return nil
	}

	previous := m.Status
	status := s.statusAt(m, now)
	if m.Enabled && m.ErrorAfter <= m.WarnAfter {
		msg := fmt.Sprintf("monitor %s: error threshold %s must exceed warning threshold %s", m.Name, m.ErrorAfter, m.WarnAfter)
		if err := open(domain.AlertConfigError, domain.SeverityMedium, previous, msg); err != nil {
			return opened, err
		}
		status = previous
	} else if err := resolve(domain.AlertConfigError); err != nil {
		return opened, err
	}

	if status != previous {
		switch status {
		case domain.MonitorWarning:
			msg := fmt.Sprintf("no records from %s for more than %s", m.Name, m.WarnAfter)
			if err := open(domain.AlertNoRecords, domain.SeverityMedium, status, msg); err != nil {
				return opened, err
			}
		case domain.MonitorError:
			msg := fmt.Sprintf("producer %s offline: no records for more than %s", m.Name, m.ErrorAfter)
			if err := open(domain.AlertProducerOffline, domain.SeverityHigh, status, msg); err != nil {
				return opened, err
			}
		case domain.MonitorActive, domain.MonitorInactive:
			if err := resolve(silenceKinds...); err != nil {
				return opened, err
			}
		}
	}

	sample := s.sampleVolume(&m, now)
	if sample.ok && status == domain.MonitorActive {
		if err := s.checkVolume(m, sample.perMinute, open, resolve); err != nil {
			return opened, err
		}
	}
	if sample.ok {
		m.Baseline = appendBaseline(m.Baseline, sample.perMinute, s.Opts.BaselineSamples)
	}

	m.Status = status
	if err := s.Store.Flows().SaveSample(ctx, m); err != nil {
		return opened, err
	}
	s.Env.Metrics.MonitorStatus(m.TenantID, m.Name, string(status), monitorStatuses)

	stat := domain.FlowStat{
		MonitorID:  m.ID,
		Hour:       now.Truncate(time.Hour),
		Records:    sample.records,
		Bytes:      sample.bytes,
		PeakPerMin: sample.perMinute,
		AlertCount: int64(len(opened)),
	}
	if sample.ok && m.Enabled && status != domain.MonitorActive {
		stat.DowntimeMins = int64(sample.elapsed / time.Minute)
	}
	if err := s.Store.Flows().AddStat(ctx, stat); err != nil {
		return opened, err
	}
	return opened, nil
}

// statusAt derives a status from the time since the last record, or since registration when
// the producer has never sent one.
func (s *FlowMonitorService) statusAt(m domain.FlowMonitor, now time.Time) domain.MonitorStatus {
	if !m.Enabled {
		return domain.MonitorInactive
	}
	last := m.CreatedAt
	if m.LastSeenAt != nil && m.LastSeenAt.After(last) {
		last = *m.LastSeenAt
	}
	silent := now.Sub(last)
	switch {
	case silent > m.ErrorAfter:
		return domain.MonitorError
	case silent > m.WarnAfter:
		return domain.MonitorWarning
	default:
		return domain.MonitorActive
	}
}

type volumeSample struct {
	ok        bool
	records   int64
	bytes     int64
	perMinute int64
	elapsed   time.Duration
}

// sampleVolume turns the counter deltas since the previous sample into a per-minute rate and
// advances the sample marks on m.
func (s *FlowMonitorService) sampleVolume(m *domain.FlowMonitor, now time.Time) volumeSample {
	out := volumeSample{
		records: max(m.RecordsSeen-m.SampledRecords, 0),
		bytes:   max(m.BytesSeen-m.SampledBytes, 0),
	}
	if m.LastSampledAt != nil && now.After(*m.LastSampledAt) {
		out.elapsed = now.Sub(*m.LastSampledAt)
		out.perMinute = int64(float64(out.records) * float64(time.Minute) / float64(out.elapsed))
		out.ok = true
	}
	m.SampledRecords = m.RecordsSeen
	m.SampledBytes = m.BytesSeen
	if out.ok || m.LastSampledAt == nil {
		sampled := now
		m.LastSampledAt = &sampled
	}
	if out.ok {
		m.LogsPerMinute = out.perMinute
	}
	return out
}

func (s *FlowMonitorService) checkVolume(m domain.FlowMonitor, perMinute int64,
	open func(domain.AlertKind, domain.Severity, domain.MonitorStatus, string) error,
	resolve func(...domain.AlertKind) error,
) error {
	if m.MinPerMinute > 0 {
		if perMinute < m.MinPerMinute {
			msg := fmt.Sprintf("%s sends %d records/min, below the minimum of %d", m.Name, perMinute, m.MinPerMinute)
			if err := open(domain.AlertLowVolume, domain.SeverityLow, domain.MonitorActive, msg); err != nil {
				return err
			}
		} else if err := resolve(domain.AlertLowVolume); err != nil {
			return err
		}
	}
	if len(m.Baseline) < minBaselineSamples {
		return nil
	}
	mean := baselineMean(m.Baseline)
	if mean <= 0 {
		return nil
	}
	limit := m.HighVolumeFactor * mean
	if float64(perMinute) > limit {
		msg := fmt.Sprintf("%s sends %d records/min, above %.1fx its mean of %.1f", m.Name, perMinute, m.HighVolumeFactor, mean)
		return open(domain.AlertHighVolume, domain.SeverityMedium, domain.MonitorActive, msg)
	}
	return resolve(domain.AlertHighVolume)
}

func appendBaseline(baseline []int64, sample int64, limit int) []int64 {
	baseline = append(baseline, sample)
	if len(baseline) > limit {
		baseline = append([]int64(nil), baseline[len(baseline)-limit:]...)
	}
	return baseline
}

func baselineMean(baseline []int64) float64 {
	if len(baseline) == 0 {
		return 0
	}
	var sum int64
	for _, v := range baseline {
		sum += v
	}
	return float64(sum) / float64(len(baseline))
}
