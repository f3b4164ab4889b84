package usecase_test

import (
	"testing"
	"time"

	"sealog/internal/domain"

	"github.com/stretchr/testify/require"
)

func registerMonitor(t *testing.T, f *fixture, m domain.FlowMonitor) domain.FlowMonitor {
	t.Helper()
	m.TenantID = tenantID
	m.Enabled = true
	out, err := f.flows.Register(f.ctx, m)
	require.NoError(t, err)
	return out
}

func (f *fixture) produce(t *testing.T, producer string, entry time.Time) {
	t.Helper()
	in := incoming("Ali Veli", entry)
	in.Producer = producer
	_, err := f.ingest.Append(f.ctx, tenantID, in)
	require.NoError(t, err)
}

func TestFlowMonitorSilenceAlertsAndRecovery(t *testing.T) {
	f := newFixture(t)
	registerMonitor(t, f, domain.FlowMonitor{
		Name:       "hotspot-1",
		Type:       domain.MonitorHotspot,
		WarnAfter:  5 * time.Minute,
		ErrorAfter: 15 * time.Minute,
	})
	f.produce(t, "hotspot-1", start)

	opened := map[domain.AlertKind]time.Duration{}
	for minute := 0; minute <= 20; minute++ {
		require.NoError(t, f.flows.Sample(f.ctx))
		for _, e := range f.events.OfKind(domain.EventFlowAlert) {
			kind := domain.AlertKind(e.Attributes["kind"])
			if _, seen := opened[kind]; !seen {
				opened[kind] = e.At.Sub(start)
			}
		}
		f.clock.Advance(time.Minute)
	}
	require.Len(t, f.events.OfKind(domain.EventFlowAlert), 2)
	require.Equal(t, 6*time.Minute, opened[domain.AlertNoRecords])
	require.Equal(t, 16*time.Minute, opened[domain.AlertProducerOffline])

	open, err := f.flows.Alerts(f.ctx, tenantID, true)
	require.NoError(t, err)
	require.Len(t, open, 2)
	levels := map[domain.AlertKind]domain.MonitorStatus{}
	for _, a := range open {
		levels[a.Kind] = a.Level
	}
	require.Equal(t, domain.MonitorWarning, levels[domain.AlertNoRecords])
	require.Equal(t, domain.MonitorError, levels[domain.AlertProducerOffline])

	m, err := f.store.Flows().FindMonitor(f.ctx, tenantID, "hotspot-1")
	require.NoError(t, err)
	require.Equal(t, domain.MonitorError, m.Status)

	f.produce(t, "hotspot-1", f.clock.Now())
	require.NoError(t, f.flows.Sample(f.ctx))

	open, err = f.flows.Alerts(f.ctx, tenantID, true)
	require.NoError(t, err)
	require.Empty(t, open)
	require.Len(t, f.events.OfKind(domain.EventFlowResolved), 2)

	m, err = f.store.Flows().FindMonitor(f.ctx, tenantID, "hotspot-1")
	require.NoError(t, err)
	require.Equal(t, domain.MonitorActive, m.Status)
	require.Equal(t, int64(2), m.RecordsSeen)

	stats, err := f.flows.Stats(f.ctx, m.ID, start.Truncate(time.Hour), start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, int64(2), stats[0].Records)
	require.Equal(t, int64(2), stats[0].AlertCount)
	require.Positive(t, stats[0].DowntimeMins)
}

func TestFlowMonitorConfigError(t *testing.T) {
	f := newFixture(t)
	registerMonitor(t, f, domain.FlowMonitor{Name: "bad", WarnAfter: 10 * time.Minute, ErrorAfter: 5 * time.Minute})

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.flows.Sample(f.ctx))

	open, err := f.flows.Alerts(f.ctx, tenantID, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, domain.AlertConfigError, open[0].Kind)

	m, err := f.store.Flows().FindMonitor(f.ctx, tenantID, "bad")
	require.NoError(t, err)
	require.Equal(t, domain.MonitorActive, m.Status)
}

func TestFlowMonitorHighVolumeAgainstBaseline(t *testing.T) {
	f := newFixture(t)
	m := registerMonitor(t, f, domain.FlowMonitor{Name: "syslog-1", Type: domain.MonitorSyslog})
	traffic := func(n int64) {
		require.NoError(t, f.store.Flows().RecordTraffic(f.ctx, tenantID, "syslog-1", n, n*200, f.clock.Now()))
	}

	require.NoError(t, f.flows.Sample(f.ctx))
	for i := 0; i < 6; i++ {
		f.clock.Advance(time.Minute)
		traffic(10)
		require.NoError(t, f.flows.Sample(f.ctx))
	}
	require.Empty(t, f.events.OfKind(domain.EventFlowAlert))

	f.clock.Advance(time.Minute)
	traffic(100)
	require.NoError(t, f.flows.Sample(f.ctx))

	alerts := f.events.OfKind(domain.EventFlowAlert)
	require.Len(t, alerts, 1)
	require.Equal(t, string(domain.AlertHighVolume), alerts[0].Attributes["kind"])

	stored, err := f.store.Flows().GetMonitor(f.ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), stored.LogsPerMinute)
	require.Len(t, stored.Baseline, 7)
}

func TestFlowMonitorLowVolumeAndAck(t *testing.T) {
	f := newFixture(t)
	registerMonitor(t, f, domain.FlowMonitor{Name: "fw-1", MinPerMinute: 5})

	require.NoError(t, f.flows.Sample(f.ctx))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.store.Flows().RecordTraffic(f.ctx, tenantID, "fw-1", 2, 400, f.clock.Now()))
	require.NoError(t, f.flows.Sample(f.ctx))

	open, err := f.flows.Alerts(f.ctx, tenantID, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, domain.AlertLowVolume, open[0].Kind)
	require.Equal(t, domain.SeverityLow, open[0].Severity)

	require.NoError(t, f.flows.Ack(f.ctx, tenantID, open[0].ID))
	open, err = f.flows.Alerts(f.ctx, tenantID, true)
	require.NoError(t, err)
	require.NotNil(t, open[0].AckAt)
	require.ErrorIs(t, f.flows.Ack(f.ctx, "other", open[0].ID), domain.ErrNotFound)
}

func TestFlowMonitorRecoveryResolvesLowVolume(t *testing.T) {
	f := newFixture(t)
	registerMonitor(t, f, domain.FlowMonitor{
		Name:         "fw-1",
		WarnAfter:    5 * time.Minute,
		ErrorAfter:   15 * time.Minute,
		MinPerMinute: 10,
	})

	require.NoError(t, f.flows.Sample(f.ctx))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.store.Flows().RecordTraffic(f.ctx, tenantID, "fw-1", 2, 400, f.clock.Now()))
	require.NoError(t, f.flows.Sample(f.ctx))

	f.clock.Advance(6 * time.Minute)
	require.NoError(t, f.flows.Sample(f.ctx))
	open, err := f.flows.Alerts(f.ctx, tenantID, true)
	require.NoError(t, err)
	require.Len(t, open, 2)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.store.Flows().RecordTraffic(f.ctx, tenantID, "fw-1", 20, 4000, f.clock.Now()))
	require.NoError(t, f.flows.Sample(f.ctx))

	open, err = f.flows.Alerts(f.ctx, tenantID, true)
	require.NoError(t, err)
	require.Empty(t, open)
	resolved := map[domain.AlertKind]bool{}
	for _, e := range f.events.OfKind(domain.EventFlowResolved) {
		resolved[domain.AlertKind(e.Attributes["kind"])] = true
	}
	require.True(t, resolved[domain.AlertLowVolume])
	require.True(t, resolved[domain.AlertNoRecords])

	// A rate that is still low after recovery opens a new alert.
	f.clock.Advance(time.Minute)
	require.NoError(t, f.store.Flows().RecordTraffic(f.ctx, tenantID, "fw-1", 1, 200, f.clock.Now()))
	require.NoError(t, f.flows.Sample(f.ctx))
	open, err = f.flows.Alerts(f.ctx, tenantID, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, domain.AlertLowVolume, open[0].Kind)
	require.Equal(t, f.clock.Now(), open[0].FirstSeen)
}

func TestFlowMonitorRegisterKeepsCounters(t *testing.T) {
	f := newFixture(t)
	first := registerMonitor(t, f, domain.FlowMonitor{Name: "fw-1"})
	f.produce(t, "fw-1", start)

	second := registerMonitor(t, f, domain.FlowMonitor{Name: "fw-1", WarnAfter: time.Minute, ErrorAfter: 2 * time.Minute})
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, int64(1), second.RecordsSeen)
	require.Equal(t, time.Minute, second.WarnAfter)

	disabled, err := f.flows.Register(f.ctx, domain.FlowMonitor{TenantID: tenantID, Name: "fw-1"})
	require.NoError(t, err)
	require.Equal(t, domain.MonitorInactive, disabled.Status)
}
