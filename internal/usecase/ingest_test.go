package usecase_test

import (
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"sealog/internal/domain"

	"github.com/stretchr/testify/require"
)

func TestAppendDigestsLiteralConcatenation(t *testing.T) {
	f := newFixture(t)
	res, err := f.ingest.Append(f.ctx, tenantID, incoming("Ali Veli", start))
	require.NoError(t, err)

	want := sha256.Sum256([]byte("10000000146Ali Veli5551112233192.168.1.10aa:bb:cc:dd:ee:ff2025-01-02 03:04:05"))
	require.Equal(t, want[:], res.Record.ContentDigest)
	require.Equal(t, int64(1), res.Record.Seq)
	require.Equal(t, domain.ZeroDigest(), res.Record.PreviousDigest)
	require.Equal(t, domain.SignStateUnsigned, res.Record.SignState)
}

func TestAppendDeduplicatesWithinWindow(t *testing.T) {
	f := newFixture(t)
	first, err := f.ingest.Append(f.ctx, tenantID, incoming("Ali Veli", start))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	again, err := f.ingest.Append(f.ctx, tenantID, incoming("Ali Veli", start))
	require.NoError(t, err)
	require.True(t, again.Deduplicated)
	require.Equal(t, first.Record.Seq, again.Record.Seq)

	f.clock.Advance(10 * time.Minute)
	later, err := f.ingest.Append(f.ctx, tenantID, incoming("Ali Veli", start))
	require.NoError(t, err)
	require.False(t, later.Deduplicated)
	require.Equal(t, int64(2), later.Record.Seq)
}

func TestAppendRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		mut  func(*domain.Incoming)
		want error
	}{
		{"bad national id", func(in *domain.Incoming) { in.Identity = domain.NationalIdentity("12345678901") }, domain.ErrInvalidIdentity},
		{"both identities", func(in *domain.Incoming) { in.Identity.Passport = "U123"; in.Identity.Country = "DE" }, domain.ErrInvalidIdentity},
		{"bad ip", func(in *domain.Incoming) { in.NetworkAddress = "300.1.1.1" }, domain.ErrInvalidAddress},
		{"bad mac", func(in *domain.Incoming) { in.HardwareAddress = "zz:bb:cc:dd:ee:ff" }, domain.ErrInvalidAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := incoming("Ali Veli", start)
			tc.mut(&in)
			_, err := f.ingest.Append(f.ctx, tenantID, in)
			require.ErrorIs(t, err, tc.want)
		})
	}
	head, err := f.store.Records().Head(f.ctx, tenantID)
	require.NoError(t, err)
	require.Zero(t, head.LastSeq)
}

func TestAppendUnknownTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.ingest.Append(f.ctx, "nobody", incoming("Ali Veli", start))
	require.ErrorIs(t, err, domain.ErrTenantUnknown)
}

func TestAppendCountsProducerTraffic(t *testing.T) {
	f := newFixture(t)
	_, err := f.flows.Register(f.ctx, domain.FlowMonitor{TenantID: tenantID, Name: "fw-1", Type: domain.MonitorFirewall, Enabled: true})
	require.NoError(t, err)

	in := incoming("Ali Veli", start)
	in.Producer = "fw-1"
	_, err = f.ingest.Append(f.ctx, tenantID, in)
	require.NoError(t, err)
	require.NoError(t, f.ingest.Heartbeat(f.ctx, tenantID, "fw-1"))

	m, err := f.store.Flows().FindMonitor(f.ctx, tenantID, "fw-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), m.RecordsSeen)
	require.NotNil(t, m.LastSeenAt)
	require.NotNil(t, m.LastHeartbeatAt)

	// Unknown producers are accepted without a monitor.
	in.Producer = "unregistered"
	in.EntryTime = start.Add(time.Second)
	_, err = f.ingest.Append(f.ctx, tenantID, in)
	require.NoError(t, err)
}

func TestGuardFreezesTenantOnHeadMismatch(t *testing.T) {
	f := newFixture(t)
	recs := f.appendN(t, 2, start)
	require.NoError(t, f.guard.CheckHead(f.ctx, tenantID))

	f.store.OverwriteHead(tenantID, domain.ChainHead{LastSeq: 5, LastDigest: recs[1].ContentDigest})
	err := f.guard.CheckHead(f.ctx, tenantID)
	require.ErrorIs(t, err, domain.ErrInvariantViolated)

	tenant, err := f.store.Tenants().Get(f.ctx, tenantID)
	require.NoError(t, err)
	require.True(t, tenant.Frozen)

	frozen := f.events.OfKind(domain.EventTenantFrozen)
	require.Len(t, frozen, 1)
	require.Equal(t, domain.SeverityCritical, frozen[0].Severity)

	_, err = f.ingest.Append(f.ctx, tenantID, incoming("Ali Veli", start.Add(time.Hour)))
	require.True(t, errors.Is(err, domain.ErrTenantFrozen), "append on frozen tenant: %v", err)

	f.store.OverwriteHead(tenantID, domain.ChainHead{LastSeq: 2, LastDigest: recs[1].ContentDigest})
	require.NoError(t, f.guard.Unfreeze(f.ctx, tenantID))
	res, err := f.ingest.Append(f.ctx, tenantID, incoming("Ali Veli", start.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Record.Seq)
}

func TestGuardDoesNotFreezeDuringConcurrentAppends(t *testing.T) {
	f := newFixture(t)
	const n = 500

	var wg sync.WaitGroup
	done := make(chan struct{})
	appendErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < n; i++ {
			if _, err := f.ingest.Append(f.ctx, tenantID, incoming("Ali Veli", start.Add(time.Duration(i)*time.Second))); err != nil {
				appendErr <- err
				return
			}
		}
	}()

	checks := 0
	for running := true; running; checks++ {
		select {
		case <-done:
			running = false
		default:
		}
		require.NoError(t, f.guard.CheckHead(f.ctx, tenantID), "check %d", checks)
	}
	wg.Wait()
	select {
	case err := <-appendErr:
		t.Fatalf("append: %v", err)
	default:
	}

	tenant, err := f.store.Tenants().Get(f.ctx, tenantID)
	require.NoError(t, err)
	require.False(t, tenant.Frozen)
	require.Empty(t, f.events.OfKind(domain.EventTenantFrozen))
	head, err := f.store.Records().Head(f.ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, int64(n), head.LastSeq)
}
