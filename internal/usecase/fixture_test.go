package usecase_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/archive"
	"sealog/internal/infra/events"
	"sealog/internal/infra/lock"
	"sealog/internal/infra/memstore"
	"sealog/internal/usecase"

	"github.com/stretchr/testify/require"
)

const tenantID = "demo-kafe"

var start = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// fakeTSA issues tokens of the form "tok|<backend>|<serial>|<hex digest>" and verifies them by
// parsing that form back.
type fakeTSA struct {
	mu      sync.Mutex
	clock   *clock
	backend string
	serial  int
	calls   int
	fail    []error
	// during runs inside Timestamp, while the batch is in flight.
	during func()
}

func (f *fakeTSA) failNext(errs ...error) {
	f.mu.Lock()
	f.fail = append(f.fail, errs...)
	f.mu.Unlock()
}

func (f *fakeTSA) Timestamp(_ context.Context, _ domain.Tenant, digest []byte) (domain.Token, error) {
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		return domain.Token{}, err
	}
	f.serial++
	serial := fmt.Sprintf("%d", f.serial)
	return domain.Token{
		BackendID: f.backend,
		Bytes:     []byte("tok|" + f.backend + "|" + serial + "|" + hex.EncodeToString(digest)),
		Serial:    serial,
		Time:      f.clock.Now(),
		Digest:    append([]byte(nil), digest...),
	}, nil
}

func (f *fakeTSA) VerifyToken(_ context.Context, backendID string, token, digest []byte) (domain.Token, error) {
	parts := strings.Split(string(token), "|")
	if len(parts) != 4 || parts[0] != "tok" {
		return domain.Token{}, errors.New("malformed token")
	}
	if parts[1] != backendID {
		return domain.Token{}, fmt.Errorf("token issued by %s, not %s", parts[1], backendID)
	}
	want, err := hex.DecodeString(parts[3])
	if err != nil || !bytes.Equal(want, digest) {
		return domain.Token{}, errors.New("message imprint mismatch")
	}
	return domain.Token{BackendID: backendID, Bytes: token, Serial: parts[2], Digest: want}, nil
}

type fixture struct {
	ctx    context.Context
	clock  *clock
	store  *memstore.Store
	events *events.Memory
	locks  *lock.Memory
	tsa    *fakeTSA
	env    usecase.Env

	ingest    *usecase.IngestService
	signer    *usecase.BatchSigner
	verifier  *usecase.Verifier
	flows     *usecase.FlowMonitorService
	retention *usecase.RetentionManager
	reports   *usecase.ReportBuilder
	guard     *usecase.IntegrityGuard
	archive   *archive.Local
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: start}
	f := &fixture{
		ctx:    context.Background(),
		clock:  clk,
		store:  memstore.NewWithClock(clk.Now),
		events: &events.Memory{},
		locks:  lock.NewMemory(),
		tsa:    &fakeTSA{clock: clk, backend: "primary"},
	}
	f.env = usecase.Env{Events: f.events, Clock: clk.Now}
	local, err := archive.NewLocal(t.TempDir())
	require.NoError(t, err)
	f.archive = local

	require.NoError(t, f.store.Tenants().Upsert(f.ctx, domain.Tenant{ID: tenantID, Slug: tenantID, BatchSize: 10}))

	f.ingest = usecase.NewIngestService(f.store, f.env)
	f.signer = usecase.NewBatchSigner(f.store, f.tsa, f.locks, usecase.SignerOptions{
		Jitter: func(ceiling time.Duration) time.Duration { return ceiling },
	}, f.env)
	f.guard = usecase.NewIntegrityGuard(f.store, f.env)
	f.verifier = usecase.NewVerifier(f.store, f.tsa, usecase.VerifierOptions{PageSize: 2}, f.env)
	f.verifier.Guard = f.guard
	f.verifier.Locks = f.locks
	f.flows = usecase.NewFlowMonitorService(f.store, usecase.FlowOptions{}, f.env)
	f.retention = usecase.NewRetentionManager(f.store, []usecase.ArchiveStore{local}, f.locks, usecase.RetentionOptions{}, f.env)
	f.reports = usecase.NewReportBuilder(f.store, f.env)
	return f
}

func incoming(name string, entry time.Time) domain.Incoming {
	return domain.Incoming{
		Identity:        domain.NationalIdentity("10000000146"),
		FullName:        name,
		Phone:           "5551112233",
		NetworkAddress:  "192.168.1.10",
		HardwareAddress: "aa:bb:cc:dd:ee:ff",
		EntryTime:       entry,
	}
}

// appendN appends n distinct records, one minute apart in entry time.
func (f *fixture) appendN(t *testing.T, n int, entry time.Time) []domain.AccessRecord {
	t.Helper()
	out := make([]domain.AccessRecord, 0, n)
	for i := 0; i < n; i++ {
		res, err := f.ingest.Append(f.ctx, tenantID, incoming("Ali Veli", entry.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		require.False(t, res.Deduplicated)
		out = append(out, res.Record)
	}
	return out
}

func (f *fixture) records(t *testing.T, from, to int64) []domain.AccessRecord {
	t.Helper()
	recs, err := f.store.Records().Get(f.ctx, tenantID, from, to)
	require.NoError(t, err)
	return recs
}
