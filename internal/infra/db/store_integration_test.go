//go:build integration
// +build integration

package db

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/chain"
	cryptoinfra "sealog/internal/infra/crypto"
	"sealog/internal/infra/db/testdb"
)

var base = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func setupStore(t *testing.T, tenants ...domain.Tenant) *Store {
	t.Helper()
	cipher, err := cryptoinfra.NewFieldCipher(bytes.Repeat([]byte{7}, 32), nil)
	if err != nil {
		t.Fatalf("field cipher: %v", err)
	}
	store, err := Open(testdb.NewDatabase(t), Options{Cipher: cipher, Clock: func() time.Time { return base }})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(tenants) == 0 {
		tenants = []domain.Tenant{{ID: "demo-kafe"}}
	}
	for _, tenant := range tenants {
		if err := store.Tenants().Upsert(ctx, tenant); err != nil {
			t.Fatalf("upsert tenant: %v", err)
		}
	}
	return store
}

func draftAt(t *testing.T, minute int) domain.RecordDraft {
	t.Helper()
	d, err := chain.Prepare(domain.Incoming{
		Identity:        domain.NationalIdentity("10000000146"),
		FullName:        "Ali Veli",
		Phone:           "5551112233",
		NetworkAddress:  "192.168.1.10",
		HardwareAddress: "aa:bb:cc:dd:ee:ff",
		EntryTime:       base.Add(time.Duration(minute) * time.Minute),
	}, 1)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return d
}

func appendN(t *testing.T, store *Store, tenantID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := store.Records().Append(context.Background(), tenantID, draftAt(t, i), 0, base); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := setupStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	names, err := MigrationFiles()
	if err != nil {
		t.Fatalf("migration files: %v", err)
	}
	var applied int64
	if err := store.DB().Raw("SELECT count(*) FROM schema_migrations").Scan(&applied).Error; err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != int64(len(names)) {
		t.Fatalf("expected %d applied migrations, got %d", len(names), applied)
	}
}

func TestAppendChainsRecordsAndDeduplicates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	records := store.Records()

	first, err := records.Append(ctx, "demo-kafe", draftAt(t, 0), 5*time.Minute, base)
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Record.Seq != 1 || !bytes.Equal(first.Record.PreviousDigest, domain.ZeroDigest()) {
		t.Fatalf("unexpected genesis record: seq=%d prev=%x", first.Record.Seq, first.Record.PreviousDigest)
	}
	dup, err := records.Append(ctx, "demo-kafe", draftAt(t, 0), 5*time.Minute, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !dup.Deduplicated || dup.Record.Seq != 1 {
		t.Fatalf("expected dedup onto seq 1, got %+v", dup)
	}
	second, err := records.Append(ctx, "demo-kafe", draftAt(t, 1), 5*time.Minute, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Record.Seq != 2 || !bytes.Equal(second.Record.PreviousDigest, first.Record.ContentDigest) {
		t.Fatalf("second record not linked: %+v", second.Record)
	}

	head, err := records.Head(ctx, "demo-kafe")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.LastSeq != 2 || !bytes.Equal(head.LastDigest, second.Record.ContentDigest) {
		t.Fatalf("head mismatch: %+v", head)
	}
	locked, tip, err := records.HeadAndTip(ctx, "demo-kafe")
	if err != nil || tip.Seq != 2 || !bytes.Equal(tip.Digest, head.LastDigest) || locked.LastSeq != head.LastSeq {
		t.Fatalf("tip mismatch: tip=%d head=%d err=%v", tip.Seq, locked.LastSeq, err)
	}

	stored, err := records.Get(ctx, "demo-kafe", 1, 2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var prior []byte
	chain.Walk(stored, nil, func(seq int64, rec *domain.AccessRecord, link chain.Link) {
		if link.Category != domain.ResultValid {
			t.Fatalf("seq %d verified as %s", seq, link.Category)
		}
		prior = link.Recomputed
	})
	if !bytes.Equal(prior, head.LastDigest) {
		t.Fatal("walk did not end on the head digest")
	}
}

func TestAppendConcurrentKeepsSequenceDense(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	const n = 20
	drafts := make([]domain.RecordDraft, n)
	for i := range drafts {
		drafts[i] = draftAt(t, i)
	}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, d := range drafts {
		wg.Add(1)
		go func(d domain.RecordDraft) {
			defer wg.Done()
			if _, err := store.Records().Append(ctx, "demo-kafe", d, 0, base); err != nil {
				errs <- err
			}
		}(d)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}
	stored, err := store.Records().Get(ctx, "demo-kafe", 1, n)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored) != n {
		t.Fatalf("expected %d records, got %d", n, len(stored))
	}
	chain.Walk(stored, nil, func(seq int64, _ *domain.AccessRecord, link chain.Link) {
		if link.Category != domain.ResultValid {
			t.Fatalf("seq %d: %s", seq, link.Category)
		}
	})
}

func TestEncryptedColumnsAreNotStoredInPlaintext(t *testing.T) {
	store := setupStore(t, domain.Tenant{ID: "sealed", EncryptAtRest: true})
	ctx := context.Background()
	res, err := store.Records().Append(ctx, "sealed", draftAt(t, 0), 0, base)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Record.NetworkAddress != "192.168.1.10" {
		t.Fatalf("returned record should carry plaintext, got %q", res.Record.NetworkAddress)
	}

	var raw AccessRecordModel
	if err := store.DB().Where("tenant_id = ? AND seq = 1", "sealed").Take(&raw).Error; err != nil {
		t.Fatalf("load raw row: %v", err)
	}
	if !raw.Encrypted {
		t.Fatal("expected row to be flagged encrypted")
	}
	for _, column := range [][]byte{raw.IdentityValue, raw.NetworkAddress, raw.HardwareAddress} {
		if bytes.Contains(column, []byte("10000000146")) || bytes.Contains(column, []byte("192.168.1.10")) || bytes.Contains(column, []byte("aa:bb")) {
			t.Fatalf("plaintext leaked into column: %q", column)
		}
	}

	stored, err := store.Records().Get(ctx, "sealed", 1, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if link := chain.Check(stored[0], nil); link.Category != domain.ResultValid {
		t.Fatalf("decrypted record does not verify: %s", link.Category)
	}
}

func TestFrozenTenantRejectsAppend(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	if err := store.Tenants().Freeze(ctx, "demo-kafe", "head mismatch", base); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := store.Records().Append(ctx, "demo-kafe", draftAt(t, 0), 0, base); !errors.Is(err, domain.ErrTenantFrozen) {
		t.Fatalf("expected ErrTenantFrozen, got %v", err)
	}
	if err := store.Tenants().Upsert(ctx, domain.Tenant{ID: "demo-kafe", BatchSize: 10}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	tenant, err := store.Tenants().Get(ctx, "demo-kafe")
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if !tenant.Frozen || tenant.BatchSize != 10 {
		t.Fatalf("upsert should keep freeze and apply settings: %+v", tenant)
	}
	if err := store.Tenants().Unfreeze(ctx, "demo-kafe"); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if _, err := store.Records().Append(ctx, "demo-kafe", draftAt(t, 0), 0, base); err != nil {
		t.Fatalf("append after unfreeze: %v", err)
	}
	if _, err := store.Records().Append(ctx, "nobody", draftAt(t, 0), 0, base); !errors.Is(err, domain.ErrTenantUnknown) {
		t.Fatalf("expected ErrTenantUnknown, got %v", err)
	}
}

func TestSigningLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	records := store.Records()
	appendN(t, store, "demo-kafe", 3)

	unsigned, err := records.SelectUnsigned(ctx, "demo-kafe", 10)
	if err != nil || len(unsigned) != 3 {
		t.Fatalf("select unsigned: %d %v", len(unsigned), err)
	}
	batch, err := records.MarkSigning(ctx, domain.SignBatch{
		TenantID: "demo-kafe",
		SeqFrom:  1,
		SeqTo:    3,
		Digest:   chain.BatchDigest(unsigned),
	})
	if err != nil {
		t.Fatalf("mark signing: %v", err)
	}
	if batch.State != domain.BatchInFlight || batch.Attempts != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if _, err := records.MarkSigning(ctx, domain.SignBatch{TenantID: "demo-kafe", SeqFrom: 2, SeqTo: 3, Digest: batch.Digest}); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("overlapping batch should be refused, got %v", err)
	}

	if err := records.MarkFailed(ctx, batch.ID, domain.SignOutcome{Retryable: true, Detail: "tsa down"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	retry, err := records.MarkSigning(ctx, domain.SignBatch{ID: batch.ID, TenantID: "demo-kafe"})
	if err != nil {
		t.Fatalf("retry batch: %v", err)
	}
	if retry.Attempts != 2 {
		t.Fatalf("expected second attempt, got %d", retry.Attempts)
	}

	signedAt := base.Add(time.Minute)
	token := domain.Token{BackendID: "primary", Bytes: []byte("token"), Serial: "42", Time: signedAt}
	if err := records.MarkSigned(ctx, batch.ID, token); err != nil {
		t.Fatalf("mark signed: %v", err)
	}
	if err := records.MarkSigned(ctx, batch.ID, token); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("second mark signed should be illegal, got %v", err)
	}
	stored, err := records.Get(ctx, "demo-kafe", 1, 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, rec := range stored {
		if rec.SignState != domain.SignStateSigned || rec.TSASerial != "42" || rec.BatchID != batch.ID {
			t.Fatalf("record %d not signed: %+v", rec.Seq, rec)
		}
		if rec.SignedAt == nil || !rec.SignedAt.Equal(signedAt) {
			t.Fatalf("record %d signed at %v", rec.Seq, rec.SignedAt)
		}
	}
	ok, err := store.Batches().ListBatches(ctx, "demo-kafe", domain.BatchOK)
	if err != nil || len(ok) != 1 {
		t.Fatalf("list ok batches: %d %v", len(ok), err)
	}
}

func TestPermanentFailuresReachCap(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	records := store.Records()
	appendN(t, store, "demo-kafe", 1)

	for attempt := 1; attempt <= 2; attempt++ {
		unsigned, err := records.SelectUnsigned(ctx, "demo-kafe", 10)
		if err != nil || len(unsigned) != 1 {
			t.Fatalf("attempt %d: select unsigned %d %v", attempt, len(unsigned), err)
		}
		batch, err := records.MarkSigning(ctx, domain.SignBatch{TenantID: "demo-kafe", SeqFrom: 1, SeqTo: 1, Digest: unsigned[0].ContentDigest})
		if err != nil {
			t.Fatalf("attempt %d: mark signing: %v", attempt, err)
		}
		if err := records.MarkFailed(ctx, batch.ID, domain.SignOutcome{Detail: "rejected", FailureCap: 2}); err != nil {
			t.Fatalf("attempt %d: mark failed: %v", attempt, err)
		}
	}
	stored, err := records.Get(ctx, "demo-kafe", 1, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored[0].SignState != domain.SignStateFailed || stored[0].SignFailures != 2 {
		t.Fatalf("expected FAILED after cap, got %s/%d", stored[0].SignState, stored[0].SignFailures)
	}
	n, err := records.ResetFailed(ctx, "demo-kafe")
	if err != nil || n != 1 {
		t.Fatalf("reset failed: %d %v", n, err)
	}
}

func TestRecoverInFlight(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	appendN(t, store, "demo-kafe", 2)
	unsigned, _ := store.Records().SelectUnsigned(ctx, "demo-kafe", 10)
	batch, err := store.Records().MarkSigning(ctx, domain.SignBatch{TenantID: "demo-kafe", SeqFrom: 1, SeqTo: 2, Digest: chain.BatchDigest(unsigned)})
	if err != nil {
		t.Fatalf("mark signing: %v", err)
	}
	n, err := store.Batches().RecoverInFlight(ctx, base)
	if err != nil || n != 1 {
		t.Fatalf("recover: %d %v", n, err)
	}
	got, err := store.Batches().GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.State != domain.BatchRetryableFail {
		t.Fatalf("expected RETRYABLE_FAIL, got %s", got.State)
	}
	again, err := store.Records().SelectUnsigned(ctx, "demo-kafe", 10)
	if err != nil || len(again) != 2 {
		t.Fatalf("records should be unsigned again: %d %v", len(again), err)
	}
}

func TestDeletePrefixRespectsArchiveAndRuns(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	records := store.Records()
	appendN(t, store, "demo-kafe", 4)

	if _, err := records.DeletePrefix(ctx, "demo-kafe", 2); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("unarchived prefix must not be deleted, got %v", err)
	}
	candidates, err := records.ArchiveCandidates(ctx, "demo-kafe", base.Add(2*time.Minute), 10)
	if err != nil || len(candidates) != 2 {
		t.Fatalf("archive candidates: %d %v", len(candidates), err)
	}
	if err := records.MarkArchived(ctx, "demo-kafe", 1, 2, domain.ClassAccessLog, "job-1"); err != nil {
		t.Fatalf("mark archived: %v", err)
	}

	run, err := store.Verifications().CreateRun(ctx, domain.VerificationRun{TenantID: "demo-kafe", SeqFrom: 1, SeqTo: 4, State: domain.RunRunning})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := records.DeletePrefix(ctx, "demo-kafe", 2); !errors.Is(err, domain.ErrRetentionDeferred) {
		t.Fatalf("expected ErrRetentionDeferred, got %v", err)
	}
	run.State = domain.RunDone
	run.Exported = true
	if err := store.Verifications().UpdateRun(ctx, run); err != nil {
		t.Fatalf("update run: %v", err)
	}
	n, err := records.DeletePrefix(ctx, "demo-kafe", 2)
	if err != nil || n != 2 {
		t.Fatalf("delete prefix: %d %v", n, err)
	}
	head, err := records.Head(ctx, "demo-kafe")
	if err != nil || head.LowWater != 3 || head.LastSeq != 4 {
		t.Fatalf("head after delete: %+v %v", head, err)
	}
	remaining, err := records.Get(ctx, "demo-kafe", 1, 4)
	if err != nil || len(remaining) != 2 || remaining[0].Seq != 3 {
		t.Fatalf("remaining records: %d %v", len(remaining), err)
	}
}

func TestCancelRequestSurvivesProgressUpdate(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	runs := store.Verifications()
	run, err := runs.CreateRun(ctx, domain.VerificationRun{TenantID: "demo-kafe", SeqFrom: 1, SeqTo: 10})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := runs.RequestCancel(ctx, "demo-kafe", run.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	run.State = domain.RunRunning
	run.Cursor = 5
	if err := runs.UpdateRun(ctx, run); err != nil {
		t.Fatalf("update run: %v", err)
	}
	got, err := runs.GetRun(ctx, "demo-kafe", run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !got.CancelRequested || got.Cursor != 5 {
		t.Fatalf("cancel flag lost or cursor not stored: %+v", got)
	}
	if err := runs.RequestCancel(ctx, "other", run.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign tenant cancel should be not found, got %v", err)
	}
}

func TestOpenAlertDeduplicatesPerMonitorAndKind(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	flows := store.Flows()
	if err := flows.SaveMonitor(ctx, domain.FlowMonitor{
		ID: "m1", TenantID: "demo-kafe", Name: "syslog-1", Type: domain.MonitorSyslog,
		WarnAfter: 10 * time.Minute, ErrorAfter: 30 * time.Minute, Enabled: true, Status: domain.MonitorActive,
		Baseline: []int64{4, 5, 6},
	}); err != nil {
		t.Fatalf("save monitor: %v", err)
	}
	alert := domain.FlowAlert{MonitorID: "m1", TenantID: "demo-kafe", Kind: domain.AlertNoRecords, Severity: domain.SeverityMedium, Level: domain.MonitorWarning, FirstSeen: base}
	first, created, err := flows.OpenAlert(ctx, alert)
	if err != nil || !created {
		t.Fatalf("open first alert: %v created=%v", err, created)
	}
	second, created, err := flows.OpenAlert(ctx, alert)
	if err != nil || created || second.ID != first.ID {
		t.Fatalf("duplicate alert should return the open one: %+v created=%v err=%v", second, created, err)
	}
	resolved, err := flows.ResolveAlerts(ctx, "m1", []domain.AlertKind{domain.AlertNoRecords}, base.Add(time.Minute))
	if err != nil || len(resolved) != 1 {
		t.Fatalf("resolve: %d %v", len(resolved), err)
	}
	if _, created, err := flows.OpenAlert(ctx, alert); err != nil || !created {
		t.Fatalf("alert after resolution should be new: created=%v err=%v", created, err)
	}

	if err := flows.RecordTraffic(ctx, "demo-kafe", "syslog-1", 10, 1000, base); err != nil {
		t.Fatalf("record traffic: %v", err)
	}
	mon, err := flows.GetMonitor(ctx, "m1")
	if err != nil {
		t.Fatalf("get monitor: %v", err)
	}
	if mon.RecordsSeen != 10 || mon.AvgRecordSize != 100 || len(mon.Baseline) != 3 {
		t.Fatalf("unexpected monitor counters: %+v", mon)
	}

	for _, peak := range []int64{3, 9} {
		if err := flows.AddStat(ctx, domain.FlowStat{MonitorID: "m1", Hour: base, Records: 5, PeakPerMin: peak}); err != nil {
			t.Fatalf("add stat: %v", err)
		}
	}
	stats, err := flows.ListStats(ctx, "m1", base.Truncate(time.Hour), base.Add(time.Hour))
	if err != nil || len(stats) != 1 || stats[0].Records != 10 || stats[0].PeakPerMin != 9 {
		t.Fatalf("stats not folded: %+v %v", stats, err)
	}
}

func TestUpsertPolicyKeepsLastRun(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	retention := store.Retention()
	policy := domain.RetentionPolicy{TenantID: "demo-kafe", Class: domain.ClassAccessLog, Days: 730, TargetStore: domain.StoreLocal, Cadence: domain.CadenceDaily, Enabled: true}
	if err := retention.UpsertPolicy(ctx, policy); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	policies, err := retention.ListPolicies(ctx, "demo-kafe")
	if err != nil || len(policies) != 1 {
		t.Fatalf("list: %d %v", len(policies), err)
	}
	if err := retention.TouchPolicy(ctx, policies[0].ID, base); err != nil {
		t.Fatalf("touch: %v", err)
	}
	policy.Days = 365
	if err := retention.UpsertPolicy(ctx, policy); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	policies, err = retention.ListPolicies(ctx, "demo-kafe")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if policies[0].Days != 365 || policies[0].LastRunAt == nil || !policies[0].LastRunAt.Equal(base) {
		t.Fatalf("policy after update: %+v", policies[0])
	}
}

func TestAdvisoryLockIsExclusive(t *testing.T) {
	store := setupStore(t)
	sqlDB, err := store.SQL()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	locker := NewAdvisoryLocker(sqlDB)
	ctx := context.Background()

	release, ok, err := locker.TryAcquire(ctx, "sealog:sign:demo-kafe")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := locker.TryAcquire(ctx, "sealog:sign:demo-kafe"); err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}
	release()
	release()
	again, ok, err := locker.TryAcquire(ctx, "sealog:sign:demo-kafe")
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	again()
}
