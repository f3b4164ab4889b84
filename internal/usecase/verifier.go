package usecase

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/chain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultVerifyPageSize = 500

type VerifierOptions struct {
	PageSize int
}

// Verifier runs VerificationRuns: it recomputes every record digest in the run's range,
// checks each chain link against the recomputed predecessor, detects gaps and re-validates
// batch timestamp tokens. Progress is persisted per page so an interrupted run resumes from
// its cursor.
type Verifier struct {
	Store Store
	TSA   TimestampClient
	// Locks, when set, keeps two processes from executing the same run.
	Locks Locker
	// Guard, when set, compares the chain head with the stored tip before each run.
	Guard *IntegrityGuard
	Opts  VerifierOptions
	Env   Env

	mu      sync.Mutex
	running map[string]struct{}
	wake    chan struct{}
}

func NewVerifier(store Store, tsa TimestampClient, opts VerifierOptions, env Env) *Verifier {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultVerifyPageSize
	}
	return &Verifier{
		Store:   store,
		TSA:     tsa,
		Opts:    opts,
		Env:     env.withDefaults(),
		running: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Wake returns a channel that receives after a run has been submitted.
func (v *Verifier) Wake() <-chan struct{} {
	return v.wake
}

func (v *Verifier) notify() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// Submit creates a PENDING run over [from, to], clamped to the records the live store still
// holds.
func (v *Verifier) Submit(ctx context.Context, tenantID string, from, to int64) (domain.VerificationRun, error) {
	if from < 1 || to < from {
		return domain.VerificationRun{}, fmt.Errorf("%w: sequence range %d-%d", domain.ErrInvalidArgument, from, to)
	}
	head, err := v.Store.Records().Head(ctx, tenantID)
	if err != nil {
		return domain.VerificationRun{}, err
	}
	low := max(head.LowWater, 1)
	run := domain.VerificationRun{
		TenantID:  tenantID,
		SeqFrom:   max(from, low),
		SeqTo:     min(to, head.LastSeq),
		State:     domain.RunPending,
		CreatedAt: v.Env.now(),
	}
	return v.create(ctx, run)
}

// SubmitWindow creates a PENDING run covering the records whose entry time lies in
// [from, to).
func (v *Verifier) SubmitWindow(ctx context.Context, tenantID string, from, to time.Time) (domain.VerificationRun, error) {
	if !from.Before(to) {
		return domain.VerificationRun{}, fmt.Errorf("%w: empty time window", domain.ErrInvalidArgument)
	}
	lo, hi, err := v.Store.Records().SeqRange(ctx, tenantID, from, to)
	if err != nil {
		return domain.VerificationRun{}, err
	}
	wf, wt := from.UTC(), to.UTC()
	run := domain.VerificationRun{
		TenantID:   tenantID,
		SeqFrom:    lo,
		SeqTo:      hi,
		WindowFrom: &wf,
		WindowTo:   &wt,
		State:      domain.RunPending,
		CreatedAt:  v.Env.now(),
	}
	return v.create(ctx, run)
}

func (v *Verifier) create(ctx context.Context, run domain.VerificationRun) (domain.VerificationRun, error) {
	created, err := v.Store.Verifications().CreateRun(ctx, run)
	if err != nil {
		return domain.VerificationRun{}, err
	}
	v.Env.Logger.Info("verification run submitted", "tenant", created.TenantID, "run", created.ID, "from", created.SeqFrom, "to", created.SeqTo)
	v.notify()
	return created, nil
}

// Cancel asks a run to stop. The worker executing it observes the request at the next page
// boundary, discards the findings gathered so far and ends the run as CANCELLED.
func (v *Verifier) Cancel(ctx context.Context, tenantID, runID string) error {
	if err := v.Store.Verifications().RequestCancel(ctx, tenantID, runID); err != nil {
		return err
	}
	v.notify()
	return nil
}

// RunPending executes every PENDING or RUNNING run, oldest first. RUNNING runs were left by
// an interrupted worker and resume from their cursor.
func (v *Verifier) RunPending(ctx context.Context) error {
	runs, err := v.Store.Verifications().ListRuns(ctx, "", domain.RunPending, domain.RunRunning)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := v.Run(ctx, run.TenantID, run.ID); err != nil && !errors.Is(err, domain.ErrLockHeld) {
			v.Env.Logger.Warn("verification run failed", "tenant", run.TenantID, "run", run.ID, "error", err)
		}
	}
	return nil
}

// Verify submits a run over [from, to] and executes it synchronously.
func (v *Verifier) Verify(ctx context.Context, tenantID string, from, to int64) (domain.VerificationRun, error) {
	run, err := v.Submit(ctx, tenantID, from, to)
	if err != nil {
		return domain.VerificationRun{}, err
	}
	return v.Run(ctx, tenantID, run.ID)
}

func (v *Verifier) claim(ctx context.Context, runID string) (func(), error) {
	v.mu.Lock()
	if _, busy := v.running[runID]; busy {
		v.mu.Unlock()
		return nil, domain.ErrLockHeld
	}
	v.running[runID] = struct{}{}
	v.mu.Unlock()
	local := func() {
		v.mu.Lock()
		delete(v.running, runID)
		v.mu.Unlock()
	}
	if v.Locks == nil {
		return local, nil
	}
	release, ok, err := v.Locks.TryAcquire(ctx, "sealog:verify:"+runID)
	if err != nil || !ok {
		local()
		if err == nil {
			err = domain.ErrLockHeld
		}
		return nil, err
	}
	return func() {
		release()
		local()
	}, nil
}

// Run executes a run until it is DONE or CANCELLED. If ctx ends first the run stays RUNNING
// with its cursor persisted.
func (v *Verifier) Run(ctx context.Context, tenantID, runID string) (domain.VerificationRun, error) {
	release, err := v.claim(ctx, runID)
	if err != nil {
		return domain.VerificationRun{}, err
	}
	defer release()

	runs := v.Store.Verifications()
	run, err := runs.GetRun(ctx, tenantID, runID)
	if err != nil {
		return domain.VerificationRun{}, err
	}
	if !run.Active() {
		return run, nil
	}

	ctx, span := tracer.Start(ctx, "verifier.Run", trace.WithAttributes(
		attribute.String("tenant", run.TenantID),
		attribute.String("run", run.ID),
		attribute.Int64("seq_from", run.SeqFrom),
		attribute.Int64("seq_to", run.SeqTo),
	))
	defer span.End()

	if run.CancelRequested {
		return v.cancel(ctx, run)
	}
	if v.Guard != nil {
		if err := v.Guard.CheckHead(ctx, run.TenantID); err != nil {
			v.Env.Logger.Warn("chain head check before verification", "tenant", run.TenantID, "run", run.ID, "error", err)
		}
	}
	if run.State == domain.RunPending {
		started := v.Env.now()
		run.State = domain.RunRunning
		run.StartedAt = &started
		if err := runs.UpdateRun(ctx, run); err != nil {
			return run, err
		}
	}

	w := &walker{v: v, run: &run, tokens: make(map[string]tokenCheck)}
	next := max(run.Cursor+1, run.SeqFrom)
	if next > 1 {
		if err := w.seedPrior(ctx, next-1); err != nil {
			return run, err
		}
	}
	for next <= run.SeqTo {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		current, err := runs.GetRun(ctx, run.TenantID, run.ID)
		if err != nil {
			return run, err
		}
		if current.CancelRequested {
			return v.cancel(ctx, run)
		}
		end := min(next+int64(v.Opts.PageSize)-1, run.SeqTo)
		findings, err := w.page(ctx, next, end)
		if err != nil {
			span.RecordError(err)
			return run, err
		}
		if len(findings) > 0 {
			if err := runs.AddFindings(ctx, findings); err != nil {
				return run, err
			}
		}
		run.Cursor = end
		if err := runs.UpdateRun(ctx, run); err != nil {
			return run, err
		}
		next = end + 1
	}
	return v.finish(ctx, run)
}

func (v *Verifier) cancel(ctx context.Context, run domain.VerificationRun) (domain.VerificationRun, error) {
	if err := v.Store.Verifications().DeleteFindings(ctx, run.ID); err != nil {
		return run, err
	}
	ended := v.Env.now()
	run.State = domain.RunCancelled
	run.Counters = domain.RunCounters{}
	run.EndedAt = &ended
	if err := v.Store.Verifications().UpdateRun(ctx, run); err != nil {
		return run, err
	}
	v.Env.Logger.Info("verification run cancelled", "tenant", run.TenantID, "run", run.ID, "cursor", run.Cursor)
	return run, nil
}

func (v *Verifier) finish(ctx context.Context, run domain.VerificationRun) (domain.VerificationRun, error) {
	ended := v.Env.now()
	run.State = domain.RunDone
	run.EndedAt = &ended
	if err := v.Store.Verifications().UpdateRun(ctx, run); err != nil {
		return run, err
	}
	score := run.Counters.Score()
	v.Env.Metrics.ComplianceScore(run.TenantID, score)
	v.Env.Logger.Info("verification run done",
		"tenant", run.TenantID, "run", run.ID, "total", run.Counters.Total, "valid", run.Counters.Valid, "score", score)

	c := run.Counters
	if bad := c.Total - c.Valid; bad > 0 {
		severity := domain.SeverityMedium
		if c.Modified+c.ChainBroken+c.Missing > 0 {
			severity = domain.SeverityHigh
		}
		v.Env.publish(ctx, domain.Event{
			Kind:     domain.EventIntegrityFinding,
			Severity: severity,
			TenantID: run.TenantID,
			Subject:  run.ID,
			Message:  fmt.Sprintf("verification of records %d-%d found %d problems (score %d)", run.SeqFrom, run.SeqTo, bad, score),
			Attributes: map[string]string{
				"modified":      strconv.FormatInt(c.Modified, 10),
				"chain_broken":  strconv.FormatInt(c.ChainBroken, 10),
				"missing":       strconv.FormatInt(c.Missing, 10),
				"token_invalid": strconv.FormatInt(c.TokenInvalid, 10),
				"errors":        strconv.FormatInt(c.Errors, 10),
			},
			At: ended,
		})
	}
	return run, nil
}

type tokenCheck struct {
	category domain.ResultCategory
	detail   string
	token    []byte
}

// walker carries the state of one run across pages.
type walker struct {
	v      *Verifier
	run    *domain.VerificationRun
	prior  []byte
	tokens map[string]tokenCheck
}

// seedPrior loads the recomputed digest of the record before the first one to check, so the
// first link of a page is verified too.
func (w *walker) seedPrior(ctx context.Context, seq int64) error {
	recs, err := w.v.Store.Records().Get(ctx, w.run.TenantID, seq, seq)
	if err != nil {
		return err
	}
	if len(recs) == 1 && recs[0].Seq == seq {
		w.prior = chain.RecordDigest(recs[0])
	}
	return nil
}

func (w *walker) page(ctx context.Context, from, to int64) ([]domain.Finding, error) {
	records, err := w.v.Store.Records().Get(ctx, w.run.TenantID, from, to)
	if err != nil {
		return nil, err
	}
	var findings []domain.Finding
	idx := 0
	for seq := from; seq <= to; seq++ {
		var finding *domain.Finding
		if idx < len(records) && records[idx].Seq == seq {
			rec := records[idx]
			idx++
			finding = w.check(ctx, rec)
		} else {
			w.prior = nil
			finding = &domain.Finding{Seq: seq, Category: domain.ResultMissing, Detail: "record absent from the live store"}
		}
		category := domain.ResultValid
		if finding != nil {
			finding.RunID = w.run.ID
			category = finding.Category
			findings = append(findings, *finding)
		}
		w.run.Counters.Add(category)
		w.v.Env.Metrics.VerificationResult(w.run.TenantID, string(category))
	}
	return findings, nil
}

// check returns a finding for rec, or nil when it verifies.
func (w *walker) check(ctx context.Context, rec domain.AccessRecord) *domain.Finding {
	prior := w.prior
	link := chain.Check(rec, prior)
	w.prior = link.Recomputed
	switch link.Category {
	case domain.ResultModified:
		return &domain.Finding{
			Seq:            rec.Seq,
			Category:       domain.ResultModified,
			ExpectedDigest: hex.EncodeToString(rec.ContentDigest),
			ActualDigest:   hex.EncodeToString(link.Recomputed),
			Detail:         "content digest does not match record content",
		}
	case domain.ResultChainBroken:
		expected := prior
		if rec.Seq == 1 {
			expected = domain.ZeroDigest()
		}
		return &domain.Finding{
			Seq:            rec.Seq,
			Category:       domain.ResultChainBroken,
			ExpectedDigest: hex.EncodeToString(expected),
			ActualDigest:   hex.EncodeToString(rec.PreviousDigest),
			Detail:         "previous digest does not match predecessor",
		}
	}
	if rec.SignState != domain.SignStateSigned {
		return nil
	}
	tc := w.token(ctx, rec)
	if tc.category == domain.ResultValid {
		return nil
	}
	return &domain.Finding{
		Seq:       rec.Seq,
		Category:  tc.category,
		BackendID: rec.TSABackendID,
		Detail:    tc.detail,
	}
}

func (w *walker) token(ctx context.Context, rec domain.AccessRecord) tokenCheck {
	if rec.BatchID == "" || len(rec.TSAToken) == 0 {
		return tokenCheck{category: domain.ResultTokenInvalid, detail: "signed record carries no token"}
	}
	tc, ok := w.tokens[rec.BatchID]
	if !ok {
		tc = w.verifyBatch(ctx, rec)
		if tc.category != domain.ResultError {
			w.tokens[rec.BatchID] = tc
		}
	}
	if tc.category == domain.ResultValid && !bytes.Equal(tc.token, rec.TSAToken) {
		return tokenCheck{category: domain.ResultTokenInvalid, detail: "record token differs from batch token"}
	}
	return tc
}

func (w *walker) verifyBatch(ctx context.Context, rec domain.AccessRecord) tokenCheck {
	batch, err := w.v.Store.Batches().GetBatch(ctx, rec.BatchID)
	if errors.Is(err, domain.ErrNotFound) {
		return tokenCheck{category: domain.ResultTokenInvalid, detail: "batch " + rec.BatchID + " not found"}
	}
	if err != nil {
		return tokenCheck{category: domain.ResultError, detail: err.Error()}
	}
	if len(batch.Token) == 0 {
		return tokenCheck{category: domain.ResultTokenInvalid, detail: "batch " + batch.ID + " holds no token"}
	}
	members, err := w.v.Store.Records().Get(ctx, rec.TenantID, batch.SeqFrom, batch.SeqTo)
	if err != nil {
		return tokenCheck{category: domain.ResultError, detail: err.Error()}
	}
	digest := batch.Digest
	if int64(len(members)) == batch.Size() {
		digests := make([][]byte, len(members))
		for i, m := range members {
			digests[i] = m.ContentDigest
		}
		digest = chain.BatchDigestOf(digests)
	}
	if w.v.TSA == nil {
		return tokenCheck{category: domain.ResultError, detail: "no timestamp verifier configured"}
	}
	tok, err := w.v.TSA.VerifyToken(ctx, batch.BackendID, batch.Token, digest)
	if err != nil {
		return tokenCheck{category: domain.ResultTokenInvalid, detail: err.Error()}
	}
	if batch.Serial != "" && tok.Serial != batch.Serial {
		return tokenCheck{category: domain.ResultTokenInvalid, detail: "token serial " + tok.Serial + " differs from recorded " + batch.Serial}
	}
	return tokenCheck{category: domain.ResultValid, token: batch.Token}
}
