package usecase_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/report"

	"github.com/stretchr/testify/require"
)

func TestRenderIsDeterministic(t *testing.T) {
	f := signedChain(t, 5)
	run, err := f.verifier.Verify(f.ctx, tenantID, 1, 5)
	require.NoError(t, err)

	for _, format := range []domain.ReportFormat{domain.FormatJSON, domain.FormatCSV, domain.FormatXML} {
		first, err := f.reports.Render(f.ctx, tenantID, run.ID, domain.ReportIntegrity, format)
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
		second, err := f.reports.Render(f.ctx, tenantID, run.ID, domain.ReportIntegrity, format)
		require.NoError(t, err)
		require.Equal(t, first, second, format)
	}

	stored, err := f.store.Verifications().GetRun(f.ctx, tenantID, run.ID)
	require.NoError(t, err)
	require.True(t, stored.Exported)
	require.True(t, strings.HasPrefix(stored.ReportRef, "integrity.xml:sha256:"), stored.ReportRef)
}

func TestRenderNeedsFinishedRun(t *testing.T) {
	f := signedChain(t, 2)
	run, err := f.verifier.Submit(f.ctx, tenantID, 1, 2)
	require.NoError(t, err)

	_, err = f.reports.Render(f.ctx, tenantID, run.ID, domain.ReportIntegrity, domain.FormatJSON)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)

	_, err = f.reports.Render(f.ctx, "other", run.ID, domain.ReportIntegrity, domain.FormatJSON)
	require.Error(t, err)
}

func TestIntegrityReportListsFindings(t *testing.T) {
	f := signedChain(t, 3)
	require.True(t, f.store.Overwrite(tenantID, 2, func(rec *domain.AccessRecord) {
		rec.FullName = "Mallory"
	}))
	run, err := f.verifier.Verify(f.ctx, tenantID, 1, 3)
	require.NoError(t, err)

	doc, records, err := f.reports.Document(f.ctx, tenantID, run.ID, domain.ReportIntegrity)
	require.NoError(t, err)
	require.Nil(t, records)
	require.Equal(t, domain.NonCompliant, doc.Compliance)
	require.Len(t, doc.Findings, 2)
	require.Equal(t, domain.ResultModified, doc.Findings[0].Category)
	require.Equal(t, int64(2), doc.Findings[0].Seq)
	require.Equal(t, *run.EndedAt, doc.GeneratedAt)
}

func TestEvidenceBundleVerifiesOffline(t *testing.T) {
	f := signedChain(t, 12)
	run, err := f.verifier.Verify(f.ctx, tenantID, 3, 5)
	require.NoError(t, err)

	doc, records, err := f.reports.Document(f.ctx, tenantID, run.ID, domain.ReportEvidence)
	require.NoError(t, err)
	// Widened to the whole first batch.
	require.Len(t, records, 10)
	require.Len(t, doc.Batches, 1)
	require.Len(t, doc.Batches[0].ContentDigests, 10)

	bundle, err := f.reports.Bundle(f.ctx, tenantID, run.ID, domain.FormatJSON)
	require.NoError(t, err)
	check, err := report.VerifyBundle(bytes.NewReader(bundle), nil)
	require.NoError(t, err)
	require.True(t, check.OK(), check.Problems)
	require.Equal(t, 10, check.Records)
	require.Equal(t, 1, check.Batches)
}

func TestComplianceReportStatesRetention(t *testing.T) {
	f := newFixture(t)
	_, err := f.retention.SetPolicy(f.ctx, domainPolicy(domain.ClassAccessLog))
	require.NoError(t, err)
	_, err = f.retention.SetPolicy(f.ctx, domainPolicy(domain.ClassTrafficLog))
	require.NoError(t, err)
	f.appendN(t, 1, start.AddDate(-3, 0, 0))
	f.appendN(t, 1, start)

	run, err := f.verifier.Verify(f.ctx, tenantID, 1, 2)
	require.NoError(t, err)
	doc, _, err := f.reports.Document(f.ctx, tenantID, run.ID, domain.ReportCompliance)
	require.NoError(t, err)
	require.Len(t, doc.Retention, 2)

	access := doc.Retention[0]
	require.Equal(t, domain.ClassAccessLog, access.Class)
	require.Equal(t, "2y0m0d", access.RetainFor)
	require.Equal(t, int64(1), access.Overdue)
	require.False(t, access.Conforming)

	traffic := doc.Retention[1]
	require.Equal(t, domain.ClassTrafficLog, traffic.Class)
	require.True(t, traffic.Conforming)
}

func domainPolicy(class domain.RetentionClass) domain.RetentionPolicy {
	return domain.RetentionPolicy{
		TenantID:    tenantID,
		Class:       class,
		Years:       2,
		TargetStore: domain.StoreLocal,
		Cadence:     domain.CadenceDaily,
		Enabled:     true,
	}
}
