package http

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"sealog/internal/domain"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type recordRequest struct {
	IdentityKind    string    `json:"identity_kind"`
	IdentityValue   string    `json:"identity_value"`
	Country         string    `json:"country,omitempty"`
	FullName        string    `json:"full_name"`
	Phone           string    `json:"phone"`
	NetworkAddress  string    `json:"network_address"`
	HardwareAddress string    `json:"hardware_address"`
	EntryTime       time.Time `json:"entry_time"`
	Suspicious      bool      `json:"suspicious,omitempty"`

	NATAddress string `json:"nat_address,omitempty"`
	NATPort    int    `json:"nat_port,omitempty"`
	Location   string `json:"location,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	Producer   string `json:"producer,omitempty"`
}

func (r recordRequest) incoming(producer string) (domain.Incoming, error) {
	var identity domain.Identity
	switch strings.ToLower(r.IdentityKind) {
	case "", "national":
		identity = domain.NationalIdentity(r.IdentityValue)
	case "passport":
		identity = domain.PassportIdentity(r.IdentityValue, r.Country)
	default:
		return domain.Incoming{}, domain.ErrInvalidIdentity
	}
	if r.Producer != "" {
		producer = r.Producer
	}
	return domain.Incoming{
		Identity:        identity,
		FullName:        r.FullName,
		Phone:           r.Phone,
		NetworkAddress:  r.NetworkAddress,
		HardwareAddress: r.HardwareAddress,
		EntryTime:       r.EntryTime,
		Suspicious:      r.Suspicious,
		NATAddress:      r.NATAddress,
		NATPort:         r.NATPort,
		Location:        r.Location,
		DeviceName:      r.DeviceName,
		Producer:        producer,
	}, nil
}

type recordResponse struct {
	Seq            int64  `json:"seq"`
	ContentDigest  string `json:"content_digest"`
	PreviousDigest string `json:"previous_digest"`
	Deduplicated   bool   `json:"deduplicated"`
}

type signResponse struct {
	Batches   int   `json:"batches"`
	Signed    int64 `json:"signed"`
	Retryable int   `json:"retryable"`
	Failed    int   `json:"failed"`
}

type verificationRequest struct {
	FromSeq int64      `json:"from_seq,omitempty"`
	ToSeq   int64      `json:"to_seq,omitempty"`
	From    *time.Time `json:"from,omitempty"`
	To      *time.Time `json:"to,omitempty"`
}

type runResponse struct {
	ID              string             `json:"id"`
	State           domain.RunState    `json:"state"`
	SeqFrom         int64              `json:"seq_from"`
	SeqTo           int64              `json:"seq_to"`
	Cursor          int64              `json:"cursor"`
	Counters        domain.RunCounters `json:"counters"`
	Score           int                `json:"score"`
	Compliance      string             `json:"compliance,omitempty"`
	Exported        bool               `json:"exported"`
	CancelRequested bool               `json:"cancel_requested,omitempty"`
	Error           string             `json:"error,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	EndedAt         *time.Time         `json:"ended_at,omitempty"`
}

func buildRunResponse(run domain.VerificationRun) runResponse {
	out := runResponse{
		ID:              run.ID,
		State:           run.State,
		SeqFrom:         run.SeqFrom,
		SeqTo:           run.SeqTo,
		Cursor:          run.Cursor,
		Counters:        run.Counters,
		Exported:        run.Exported,
		CancelRequested: run.CancelRequested,
		Error:           run.Error,
		CreatedAt:       run.CreatedAt,
		EndedAt:         run.EndedAt,
	}
	if run.State == domain.RunDone {
		out.Score = run.Counters.Score()
		out.Compliance = string(domain.ComplianceFor(out.Score))
	}
	return out
}

type evidenceRequest struct {
	RunID  string `json:"run_id"`
	Format string `json:"format,omitempty"`
}

type monitorRequest struct {
	Type             string  `json:"type"`
	SourceAddress    string  `json:"source_address,omitempty"`
	SourcePort       int     `json:"source_port,omitempty"`
	WarnAfter        string  `json:"warn_after,omitempty"`
	ErrorAfter       string  `json:"error_after,omitempty"`
	MinPerMinute     int64   `json:"min_per_minute,omitempty"`
	HighVolumeFactor float64 `json:"high_volume_factor,omitempty"`
	Disabled         bool    `json:"disabled,omitempty"`
}

type monitorResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	Enabled       bool       `json:"enabled"`
	WarnAfter     string     `json:"warn_after"`
	ErrorAfter    string     `json:"error_after"`
	RecordsSeen   int64      `json:"records_seen"`
	BytesSeen     int64      `json:"bytes_seen"`
	LogsPerMinute int64      `json:"logs_per_minute"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
}

func buildMonitorResponse(m domain.FlowMonitor) monitorResponse {
	return monitorResponse{
		ID:            m.ID,
		Name:          m.Name,
		Type:          string(m.Type),
		Status:        string(m.Status),
		Enabled:       m.Enabled,
		WarnAfter:     m.WarnAfter.String(),
		ErrorAfter:    m.ErrorAfter.String(),
		RecordsSeen:   m.RecordsSeen,
		BytesSeen:     m.BytesSeen,
		LogsPerMinute: m.LogsPerMinute,
		LastSeenAt:    m.LastSeenAt,
	}
}

type alertResponse struct {
	ID         string     `json:"id"`
	MonitorID  string     `json:"monitor_id"`
	Kind       string     `json:"kind"`
	Severity   string     `json:"severity"`
	Level      string     `json:"level"`
	Message    string     `json:"message"`
	FirstSeen  time.Time  `json:"first_seen"`
	AckAt      *time.Time `json:"ack_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleAppend(c *gin.Context) {
	if s.deps.Ingest == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	in, err := req.incoming(strings.TrimSpace(c.GetHeader(producerHeader)))
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := s.deps.Ingest.Append(c.Request.Context(), c.Param("tenant"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	c.JSON(status, recordResponse{
		Seq:            res.Record.Seq,
		ContentDigest:  hex.EncodeToString(res.Record.ContentDigest),
		PreviousDigest: hex.EncodeToString(res.Record.PreviousDigest),
		Deduplicated:   res.Deduplicated,
	})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	if s.deps.Ingest == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	if err := s.deps.Ingest.Heartbeat(c.Request.Context(), c.Param("tenant"), c.Param("producer")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSign(c *gin.Context) {
	if s.deps.Signer == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	rep, err := s.deps.Signer.SignTenant(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, signResponse{
		Batches:   rep.Batches,
		Signed:    rep.Signed,
		Retryable: rep.Retryable,
		Failed:    rep.Failed,
	})
}

func (s *Server) handleResetFailed(c *gin.Context) {
	if s.deps.Signer == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	n, err := s.deps.Signer.ResetFailed(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

func (s *Server) handleSubmitVerification(c *gin.Context) {
	if s.deps.Verifier == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var req verificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	ctx := c.Request.Context()
	tenantID := c.Param("tenant")
	var (
		run domain.VerificationRun
		err error
	)
	switch {
	case req.From != nil && req.To != nil:
		run, err = s.deps.Verifier.SubmitWindow(ctx, tenantID, *req.From, *req.To)
	case req.From != nil || req.To != nil:
		err = domain.ErrInvalidArgument
	default:
		run, err = s.deps.Verifier.Submit(ctx, tenantID, req.FromSeq, req.ToSeq)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, buildRunResponse(run))
}

func (s *Server) handleGetVerification(c *gin.Context) {
	if s.deps.Verifier == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	run, err := s.deps.Verifier.Store.Verifications().GetRun(c.Request.Context(), c.Param("tenant"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildRunResponse(run))
}

func (s *Server) handleCancelVerification(c *gin.Context) {
	if s.deps.Verifier == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	if err := s.deps.Verifier.Cancel(c.Request.Context(), c.Param("tenant"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleReport(c *gin.Context) {
	if s.deps.Reports == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	kind, ok := domain.ParseReportKind(c.DefaultQuery("kind", string(domain.ReportIntegrity)))
	if !ok {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown report kind")
		return
	}
	format, ok := domain.ParseReportFormat(c.DefaultQuery("format", string(domain.FormatJSON)))
	if !ok {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown report format")
		return
	}
	out, err := s.deps.Reports.Render(c.Request.Context(), c.Param("tenant"), c.Param("id"), kind, format)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=\""+c.Param("id")+"-"+string(kind)+"."+format.Extension()+"\"")
	c.Data(http.StatusOK, format.ContentType(), out)
}

func (s *Server) handleEvidence(c *gin.Context) {
	if s.deps.Reports == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RunID == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "run_id is required")
		return
	}
	format := domain.FormatJSON
	if req.Format != "" {
		var ok bool
		if format, ok = domain.ParseReportFormat(req.Format); !ok {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown report format")
			return
		}
	}
	out, err := s.deps.Reports.Bundle(c.Request.Context(), c.Param("tenant"), req.RunID, format)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=\""+req.RunID+"-evidence.tar\"")
	c.Data(http.StatusOK, "application/x-tar", out)
}

func (s *Server) handleListMonitors(c *gin.Context) {
	if s.deps.Flows == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	monitors, err := s.deps.Flows.Monitors(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]monitorResponse, 0, len(monitors))
	for _, m := range monitors {
		out = append(out, buildMonitorResponse(m))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleRegisterMonitor(c *gin.Context) {
	if s.deps.Flows == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var req monitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	m := domain.FlowMonitor{
		TenantID:         c.Param("tenant"),
		Name:             c.Param("name"),
		Type:             domain.MonitorType(strings.ToUpper(req.Type)),
		SourceAddress:    req.SourceAddress,
		SourcePort:       req.SourcePort,
		MinPerMinute:     req.MinPerMinute,
		HighVolumeFactor: req.HighVolumeFactor,
		Enabled:          !req.Disabled,
	}
	var err error
	if m.WarnAfter, err = parseOptionalDuration(req.WarnAfter); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid warn_after")
		return
	}
	if m.ErrorAfter, err = parseOptionalDuration(req.ErrorAfter); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid error_after")
		return
	}
	saved, err := s.deps.Flows.Register(c.Request.Context(), m)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildMonitorResponse(saved))
}

func parseOptionalDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

func (s *Server) handleListAlerts(c *gin.Context) {
	if s.deps.Flows == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	openOnly := c.Query("open") == "true"
	alerts, err := s.deps.Flows.Alerts(c.Request.Context(), c.Param("tenant"), openOnly)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]alertResponse, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertResponse{
			ID:         a.ID,
			MonitorID:  a.MonitorID,
			Kind:       string(a.Kind),
			Severity:   string(a.Severity),
			Level:      string(a.Level),
			Message:    a.Message,
			FirstSeen:  a.FirstSeen,
			AckAt:      a.AckAt,
			ResolvedAt: a.ResolvedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleAckAlert(c *gin.Context) {
	if s.deps.Flows == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	if err := s.deps.Flows.Ack(c.Request.Context(), c.Param("tenant"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUnfreeze(c *gin.Context) {
	if s.deps.Guard == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	if err := s.deps.Guard.Unfreeze(c.Request.Context(), c.Param("tenant")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidIdentity):
		status, code = http.StatusBadRequest, "INVALID_IDENTITY"
	case errors.Is(err, domain.ErrInvalidAddress):
		status, code = http.StatusBadRequest, "INVALID_ADDRESS"
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrTenantUnknown):
		status, code = http.StatusNotFound, "TENANT_UNKNOWN"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrTenantFrozen):
		status, code = http.StatusLocked, "TENANT_FROZEN"
	case errors.Is(err, domain.ErrLockHeld):
		status, code = http.StatusConflict, "LOCK_HELD"
	case errors.Is(err, domain.ErrIllegalTransition):
		status, code = http.StatusConflict, "ILLEGAL_TRANSITION"
	case errors.Is(err, domain.ErrRetentionDeferred):
		status, code = http.StatusConflict, "RETENTION_DEFERRED"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrStoreUnavailable):
		status, code = http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	case errors.Is(err, domain.ErrArchiveStore):
		status, code = http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE"
	case errors.Is(err, domain.ErrTSAUnavailable), errors.Is(err, domain.ErrTSARejected),
		errors.Is(err, domain.ErrTSABadResponse), errors.Is(err, domain.ErrTSAClockSkew):
		status, code = http.StatusServiceUnavailable, "TSA_UNAVAILABLE"
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeErrorCode(c, status, code, message)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
