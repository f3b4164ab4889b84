package db

import "time"

type TenantModel struct {
	ID               string `gorm:"primaryKey"`
	Slug             string `gorm:"uniqueIndex;not null"`
	SignIntervalMS   int64  `gorm:"column:sign_interval_ms"`
	BatchSize        int
	DedupWindowMS    int64 `gorm:"column:dedup_window_ms"`
	EncryptAtRest    bool
	CanonicalVersion int
	TSAPolicy        string `gorm:"column:tsa_policy"`
	Frozen           bool
	FrozenReason     string
	FrozenAt         *time.Time
	CreatedAt        time.Time `gorm:"not null"`
}

func (TenantModel) TableName() string { return "tenants" }

type ChainHeadModel struct {
	TenantID   string `gorm:"primaryKey"`
	LastSeq    int64
	LastDigest []byte `gorm:"type:bytea"`
	LowWater   int64
	UpdatedAt  time.Time `gorm:"not null"`
}

func (ChainHeadModel) TableName() string { return "chain_heads" }

// AccessRecordModel holds identity, network address and hardware address as bytes: plaintext
// when Encrypted is false, field-cipher output otherwise.
type AccessRecordModel struct {
	TenantID        string `gorm:"primaryKey"`
	Seq             int64  `gorm:"primaryKey;autoIncrement:false"`
	IdentityKind    string `gorm:"not null"`
	IdentityValue   []byte `gorm:"type:bytea;not null"`
	IdentityCountry string
	FullName        string `gorm:"not null"`
	Phone           string `gorm:"not null"`
	NetworkAddress  []byte `gorm:"type:bytea;not null"`
	HardwareAddress []byte `gorm:"type:bytea;not null"`
	Encrypted       bool
	EntryTime       time.Time `gorm:"not null"`
	Suspicious      bool

	NATAddress string `gorm:"column:nat_address"`
	NATPort    int    `gorm:"column:nat_port"`
	Location   string
	DeviceName string
	Producer   string

	CanonicalVersion int    `gorm:"not null"`
	ContentDigest    []byte `gorm:"type:bytea;not null"`
	PreviousDigest   []byte `gorm:"type:bytea;not null"`

	SignState    string  `gorm:"not null"`
	BatchID      *string `gorm:"column:batch_id"`
	TSAToken     []byte  `gorm:"column:tsa_token;type:bytea"`
	TSASerial    *string `gorm:"column:tsa_serial"`
	TSABackendID *string `gorm:"column:tsa_backend_id"`
	SignedAt     *time.Time
	SignFailures int

	RetentionClass *string
	ArchiveJobID   *string `gorm:"column:archive_job_id"`

	CreatedAt time.Time `gorm:"not null"`
}

func (AccessRecordModel) TableName() string { return "access_records" }

type SignBatchModel struct {
	ID            string `gorm:"primaryKey"`
	TenantID      string `gorm:"index;not null"`
	SeqFrom       int64  `gorm:"not null"`
	SeqTo         int64  `gorm:"not null"`
	BackendID     string
	State         string `gorm:"not null"`
	Attempts      int
	Digest        []byte `gorm:"type:bytea;not null"`
	Token         []byte `gorm:"type:bytea"`
	Serial        string
	SignedAt      *time.Time
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (SignBatchModel) TableName() string { return "sign_batches" }

type VerificationRunModel struct {
	ID         string `gorm:"primaryKey"`
	TenantID   string `gorm:"index;not null"`
	SeqFrom    int64
	SeqTo      int64
	WindowFrom *time.Time
	WindowTo   *time.Time
	State      string `gorm:"not null"`

	Total        int64
	Valid        int64
	Modified     int64
	ChainBroken  int64
	Missing      int64
	TokenInvalid int64
	Errors       int64

	CursorSeq       int64
	Error           string
	Exported        bool
	ReportRef       string
	CancelRequested bool

	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time `gorm:"not null"`
}

func (VerificationRunModel) TableName() string { return "verification_runs" }

type FindingModel struct {
	ID             int64  `gorm:"primaryKey"`
	RunID          string `gorm:"index;not null"`
	Seq            int64
	Category       string
	ExpectedDigest string
	ActualDigest   string
	BackendID      string
	Detail         string
}

func (FindingModel) TableName() string { return "verification_findings" }

type FlowMonitorModel struct {
	ID                 string `gorm:"primaryKey"`
	TenantID           string `gorm:"not null"`
	Name               string `gorm:"not null"`
	Type               string `gorm:"not null"`
	SourceAddress      string
	SourcePort         int
	ExpectedIntervalMS int64 `gorm:"column:expected_interval_ms"`
	WarnAfterMS        int64 `gorm:"column:warn_after_ms"`
	ErrorAfterMS       int64 `gorm:"column:error_after_ms"`
	MinPerMinute       int64
	HighVolumeFactor   float64
	Enabled            bool
	Status             string `gorm:"not null"`
	LastSeenAt         *time.Time
	LastHeartbeatAt    *time.Time
	RecordsSeen        int64
	BytesSeen          int64
	LogsPerMinute      int64
	AvgRecordSize      int64
	SampledRecords     int64
	SampledBytes       int64
	LastSampledAt      *time.Time
	Baseline           []byte    `gorm:"type:jsonb;not null"`
	CreatedAt          time.Time `gorm:"not null"`
}

func (FlowMonitorModel) TableName() string { return "flow_monitors" }

type FlowAlertModel struct {
	ID         string `gorm:"primaryKey"`
	MonitorID  string `gorm:"not null"`
	TenantID   string `gorm:"not null"`
	Kind       string `gorm:"not null"`
	Severity   string `gorm:"not null"`
	Level      string `gorm:"not null"`
	Message    string
	FirstSeen  time.Time `gorm:"not null"`
	AckAt      *time.Time
	ResolvedAt *time.Time
}

func (FlowAlertModel) TableName() string { return "flow_alerts" }

type FlowStatModel struct {
	MonitorID    string    `gorm:"primaryKey"`
	Hour         time.Time `gorm:"primaryKey"`
	Records      int64
	Bytes        int64
	PeakPerMin   int64
	AlertCount   int64
	DowntimeMins int64
}

func (FlowStatModel) TableName() string { return "flow_stats" }

type RetentionPolicyModel struct {
	ID           string `gorm:"primaryKey"`
	TenantID     string `gorm:"not null"`
	Class        string `gorm:"not null"`
	Years        int
	Months       int
	Days         int
	ArchiveAfter int
	TargetStore  string `gorm:"not null"`
	Cadence      string `gorm:"not null"`
	Enabled      bool
	LastRunAt    *time.Time
}

func (RetentionPolicyModel) TableName() string { return "retention_policies" }

type ArchiveJobModel struct {
	ID         string `gorm:"primaryKey"`
	PolicyID   string
	TenantID   string `gorm:"not null"`
	Class      string `gorm:"not null"`
	Store      string `gorm:"not null"`
	SeqFrom    int64
	SeqTo      int64
	WindowFrom *time.Time
	WindowTo   *time.Time
	State      string `gorm:"not null"`
	Retryable  bool

	RecordsProcessed int64
	RecordsArchived  int64
	RecordsDeleted   int64
	RecordsFailed    int64
	BytesMoved       int64

	ArchiveKey    string
	ArchiveSHA256 string `gorm:"column:archive_sha256"`
	Error         string

	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time `gorm:"not null"`
}

func (ArchiveJobModel) TableName() string { return "archive_jobs" }
