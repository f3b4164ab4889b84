package domain

import "time"

type MonitorStatus string

const (
	MonitorActive   MonitorStatus = "ACTIVE"
	MonitorWarning  MonitorStatus = "WARNING"
	MonitorError    MonitorStatus = "ERROR"
	MonitorInactive MonitorStatus = "INACTIVE"
)

type MonitorType string

const (
	MonitorSyslog    MonitorType = "SYSLOG"
	MonitorFirewall  MonitorType = "FIREWALL"
	MonitorHotspot   MonitorType = "HOTSPOT"
	MonitorMirror    MonitorType = "MIRROR"
	MonitorTimestamp MonitorType = "TIMESTAMP"
	MonitorGeneral   MonitorType = "GENERAL"
)

type AlertKind string

const (
	AlertNoRecords       AlertKind = "NO_RECORDS"
	AlertLowVolume       AlertKind = "LOW_VOLUME"
	AlertHighVolume      AlertKind = "HIGH_VOLUME"
	AlertProducerOffline AlertKind = "PRODUCER_OFFLINE"
	AlertConfigError     AlertKind = "CONFIG_ERROR"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type FlowMonitor struct {
	ID            string
	TenantID      string
	Name          string
	Type          MonitorType
	SourceAddress string
	SourcePort    int

	ExpectedInterval time.Duration
	WarnAfter        time.Duration
	ErrorAfter       time.Duration
	MinPerMinute     int64
	HighVolumeFactor float64
	Enabled          bool

	Status          MonitorStatus
	LastSeenAt      *time.Time
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time

	RecordsSeen    int64
	BytesSeen      int64
	LogsPerMinute  int64
	AvgRecordSize  int64
	SampledRecords int64
	SampledBytes   int64
	LastSampledAt  *time.Time
	// Baseline holds the most recent per-minute samples, oldest first.
	Baseline []int64
}

type FlowAlert struct {
	ID         string
	MonitorID  string
	TenantID   string
	Kind       AlertKind
	Severity   Severity
	Level      MonitorStatus
	Message    string
	FirstSeen  time.Time
	AckAt      *time.Time
	ResolvedAt *time.Time
}

func (a FlowAlert) Open() bool {
	return a.ResolvedAt == nil
}

// FlowStat is the hourly roll-up of a monitor's traffic.
type FlowStat struct {
	MonitorID    string
	Hour         time.Time
	Records      int64
	Bytes        int64
	PeakPerMin   int64
	AlertCount   int64
	DowntimeMins int64
}
