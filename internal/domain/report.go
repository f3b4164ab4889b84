package domain

type ReportKind string

const (
	ReportCompliance ReportKind = "compliance"
	ReportEvidence   ReportKind = "evidence"
	ReportIntegrity  ReportKind = "integrity"
)

type ReportFormat string

const (
	FormatPDF  ReportFormat = "pdf"
	FormatCSV  ReportFormat = "csv"
	FormatJSON ReportFormat = "json"
	FormatXML  ReportFormat = "xml"
)

func (f ReportFormat) Extension() string {
	return string(f)
}

func (f ReportFormat) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatCSV:
		return "text/csv"
	case FormatXML:
		return "application/xml"
	default:
		return "application/json"
	}
}

func ParseReportFormat(v string) (ReportFormat, bool) {
	switch ReportFormat(v) {
	case FormatPDF, FormatCSV, FormatJSON, FormatXML:
		return ReportFormat(v), true
	}
	return "", false
}

func ParseReportKind(v string) (ReportKind, bool) {
	switch ReportKind(v) {
	case ReportCompliance, ReportEvidence, ReportIntegrity:
		return ReportKind(v), true
	}
	return "", false
}

// RetentionStatement is a per-class conformity line in the compliance report.
type RetentionStatement struct {
	Class       RetentionClass `json:"class" xml:"class,attr"`
	RetainFor   string         `json:"retain_for" xml:"retain_for"`
	TargetStore StoreKind      `json:"target_store" xml:"target_store"`
	Enabled     bool           `json:"enabled" xml:"enabled"`
	Overdue     int64          `json:"overdue" xml:"overdue"`
	Conforming  bool           `json:"conforming" xml:"conforming"`
}
