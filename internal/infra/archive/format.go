package archive

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"sealog/internal/domain"
)

const maxLineBytes = 1 << 20

// Entry is one line of an archive file. Digests are hex, the token is base64.
type Entry struct {
	TenantID   string `json:"tenant_id"`
	Seq        int64  `json:"seq"`
	NationalID string `json:"national_id,omitempty"`
	Passport   string `json:"passport,omitempty"`
	Country    string `json:"country,omitempty"`

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

	CanonicalVersion int    `json:"canonical_version"`
	ContentDigest    string `json:"content_digest"`
	PreviousDigest   string `json:"previous_digest"`

	SignState string     `json:"sign_state"`
	BatchID   string     `json:"batch_id,omitempty"`
	Token     []byte     `json:"batch_token,omitempty"`
	Serial    string     `json:"batch_serial,omitempty"`
	BackendID string     `json:"tsa_backend_id,omitempty"`
	SignedAt  *time.Time `json:"signed_at,omitempty"`
}

func EntryFromRecord(rec domain.AccessRecord) Entry {
	return Entry{
		TenantID:         rec.TenantID,
		Seq:              rec.Seq,
		NationalID:       rec.Identity.NationalID,
		Passport:         rec.Identity.Passport,
		Country:          rec.Identity.Country,
		FullName:         rec.FullName,
		Phone:            rec.Phone,
		NetworkAddress:   rec.NetworkAddress,
		HardwareAddress:  rec.HardwareAddress,
		EntryTime:        rec.EntryTime.UTC(),
		Suspicious:       rec.Suspicious,
		NATAddress:       rec.NATAddress,
		NATPort:          rec.NATPort,
		Location:         rec.Location,
		DeviceName:       rec.DeviceName,
		Producer:         rec.Producer,
		CanonicalVersion: rec.CanonicalVersion,
		ContentDigest:    hex.EncodeToString(rec.ContentDigest),
		PreviousDigest:   hex.EncodeToString(rec.PreviousDigest),
		SignState:        string(rec.SignState),
		BatchID:          rec.BatchID,
		Token:            rec.TSAToken,
		Serial:           rec.TSASerial,
		BackendID:        rec.TSABackendID,
		SignedAt:         rec.SignedAt,
	}
}

func (e Entry) Record() (domain.AccessRecord, error) {
	content, err := hex.DecodeString(e.ContentDigest)
	if err != nil {
		return domain.AccessRecord{}, fmt.Errorf("seq %d: content digest: %w", e.Seq, err)
	}
	previous, err := hex.DecodeString(e.PreviousDigest)
	if err != nil {
		return domain.AccessRecord{}, fmt.Errorf("seq %d: previous digest: %w", e.Seq, err)
	}
	return domain.AccessRecord{
		TenantID: e.TenantID,
		Seq:      e.Seq,
		Identity: domain.Identity{
			NationalID: e.NationalID,
			Passport:   e.Passport,
			Country:    e.Country,
		},
		FullName:         e.FullName,
		Phone:            e.Phone,
		NetworkAddress:   e.NetworkAddress,
		HardwareAddress:  e.HardwareAddress,
		EntryTime:        e.EntryTime,
		Suspicious:       e.Suspicious,
		NATAddress:       e.NATAddress,
		NATPort:          e.NATPort,
		Location:         e.Location,
		DeviceName:       e.DeviceName,
		Producer:         e.Producer,
		CanonicalVersion: e.CanonicalVersion,
		ContentDigest:    content,
		PreviousDigest:   previous,
		SignState:        domain.SignState(e.SignState),
		BatchID:          e.BatchID,
		TSAToken:         e.Token,
		TSASerial:        e.Serial,
		TSABackendID:     e.BackendID,
		SignedAt:         e.SignedAt,
	}, nil
}

// WriteJSONL writes records as uncompressed JSON lines.
func WriteJSONL(w io.Writer, records []domain.AccessRecord) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if err := enc.Encode(EntryFromRecord(rec)); err != nil {
			return err
		}
	}
	return nil
}

// Encode renders records as a gzip-compressed JSONL archive. The gzip header
// carries no name or modification time so identical input yields identical bytes.
func Encode(records []domain.AccessRecord) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if err := WriteJSONL(zw, records); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadAll decodes a gzip JSONL archive back into records.
func ReadAll(r io.Reader) ([]domain.AccessRecord, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()
	return ReadJSONL(zr)
}

func ReadJSONL(r io.Reader) ([]domain.AccessRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var out []domain.AccessRecord
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec, err := entry.Record()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("archive contains no records")
	}
	return out, nil
}

// Key names an archive file <tenant>/<yyyy>/<mm>/<seq_from>-<seq_to>.jsonl.gz,
// using the month of the window start.
func Key(tenantID string, windowStart time.Time, seqFrom, seqTo int64) string {
	ts := windowStart.UTC()
	return path.Join(tenantID, fmt.Sprintf("%04d", ts.Year()), fmt.Sprintf("%02d", int(ts.Month())), fmt.Sprintf("%d-%d.jsonl.gz", seqFrom, seqTo))
}

func SHA256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
