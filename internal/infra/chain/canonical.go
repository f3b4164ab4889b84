package chain

import (
	"crypto/sha256"
	"strconv"
	"strings"
	"time"

	"sealog/internal/domain"
)

const entryTimeLayout = "2006-01-02 15:04:05"

// CanonicalForm returns the bytes a record's content digest is computed over.
//
// Version 1 concatenates the fields without separators and formats the entry time to the
// second in UTC. Version 2 length-prefixes every field and keeps nanoseconds.
func CanonicalForm(version int, identity domain.Identity, fullName, phone, networkAddress, hardwareAddress string, entryTime time.Time) []byte {
	fields := []string{
		identity.String(),
		fullName,
		phone,
		networkAddress,
		hardwareAddress,
	}
	if version == 2 {
		fields = append(fields, entryTime.UTC().Format(time.RFC3339Nano))
		var b strings.Builder
		for _, field := range fields {
			b.WriteString(strconv.Itoa(len(field)))
			b.WriteByte(':')
			b.WriteString(field)
		}
		return []byte(b.String())
	}
	fields = append(fields, entryTime.UTC().Format(entryTimeLayout))
	return []byte(strings.Join(fields, ""))
}

// RecordCanonicalForm is CanonicalForm over a stored record, using the version it was chained under.
func RecordCanonicalForm(rec domain.AccessRecord) []byte {
	return CanonicalForm(rec.CanonicalVersion, rec.Identity, rec.FullName, rec.Phone, rec.NetworkAddress, rec.HardwareAddress, rec.EntryTime)
}

func DraftCanonicalForm(d domain.RecordDraft) []byte {
	return CanonicalForm(d.CanonicalVersion, d.Identity, d.FullName, d.Phone, d.NetworkAddress, d.HardwareAddress, d.EntryTime)
}

func Digest(canonical []byte) []byte {
	sum := sha256.Sum256(canonical)
	return sum[:]
}

func RecordDigest(rec domain.AccessRecord) []byte {
	return Digest(RecordCanonicalForm(rec))
}

// BatchDigest is SHA-256 over the concatenated content digests in sequence order.
func BatchDigest(records []domain.AccessRecord) []byte {
	h := sha256.New()
	for _, rec := range records {
		h.Write(rec.ContentDigest)
	}
	return h.Sum(nil)
}

// BatchDigestOf is BatchDigest over raw content digests.
func BatchDigestOf(digests [][]byte) []byte {
	h := sha256.New()
	for _, d := range digests {
		h.Write(d)
	}
	return h.Sum(nil)
}
