package chain

import (
	"bytes"

	"sealog/internal/domain"
)

// Next returns the sequence number and previous digest for the record appended after head.
func Next(head domain.ChainHead) (int64, []byte) {
	if head.LastSeq == 0 || len(head.LastDigest) == 0 {
		return 1, domain.ZeroDigest()
	}
	return head.LastSeq + 1, append([]byte(nil), head.LastDigest...)
}

// Link is the outcome of checking one record against its predecessor.
type Link struct {
	Category   domain.ResultCategory
	Recomputed []byte
}

// Check recomputes rec's digest and compares its previous digest with prior, the recomputed
// digest of the preceding record. A nil prior skips the link check, which is how the first
// record after a retention low-water mark or a gap is treated.
func Check(rec domain.AccessRecord, prior []byte) Link {
	recomputed := RecordDigest(rec)
	if !bytes.Equal(recomputed, rec.ContentDigest) {
		return Link{Category: domain.ResultModified, Recomputed: recomputed}
	}
	if rec.Seq == 1 && !bytes.Equal(rec.PreviousDigest, domain.ZeroDigest()) {
		return Link{Category: domain.ResultChainBroken, Recomputed: recomputed}
	}
	if prior != nil && !bytes.Equal(rec.PreviousDigest, prior) {
		return Link{Category: domain.ResultChainBroken, Recomputed: recomputed}
	}
	return Link{Category: domain.ResultValid, Recomputed: recomputed}
}

// Walk checks an ordered slice of records. Sequence gaps are reported as MISSING entries with
// the missing sequence number and a zero-value record.
func Walk(records []domain.AccessRecord, prior []byte, fn func(seq int64, rec *domain.AccessRecord, link Link)) {
	var expected int64
	for i := range records {
		rec := &records[i]
		if expected != 0 {
			for missing := expected; missing < rec.Seq; missing++ {
				fn(missing, nil, Link{Category: domain.ResultMissing})
				prior = nil
			}
		}
		link := Check(*rec, prior)
		fn(rec.Seq, rec, link)
		prior = link.Recomputed
		expected = rec.Seq + 1
	}
}
