package chain

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"sealog/internal/domain"
)

// ValidNationalID applies the 11-digit checksum rule.
func ValidNationalID(id string) bool {
	if len(id) != 11 {
		return false
	}
	var d [11]int
	for i := 0; i < 11; i++ {
		c := id[i]
		if c < '0' || c > '9' {
			return false
		}
		d[i] = int(c - '0')
	}
	if d[0] == 0 {
		return false
	}
	odd := d[0] + d[2] + d[4] + d[6] + d[8]
	even := d[1] + d[3] + d[5] + d[7]
	tenth := ((odd*7-even)%10 + 10) % 10
	if tenth != d[9] {
		return false
	}
	sum := 0
	for i := 0; i < 10; i++ {
		sum += d[i]
	}
	return sum%10 == d[10]
}

// CanonicalMAC returns the lowercase colon-separated form of a hardware address.
func CanonicalMAC(raw string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: hardware address %q", domain.ErrInvalidAddress, raw)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("%w: hardware address %q is not EUI-48", domain.ErrInvalidAddress, raw)
	}
	return hw.String(), nil
}

// CanonicalIP returns the textual canonical form of an IPv4 or IPv6 address.
func CanonicalIP(raw string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: network address %q", domain.ErrInvalidAddress, raw)
	}
	return addr.Unmap().String(), nil
}

// NormalizeTime truncates to the second in UTC.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// ValidateIdentity enforces the identity sum type and the national-id checksum.
func ValidateIdentity(id domain.Identity) error {
	if !id.Valid() {
		return fmt.Errorf("%w: exactly one of national id or passport/country is required", domain.ErrInvalidIdentity)
	}
	if id.IsNational() && !ValidNationalID(id.NationalID) {
		return fmt.Errorf("%w: national id checksum", domain.ErrInvalidIdentity)
	}
	if id.IsPassport() && (strings.ContainsRune(id.Passport, '|') || strings.ContainsRune(id.Country, '|')) {
		return fmt.Errorf("%w: passport fields may not contain '|'", domain.ErrInvalidIdentity)
	}
	return nil
}

// Prepare validates and canonicalises an incoming record and computes its content digest.
func Prepare(in domain.Incoming, canonicalVersion int) (domain.RecordDraft, error) {
	in.Identity.NationalID = strings.TrimSpace(in.Identity.NationalID)
	in.Identity.Passport = strings.TrimSpace(in.Identity.Passport)
	in.Identity.Country = strings.ToUpper(strings.TrimSpace(in.Identity.Country))
	if err := ValidateIdentity(in.Identity); err != nil {
		return domain.RecordDraft{}, err
	}
	ip, err := CanonicalIP(in.NetworkAddress)
	if err != nil {
		return domain.RecordDraft{}, err
	}
	mac, err := CanonicalMAC(in.HardwareAddress)
	if err != nil {
		return domain.RecordDraft{}, err
	}
	if in.NATAddress != "" {
		nat, err := CanonicalIP(in.NATAddress)
		if err != nil {
			return domain.RecordDraft{}, err
		}
		in.NATAddress = nat
	}
	if in.NATPort < 0 || in.NATPort > 65535 {
		return domain.RecordDraft{}, fmt.Errorf("%w: nat port %d", domain.ErrInvalidAddress, in.NATPort)
	}
	if in.EntryTime.IsZero() {
		return domain.RecordDraft{}, fmt.Errorf("%w: entry time is required", domain.ErrInvalidArgument)
	}
	in.NetworkAddress = ip
	in.HardwareAddress = mac
	if canonicalVersion != 2 {
		canonicalVersion = 1
		in.EntryTime = NormalizeTime(in.EntryTime)
	} else {
		in.EntryTime = in.EntryTime.UTC()
	}
	draft := domain.RecordDraft{Incoming: in, CanonicalVersion: canonicalVersion}
	draft.ContentDigest = Digest(DraftCanonicalForm(draft))
	return draft, nil
}
