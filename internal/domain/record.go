package domain

import "time"

type SignState string

const (
	SignStateUnsigned SignState = "UNSIGNED"
	SignStateSigning  SignState = "SIGNING"
	SignStateSigned   SignState = "SIGNED"
	SignStateFailed   SignState = "FAILED"
)

const DigestSize = 32

// Identity is either a national id or a passport number with its issuing country.
// Exactly one variant is set; use NationalIdentity or PassportIdentity to build one.
type Identity struct {
	NationalID string
	Passport   string
	Country    string
}

func NationalIdentity(id string) Identity {
	return Identity{NationalID: id}
}

func PassportIdentity(number, country string) Identity {
	return Identity{Passport: number, Country: country}
}

func (i Identity) IsNational() bool {
	return i.NationalID != "" && i.Passport == "" && i.Country == ""
}

func (i Identity) IsPassport() bool {
	return i.NationalID == "" && i.Passport != "" && i.Country != ""
}

// Valid reports whether exactly one variant is populated.
func (i Identity) Valid() bool {
	return i.IsNational() != i.IsPassport()
}

// String renders the identity the way it enters the canonical form.
func (i Identity) String() string {
	if i.IsPassport() {
		return i.Passport + "|" + i.Country
	}
	return i.NationalID
}

// Incoming is the payload of the ingestion contract.
type Incoming struct {
	Identity        Identity
	FullName        string
	Phone           string
	NetworkAddress  string
	HardwareAddress string
	EntryTime       time.Time
	Suspicious      bool

	NATAddress string
	NATPort    int
	Location   string
	DeviceName string
	Producer   string
}

// RecordDraft is a validated, canonicalised record whose content digest is known but
// whose chain position has not been assigned yet.
type RecordDraft struct {
	Incoming
	CanonicalVersion int
	ContentDigest    []byte
}

type AccessRecord struct {
	TenantID string
	Seq      int64

	Identity        Identity
	FullName        string
	Phone           string
	NetworkAddress  string
	HardwareAddress string
	EntryTime       time.Time
	Suspicious      bool

	NATAddress string
	NATPort    int
	Location   string
	DeviceName string
	Producer   string

	CanonicalVersion int
	ContentDigest    []byte
	PreviousDigest   []byte

	SignState    SignState
	BatchID      string
	TSAToken     []byte
	TSASerial    string
	TSABackendID string
	SignedAt     *time.Time
	SignFailures int

	RetentionClass string
	ArchiveJobID   string

	CreatedAt time.Time
}

// ChainHead tracks the tip of a tenant's chain. LowWater is the lowest sequence still held
// in the live store after retention deletion; zero means nothing has been deleted.
type ChainHead struct {
	TenantID   string
	LastSeq    int64
	LastDigest []byte
	LowWater   int64
	UpdatedAt  time.Time
}

// ChainTip is the record with the greatest sequence as actually stored.
type ChainTip struct {
	Seq    int64
	Digest []byte
}

// AppendResult reports the stored record and whether the submission was absorbed by the
// dedup window.
type AppendResult struct {
	Record       AccessRecord
	Deduplicated bool
}

func ZeroDigest() []byte {
	return make([]byte, DigestSize)
}
