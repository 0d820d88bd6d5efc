// Package structs holds the shared types for the sirr secret store: the
// persisted record shapes, their derived-state predicates, and the error
// taxonomy the HTTP layer maps onto status codes.
package structs

const (
	// SecretKeyMaxLen is the maximum length in bytes of a secret key.
	SecretKeyMaxLen = 256

	// SecretValueMaxSize caps plaintext values at 1 MiB.
	SecretValueMaxSize = 1 << 20
)

// SecretRecord is the persisted shape of a stored secret. The plaintext
// value never appears here; ValueEncrypted carries the AEAD ciphertext and
// tag, with the nonce stored alongside it.
type SecretRecord struct {
	Key            string
	ValueEncrypted []byte
	Nonce          []byte
	KeyVersion     uint32
	CreatedAt      int64

	// ExpiresAt is the Unix second past which the record is expired. Nil
	// means no TTL.
	ExpiresAt *int64

	// MaxReads caps the number of plaintext-returning reads. Nil means
	// unlimited.
	MaxReads *uint32

	// ReadCount only ever increases, and only on a successful get.
	ReadCount uint32

	// Delete selects burn-on-exhaust (true) over seal-on-exhaust (false)
	// once MaxReads is hit.
	Delete bool

	// WebhookURL is an optional per-secret delivery target for read and
	// burn events. Subject to the same SSRF validation as registrations.
	WebhookURL string
}

// IsExpired reports whether the record has expired by TTL only.
func (r *SecretRecord) IsExpired(now int64) bool {
	return r.ExpiresAt != nil && now >= *r.ExpiresAt
}

// IsBurned reports whether the record should be deleted: Delete is set and
// the read limit has been hit.
func (r *SecretRecord) IsBurned() bool {
	return r.Delete && r.MaxReads != nil && r.ReadCount >= *r.MaxReads
}

// IsSealed reports whether the record is sealed: Delete is unset and the
// read limit has been hit. Sealed records serve metadata forever but never
// plaintext.
func (r *SecretRecord) IsSealed() bool {
	return !r.Delete && r.MaxReads != nil && r.ReadCount >= *r.MaxReads
}

// Meta projects the record into the metadata shape returned by list and
// head. It never includes the value.
func (r *SecretRecord) Meta() *SecretMeta {
	return &SecretMeta{
		Key:        r.Key,
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
		MaxReads:   r.MaxReads,
		ReadCount:  r.ReadCount,
		Delete:     r.Delete,
		KeyVersion: r.KeyVersion,
	}
}

// SecretMeta is the external projection of a stored secret.
type SecretMeta struct {
	Key        string  `json:"key"`
	CreatedAt  int64   `json:"created_at"`
	ExpiresAt  *int64  `json:"expires_at,omitempty"`
	MaxReads   *uint32 `json:"max_reads,omitempty"`
	ReadCount  uint32  `json:"read_count"`
	Delete     bool    `json:"delete"`
	KeyVersion uint32  `json:"key_version"`
}

// SecretPutRequest are the caller-supplied fields for creating (or
// overwriting) a secret.
type SecretPutRequest struct {
	Key        string
	Value      []byte
	TTLSeconds *uint64
	MaxReads   *uint32
	Delete     bool
	WebhookURL string
}

// SecretPatchRequest updates an existing non-burn-on-read secret. Nil fields
// are left untouched. ClearTTL removes the expiry outright and wins over
// TTLSeconds.
type SecretPatchRequest struct {
	Value      []byte
	HasValue   bool
	MaxReads   *uint32
	TTLSeconds *uint64
	ClearTTL   bool
}

// GetOutcome tags the result of a get operation. Burning and sealing are
// normal control flow, not errors.
type GetOutcome uint8

const (
	// GetOutcomeNotFound means the record was absent or expired.
	GetOutcomeNotFound GetOutcome = iota

	// GetOutcomeValue carries the plaintext of a still-active record.
	GetOutcomeValue

	// GetOutcomeBurned carries the final plaintext; the record is gone.
	GetOutcomeBurned

	// GetOutcomeSealed means the read quota was already exhausted; no
	// plaintext is returned and the read count did not move.
	GetOutcomeSealed
)

// GetResult is the tagged result of StateStore.GetSecret. Value is only set
// for the Value and Burned outcomes.
type GetResult struct {
	Outcome    GetOutcome
	Value      []byte
	WebhookURL string
}
