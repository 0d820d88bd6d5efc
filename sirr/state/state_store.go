// Package state persists sirr's secrets, audit log, and webhook
// registrations in a single-file boltdb. All methods are safe for concurrent
// access; bolt serializes writers and runs readers concurrently.
package state

import (
	"fmt"
	"os"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/go-uuid"
	"go.etcd.io/bbolt"

	"github.com/secretdrop/sirr/sirr/structs"
)

/*
The store is a boltdb with four top-level buckets:

meta/
|--> version     -> '1' (not msgpack encoded)
|--> instance_id -> UUID minted on first run
secrets/
|--> <key> -> *structs.SecretRecord
audit/
|--> <8-byte big-endian sequence> -> *structs.AuditEvent
webhooks/
|--> <id> -> *structs.WebhookRegistration
*/

var (
	// metaBucketName is the name of the metadata bucket.
	metaBucketName = []byte("meta")

	// metaVersionKey is the key the store schema version is stored under.
	metaVersionKey = []byte("version")

	// metaVersion is the current schema version. It skips the msgpack
	// codec to be as portable and futureproof as possible.
	metaVersion = []byte{'1'}

	// metaInstanceIDKey is the key the persistent instance ID is stored
	// under. The ID tags outbound webhook events.
	metaInstanceIDKey = []byte("instance_id")

	// secretsBucketName holds one SecretRecord per secret key.
	secretsBucketName = []byte("secrets")

	// auditBucketName holds AuditEvents under a monotonic sequence.
	auditBucketName = []byte("audit")

	// webhooksBucketName holds WebhookRegistrations by ID.
	webhooksBucketName = []byte("webhooks")
)

// msgpackHandle encodes bolt values with a stable field order.
var msgpackHandle = &codec.MsgpackHandle{}

func encode(v interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode value: %v", err)
	}
	return buf, nil
}

func decode(data []byte, v interface{}) error {
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(v); err != nil {
		return fmt.Errorf("failed to decode value: %v", err)
	}
	return nil
}

// Cipher seals and opens secret values. *sirr.Encrypter implements it; the
// store never sees raw key material.
type Cipher interface {
	Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error)
	Decrypt(nonce, ciphertext []byte) ([]byte, error)
	Version() uint32
}

// StateStore persists and restores sirr state in a boltdb. The handle is
// cloneable by simple copy; all copies share the underlying database.
type StateStore struct {
	db         *bbolt.DB
	cipher     Cipher
	logger     hclog.Logger
	instanceID string

	// clock returns the logical now in Unix seconds. Overridden in tests.
	clock func() int64
}

// Open creates or opens the boltdb at path. Opening fails fast when another
// process holds the database lock.
func Open(path string, cipher Cipher, logger hclog.Logger) (*StateStore, error) {
	fi, err := os.Stat(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	firstRun := fi == nil

	// Timeout to force failure when the database is already in use
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err == bbolt.ErrTimeout {
		return nil, fmt.Errorf("timed out while opening database, is another sirr process accessing %s?", path)
	} else if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	s := &StateStore{
		db:     db,
		cipher: cipher,
		logger: logger.Named("state"),
		clock:  func() int64 { return time.Now().Unix() },
	}

	if err := s.init(firstRun); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// init creates the buckets and, on first run, the schema version and
// instance ID.
func (s *StateStore) init(firstRun bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{metaBucketName, secretsBucketName, auditBucketName, webhooksBucketName} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %v", name, err)
			}
		}

		meta := tx.Bucket(metaBucketName)
		if firstRun {
			if err := meta.Put(metaVersionKey, metaVersion); err != nil {
				return err
			}
			id, err := uuid.GenerateUUID()
			if err != nil {
				return fmt.Errorf("failed to generate instance ID: %v", err)
			}
			if err := meta.Put(metaInstanceIDKey, []byte(id)); err != nil {
				return err
			}
		}

		s.instanceID = string(meta.Get(metaInstanceIDKey))
		return nil
	})
}

// InstanceID returns the persistent ID minted when the database was created.
func (s *StateStore) InstanceID() string {
	return s.instanceID
}

// Close flushes and closes the underlying database. In-flight transactions
// are allowed to finish first.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// PutSecret encrypts and stores a fresh record, overwriting any prior record
// at that key. The prior record is superseded, never merged.
func (s *StateStore) PutSecret(req *structs.SecretPutRequest) (*structs.SecretMeta, error) {
	if err := structs.ValidateSecretKey(req.Key); err != nil {
		return nil, err
	}
	if err := structs.ValidateSecretValue(req.Value); err != nil {
		return nil, err
	}
	if req.TTLSeconds != nil && *req.TTLSeconds == 0 {
		return nil, structs.NewValidationError("ttl_seconds must be positive")
	}
	if req.MaxReads != nil && *req.MaxReads == 0 {
		return nil, structs.NewValidationError("max_reads must be positive")
	}

	nonce, ciphertext, err := s.cipher.Encrypt(req.Value)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	rec := &structs.SecretRecord{
		Key:            req.Key,
		ValueEncrypted: ciphertext,
		Nonce:          nonce,
		KeyVersion:     s.cipher.Version(),
		CreatedAt:      now,
		Delete:         req.Delete,
		WebhookURL:     req.WebhookURL,
	}
	if req.TTLSeconds != nil {
		exp := now + int64(*req.TTLSeconds)
		rec.ExpiresAt = &exp
	}
	if req.MaxReads != nil {
		mr := *req.MaxReads
		rec.MaxReads = &mr
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return putSecretRecord(tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.Meta(), nil
}

// GetSecret consumes a read of the secret in a single write transaction.
// Expiration wins over read-limit exhaustion: a record that is both expired
// and at its read cap is reported not found.
func (s *StateStore) GetSecret(key string) (*structs.GetResult, error) {
	result := &structs.GetResult{Outcome: structs.GetOutcomeNotFound}
	now := s.clock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		secrets := tx.Bucket(secretsBucketName)
		rec, err := getSecretRecord(secrets, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		if rec.IsExpired(now) {
			return secrets.Delete([]byte(key))
		}

		// Already-sealed records short-circuit: no decryption, no
		// read_count movement.
		if rec.IsSealed() {
			result.Outcome = structs.GetOutcomeSealed
			return nil
		}

		plaintext, err := s.cipher.Decrypt(rec.Nonce, rec.ValueEncrypted)
		if err != nil {
			return fmt.Errorf("failed to decrypt secret %q: %w", key, err)
		}

		rec.ReadCount++
		result.Value = plaintext
		result.WebhookURL = rec.WebhookURL

		if rec.IsBurned() {
			result.Outcome = structs.GetOutcomeBurned
			return secrets.Delete([]byte(key))
		}

		result.Outcome = structs.GetOutcomeValue
		return putSecretRecord(tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HeadSecret returns metadata without decrypting or incrementing the read
// count. Expired records are swept on access, like GetSecret.
func (s *StateStore) HeadSecret(key string) (*structs.SecretMeta, bool, error) {
	var meta *structs.SecretMeta
	var sealed bool
	now := s.clock()

	// Not-found is signaled outside the transaction so the expired-record
	// sweep still commits.
	err := s.db.Update(func(tx *bbolt.Tx) error {
		secrets := tx.Bucket(secretsBucketName)
		rec, err := getSecretRecord(secrets, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		if rec.IsExpired(now) {
			return secrets.Delete([]byte(key))
		}
		meta = rec.Meta()
		sealed = rec.IsSealed()
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if meta == nil {
		return nil, false, structs.ErrSecretNotFound
	}
	return meta, sealed, nil
}

// PatchSecret atomically replaces the provided fields of an existing record.
// Burn-on-read records are immutable except by delete or overwrite and
// report a conflict. Lowering max_reads to or below the current read count
// seals the record immediately.
func (s *StateStore) PatchSecret(key string, req *structs.SecretPatchRequest) (*structs.SecretMeta, error) {
	if req.HasValue {
		if err := structs.ValidateSecretValue(req.Value); err != nil {
			return nil, err
		}
	}
	if req.MaxReads != nil && *req.MaxReads == 0 {
		return nil, structs.NewValidationError("max_reads must be positive")
	}
	if req.TTLSeconds != nil && *req.TTLSeconds == 0 {
		return nil, structs.NewValidationError("ttl_seconds must be positive")
	}

	var meta *structs.SecretMeta
	var conflict bool
	now := s.clock()

	// Not-found and conflict are signaled outside the transaction so the
	// expired-record sweep still commits.
	err := s.db.Update(func(tx *bbolt.Tx) error {
		secrets := tx.Bucket(secretsBucketName)
		rec, err := getSecretRecord(secrets, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		if rec.IsExpired(now) {
			return secrets.Delete([]byte(key))
		}
		if rec.Delete {
			conflict = true
			return nil
		}

		if req.HasValue {
			nonce, ciphertext, err := s.cipher.Encrypt(req.Value)
			if err != nil {
				return err
			}
			rec.ValueEncrypted = ciphertext
			rec.Nonce = nonce
			rec.KeyVersion = s.cipher.Version()
		}
		if req.MaxReads != nil {
			mr := *req.MaxReads
			rec.MaxReads = &mr
		}
		switch {
		case req.ClearTTL:
			rec.ExpiresAt = nil
		case req.TTLSeconds != nil:
			exp := now + int64(*req.TTLSeconds)
			rec.ExpiresAt = &exp
		}

		meta = rec.Meta()
		return putSecretRecord(tx, rec)
	})
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, structs.ErrPatchConflict
	}
	if meta == nil {
		return nil, structs.ErrSecretNotFound
	}
	return meta, nil
}

// DeleteSecret removes the record and reports whether it existed.
func (s *StateStore) DeleteSecret(key string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		secrets := tx.Bucket(secretsBucketName)
		existed = secrets.Get([]byte(key)) != nil
		return secrets.Delete([]byte(key))
	})
	return existed, err
}

// ListSecrets returns metadata for every record whose expiration has not yet
// passed. It is read-only and does not sweep.
func (s *StateStore) ListSecrets() ([]*structs.SecretMeta, error) {
	var metas []*structs.SecretMeta
	now := s.clock()

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(secretsBucketName).ForEach(func(k, v []byte) error {
			rec := &structs.SecretRecord{}
			if err := decode(v, rec); err != nil {
				return fmt.Errorf("corrupt secret record %q: %v", k, err)
			}
			if rec.IsExpired(now) {
				return nil
			}
			metas = append(metas, rec.Meta())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return metas, nil
}

// Prune removes every expired or burned record and returns how many were
// removed. Sealed records are preserved.
func (s *StateStore) Prune() (int, error) {
	count := 0
	now := s.clock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		secrets := tx.Bucket(secretsBucketName)

		var doomed [][]byte
		err := secrets.ForEach(func(k, v []byte) error {
			rec := &structs.SecretRecord{}
			if err := decode(v, rec); err != nil {
				return fmt.Errorf("corrupt secret record %q: %v", k, err)
			}
			if rec.IsExpired(now) || rec.IsBurned() {
				key := make([]byte, len(k))
				copy(key, k)
				doomed = append(doomed, key)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := secrets.Delete(k); err != nil {
				return err
			}
		}
		count = len(doomed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// MaxKeyVersion scans the records and returns the largest key version tag
// observed, or zero when the store is empty.
func (s *StateStore) MaxKeyVersion() (uint32, error) {
	var maxVersion uint32
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(secretsBucketName).ForEach(func(k, v []byte) error {
			rec := &structs.SecretRecord{}
			if err := decode(v, rec); err != nil {
				return fmt.Errorf("corrupt secret record %q: %v", k, err)
			}
			if rec.KeyVersion > maxVersion {
				maxVersion = rec.KeyVersion
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return maxVersion, nil
}

// Rotate re-encrypts every record under the next cipher in one write
// transaction: either all records move to the new key version or none do.
// The audit and webhook buckets are untouched. On success the store decrypts
// with the new cipher from then on; the caller writes the new key file only
// afterwards.
func (s *StateStore) Rotate(next Cipher) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		secrets := tx.Bucket(secretsBucketName)

		var recs []*structs.SecretRecord
		err := secrets.ForEach(func(k, v []byte) error {
			rec := &structs.SecretRecord{}
			if err := decode(v, rec); err != nil {
				return fmt.Errorf("corrupt secret record %q: %v", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
		if err != nil {
			return err
		}

		for _, rec := range recs {
			plaintext, err := s.cipher.Decrypt(rec.Nonce, rec.ValueEncrypted)
			if err != nil {
				return fmt.Errorf("failed to decrypt secret %q for rotation: %w", rec.Key, err)
			}
			nonce, ciphertext, err := next.Encrypt(plaintext)
			scrub(plaintext)
			if err != nil {
				return err
			}
			rec.Nonce = nonce
			rec.ValueEncrypted = ciphertext
			rec.KeyVersion = next.Version()
			if err := putSecretRecord(tx, rec); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.cipher = next
	return count, nil
}

// putSecretRecord encodes and writes a record inside an open transaction.
func putSecretRecord(tx *bbolt.Tx, rec *structs.SecretRecord) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(secretsBucketName).Put([]byte(rec.Key), data)
}

// getSecretRecord loads and decodes a record, or nil when absent.
func getSecretRecord(secrets *bbolt.Bucket, key string) (*structs.SecretRecord, error) {
	data := secrets.Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	rec := &structs.SecretRecord{}
	if err := decode(data, rec); err != nil {
		return nil, fmt.Errorf("corrupt secret record %q: %v", key, err)
	}
	return rec, nil
}

// scrub zeroes a plaintext buffer once it is no longer needed.
func scrub(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
