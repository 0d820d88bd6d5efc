package state

import (
	"crypto/cipher"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/shoenig/test/must"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/secretdrop/sirr/ci"
	"github.com/secretdrop/sirr/helper/pointer"
	"github.com/secretdrop/sirr/helper/testlog"
	"github.com/secretdrop/sirr/sirr/structs"
)

// testCipher is a minimal Cipher for store tests so the tests do not depend
// on the sirr package, which imports this one.
type testCipher struct {
	aead    cipher.AEAD
	version uint32
}

func newTestCipher(t *testing.T, version uint32) *testCipher {
	t.Helper()
	key := make([]byte, chacha20poly1305.KeySize)
	_, err := rand.Read(key)
	must.NoError(t, err)
	aead, err := chacha20poly1305.New(key)
	must.NoError(t, err)
	return &testCipher{aead: aead, version: version}
}

func (c *testCipher) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, c.aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, c.aead.Seal(nil, nonce, plaintext, nil), nil
}

func (c *testCipher) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	return c.aead.Open(nil, nonce, ciphertext, nil)
}

func (c *testCipher) Version() uint32 { return c.version }

// testStateStore opens a fresh store over a fixed logical clock that tests
// advance directly.
func testStateStore(t *testing.T) (*StateStore, *int64) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sirr.db"), newTestCipher(t, 1), testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := int64(1700000000)
	s.clock = func() int64 { return now }
	return s, &now
}

func putTestSecret(t *testing.T, s *StateStore, req *structs.SecretPutRequest) *structs.SecretMeta {
	t.Helper()
	meta, err := s.PutSecret(req)
	must.NoError(t, err)
	return meta
}

func TestStateStore_Open_FirstRun(t *testing.T) {
	ci.Parallel(t)

	path := filepath.Join(t.TempDir(), "sirr.db")
	cipher := newTestCipher(t, 1)

	s, err := Open(path, cipher, testlog.HCLogger(t))
	must.NoError(t, err)
	id := s.InstanceID()
	must.NotEq(t, "", id)
	must.NoError(t, s.Close())

	// The instance ID survives reopen.
	s2, err := Open(path, cipher, testlog.HCLogger(t))
	must.NoError(t, err)
	defer s2.Close()
	must.Eq(t, id, s2.InstanceID())
}

func TestStateStore_Open_Locked(t *testing.T) {
	ci.Parallel(t)
	ci.SkipSlow(t, "takes the full lock timeout to fail")

	path := filepath.Join(t.TempDir(), "sirr.db")
	s, err := Open(path, newTestCipher(t, 1), testlog.HCLogger(t))
	must.NoError(t, err)
	defer s.Close()

	_, err = Open(path, newTestCipher(t, 1), testlog.HCLogger(t))
	must.Error(t, err)
	must.StrContains(t, err.Error(), "another sirr process")
}

func TestStateStore_PutGet(t *testing.T) {
	ci.Parallel(t)

	s, _ := testStateStore(t)

	meta := putTestSecret(t, s, &structs.SecretPutRequest{
		Key:   "db/password",
		Value: []byte("hunter2"),
	})
	must.Eq(t, "db/password", meta.Key)
	must.Eq(t, uint32(0), meta.ReadCount)
	must.Eq(t, uint32(1), meta.KeyVersion)
	must.Nil(t, meta.ExpiresAt)
	must.Nil(t, meta.MaxReads)

	result, err := s.GetSecret("db/password")
	must.NoError(t, err)
	must.Eq(t, structs.GetOutcomeValue, result.Outcome)
	must.Eq(t, "hunter2", string(result.Value))

	// Unlimited reads keep returning the value and counting.
	result, err = s.GetSecret("db/password")
	must.NoError(t, err)
	must.Eq(t, structs.GetOutcomeValue, result.Outcome)

	head, _, err := s.HeadSecret("db/password")
	must.NoError(t, err)
	must.Eq(t, uint32(2), head.ReadCount)
}

func TestStateStore_GetSecret_Missing(t *testing.T) {
	ci.Parallel(t)

	s, _ := testStateStore(t)
	result, err := s.GetSecret("nope")
	must.NoError(t, err)
	must.Eq(t, structs.GetOutcomeNotFound, result.Outcome)
	must.Nil(t, result.Value)
}

func TestStateStore_PutSecret_Validation(t *testing.T) {
	ci.Parallel(t)

	s, _ := testStateStore(t)

	cases := []struct {
		name string
		req  *structs.SecretPutRequest
	}{
		{name: "empty key", req: &structs.SecretPutRequest{Key: "", Value: []byte("v")}},
		{name: "oversize value", req: &structs.SecretPutRequest{Key: "k", Value: make([]byte, structs.SecretValueMaxSize+1)}},
		{name: "zero ttl", req: &structs.SecretPutRequest{Key: "k", Value: []byte("v"), TTLSeconds: pointer.Of(uint64(0))}},
		{name: "zero max reads", req: &structs.SecretPutRequest{Key: "k", Value: []byte("v"), MaxReads: pointer.Of(uint32(0))}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.PutSecret(tc.req)
			must.Error(t, err)
			must.True(t, structs.IsValidationError(err))
		})
	}
}

func TestStateStore_PutSecret_Overwrite(t *testing.T) {
	ci.Parallel(t)

	s, _ := testStateStore(t)

	putTestSecret(t, s, &structs.SecretPutRequest{
		Key:      "k",
		Value:    []byte("old"),
		MaxReads: pointer.Of(uint32(1)),
	})
	_, err := s.GetSecret("k")
	must.NoError(t, err)

	// Overwriting supersedes the record wholesale, read count included.
	putTestSecret(t, s, &structs.SecretPutRequest{Key: "k", Value: []byte("new")})

	result, err := s.GetSecret("k")
	must.NoError(t, err)
	must.Eq(t, structs.GetOutcomeValue, result.Outcome)
	must.Eq(t, "new", string(result.Value))

	head, _, err := s.HeadSecret("k")
	must.NoError(t, err)
	must.Eq(t, uint32(1), head.ReadCount)
	must.Nil(t, head.MaxReads)
}

func TestStateStore_GetSecret_Burn(t *testing.T) {
	ci.Parallel(t)

	s, _ := testStateStore(t)

	putTestSecret(t, s, &structs.SecretPutRequest{
		Key:      "burn",
		Value:    []byte("v"),
		MaxReads: pointer.Of(uint32(2)),
		Delete:   true,
	})

	result, err := s.GetSecret("burn")
	must.NoError(t, err)
	must.Eq(t, structs.GetOutcomeValue, result.Outcome)
	must.Eq(t, "v", string(result.Value))

	// The final read still returns the plaintext and removes the record.
	result, err = s.GetSecret("burn")
	must.NoError(t, err)
	must.Eq(t, structs.GetOutcomeBurned, result.Outcome)
	must.Eq(t, "v", string(result.Value))

	result, err = s.GetSecret("burn")
	must.NoError(t, err)
	must.Eq(t, structs.GetOutcomeNotFound, result.Outcome)

	_, _, err = s.HeadSecret("burn")
	must.ErrorIs(t, err, structs.ErrSecretNotFound)
}

func TestStateStore_GetSecret_Seal(t *testing.T) {
	ci.Parallel(t)

	s, _ := testStateStore(t)

	putTestSecret(t, s, &structs.SecretPutRequest{
		Key:      "seal",
		Value:    []byte("v"),
		MaxReads: pointer.Of(uint32(2)),
		Delete:   false,
	})

	for i := 0; i < 2; i++ {
		result, err := s.GetSecret("seal")
		must.NoError(t, err)
		must.Eq(t, structs.GetOutcomeValue, result.Outcome)
		must.Eq(t, "v", string(result.Value))
	}

	// Exhausted but not burning: sealed, and the count stops moving.
	for i := 0; i < 3; i++ {
		result, err := s.GetSecret("seal")
		must.NoError(t, err)
		must.Eq(t, structs.GetOutcomeSealed, result.Outcome)
		must.Nil(t, result.Value)
	}

	head, sealed, err := s.HeadSecret("seal")
	must.NoError(t, err)
	must.True(t, sealed)
	must.Eq(t, uint32(2), head.ReadCount)
}

func TestStateStore_GetSecret_Expiry(t *testing.T) {
	ci.Parallel(t)

	s, now := testStateStore(t)

	putTestSecret(t, s, &structs.SecretPutRequest{
		Key:        "temp",
		Value:      []byte("v"),
		TTLSeconds: pointer.Of(uint64(60)),
	})

	result, err := s.GetSecret("temp")
	must.NoError(t, err)
	must.Eq(t, structs.GetOutcomeValue, result.Outcome)

	// Expiry is inclusive of the boundary second.
	*now += 60
	result, err = s.GetSecret("temp")
	must.NoError(t, err)
	must.Eq(t, structs.GetOutcomeNotFound, result.Outcome)

	// The expired record was deleted, not just hidden.
	*now -= 60
	result, err = s.GetSecret("temp")
	must.NoError(t, err)
	must.Eq(t, structs.GetOutcomeNotFound, result.Outcome)
}

func TestStateStore_GetSecret_ExpiryWinsOverSeal(t *testing.T) {
	ci.Parallel(t)

	s, now := testStateStore(t)

	putTestSecret(t, s, &structs.SecretPutRequest{
		Key:        "both",
		Value:      []byte("v"),
		TTLSeconds: pointer.Of(uint64(60)),
		MaxReads:   pointer.Of(uint32(1)),
		Delete:     false,
	})

	_, err := s.GetSecret("both")
	must.NoError(t, err)

	// Now sealed and expired: not found, never sealed.
	*now += 120
	result, err := s.GetSecret("both")
	must.NoError(t, err)
	must.Eq(t, structs.GetOutcomeNotFound, result.Outcome)
}

func TestStateStore_HeadSecret(t *testing.T) {
	ci.Parallel(t)

	s, now := testStateStore(t)

	putTestSecret(t, s, &structs.SecretPutRequest{
		Key:        "k",
		Value:      []byte("v"),
		TTLSeconds: pointer.Of(uint64(300)),
		MaxReads:   pointer.Of(uint32(5)),
	})

	// Head never consumes a read.
	for i := 0; i < 10; i++ {
		meta, sealed, err := s.HeadSecret("k")
		must.NoError(t, err)
		must.False(t, sealed)
		must.Eq(t, uint32(0), meta.ReadCount)
		must.Eq(t, *now+300, *meta.ExpiresAt)
	}

	_, _, err := s.HeadSecret("missing")
	must.ErrorIs(t, err, structs.ErrSecretNotFound)

	*now += 301
	_, _, err = s.HeadSecret("k")
	must.ErrorIs(t, err, structs.ErrSecretNotFound)
}

func TestStateStore_PatchSecret(t *testing.T) {
	ci.Parallel(t)

	s, now := testStateStore(t)

	t.Run("missing record", func(t *testing.T) {
		_, err := s.PatchSecret("nope", &structs.SecretPatchRequest{ClearTTL: true})
		must.ErrorIs(t, err, structs.ErrSecretNotFound)
	})

	t.Run("burn-on-read records are immutable", func(t *testing.T) {
		putTestSecret(t, s, &structs.SecretPutRequest{
			Key:      "burner",
			Value:    []byte("v"),
			MaxReads: pointer.Of(uint32(1)),
			Delete:   true,
		})
		_, err := s.PatchSecret("burner", &structs.SecretPatchRequest{MaxReads: pointer.Of(uint32(5))})
		must.ErrorIs(t, err, structs.ErrPatchConflict)
	})

	t.Run("value replacement", func(t *testing.T) {
		putTestSecret(t, s, &structs.SecretPutRequest{Key: "v", Value: []byte("old")})
		_, err := s.PatchSecret("v", &structs.SecretPatchRequest{Value: []byte("new"), HasValue: true})
		must.NoError(t, err)

		result, err := s.GetSecret("v")
		must.NoError(t, err)
		must.Eq(t, "new", string(result.Value))
	})

	t.Run("lowering max reads seals immediately", func(t *testing.T) {
		putTestSecret(t, s, &structs.SecretPutRequest{Key: "cap", Value: []byte("v")})
		for i := 0; i < 3; i++ {
			_, err := s.GetSecret("cap")
			must.NoError(t, err)
		}

		meta, err := s.PatchSecret("cap", &structs.SecretPatchRequest{MaxReads: pointer.Of(uint32(2))})
		must.NoError(t, err)
		must.Eq(t, uint32(3), meta.ReadCount)

		result, err := s.GetSecret("cap")
		must.NoError(t, err)
		must.Eq(t, structs.GetOutcomeSealed, result.Outcome)
	})

	t.Run("ttl reset extends from now", func(t *testing.T) {
		putTestSecret(t, s, &structs.SecretPutRequest{
			Key:        "ttl",
			Value:      []byte("v"),
			TTLSeconds: pointer.Of(uint64(60)),
		})
		*now += 30
		meta, err := s.PatchSecret("ttl", &structs.SecretPatchRequest{TTLSeconds: pointer.Of(uint64(60))})
		must.NoError(t, err)
		must.Eq(t, *now+60, *meta.ExpiresAt)
	})

	t.Run("explicit null clears the ttl", func(t *testing.T) {
		putTestSecret(t, s, &structs.SecretPutRequest{
			Key:        "immortal",
			Value:      []byte("v"),
			TTLSeconds: pointer.Of(uint64(60)),
		})
		meta, err := s.PatchSecret("immortal", &structs.SecretPatchRequest{ClearTTL: true})
		must.NoError(t, err)
		must.Nil(t, meta.ExpiresAt)

		*now += 3600
		result, err := s.GetSecret("immortal")
		must.NoError(t, err)
		must.Eq(t, structs.GetOutcomeValue, result.Outcome)
	})

	t.Run("zero values rejected", func(t *testing.T) {
		_, err := s.PatchSecret("v", &structs.SecretPatchRequest{MaxReads: pointer.Of(uint32(0))})
		must.True(t, structs.IsValidationError(err))
		_, err = s.PatchSecret("v", &structs.SecretPatchRequest{TTLSeconds: pointer.Of(uint64(0))})
		must.True(t, structs.IsValidationError(err))
	})
}

func TestStateStore_DeleteSecret(t *testing.T) {
	ci.Parallel(t)

	s, _ := testStateStore(t)

	putTestSecret(t, s, &structs.SecretPutRequest{Key: "k", Value: []byte("v")})

	existed, err := s.DeleteSecret("k")
	must.NoError(t, err)
	must.True(t, existed)

	existed, err = s.DeleteSecret("k")
	must.NoError(t, err)
	must.False(t, existed)
}

func TestStateStore_ListSecrets(t *testing.T) {
	ci.Parallel(t)

	s, now := testStateStore(t)

	putTestSecret(t, s, &structs.SecretPutRequest{Key: "forever", Value: []byte("v")})
	putTestSecret(t, s, &structs.SecretPutRequest{
		Key:        "doomed",
		Value:      []byte("v"),
		TTLSeconds: pointer.Of(uint64(60)),
	})
	putTestSecret(t, s, &structs.SecretPutRequest{
		Key:      "sealed",
		Value:    []byte("v"),
		MaxReads: pointer.Of(uint32(1)),
		Delete:   false,
	})
	_, err := s.GetSecret("sealed")
	must.NoError(t, err)

	*now += 120
	metas, err := s.ListSecrets()
	must.NoError(t, err)
	must.Len(t, 2, metas)

	keys := []string{metas[0].Key, metas[1].Key}
	must.SliceContains(t, keys, "forever")
	must.SliceContains(t, keys, "sealed")
}

func TestStateStore_Prune(t *testing.T) {
	ci.Parallel(t)

	s, now := testStateStore(t)

	putTestSecret(t, s, &structs.SecretPutRequest{Key: "active", Value: []byte("v")})
	putTestSecret(t, s, &structs.SecretPutRequest{
		Key:        "expired",
		Value:      []byte("v"),
		TTLSeconds: pointer.Of(uint64(10)),
	})
	putTestSecret(t, s, &structs.SecretPutRequest{
		Key:      "sealed",
		Value:    []byte("v"),
		MaxReads: pointer.Of(uint32(1)),
		Delete:   false,
	})
	_, err := s.GetSecret("sealed")
	must.NoError(t, err)

	*now += 60
	n, err := s.Prune()
	must.NoError(t, err)
	must.Eq(t, 1, n)

	// Sealed records survive pruning; they still serve metadata.
	_, sealed, err := s.HeadSecret("sealed")
	must.NoError(t, err)
	must.True(t, sealed)

	result, err := s.GetSecret("active")
	must.NoError(t, err)
	must.Eq(t, structs.GetOutcomeValue, result.Outcome)

	n, err = s.Prune()
	must.NoError(t, err)
	must.Eq(t, 0, n)
}

func TestStateStore_Rotate(t *testing.T) {
	ci.Parallel(t)

	path := filepath.Join(t.TempDir(), "sirr.db")
	v1 := newTestCipher(t, 1)

	s, err := Open(path, v1, testlog.HCLogger(t))
	must.NoError(t, err)
	now := int64(1700000000)
	s.clock = func() int64 { return now }

	putTestSecret(t, s, &structs.SecretPutRequest{Key: "a", Value: []byte("alpha")})
	putTestSecret(t, s, &structs.SecretPutRequest{Key: "b", Value: []byte("beta")})

	maxVersion, err := s.MaxKeyVersion()
	must.NoError(t, err)
	must.Eq(t, uint32(1), maxVersion)

	v2 := newTestCipher(t, 2)
	n, err := s.Rotate(v2)
	must.NoError(t, err)
	must.Eq(t, 2, n)

	maxVersion, err = s.MaxKeyVersion()
	must.NoError(t, err)
	must.Eq(t, uint32(2), maxVersion)

	// The store serves reads with the new cipher immediately.
	result, err := s.GetSecret("a")
	must.NoError(t, err)
	must.Eq(t, "alpha", string(result.Value))
	must.NoError(t, s.Close())

	// Reopening with the old cipher fails to decrypt; the new one works.
	s, err = Open(path, v1, testlog.HCLogger(t))
	must.NoError(t, err)
	_, err = s.GetSecret("b")
	must.Error(t, err)
	must.NoError(t, s.Close())

	s, err = Open(path, v2, testlog.HCLogger(t))
	must.NoError(t, err)
	defer s.Close()
	result, err = s.GetSecret("b")
	must.NoError(t, err)
	must.Eq(t, "beta", string(result.Value))
}

func TestStateStore_Rotate_Empty(t *testing.T) {
	ci.Parallel(t)

	s, _ := testStateStore(t)
	n, err := s.Rotate(newTestCipher(t, 2))
	must.NoError(t, err)
	must.Eq(t, 0, n)

	maxVersion, err := s.MaxKeyVersion()
	must.NoError(t, err)
	must.Eq(t, uint32(0), maxVersion)
}
