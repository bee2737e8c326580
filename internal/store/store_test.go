package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewFileStore(dir)
	require.NoError(t, s.Initialize())
	return s, dir
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	rec := CredentialRecord{
		Provider:     "acme",
		AccessToken:  "tok-123",
		RefreshToken: "ref-456",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		Scope:        "read write",
	}
	require.NoError(t, s.Save(rec))

	got := s.Load("acme")
	require.NotNil(t, got)
	assert.Equal(t, rec.AccessToken, got.AccessToken)
	assert.Equal(t, rec.RefreshToken, got.RefreshToken)
	assert.Equal(t, rec.TokenType, got.TokenType)
	assert.Equal(t, rec.Scope, got.Scope)
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
}

func TestSaveIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)

	rec := CredentialRecord{Provider: "acme", AccessToken: "tok", RefreshToken: "ref"}
	require.NoError(t, s.Save(rec))
	require.NoError(t, s.Save(rec))

	got := s.Load("acme")
	require.NotNil(t, got)
	assert.Equal(t, "tok", got.AccessToken)
	assert.Len(t, s.All(), 1)
}

func TestSaveRequiresProvider(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Error(t, s.Save(CredentialRecord{AccessToken: "tok"}))
}

func TestRecordsSurviveReopen(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.Save(CredentialRecord{Provider: "acme", AccessToken: "tok"}))

	// A second store over the same directory re-derives the key from the
	// persisted salt and must read the same records.
	reopened := NewFileStore(dir)
	require.NoError(t, reopened.Initialize())

	got := reopened.Load("acme")
	require.NotNil(t, got)
	assert.Equal(t, "tok", got.AccessToken)
}

func TestSecretsNeverStoredInPlaintext(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.Save(CredentialRecord{Provider: "acme", AccessToken: "super-secret-token"}))

	blob, err := os.ReadFile(filepath.Join(dir, credentialsFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "super-secret-token")
	assert.NotContains(t, string(blob), "acme")
}

func TestFreshIVPerSave(t *testing.T) {
	s, dir := newTestStore(t)
	rec := CredentialRecord{Provider: "acme", AccessToken: "tok"}

	require.NoError(t, s.Save(rec))
	first, err := os.ReadFile(filepath.Join(dir, credentialsFileName))
	require.NoError(t, err)

	require.NoError(t, s.Save(rec))
	second, err := os.ReadFile(filepath.Join(dir, credentialsFileName))
	require.NoError(t, err)

	assert.NotEqual(t, string(first), string(second))
}

func TestCorruptBlobStartsEmpty(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{name: "garbage", blob: "not a credential blob"},
		{name: "two fields", blob: "aabb:ccdd"},
		{name: "four fields", blob: "aa:bb:cc:dd"},
		{name: "non-hex fields", blob: "zz:zz:zz"},
		{name: "tamper-failed tag", blob: "000000000000000000000000:00000000000000000000000000000000:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, credentialsFileName), []byte(tt.blob), 0o600))

			s := NewFileStore(dir)
			require.NoError(t, s.Initialize())
			assert.Empty(t, s.All())

			// The store must remain writable after recovery.
			require.NoError(t, s.Save(CredentialRecord{Provider: "acme", AccessToken: "tok"}))
			assert.NotNil(t, s.Load("acme"))
		})
	}
}

func TestTamperedCiphertextStartsEmpty(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.Save(CredentialRecord{Provider: "acme", AccessToken: "tok"}))

	path := filepath.Join(dir, credentialsFileName)
	blob, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip a nibble in the final hex character of the ciphertext field.
	tampered := make([]byte, len(blob))
	copy(tampered, blob)
	last := tampered[len(tampered)-1]
	if last == '0' {
		tampered[len(tampered)-1] = '1'
	} else {
		tampered[len(tampered)-1] = '0'
	}
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	reopened := NewFileStore(dir)
	require.NoError(t, reopened.Initialize())
	assert.Empty(t, reopened.All())
}

func TestHasValid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		rec      *CredentialRecord
		expected bool
	}{
		{name: "no record", rec: nil, expected: false},
		{name: "no expiry, no refresh", rec: &CredentialRecord{AccessToken: "t"}, expected: true},
		{name: "no expiry, refresh", rec: &CredentialRecord{AccessToken: "t", RefreshToken: "r"}, expected: true},
		{name: "future expiry, no refresh", rec: &CredentialRecord{AccessToken: "t", ExpiresAt: now.Add(time.Hour)}, expected: true},
		{name: "future expiry, refresh", rec: &CredentialRecord{AccessToken: "t", RefreshToken: "r", ExpiresAt: now.Add(time.Hour)}, expected: true},
		{name: "past expiry, no refresh", rec: &CredentialRecord{AccessToken: "t", ExpiresAt: now.Add(-time.Hour)}, expected: false},
		{name: "past expiry, refresh", rec: &CredentialRecord{AccessToken: "t", RefreshToken: "r", ExpiresAt: now.Add(-time.Hour)}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			if tt.rec != nil {
				rec := *tt.rec
				rec.Provider = "acme"
				require.NoError(t, s.Save(rec))
			}
			assert.Equal(t, tt.expected, s.HasValid("acme"))
		})
	}
}

func TestRevoke(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.Save(CredentialRecord{Provider: "acme", AccessToken: "tok"}))
	require.NoError(t, s.Save(CredentialRecord{Provider: "globex", AccessToken: "tok2"}))

	require.NoError(t, s.Revoke("acme"))
	assert.Nil(t, s.Load("acme"))
	assert.NotNil(t, s.Load("globex"))

	// Removal is persisted.
	reopened := NewFileStore(dir)
	require.NoError(t, reopened.Initialize())
	assert.Nil(t, reopened.Load("acme"))
	assert.NotNil(t, reopened.Load("globex"))
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Save(CredentialRecord{Provider: "acme", AccessToken: "tok"}))
	require.NoError(t, s.Save(CredentialRecord{Provider: "globex", AccessToken: "tok2"}))

	require.NoError(t, s.Clear())
	assert.Empty(t, s.All())
}

func TestSaltFilePermissions(t *testing.T) {
	_, dir := newTestStore(t)

	info, err := os.Stat(filepath.Join(dir, saltFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestMemStoreMatchesFileStoreSemantics(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Initialize())

	rec := CredentialRecord{Provider: "acme", AccessToken: "tok", RefreshToken: "ref"}
	require.NoError(t, s.Save(rec))
	assert.True(t, s.HasValid("acme"))

	got := s.Load("acme")
	require.NotNil(t, got)
	got.AccessToken = "mutated"
	assert.Equal(t, "tok", s.Load("acme").AccessToken, "Load must return a copy")

	require.NoError(t, s.Revoke("acme"))
	assert.False(t, s.HasValid("acme"))
}
