package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/codechat/credman/internal/env"
	"github.com/codechat/credman/internal/logger"
)

const (
	credentialsFileName = "credentials.enc"
	saltFileName        = "credentials.salt"

	saltSize = 32
	keySize  = 32

	// scrypt cost parameters. Deliberately slow: the key is derived once
	// per process start.
	scryptN = 32768
	scryptR = 8
	scryptP = 1

	// keyContext is mixed into the derivation input so the derived key is
	// specific to this store format.
	keyContext = "credman.store.v1"
)

// FileStore is the encrypted, file-backed credential store. The on-disk
// blob has the form ivHex:tagHex:cipherHex and holds the JSON-serialized
// provider -> record map.
//
// There is no cross-process locking: concurrent processes sharing the same
// file race on whole-map read-modify-write, last writer wins. That is
// acceptable for a single local CLI session.
type FileStore struct {
	dir      string
	credPath string
	saltPath string

	mu      sync.Mutex
	key     []byte
	records map[string]CredentialRecord
}

// NewFileStore creates a file store rooted at dir. Call Initialize before
// any other method.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		dir:      dir,
		credPath: filepath.Join(dir, credentialsFileName),
		saltPath: filepath.Join(dir, saltFileName),
		records:  make(map[string]CredentialRecord),
	}
}

// DefaultDir returns the storage directory: CREDMAN_HOME if set,
// otherwise ~/.config/credman.
func DefaultDir() (string, error) {
	if dir, ok := env.Get("CREDMAN_HOME"); ok {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "credman"), nil
}

// Initialize creates the storage directory, loads or generates the salt,
// derives the encryption key, and loads any existing credential blob. A
// failure to obtain the key leaves the store unusable.
func (s *FileStore) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", s.dir, err)
	}

	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return err
	}

	key, err := deriveKey(salt)
	if err != nil {
		return fmt.Errorf("failed to derive storage key: %w", err)
	}
	s.key = key

	s.loadRecordsLocked()
	return nil
}

// loadOrCreateSalt reads the persisted salt, generating and persisting a
// fresh one with owner-only permissions on first use.
func (s *FileStore) loadOrCreateSalt() ([]byte, error) {
	salt, err := os.ReadFile(s.saltPath)
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("salt file %s has unexpected size %d", s.saltPath, len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(s.saltPath, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist salt: %w", err)
	}
	return salt, nil
}

// deriveKey derives the AES key from host-identifying data and the salt.
// The same salt yields the same key on every process start.
func deriveKey(salt []byte) ([]byte, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to read hostname: %w", err)
	}
	identity := strings.Join([]string{keyContext, hostname, strconv.Itoa(os.Getuid())}, "\x00")
	return scrypt.Key([]byte(identity), salt, scryptN, scryptR, scryptP, keySize)
}

// loadRecordsLocked reads and decrypts the credential blob. Corruption of
// any kind starts the store empty rather than failing: availability is
// preferred over alerting here.
func (s *FileStore) loadRecordsLocked() {
	s.records = make(map[string]CredentialRecord)

	blob, err := os.ReadFile(s.credPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Get().Warn().Err(err).Str("path", s.credPath).Msg("Failed to read credential file, starting empty")
		}
		return
	}

	plaintext, err := s.decrypt(string(blob))
	if err != nil {
		logger.Get().Warn().Err(err).Str("path", s.credPath).Msg("Credential file is corrupt or tampered, starting empty")
		return
	}

	var records map[string]CredentialRecord
	if err := json.Unmarshal(plaintext, &records); err != nil {
		logger.Get().Warn().Err(err).Msg("Credential payload failed to parse, starting empty")
		return
	}
	s.records = records
}

// Save merges the record into the map and rewrites the encrypted file with
// a fresh random IV.
func (s *FileStore) Save(rec CredentialRecord) error {
	if rec.Provider == "" {
		return fmt.Errorf("cannot save credential without a provider id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Provider] = rec
	return s.persistLocked()
}

// Load returns the stored record for a provider, or nil. Validity is the
// caller's decision.
func (s *FileStore) Load(provider string) *CredentialRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[provider]
	if !ok {
		return nil
	}
	return &rec
}

// All returns a copy of every stored record.
func (s *FileStore) All() map[string]CredentialRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]CredentialRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// HasValid reports whether the provider's record is usable or recoverable.
func (s *FileStore) HasValid(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[provider]
	if !ok {
		return false
	}
	return rec.Recoverable(time.Now())
}

// Revoke removes a provider's record and persists the removal.
func (s *FileStore) Revoke(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, provider)
	return s.persistLocked()
}

// Clear removes every record.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]CredentialRecord)
	return s.persistLocked()
}

// persistLocked serializes the whole map, encrypts it, and replaces the
// credential file. Write-then-rename is atomic enough for single-process
// use.
func (s *FileStore) persistLocked() error {
	if s.key == nil {
		return fmt.Errorf("store is not initialized")
	}

	plaintext, err := json.Marshal(s.records)
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}

	blob, err := s.encrypt(plaintext)
	if err != nil {
		return err
	}

	tmpPath := s.credPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(blob), 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmpPath, s.credPath); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

// encrypt seals the plaintext with AES-256-GCM under a fresh random nonce
// and renders the ivHex:tagHex:cipherHex blob.
func (s *FileStore) encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	// Seal appends the auth tag; split it into its own field.
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// decrypt parses the three-field blob and opens it, verifying the tag.
func (s *FileStore) decrypt(blob string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(blob), ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed credential blob: expected 3 fields, got %d", len(parts))
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed iv field: %w", err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed tag field: %w", err)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("malformed cipher field: %w", err)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("malformed iv field: unexpected size %d", len(nonce))
	}

	return gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
}
