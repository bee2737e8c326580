// Package store persists OAuth credential records. The file-backed
// implementation encrypts the whole record map with AES-256-GCM under a
// key derived from host identity plus a random salt; plaintext secrets
// never touch disk.
package store

// Store is the interface for credential persistence. The file store and
// the in-memory test double both implement it.
type Store interface {
	// Initialize prepares the store for use. For the file store this
	// creates the storage directory, loads or generates the salt, and
	// derives the encryption key. A key derivation failure is fatal.
	Initialize() error

	// Save merges the record into the store, keyed by provider id, and
	// persists the result.
	Save(rec CredentialRecord) error

	// Load returns the record for a provider as stored, with no expiry
	// judgment, or nil if none exists.
	Load(provider string) *CredentialRecord

	// All returns a copy of every stored record, keyed by provider id.
	All() map[string]CredentialRecord

	// HasValid reports whether a provider's record is still usable or
	// recoverable: no expiry set, expiry in the future, or a refresh
	// token present.
	HasValid(provider string) bool

	// Revoke removes a provider's record and persists the removal.
	Revoke(provider string) error

	// Clear removes every record.
	Clear() error
}
