package store

import (
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory Store used in tests and anywhere persistence is
// not wanted. It applies the same semantics as the file store without
// encryption or disk I/O.
type MemStore struct {
	mu      sync.Mutex
	records map[string]CredentialRecord
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]CredentialRecord)}
}

func (s *MemStore) Initialize() error {
	return nil
}

func (s *MemStore) Save(rec CredentialRecord) error {
	if rec.Provider == "" {
		return fmt.Errorf("cannot save credential without a provider id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Provider] = rec
	return nil
}

func (s *MemStore) Load(provider string) *CredentialRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[provider]
	if !ok {
		return nil
	}
	return &rec
}

func (s *MemStore) All() map[string]CredentialRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CredentialRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

func (s *MemStore) HasValid(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[provider]
	if !ok {
		return false
	}
	return rec.Recoverable(time.Now())
}

func (s *MemStore) Revoke(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, provider)
	return nil
}

func (s *MemStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]CredentialRecord)
	return nil
}
