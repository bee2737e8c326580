package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiringSoon(t *testing.T) {
	now := time.Now()
	margin := 5 * time.Minute

	tests := []struct {
		name     string
		rec      CredentialRecord
		expected bool
	}{
		{name: "no expiry", rec: CredentialRecord{}, expected: false},
		{name: "well before margin", rec: CredentialRecord{ExpiresAt: now.Add(time.Hour)}, expected: false},
		{name: "inside margin", rec: CredentialRecord{ExpiresAt: now.Add(2 * time.Minute)}, expected: true},
		{name: "already expired", rec: CredentialRecord{ExpiresAt: now.Add(-time.Hour)}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.rec.ExpiringSoon(now, margin))
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()

	assert.False(t, (&CredentialRecord{}).Expired(now))
	assert.False(t, (&CredentialRecord{ExpiresAt: now.Add(time.Minute)}).Expired(now))
	assert.True(t, (&CredentialRecord{ExpiresAt: now.Add(-time.Minute)}).Expired(now))
	assert.True(t, (&CredentialRecord{ExpiresAt: now}).Expired(now))
}
