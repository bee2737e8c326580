package store

import "time"

// CredentialRecord is one provider's OAuth credential as persisted by the
// store. At most one record exists per provider id.
type CredentialRecord struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Scope        string    `json:"scope,omitempty"`
}

// HasExpiry reports whether an absolute expiry was recorded for the access
// token. Providers that issue non-expiring tokens leave it unset.
func (r *CredentialRecord) HasExpiry() bool {
	return !r.ExpiresAt.IsZero()
}

// Expired reports whether the access token has lapsed at the given time.
// A record without an expiry never expires.
func (r *CredentialRecord) Expired(now time.Time) bool {
	return r.HasExpiry() && !now.Before(r.ExpiresAt)
}

// ExpiringSoon reports whether the access token is within margin of its
// expiry (or already past it).
func (r *CredentialRecord) ExpiringSoon(now time.Time, margin time.Duration) bool {
	return r.HasExpiry() && !now.Add(margin).Before(r.ExpiresAt)
}

// Recoverable reports whether the record can still produce a usable access
// token: either the token itself has not lapsed, or a refresh token exists
// to obtain a new one.
func (r *CredentialRecord) Recoverable(now time.Time) bool {
	return !r.Expired(now) || r.RefreshToken != ""
}
