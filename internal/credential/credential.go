// Package credential manages the pool of Gemini Code Assist accounts backing
// the proxy: durable storage of refresh/access token pairs, proactive and
// reactive token refresh, round-robin rotation, and permanent retirement of
// accounts the upstream rejects.
package credential

import (
	"time"
)

// expiryMargin is subtracted from the real token lifetime so a token is
// refreshed before the upstream would start rejecting it mid-request.
const expiryMargin = 5 * time.Minute

// Credential is the persisted account record. RefreshToken is the identity
// key; AccessToken, IssuedAt and ExpiresIn are rewritten in place on every
// refresh while all other fields are preserved.
type Credential struct {
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token,omitempty"`
	// IssuedAt is the unix millisecond timestamp of the last successful
	// refresh. Zero means the access token has never been issued.
	IssuedAt int64 `json:"issued_at,omitempty"`
	// ExpiresIn is the access token lifetime in seconds as reported by the
	// OAuth endpoint.
	ExpiresIn int64 `json:"expires_in,omitempty"`
	// Enabled is a tri-state flag: nil and true both mean the account is in
	// rotation, false means it was permanently retired. It is never reset
	// automatically.
	Enabled   *bool  `json:"enabled,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Label     string `json:"label,omitempty"`
}

// IsEnabled reports whether the credential participates in rotation.
func (c *Credential) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ExpiredAt reports whether the access token should be treated as expired at
// the given instant. A credential without issuance metadata is always
// expired.
func (c *Credential) ExpiredAt(now time.Time) bool {
	if c.IssuedAt == 0 || c.ExpiresIn == 0 {
		return true
	}
	expiry := c.IssuedAt + c.ExpiresIn*1000 - expiryMargin.Milliseconds()
	return now.UnixMilli() >= expiry
}

// UsageStat tracks per-credential dispatch counts for the lifetime of the
// process. Stats are keyed by refresh token and never persisted.
type UsageStat struct {
	RequestCount int64     `json:"request_count"`
	LastUsedAt   time.Time `json:"last_used_at"`
	SessionID    string    `json:"session_id"`
}

// entry is the in-memory projection of an enabled credential. SessionID is
// regenerated on every pool load and only correlates usage stats.
type entry struct {
	cred      *Credential
	sessionID string
}

func boolPtr(v bool) *bool { return &v }
