package domain

import "time"

// ============================================================
// Accounting platform connection (OAuth2)
// ============================================================

// Connection is a user's authorized link to one company on the accounting
// platform. Rows are never deleted; disconnect and failed refresh clear IsActive.
type Connection struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	RealmID          string     `json:"realm_id"`
	AccessToken      string     `json:"-"`
	RefreshToken     string     `json:"-"`
	TokenType        string     `json:"token_type"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RefreshExpiresAt time.Time  `json:"refresh_expires_at"`
	IsActive         bool       `json:"is_active"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ExpiresWithin reports whether the access token expires within d of now.
func (c *Connection) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.ExpiresAt.Before(now.Add(d))
}

// TokenSet is what the OAuth provider returns for an exchange or refresh.
type TokenSet struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

// AuthorizationStart is returned by GET /v1/connections/quickbooks/authorize.
type AuthorizationStart struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// AuthorizationCallback is the body of POST /v1/connections/quickbooks/callback.
type AuthorizationCallback struct {
	Code    string `json:"code"`
	State   string `json:"state"`
	RealmID string `json:"realm_id"`
}

// ConnectionStatus is returned by GET /v1/connections/quickbooks.
type ConnectionStatus struct {
	Connected    bool       `json:"connected"`
	ConnectionID string     `json:"connection_id,omitempty"`
	RealmID      string     `json:"realm_id,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}
