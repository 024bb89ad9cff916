package models

import (
	"time"
)

// CredentialSet holds the layered token pair issued by the provider.
// The access token authorizes individual API calls (~24h), the refresh
// token mints new access tokens without full re-authentication (~30d).
type CredentialSet struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// AccessValid reports whether the access token is present and not expired at t.
// A zero expiry counts as unknown and therefore invalid.
func (c CredentialSet) AccessValid(t time.Time) bool {
	return c.AccessToken != "" && !c.AccessExpiresAt.IsZero() && t.Before(c.AccessExpiresAt)
}

// RefreshValid reports whether the refresh token is present and not expired at t.
func (c CredentialSet) RefreshValid(t time.Time) bool {
	return c.RefreshToken != "" && !c.RefreshExpiresAt.IsZero() && t.Before(c.RefreshExpiresAt)
}
