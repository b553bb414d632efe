package model

import "strings"

// Identity is the (platform, platform-scoped id) pair a claimant presents.
type Identity struct {
	Platform       string `json:"platform"`
	PlatformUserID string `json:"platform_user_id"`
}

// Key returns a stable string form, e.g. "telegram:12345".
func (i Identity) Key() string {
	return strings.ToLower(strings.TrimSpace(i.Platform)) + ":" + strings.TrimSpace(i.PlatformUserID)
}

// IsZero reports whether either half of the identity is missing.
func (i Identity) IsZero() bool {
	return strings.TrimSpace(i.Platform) == "" || strings.TrimSpace(i.PlatformUserID) == ""
}

// Account is the internally resolved claimant behind an Identity.
type Account struct {
	ID            string `json:"id"`
	PayoutAddress string `json:"payout_address"`
}

// Normalized returns the identity with the platform lowercased and both
// halves trimmed, the form used for storage and uniqueness.
func (i Identity) Normalized() Identity {
	return Identity{
		Platform:       strings.ToLower(strings.TrimSpace(i.Platform)),
		PlatformUserID: strings.TrimSpace(i.PlatformUserID),
	}
}
