package domain

import "time"

// TokenState holds the current OAuth token material for one gateway identity.
// An empty struct is the valid "no token yet" state; a present access token
// has always been validated as non-empty with token_type=bearer at decode
// time, so absence of AccessToken after a token exchange is a protocol error,
// never a valid empty state.
type TokenState struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	IDTokenType  string
	GrantedScope string
	ExpiresAt    time.Time
}

// HasAccessToken reports whether any access token is stored, expired or not.
func (t TokenState) HasAccessToken() bool { return t.AccessToken != "" }

// Valid reports whether the access token can be presented at the given
// instant. A zero ExpiresAt means the server declared no lifetime; such
// tokens are treated as valid until the server rejects them.
func (t TokenState) Valid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(t.ExpiresAt)
}
