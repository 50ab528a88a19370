package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed   = errors.New("jwtx: malformed token")
	ErrExpired     = errors.New("jwtx: token expired")
	ErrNotYetValid = errors.New("jwtx: token not yet valid")
	ErrAudience    = errors.New("jwtx: audience mismatch")
	ErrIssuer      = errors.New("jwtx: issuer mismatch")
)

// IDTokenClaims are the claims the SDK surfaces from a gateway-issued ID
// token. We keep changes additive to preserve compatibility for later.
type IDTokenClaims struct {
	jwt.RegisteredClaims

	// Authentication Methods Reference ["pwd","otp","mfa"]
	AMR []string `json:"amr,omitempty"`

	// Username for the authenticated resource owner
	Username string `json:"preferred_username,omitempty"`

	// Azp is the authorized party (the client id the token was issued to)
	Azp string `json:"azp,omitempty"`
}

// ParseOptions captures expectations checked while parsing an ID token.
type ParseOptions struct {
	// Issuer the token must have (claims.iss). Empty means "don't care".
	Issuer string

	// Audience value the token must contain (claims.aud). Empty means
	// "don't care".
	Audience string

	// Leeway allows small clock skew when validating exp/nbf.
	// Because time sync is never perfect.
	Leeway time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// ParseIDToken decodes the claims of a gateway ID token and validates the
// temporal and audience claims. Signature verification is the gateway's
// concern: the token travelled over the mutually-authenticated channel the
// SDK itself established, so the SDK treats it as trusted-but-checked.
func ParseIDToken(raw string, opts ParseOptions) (*IDTokenClaims, error) {
	parser := jwt.NewParser()

	claims := &IDTokenClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	if claims.ExpiresAt != nil && now().After(claims.ExpiresAt.Time.Add(opts.Leeway)) {
		return nil, ErrExpired
	}
	if claims.NotBefore != nil && now().Before(claims.NotBefore.Time.Add(-opts.Leeway)) {
		return nil, ErrNotYetValid
	}
	if opts.Issuer != "" && claims.Issuer != opts.Issuer {
		return nil, ErrIssuer
	}
	if opts.Audience != "" {
		found := false
		for _, aud := range claims.Audience {
			if aud == opts.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, ErrAudience
		}
	}

	return claims, nil
}
