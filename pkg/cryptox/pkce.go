package cryptox

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCE code challenge methods per RFC 7636. S256 is always used in practice;
// Plain exists only for wire compatibility with gateways that predate SHA-256
// support and is never auto-selected.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// pkceVerifierSize is the entropy in bytes behind a code verifier. 32 bytes
// base64url-encodes to 43 characters, the RFC 7636 minimum-plus-margin.
const pkceVerifierSize = 32

// GeneratePKCEVerifier creates a cryptographically random code verifier.
func GeneratePKCEVerifier() (string, error) {
	v, err := GenerateToken(pkceVerifierSize)
	if err != nil {
		return "", fmt.Errorf("cryptox: failed to generate PKCE verifier: %w", err)
	}
	return v, nil
}

// PKCEChallengeS256 computes the S256 code challenge for a verifier:
// base64url(sha256(verifier)) without padding.
func PKCEChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
