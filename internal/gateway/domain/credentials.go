package domain

import (
	"encoding/base64"
	"net/http"
	"net/url"
)

// OAuth grant type strings as they appear on the wire.
const (
	GrantPassword          = "password"
	GrantClientCredentials = "client_credentials"
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// CredentialMaterial is the tagged union of credential sources for one
// authentication attempt. Exactly one variant is active per attempt; variants
// are never combined. Each variant knows the grant type it maps to and the
// OAuth form parameters it contributes.
type CredentialMaterial interface {
	// GrantType returns the grant_type form value.
	GrantType() string

	// FormValues returns the grant-specific form parameters. Shared fields
	// (client_id, client_secret, scope, grant_type) are added by the token
	// protocol client, not here.
	FormValues() url.Values

	// Interactive reports whether this variant originates from user input,
	// i.e. whether absence of material means the UI must be asked.
	Interactive() bool
}

// RegistrationCredentials is implemented by variants that can authenticate a
// device registration. The returned headers ride on the registration request
// next to the device-id / device-name / Basic client authorization headers.
type RegistrationCredentials interface {
	RegistrationHeaders() http.Header
}

// UsernamePassword authenticates with resource owner credentials.
type UsernamePassword struct {
	Username string
	Password string
}

func (UsernamePassword) GrantType() string { return GrantPassword }

func (m UsernamePassword) FormValues() url.Values {
	return url.Values{
		"username": {m.Username},
		"password": {m.Password},
	}
}

func (UsernamePassword) Interactive() bool { return true }

func (m UsernamePassword) RegistrationHeaders() http.Header {
	h := http.Header{}
	h.Set("resource-owner", base64.StdEncoding.EncodeToString([]byte(m.Username+":"+m.Password)))
	return h
}

// AuthorizationCode redeems a code obtained through an authorize endpoint,
// optionally with a PKCE verifier.
type AuthorizationCode struct {
	Code        string
	State       string
	Verifier    string
	RedirectURI string
}

func (AuthorizationCode) GrantType() string { return GrantAuthorizationCode }

func (m AuthorizationCode) FormValues() url.Values {
	v := url.Values{"code": {m.Code}}
	if m.RedirectURI != "" {
		v.Set("redirect_uri", m.RedirectURI)
	}
	if m.Verifier != "" {
		v.Set("code_verifier", m.Verifier)
	}
	return v
}

func (AuthorizationCode) Interactive() bool { return true }

func (m AuthorizationCode) RegistrationHeaders() http.Header {
	h := http.Header{}
	h.Set("authorization-code", m.Code)
	if m.Verifier != "" {
		h.Set("code-verifier", m.Verifier)
	}
	return h
}

// ClientCredentials authenticates the application itself; no user involved.
type ClientCredentials struct{}

func (ClientCredentials) GrantType() string      { return GrantClientCredentials }
func (ClientCredentials) FormValues() url.Values { return url.Values{} }
func (ClientCredentials) Interactive() bool      { return false }

func (ClientCredentials) RegistrationHeaders() http.Header { return http.Header{} }

// RefreshToken exchanges a previously issued refresh token.
type RefreshToken struct {
	Token string
}

func (RefreshToken) GrantType() string { return GrantRefreshToken }

func (m RefreshToken) FormValues() url.Values {
	return url.Values{"refresh_token": {m.Token}}
}

func (RefreshToken) Interactive() bool { return false }

// CrossDeviceApproval carries an authorization code supplied out-of-band by a
// secondary device. The matching PKCE verifier is looked up (and consumed) by
// the token lifecycle using State; a mismatched State is rejected before any
// network call.
type CrossDeviceApproval struct {
	Code  string
	State string
}

func (CrossDeviceApproval) GrantType() string { return GrantAuthorizationCode }

func (m CrossDeviceApproval) FormValues() url.Values {
	return url.Values{"code": {m.Code}}
}

func (CrossDeviceApproval) Interactive() bool { return true }

// JWTBearer authenticates with a signed assertion issued by a trusted party.
type JWTBearer struct {
	Assertion string
}

func (JWTBearer) GrantType() string { return GrantJWTBearer }

func (m JWTBearer) FormValues() url.Values {
	return url.Values{"assertion": {m.Assertion}}
}

func (JWTBearer) Interactive() bool { return false }

func (m JWTBearer) RegistrationHeaders() http.Header {
	h := http.Header{}
	h.Set("assertion", m.Assertion)
	return h
}
