package protocol

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/perimetra/magkit/internal/gateway/domain"
)

// Scope values appended when ID-token or single-sign-on issuance is wanted.
const (
	ScopeOpenID = "openid"
	ScopeMSSO   = "msso"
)

// TokenClient is the stateless encoder/decoder for the OAuth token endpoint.
type TokenClient struct {
	HTTP   Executor
	URL    string
	Codes  domain.ErrorCodeTable
	Logger *slog.Logger
	Now    func() time.Time // defaults to time.Now
}

// TokenRequest carries the shared fields of any token exchange. The grant
// variant contributes its own form parameters and the grant_type string.
type TokenRequest struct {
	ClientID     string
	ClientSecret string
	Scope        string
	Material     domain.CredentialMaterial

	// WantIDToken augments the scope with openid/msso so the gateway mints
	// an ID token with the access token.
	WantIDToken bool
}

// tokenResponse is the token endpoint's JSON shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	IDTokenType  string `json:"id_token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Exchange performs one token grant and validates the response contract: the
// token type must be bearer and the access token non-empty, anything else is
// a protocol violation.
func (c *TokenClient) Exchange(ctx context.Context, r TokenRequest) (*domain.TokenState, error) {
	form := r.Material.FormValues()
	form.Set("grant_type", r.Material.GrantType())
	form.Set("client_id", r.ClientID)
	form.Set("client_secret", r.ClientSecret)
	form.Set("scope", buildScope(r.Scope, r.WantIDToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, domain.WrapTransport(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, domain.WrapTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.WrapTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		derr := DecodeError(resp, body, domain.FamilyToken, c.Codes)
		c.Logger.Debug("token exchange rejected",
			slog.String("grant_type", r.Material.GrantType()),
			slog.Int("status", resp.StatusCode),
			slog.Int("code", derr.Code),
		)
		return nil, derr
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &domain.Error{
			Kind:       domain.KindProtocol,
			HTTPStatus: resp.StatusCode,
			Message:    "token response is not valid JSON",
		}
	}

	if !strings.EqualFold(tr.TokenType, "bearer") {
		return nil, &domain.Error{
			Kind:       domain.KindProtocol,
			HTTPStatus: resp.StatusCode,
			Message:    "token response declared non-bearer token type " + tr.TokenType,
		}
	}
	if tr.AccessToken == "" {
		return nil, &domain.Error{
			Kind:       domain.KindProtocol,
			HTTPStatus: resp.StatusCode,
			Message:    "token response missing access token",
		}
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	state := &domain.TokenState{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
		IDTokenType:  tr.IDTokenType,
		GrantedScope: tr.Scope,
	}
	if tr.ExpiresIn > 0 {
		state.ExpiresAt = now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	c.Logger.Info("token exchange succeeded",
		slog.String("grant_type", r.Material.GrantType()),
		slog.Bool("refresh_token", tr.RefreshToken != ""),
	)
	return state, nil
}

// buildScope augments the configured scope with openid/msso when ID-token
// issuance is requested, without duplicating values already present.
func buildScope(scope string, wantIDToken bool) string {
	if !wantIDToken {
		return scope
	}
	fields := strings.Fields(scope)
	have := make(map[string]bool, len(fields))
	for _, f := range fields {
		have[f] = true
	}
	for _, extra := range []string{ScopeOpenID, ScopeMSSO} {
		if !have[extra] {
			fields = append(fields, extra)
		}
	}
	return strings.Join(fields, " ")
}
