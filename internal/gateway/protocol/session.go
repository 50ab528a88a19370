package protocol

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/perimetra/magkit/internal/gateway/domain"
)

// SessionClient talks to the authorize and logout endpoints: retrieving an
// authorization code produced by a cross-device approval, and ending the
// server-side SSO session.
type SessionClient struct {
	HTTP         Executor
	AuthorizeURL string
	LogoutURL    string
	Codes        domain.ErrorCodeTable
	Logger       *slog.Logger
}

// AuthorizationResult is the code a completed approval produced, together
// with the state echo used for cross-session injection defense.
type AuthorizationResult struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// PollAuthorizationCode asks the authorize endpoint whether the approval
// session has produced a code yet. A 200 returns the result; 202 and 204
// mean "not yet" and report pending=true; anything else is an error.
func (c *SessionClient) PollAuthorizationCode(ctx context.Context, sessionID string) (*AuthorizationResult, bool, error) {
	u := c.AuthorizeURL
	if strings.Contains(u, "?") {
		u += "&session=" + url.QueryEscape(sessionID)
	} else {
		u += "?session=" + url.QueryEscape(sessionID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, domain.WrapTransport(err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, false, domain.WrapTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, domain.WrapTransport(err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// fallthrough to decode
	case http.StatusAccepted, http.StatusNoContent:
		return nil, true, nil
	default:
		return nil, false, DecodeError(resp, body, domain.FamilyToken, c.Codes)
	}

	var result AuthorizationResult
	if err := json.Unmarshal(body, &result); err != nil || result.Code == "" {
		return nil, false, &domain.Error{
			Kind:       domain.KindProtocol,
			HTTPStatus: resp.StatusCode,
			Message:    "authorize response missing authorization code",
		}
	}

	c.Logger.Debug("authorization code received", slog.String("session", sessionID))
	return &result, false, nil
}

// Logout ends the gateway SSO session for the current tokens. A non-200
// response is a server error; the caller still clears local state.
func (c *SessionClient) Logout(ctx context.Context, accessToken, idToken, idTokenType string) error {
	form := url.Values{"logout_apps": {"true"}}
	if idToken != "" {
		form.Set("id_token", idToken)
		form.Set("id_token_type", idTokenType)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.LogoutURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.WrapTransport(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return domain.WrapTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.WrapTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		return DecodeError(resp, body, domain.FamilyToken, c.Codes)
	}
	return nil
}
