package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/perimetra/magkit/internal/gateway/domain"
)

// ClientInitClient negotiates a per-device dynamic client id/secret from the
// master (shipped) client credentials. The dynamic pair is what every later
// registration and token call authenticates with; when the gateway declares
// it invalid the lifecycle clears it and negotiation happens again.
type ClientInitClient struct {
	HTTP   Executor
	URL    string
	Codes  domain.ErrorCodeTable
	Logger *slog.Logger
}

// DynamicClient is one negotiated client credential pair.
type DynamicClient struct {
	ID        string
	Secret    string
	ExpiresAt time.Time // zero when the gateway declared no expiry
}

type clientInitResponse struct {
	ClientID         string `json:"client_id"`
	ClientSecret     string `json:"client_secret"`
	ClientExpiration int64  `json:"client_expiration"` // unix seconds, 0 = none
}

// Initialize exchanges the master credentials and device identity for a
// dynamic client pair.
func (c *ClientInitClient) Initialize(ctx context.Context, masterID, masterSecret, deviceID, nonce string) (*DynamicClient, error) {
	form := url.Values{
		"client_id": {masterID},
		"nonce":     {nonce},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, domain.WrapTransport(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(HeaderDeviceID, base64.StdEncoding.EncodeToString([]byte(deviceID)))
	req.SetBasicAuth(masterID, masterSecret)

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
		return nil, DecodeError(resp, body, domain.FamilyRegistration, c.Codes)
	}

	var cr clientInitResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, &domain.Error{
			Kind:       domain.KindProtocol,
			HTTPStatus: resp.StatusCode,
			Message:    "client initialize response is not valid JSON",
		}
	}
	if cr.ClientID == "" || cr.ClientSecret == "" {
		return nil, &domain.Error{
			Kind:       domain.KindProtocol,
			HTTPStatus: resp.StatusCode,
			Message:    "client initialize response missing client credentials",
		}
	}

	dyn := &DynamicClient{ID: cr.ClientID, Secret: cr.ClientSecret}
	if cr.ClientExpiration > 0 {
		dyn.ExpiresAt = time.Unix(cr.ClientExpiration, 0)
	}

	c.Logger.Debug("dynamic client negotiated", slog.String("client_id", dyn.ID))
	return dyn, nil
}
