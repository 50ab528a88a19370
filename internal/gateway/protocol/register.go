package protocol

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/perimetra/magkit/internal/gateway/domain"
	"github.com/perimetra/magkit/pkg/cryptox"
)

// Request/response headers of the device registration conversation.
const (
	HeaderDeviceID      = "device-id"   // base64
	HeaderDeviceName    = "device-name" // base64
	HeaderCertFormat    = "cert-format"
	HeaderDeviceStatus  = "device-status"
	HeaderMagIdentifier = "mag-identifier"
	HeaderIDToken       = "id-token"
	HeaderIDTokenType   = "id-token-type"
)

// RegistrationClient is the stateless encoder/decoder for the device
// registration conversation: CSR in, certificate chain out.
type RegistrationClient struct {
	HTTP   Executor
	URL    string
	Codes  domain.ErrorCodeTable
	Logger *slog.Logger
}

// RegisterRequest carries everything one registration attempt needs.
type RegisterRequest struct {
	CSR        []byte // PEM-encoded PKCS#10 request
	DeviceID   string
	DeviceName string

	ClientID     string
	ClientSecret string

	// Credentials authenticates the resource owner (or the client itself)
	// for this registration; its variant decides the extra headers.
	Credentials domain.CredentialMaterial

	// RequestIDToken asks the gateway to mint an ID token alongside the
	// certificate.
	RequestIDToken bool
}

// Register performs the CSR exchange and decodes the issued registration.
func (c *RegistrationClient) Register(ctx context.Context, r RegisterRequest) (*domain.DeviceRegistration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(r.CSR))
	if err != nil {
		return nil, domain.WrapTransport(err)
	}

	req.Header.Set("Content-Type", "application/x-pem-file")
	req.Header.Set(HeaderDeviceID, base64.StdEncoding.EncodeToString([]byte(r.DeviceID)))
	req.Header.Set(HeaderDeviceName, base64.StdEncoding.EncodeToString([]byte(r.DeviceName)))
	req.Header.Set(HeaderCertFormat, "pem")
	req.SetBasicAuth(r.ClientID, r.ClientSecret)
	if r.RequestIDToken {
		req.Header.Set("authorization-flow", "openid")
	}

	if rc, ok := r.Credentials.(domain.RegistrationCredentials); ok {
		for key, values := range rc.RegistrationHeaders() {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
	}

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
		derr := DecodeError(resp, body, domain.FamilyRegistration, c.Codes)
		c.Logger.Debug("device registration rejected",
			slog.Int("status", resp.StatusCode),
			slog.Int("code", derr.Code),
		)
		return nil, derr
	}

	status, ok := domain.ParseRegistrationStatus(resp.Header.Get(HeaderDeviceStatus))
	if !ok {
		return nil, &domain.Error{
			Kind:       domain.KindProtocol,
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("unrecognized device status %q", resp.Header.Get(HeaderDeviceStatus)),
		}
	}

	magID := resp.Header.Get(HeaderMagIdentifier)
	if magID == "" {
		return nil, &domain.Error{
			Kind:       domain.KindProtocol,
			HTTPStatus: resp.StatusCode,
			Message:    "registration response missing mag-identifier",
		}
	}

	chain, err := cryptox.ParseCertificateChainPEM(body)
	if err != nil {
		// Zero certificates on a 200 is a contract violation, not an
		// empty success.
		return nil, &domain.Error{
			Kind:       domain.KindProtocol,
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("invalid certificate chain: %v", err),
		}
	}

	c.Logger.Info("device registered",
		slog.String("status", string(status)),
		slog.Int("chain_length", len(chain)),
	)

	return &domain.DeviceRegistration{
		Status:           status,
		MagIdentifier:    magID,
		CertificateChain: chain,
		IDToken:          resp.Header.Get(HeaderIDToken),
		IDTokenType:      resp.Header.Get(HeaderIDTokenType),
	}, nil
}
