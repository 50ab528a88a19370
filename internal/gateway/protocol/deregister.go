package protocol

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/perimetra/magkit/internal/gateway/domain"
)

// RemoveClient encodes the device removal conversation. Removal is
// authenticated by the device's own TLS client certificate, so the executor
// is supplied per call rather than held on the client.
type RemoveClient struct {
	URL    string
	Codes  domain.ErrorCodeTable
	Logger *slog.Logger
}

// Remove deletes the device registration on the gateway. A non-200 response
// is a server error; the lifecycle layer clears local state regardless so
// the device is never left half-registered locally.
func (c *RemoveClient) Remove(ctx context.Context, exec Executor, magIdentifier string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.URL, nil)
	if err != nil {
		return domain.WrapTransport(err)
	}
	req.Header.Set(HeaderMagIdentifier, magIdentifier)

	resp, err := exec.Do(req)
	if err != nil {
		return domain.WrapTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.WrapTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		derr := DecodeError(resp, body, domain.FamilyRegistration, c.Codes)
		c.Logger.Warn("device removal rejected", slog.Int("status", resp.StatusCode))
		return derr
	}

	c.Logger.Info("device removed from gateway")
	return nil
}
