// Package magsdk is the embedding surface of the gateway SDK: one Client per
// gateway identity, constructed from a Config, brokering authenticated API
// calls through device registration, token negotiation and retry.
package magsdk

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/perimetra/magkit/internal/gateway/domain"
	"github.com/perimetra/magkit/internal/gateway/protocol"
	"github.com/perimetra/magkit/pkg/cryptox"
)

// Storage kinds for the credential store backing a Client.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Default gateway endpoint paths, overridable per deployment.
const (
	DefaultRegisterPath   = "/connect/device/register"
	DefaultClientInitPath = "/connect/client/initialize"
	DefaultTokenPath      = "/auth/oauth/v2/token"
	DefaultAuthorizePath  = "/auth/oauth/v2/authorize"
	DefaultLogoutPath     = "/connect/session/logout"
	DefaultRemovePath     = "/connect/device/remove"
)

// Endpoints are the gateway paths the SDK talks to, relative to the base URL.
// Empty fields pick the defaults.
type Endpoints struct {
	Register   string
	ClientInit string
	Token      string
	Authorize  string
	Logout     string
	Remove     string
}

// Storage selects and configures the credential store.
type Storage struct {
	// Kind is StorageMemory or StorageSQLite. Empty means memory.
	Kind string

	// DSN is the SQLite path or DSN; required for StorageSQLite.
	DSN string

	// SealPassphrase, when non-empty, encrypts every stored value at rest
	// (argon2id-derived AES-256-GCM). Works with either kind.
	SealPassphrase []byte
}

// Approval tunes cross-device approval polling. Zero values pick the
// defaults.
type Approval struct {
	Attempts int
	Interval time.Duration
}

// Config is everything a Client needs. Host, ClientID, ClientSecret and
// DeviceID are mandatory; the rest has working defaults.
type Config struct {
	Host   string
	Port   int    // 0 means 443
	Prefix string // optional path prefix namespacing this gateway

	// Master client pair shipped with the application.
	ClientID     string
	ClientSecret string

	Scope        string
	Organization string

	DeviceID   string
	DeviceName string

	Endpoints Endpoints
	Storage   Storage
	Approval  Approval

	// ErrorCodes maps gateway x-ca-err codes to credential failure classes.
	// Zero value uses the stock table.
	ErrorCodes domain.ErrorCodeTable

	// DisableDynamicClient skips per-device client negotiation; the master
	// pair authenticates registrations and token exchanges directly.
	DisableDynamicClient bool

	// DefaultGrant authenticates calls submitted without material instead of
	// raising a notification. Must be non-interactive (e.g.
	// ClientCredentials{}).
	DefaultGrant domain.CredentialMaterial

	// KeyKind and RSABits shape the device key pair for registration.
	KeyKind cryptox.KeyKind
	RSABits int

	Workers int
	Timeout time.Duration

	// HTTP replaces the stock executor; used for pinning, proxies and tests.
	HTTP protocol.Executor

	// Logger receives SDK logs. Nil discards them.
	Logger *slog.Logger
}

// Validate checks the mandatory fields and rejects contradictory settings.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("magsdk: Host is required")
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("magsdk: ClientID and ClientSecret are required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("magsdk: DeviceID is required")
	}
	switch c.Storage.Kind {
	case "", StorageMemory:
	case StorageSQLite:
		if c.Storage.DSN == "" {
			return fmt.Errorf("magsdk: Storage.DSN is required for sqlite storage")
		}
	default:
		return fmt.Errorf("magsdk: unknown storage kind %q", c.Storage.Kind)
	}
	if c.DefaultGrant != nil && c.DefaultGrant.Interactive() {
		return fmt.Errorf("magsdk: DefaultGrant must be a non-interactive grant")
	}
	return nil
}

func (c *Config) port() int {
	if c.Port == 0 {
		return 443
	}
	return c.Port
}

func (c *Config) baseURL() string {
	base := fmt.Sprintf("https://%s:%d", c.Host, c.port())
	if c.Prefix != "" {
		base += "/" + c.Prefix
	}
	return base
}

// endpoint resolves a configured endpoint: empty picks the default path,
// absolute URLs are used as-is, paths are joined to the base URL.
func (c *Config) endpoint(path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL() + path
}
