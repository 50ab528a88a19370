package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotReady reports that the backing storage cannot accept operations
	// yet (e.g. the device keystore is locked).
	ErrNotReady = errors.New("store: not ready")
)

// Key identifies one credential slot. Values are opaque bytes; the token
// lifecycle layer owns serialization.
type Key string

const (
	KeyPrivateKey       Key = "device.private_key"
	KeyCertificateChain Key = "device.certificate_chain"
	KeyMagIdentifier    Key = "device.mag_identifier"
	KeyDeviceStatus     Key = "device.status"

	KeyClientID        Key = "client.id"
	KeyClientSecret    Key = "client.secret"
	KeyClientExpiresAt Key = "client.expires_at"

	KeyAccessToken    Key = "token.access"
	KeyRefreshToken   Key = "token.refresh"
	KeyIDToken        Key = "token.id"
	KeyIDTokenType    Key = "token.id_type"
	KeyGrantedScope   Key = "token.scope"
	KeyTokenExpiresAt Key = "token.expires_at"

	// keySealSalt is reserved by the sealed wrapper for its KDF salt. It is
	// stored unsealed.
	keySealSalt Key = "seal.salt"
)

// Store is durable key-to-bytes storage for one gateway identity. Drivers
// are constructed with a namespace so multiple gateways can coexist in one
// backing store; keys from different namespaces never collide.
//
// Operations on a missing key are not errors: Get reports absence via its
// bool, Delete of a missing key is a no-op.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Put(ctx context.Context, key Key, value []byte) error
	Delete(ctx context.Context, key Key) error

	// Clear removes every key in this store's namespace. Other namespaces
	// sharing the backing store are untouched.
	Clear(ctx context.Context) error

	// Ready reports whether the store can currently serve operations.
	Ready() bool

	Close() error
}

// Namespace derives the storage namespace for a gateway identity so that
// credentials for different gateways (or path prefixes on one host) never
// mix.
func Namespace(host string, port int, prefix string) string {
	if prefix != "" {
		return fmt.Sprintf("%s:%d/%s", host, port, prefix)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
