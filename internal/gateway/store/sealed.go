package store

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/perimetra/magkit/pkg/cryptox"
)

// Sealed wraps a Store and encrypts every value at rest with AES-256-GCM.
// The sealing key is derived from a caller passphrase via argon2id; the KDF
// salt is generated on first use and persisted unsealed in the inner store.
type Sealed struct {
	inner Store
	key   []byte
}

// NewSealed builds a sealed view over inner. The passphrase never leaves the
// process; only the derived key is kept.
func NewSealed(ctx context.Context, inner Store, passphrase []byte) (*Sealed, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("store: sealing passphrase must not be empty")
	}

	salt, ok, err := inner.Get(ctx, keySealSalt)
	if err != nil {
		return nil, fmt.Errorf("store: failed to load seal salt: %w", err)
	}
	if !ok {
		salt = make([]byte, cryptox.SealSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("store: failed to generate seal salt: %w", err)
		}
		if err := inner.Put(ctx, keySealSalt, salt); err != nil {
			return nil, fmt.Errorf("store: failed to persist seal salt: %w", err)
		}
	}

	return &Sealed{
		inner: inner,
		key:   cryptox.DeriveSealKey(passphrase, salt),
	}, nil
}

func (s *Sealed) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	sealed, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	plain, err := cryptox.Open(s.key, sealed)
	if err != nil {
		return nil, false, fmt.Errorf("store: failed to unseal %q: %w", key, err)
	}
	return plain, true, nil
}

func (s *Sealed) Put(ctx context.Context, key Key, value []byte) error {
	sealed, err := cryptox.Seal(s.key, value)
	if err != nil {
		return fmt.Errorf("store: failed to seal %q: %w", key, err)
	}
	return s.inner.Put(ctx, key, sealed)
}

func (s *Sealed) Delete(ctx context.Context, key Key) error { return s.inner.Delete(ctx, key) }

func (s *Sealed) Clear(ctx context.Context) error { return s.inner.Clear(ctx) }

func (s *Sealed) Ready() bool { return s.inner.Ready() }

func (s *Sealed) Close() error { return s.inner.Close() }
