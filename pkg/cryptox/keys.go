package cryptox

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// KeyKind selects the device key algorithm. Gateways built before EC support
// only accept RSA-signed CSRs, so RSA remains the default.
type KeyKind string

const (
	KeyRSA KeyKind = "rsa"
	KeyEC  KeyKind = "ec"
)

// DefaultRSABits is the default RSA modulus size for device keys.
const DefaultRSABits = 2048

// GenerateDeviceKey generates a fresh private key for device registration.
// For KeyRSA, bits below 2048 are rejected. For KeyEC the P-256 curve is used
// and bits is ignored.
func GenerateDeviceKey(kind KeyKind, bits int) (crypto.Signer, error) {
	switch kind {
	case KeyEC:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("cryptox: failed to generate EC key: %w", err)
		}
		return key, nil
	case KeyRSA, "":
		if bits == 0 {
			bits = DefaultRSABits
		}
		if bits < 2048 {
			return nil, fmt.Errorf("cryptox: RSA key size must be at least 2048 bits")
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("cryptox: failed to generate RSA key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("cryptox: unsupported key kind %q", kind)
	}
}

// MarshalPrivateKeyPEM encodes a private key as a PKCS8 PEM block.
// PKCS8 supports both RSA and EC keys so the store only deals with one shape.
func MarshalPrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to marshal PKCS8 key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	}), nil
}

// ParsePrivateKeyPEM decodes a PKCS8 PEM private key produced by
// MarshalPrivateKeyPEM.
func ParsePrivateKeyPEM(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("cryptox: no PEM block found")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to parse PKCS8 key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("cryptox: key does not implement crypto.Signer")
	}
	return signer, nil
}

// MarshalCertificateChainPEM encodes a certificate chain as concatenated PEM
// blocks, leaf first.
func MarshalCertificateChainPEM(chain []*x509.Certificate) []byte {
	var out []byte
	for _, cert := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cert.Raw,
		})...)
	}
	return out
}

// ParseCertificateChainPEM parses concatenated PEM certificate blocks into a
// chain. Returns an error if no certificates are present or any block fails
// to parse.
func ParseCertificateChainPEM(pemData []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("cryptox: failed to parse certificate: %w", err)
		}
		chain = append(chain, cert)
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("cryptox: no certificates found")
	}
	return chain, nil
}
