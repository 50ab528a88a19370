package cryptox

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
)

// CSRTemplate carries the subject fields the gateway expects in a device
// certificate signing request. The device id goes into the OU so the issued
// certificate is bound to exactly one device.
type CSRTemplate struct {
	CommonName   string // resource owner (or client) identity
	Organization string
	DeviceID     string
}

// BuildCSR creates a PKCS#10 certificate signing request signed with the
// device key and returns it PEM-encoded.
func BuildCSR(tpl CSRTemplate, key crypto.Signer) ([]byte, error) {
	if tpl.CommonName == "" {
		return nil, fmt.Errorf("cryptox: CSR common name is required")
	}
	if tpl.DeviceID == "" {
		return nil, fmt.Errorf("cryptox: CSR device id is required")
	}

	subject := pkix.Name{
		CommonName:         tpl.CommonName,
		OrganizationalUnit: []string{tpl.DeviceID},
	}
	if tpl.Organization != "" {
		subject.Organization = []string{tpl.Organization}
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: subject,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to create CSR: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE REQUEST",
		Bytes: der,
	}), nil
}

// ParseCSR decodes and validates a PEM-encoded CSR. Mostly used by tests and
// gateway fakes to assert what a device submitted.
func ParseCSR(pemData []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("cryptox: no CSR PEM block found")
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to parse CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("cryptox: CSR signature check failed: %w", err)
	}
	return csr, nil
}
