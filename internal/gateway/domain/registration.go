package domain

import "crypto/x509"

// RegistrationStatus is the device state the gateway reports at registration.
type RegistrationStatus string

const (
	// StatusActivated means the device was registered and immediately
	// activated.
	StatusActivated RegistrationStatus = "activated"

	// StatusRegistered means the device is known but awaiting approval.
	StatusRegistered RegistrationStatus = "registered"
)

// ParseRegistrationStatus maps the device-status response header onto a
// known status. Unrecognized values are a protocol violation, not a new
// state.
func ParseRegistrationStatus(s string) (RegistrationStatus, bool) {
	switch RegistrationStatus(s) {
	case StatusActivated:
		return StatusActivated, true
	case StatusRegistered:
		return StatusRegistered, true
	default:
		return "", false
	}
}

// DeviceRegistration is the durable result of binding the device key pair to
// a gateway-issued client certificate. The certificate chain is immutable
// once issued until explicit deregistration.
type DeviceRegistration struct {
	Status RegistrationStatus

	// MagIdentifier is the opaque per-device identifier (base64) assigned
	// by the gateway.
	MagIdentifier string

	// CertificateChain is the issued chain, leaf first. A chain with zero
	// entries is a protocol violation, not an empty success; construction
	// paths must enforce non-emptiness.
	CertificateChain []*x509.Certificate

	IDToken     string
	IDTokenType string
}
