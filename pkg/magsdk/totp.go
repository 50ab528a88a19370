package magsdk

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Gateways deployed with multi-factor login accept a time-based one-time
// code as the second factor on the password grant; these helpers cover
// enrolment and code generation so the host application does not need its own
// OTP stack.

// NewTOTPKey enrolls a new TOTP secret for the given account. The returned
// key's URL is what an authenticator app consumes (usually as a QR code).
func NewTOTPKey(issuer, account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
	})
}

// TOTPCode computes the current code for a stored secret.
func TOTPCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCode(secret, at)
}

// ValidateTOTPCode checks a user-entered code against the stored secret.
func ValidateTOTPCode(code, secret string) bool {
	return totp.Validate(code, secret)
}

// PasswordWithTOTP appends the one-time code to the static password the way
// the gateway's MFA login expects (password + code concatenation).
func PasswordWithTOTP(username, password, code string) UsernamePassword {
	return UsernamePassword{
		Username: username,
		Password: password + code,
	}
}
