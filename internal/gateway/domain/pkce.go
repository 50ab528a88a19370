package domain

// PKCEChallenge is a verifier/challenge pair plus the random single-use state
// value keying it. A state maps to at most one unconsumed verifier at a time;
// retrieving the verifier for a state permanently consumes it.
type PKCEChallenge struct {
	Verifier  string
	Challenge string
	Method    string // "S256", or "plain" for wire compatibility only
	State     string
}
