package domain

// EndpointFamily identifies which server conversation produced an error code.
// Each family uses its own numeric prefix for the same logical conditions.
type EndpointFamily string

const (
	FamilyRegistration EndpointFamily = "registration"
	FamilyToken        EndpointFamily = "token"
)

// CodeTable holds the per-family error code suffixes. The exact codes are
// server-contract details subject to change, so they are configuration, not
// constants baked into the classifier.
type CodeTable struct {
	// InvalidClient is the code suffix identifying "invalid client
	// credentials" (e.g. 201 matches ...201 within the family prefix).
	InvalidClient int

	// InvalidResourceOwner is the code suffix identifying "invalid resource
	// owner credentials" (e.g. 202).
	InvalidResourceOwner int
}

// ErrorCodeTable maps endpoint families to their code suffixes.
type ErrorCodeTable map[EndpointFamily]CodeTable

// DefaultErrorCodes returns the documented gateway defaults: suffix 201 for
// invalid client and 202 for invalid resource owner in both families.
func DefaultErrorCodes() ErrorCodeTable {
	return ErrorCodeTable{
		FamilyRegistration: {InvalidClient: 201, InvalidResourceOwner: 202},
		FamilyToken:        {InvalidClient: 201, InvalidResourceOwner: 202},
	}
}

// codeSuffixModulus isolates the last three digits of an application error
// code; the leading digits are the family prefix.
const codeSuffixModulus = 1000

// Classify maps a numeric application error code from the given endpoint
// family onto an ErrorKind. Unknown codes classify as KindServer.
func (t ErrorCodeTable) Classify(family EndpointFamily, code int) ErrorKind {
	if code <= 0 {
		return KindServer
	}
	entry, ok := t[family]
	if !ok {
		return KindServer
	}
	switch code % codeSuffixModulus {
	case entry.InvalidClient:
		return KindInvalidClient
	case entry.InvalidResourceOwner:
		return KindInvalidResourceOwner
	default:
		return KindServer
	}
}
