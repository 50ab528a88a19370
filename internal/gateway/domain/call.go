package domain

import (
	"net/http"
	"sync"
)

// CallPayload is the opaque description of the outbound API call supplied by
// the caller. Immutable once the call is enqueued.
type CallPayload struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// OutcomeKind is the terminal disposition of a call.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeCancelled
)

// Outcome is the single terminal result delivered for a call.
type Outcome struct {
	Kind OutcomeKind

	// Success fields
	Status int
	Header http.Header
	Body   []byte

	// Failure cause; nil unless Kind is OutcomeFailure
	Err *Error
}

// Cancelled is the well-defined cancellation outcome.
func Cancelled() Outcome { return Outcome{Kind: OutcomeCancelled} }

// MaxRetries is the number of transparent retries permitted per call when a
// failure is attributable to stale client credentials.
const MaxRetries = 1

// PendingCall represents one in-flight caller request. It is owned by the
// correlator; the orchestrator never retains a reference once the call has
// left all three queues.
type PendingCall struct {
	// ID is monotonically increasing and process-lifetime unique, assigned
	// by the correlator at enqueue time. Never reused.
	ID uint64

	Payload CallPayload

	// Credentials is the material used to authenticate this call. Nil until
	// either the caller supplies it up front or a collaborator answers the
	// authentication-needed notification.
	Credentials CredentialMaterial

	// WantIDToken requests ID-token issuance (augments scope with
	// openid/msso) during the token exchange for this call.
	WantIDToken bool

	// RetryCount starts at 0 and is incremented on the single permitted
	// retry. Calls with RetryCount >= MaxRetries may not retry again.
	RetryCount uint8

	result chan Outcome
	once   sync.Once
}

// NewPendingCall builds a call with an unbuffered-consumer-safe result
// channel (capacity 1, so delivery never blocks the orchestrator).
func NewPendingCall(payload CallPayload) *PendingCall {
	return &PendingCall{
		Payload: payload,
		result:  make(chan Outcome, 1),
	}
}

// Result is the caller-facing channel carrying the terminal outcome.
// It receives exactly one value.
func (c *PendingCall) Result() <-chan Outcome { return c.result }

// Deliver sends the terminal outcome. The queue invariant (a call is
// delivered only by whoever atomically removed it) already guarantees a
// single caller; the once is the backstop that turns a double delivery bug
// into a no-op instead of a duplicate.
func (c *PendingCall) Deliver(o Outcome) {
	c.once.Do(func() {
		c.result <- o
		close(c.result)
	})
}
