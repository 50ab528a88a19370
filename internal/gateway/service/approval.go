package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/perimetra/magkit/internal/gateway/domain"
	"github.com/perimetra/magkit/internal/gateway/protocol"
	"github.com/perimetra/magkit/pkg/cryptox"
	"github.com/perimetra/magkit/pkg/idx"
)

// Default approval polling budget: attempts * interval bounds how long a
// pending approval can hold resources.
const (
	DefaultApprovalAttempts = 30
	DefaultApprovalInterval = 5 * time.Second
)

// ApprovalRequest is everything a secondary device needs to approve a
// session, typically rendered as a QR code or shipped over a BLE
// characteristic. The verifier never leaves this process.
type ApprovalRequest struct {
	SessionID       string `json:"session_id"`
	State           string `json:"state"`
	Challenge       string `json:"code_challenge"`
	ChallengeMethod string `json:"code_challenge_method"`
	AuthorizeURL    string `json:"authorize_url"`
}

// ApprovalChannel manages cross-device approval sessions: it mints the PKCE
// challenge a secondary device approves against, polls the authorize endpoint
// for the resulting code, and hands out the matching verifier exactly once.
//
// At most one challenge is outstanding; beginning a new session silently
// discards the previous one, so a stale approval can never redeem against a
// fresh challenge.
type ApprovalChannel struct {
	session  *protocol.SessionClient
	attempts int
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	pending   *domain.PKCEChallenge
	sessionID string
}

// ApprovalConfig wires an ApprovalChannel. Zero Attempts/Interval pick the
// defaults.
type ApprovalConfig struct {
	Session  *protocol.SessionClient
	Attempts int
	Interval time.Duration
	Logger   *slog.Logger
}

func NewApprovalChannel(cfg ApprovalConfig) *ApprovalChannel {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = DefaultApprovalAttempts
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultApprovalInterval
	}
	return &ApprovalChannel{
		session:  cfg.Session,
		attempts: attempts,
		interval: interval,
		log:      cfg.Logger,
	}
}

// Begin mints a fresh approval session: a new PKCE verifier/challenge pair,
// an unguessable state and a session id. Any previous outstanding challenge
// is discarded.
func (a *ApprovalChannel) Begin() (*ApprovalRequest, error) {
	verifier, err := cryptox.GeneratePKCEVerifier()
	if err != nil {
		return nil, domain.NewError(domain.KindServer, "failed to generate PKCE verifier: "+err.Error())
	}

	state := idx.New().String()
	sessionID := uuid.NewString()

	a.mu.Lock()
	a.pending = &domain.PKCEChallenge{
		Verifier:  verifier,
		Challenge: cryptox.PKCEChallengeS256(verifier),
		Method:    cryptox.PKCEMethodS256,
		State:     state,
	}
	a.sessionID = sessionID
	req := &ApprovalRequest{
		SessionID:       sessionID,
		State:           state,
		Challenge:       a.pending.Challenge,
		ChallengeMethod: a.pending.Method,
		AuthorizeURL:    a.session.AuthorizeURL,
	}
	a.mu.Unlock()

	a.log.Info("cross-device approval session started", slog.String("session", sessionID))
	return req, nil
}

// Consume returns the verifier bound to state and forgets the challenge. The
// verifier is handed out at most once; a second call for the same state, or
// any call with a state that does not match the outstanding challenge, is a
// state mismatch.
func (a *ApprovalChannel) Consume(state string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending == nil || a.pending.State != state {
		return "", domain.NewError(domain.KindStateMismatch, "approval state does not match outstanding challenge")
	}
	verifier := a.pending.Verifier
	a.pending = nil
	return verifier, nil
}

// Await polls the authorize endpoint until the session produces an
// authorization code, the attempt budget runs out, or ctx is cancelled. The
// returned material carries the code and state; the verifier stays here until
// the token exchange consumes it.
func (a *ApprovalChannel) Await(ctx context.Context) (domain.CredentialMaterial, error) {
	a.mu.Lock()
	sessionID := a.sessionID
	var state string
	if a.pending != nil {
		state = a.pending.State
	}
	a.mu.Unlock()

	if sessionID == "" || state == "" {
		return nil, domain.NewError(domain.KindStateMismatch, "no approval session outstanding")
	}

	limiter := rate.NewLimiter(rate.Every(a.interval), 1)
	for i := 0; i < a.attempts; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, domain.NewError(domain.KindCancelled, "approval wait cancelled: "+err.Error())
		}

		result, pending, err := a.session.PollAuthorizationCode(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if pending {
			continue
		}

		if result.State != state {
			a.log.Warn("approval rejected: state mismatch", slog.String("session", sessionID))
			return nil, domain.NewError(domain.KindStateMismatch, "authorize response state does not match outstanding challenge")
		}

		return domain.CrossDeviceApproval{Code: result.Code, State: result.State}, nil
	}

	return nil, domain.NewError(domain.KindTimeout, "cross-device approval polling exhausted its attempt budget")
}
