package magsdk

import (
	"context"
	"sync"

	"github.com/perimetra/magkit/internal/gateway/domain"
	"github.com/perimetra/magkit/internal/gateway/protocol"
	"github.com/perimetra/magkit/internal/gateway/service"
	"github.com/perimetra/magkit/internal/gateway/store"
	storesqlite "github.com/perimetra/magkit/internal/gateway/store/drivers/sqlite"
	"github.com/perimetra/magkit/pkg/jwtx"
	"github.com/perimetra/magkit/pkg/slogx"
)

// Caller-facing re-exports so embedding applications only import this
// package.
type (
	CallPayload        = domain.CallPayload
	Outcome            = domain.Outcome
	OutcomeKind        = domain.OutcomeKind
	CredentialMaterial = domain.CredentialMaterial

	UsernamePassword    = domain.UsernamePassword
	ClientCredentials   = domain.ClientCredentials
	AuthorizationCode   = domain.AuthorizationCode
	CrossDeviceApproval = domain.CrossDeviceApproval
	JWTBearer           = domain.JWTBearer

	SubmitOptions        = service.SubmitOptions
	AuthenticationNeeded = service.AuthenticationNeeded
	ApprovalRequest      = service.ApprovalRequest
)

const (
	OutcomeSuccess   = domain.OutcomeSuccess
	OutcomeFailure   = domain.OutcomeFailure
	OutcomeCancelled = domain.OutcomeCancelled
)

// ErrUnknownCall re-exports the orchestrator sentinel.
var ErrUnknownCall = service.ErrUnknownCall

// Client is one gateway identity: its credential store, token lifecycle and
// call orchestration. Clients are safe for concurrent use; create one per
// gateway and share it.
type Client struct {
	cfg Config

	store    store.Store
	life     *service.TokenLifecycle
	orch     *service.Orchestrator
	approval *service.ApprovalChannel
	session  *protocol.SessionClient

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg, opens the credential store and starts the call workers.
// Close releases everything.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slogx.Discard()
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	codes := cfg.ErrorCodes
	if codes == nil {
		codes = domain.DefaultErrorCodes()
	}

	exec := cfg.HTTP
	if exec == nil {
		exec = protocol.NewExecutor(cfg.Timeout)
	}

	session := &protocol.SessionClient{
		HTTP:         exec,
		AuthorizeURL: cfg.endpoint(cfg.Endpoints.Authorize, DefaultAuthorizePath),
		LogoutURL:    cfg.endpoint(cfg.Endpoints.Logout, DefaultLogoutPath),
		Codes:        codes,
		Logger:       log,
	}

	var clientInit *protocol.ClientInitClient
	if !cfg.DisableDynamicClient {
		clientInit = &protocol.ClientInitClient{
			HTTP:   exec,
			URL:    cfg.endpoint(cfg.Endpoints.ClientInit, DefaultClientInitPath),
			Codes:  codes,
			Logger: log,
		}
	}

	life := service.NewTokenLifecycle(service.LifecycleConfig{
		DeviceID:           cfg.DeviceID,
		DeviceName:         deviceName(cfg),
		MasterClientID:     cfg.ClientID,
		MasterClientSecret: cfg.ClientSecret,
		Scope:              cfg.Scope,
		Organization:       cfg.Organization,
		KeyKind:            cfg.KeyKind,
		RSABits:            cfg.RSABits,
	}, service.LifecycleDeps{
		Store: st,
		Register: &protocol.RegistrationClient{
			HTTP:   exec,
			URL:    cfg.endpoint(cfg.Endpoints.Register, DefaultRegisterPath),
			Codes:  codes,
			Logger: log,
		},
		Token: &protocol.TokenClient{
			HTTP:   exec,
			URL:    cfg.endpoint(cfg.Endpoints.Token, DefaultTokenPath),
			Codes:  codes,
			Logger: log,
		},
		ClientInit: clientInit,
		Remove: &protocol.RemoveClient{
			URL:    cfg.endpoint(cfg.Endpoints.Remove, DefaultRemovePath),
			Codes:  codes,
			Logger: log,
		},
		Logger: log,
	})

	approval := service.NewApprovalChannel(service.ApprovalConfig{
		Session:  session,
		Attempts: cfg.Approval.Attempts,
		Interval: cfg.Approval.Interval,
		Logger:   log,
	})

	orch := service.NewOrchestrator(service.OrchestratorConfig{
		Lifecycle:    life,
		Executor:     exec,
		Codes:        codes,
		DefaultGrant: cfg.DefaultGrant,
		Verifiers:    approval,
		Workers:      cfg.Workers,
		Logger:       log,
	})

	return &Client{
		cfg:      cfg,
		store:    st,
		life:     life,
		orch:     orch,
		approval: approval,
		session:  session,
	}, nil
}

// Submit enqueues an API call. The returned channel receives exactly one
// Outcome: success (the gateway's response, whatever its status), failure or
// cancellation.
func (c *Client) Submit(payload CallPayload, opts SubmitOptions) (uint64, <-chan Outcome) {
	return c.orch.Submit(payload, opts)
}

// SupplyCredentials answers an AuthenticationNeeded notification for a parked
// call.
func (c *Client) SupplyCredentials(id uint64, material CredentialMaterial) error {
	return c.orch.SupplyCredentials(id, material)
}

// Cancel resolves a call with a cancellation outcome. Unknown or already
// resolved ids are a no-op.
func (c *Client) Cancel(id uint64) { c.orch.Cancel(id) }

// CancelAll cancels every tracked call and reports how many.
func (c *Client) CancelAll() int { return c.orch.CancelAll() }

// Notifications is the stream of authentication-needed events for calls
// submitted without credential material.
func (c *Client) Notifications() <-chan AuthenticationNeeded {
	return c.orch.Notifications()
}

// StartCrossDeviceApproval mints a new approval session for a secondary
// device (QR code, BLE). Pair with AwaitCrossDeviceApproval or feed the
// resulting code in via SupplyCredentials as a CrossDeviceApproval.
func (c *Client) StartCrossDeviceApproval() (*ApprovalRequest, error) {
	return c.approval.Begin()
}

// AwaitCrossDeviceApproval blocks until the outstanding approval session
// produces credential material, the polling budget runs out, or ctx is
// cancelled.
func (c *Client) AwaitCrossDeviceApproval(ctx context.Context) (CredentialMaterial, error) {
	return c.approval.Await(ctx)
}

// Logout ends the gateway SSO session and clears local tokens. The device
// registration survives.
func (c *Client) Logout(ctx context.Context) error {
	return c.life.Logout(ctx, c.session)
}

// Deregister removes the device from the gateway and destroys all local
// credential state, even when the server call fails.
func (c *Client) Deregister(ctx context.Context) error {
	return c.life.Deregister(ctx)
}

// IDTokenClaims parses the stored ID token, if any. Returns nil without error
// when no ID token is stored.
func (c *Client) IDTokenClaims(ctx context.Context) (*jwtx.IDTokenClaims, error) {
	state, err := c.life.CurrentToken(ctx)
	if err != nil {
		return nil, err
	}
	if state.IDToken == "" {
		return nil, nil
	}
	return jwtx.ParseIDToken(state.IDToken, jwtx.ParseOptions{})
}

// Close stops the workers, cancels outstanding calls and closes the
// credential store. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.orch.Close()
		c.closeErr = c.store.Close()
	})
	return c.closeErr
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	ns := store.Namespace(cfg.Host, cfg.port(), cfg.Prefix)

	var st store.Store
	switch cfg.Storage.Kind {
	case StorageSQLite:
		s, err := storesqlite.NewStore(cfg.Storage.DSN, ns)
		if err != nil {
			return nil, err
		}
		if err := s.ApplyMigrations(); err != nil {
			_ = s.Close()
			return nil, err
		}
		st = s
	default:
		st = store.NewMemoryStore(ns)
	}

	if len(cfg.Storage.SealPassphrase) > 0 {
		sealed, err := store.NewSealed(ctx, st, cfg.Storage.SealPassphrase)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		st = sealed
	}
	return st, nil
}

func deviceName(cfg Config) string {
	if cfg.DeviceName != "" {
		return cfg.DeviceName
	}
	return "magkit-device"
}
