package service

import (
	"context"
	"crypto"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/perimetra/magkit/internal/gateway/domain"
	"github.com/perimetra/magkit/internal/gateway/protocol"
	"github.com/perimetra/magkit/internal/gateway/store"
	"github.com/perimetra/magkit/pkg/cryptox"
)

// LifecycleConfig carries the static identity the lifecycle operates under.
type LifecycleConfig struct {
	DeviceID   string
	DeviceName string

	// Master client credentials shipped with the application; used only to
	// negotiate the per-device dynamic client pair.
	MasterClientID     string
	MasterClientSecret string

	Scope        string
	Organization string

	KeyKind cryptox.KeyKind
	RSABits int
}

// TokenLifecycle owns all durable credential state: device registration,
// dynamic client credentials and OAuth tokens. It is the single choke point
// for CredentialStore access; the orchestrator never touches the store
// directly.
//
// State machine: Unregistered -> Registered-NoToken -> Registered-TokenValid
// <-> Registered-TokenExpired. Registration is required before any token
// exchange.
type TokenLifecycle struct {
	cfg LifecycleConfig

	store      store.Store
	register   *protocol.RegistrationClient
	token      *protocol.TokenClient
	clientInit *protocol.ClientInitClient
	remove     *protocol.RemoveClient

	log *slog.Logger
	now func() time.Time

	// mu guards every credential/token mutation; token refresh must not
	// overlap, and the second acquirer re-checks validity before issuing a
	// redundant exchange.
	mu     sync.Mutex
	flight singleflight.Group

	cachedReg *domain.DeviceRegistration
	cachedKey crypto.Signer
}

// LifecycleDeps bundles the collaborators for NewTokenLifecycle.
type LifecycleDeps struct {
	Store      store.Store
	Register   *protocol.RegistrationClient
	Token      *protocol.TokenClient
	ClientInit *protocol.ClientInitClient
	Remove     *protocol.RemoveClient
	Logger     *slog.Logger
	Now        func() time.Time
}

func NewTokenLifecycle(cfg LifecycleConfig, deps LifecycleDeps) *TokenLifecycle {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &TokenLifecycle{
		cfg:        cfg,
		store:      deps.Store,
		register:   deps.Register,
		token:      deps.Token,
		clientInit: deps.ClientInit,
		remove:     deps.Remove,
		log:        deps.Logger,
		now:        now,
	}
}

// EnsureRegistered returns the cached registration, or performs the CSR
// exchange with the supplied credentials. Invalid-client responses clear the
// dynamic client pair (forcing re-negotiation) before propagating.
func (l *TokenLifecycle) EnsureRegistered(ctx context.Context, creds domain.CredentialMaterial, wantIDToken bool) (*domain.DeviceRegistration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if reg, err := l.loadRegistrationLocked(ctx); err != nil {
		return nil, err
	} else if reg != nil {
		return reg, nil
	}

	if creds == nil {
		return nil, domain.NewError(domain.KindServer, "device registration requires credential material")
	}

	clientID, clientSecret, err := l.clientCredentialsLocked(ctx)
	if err != nil {
		return nil, err
	}

	key, err := cryptox.GenerateDeviceKey(l.cfg.KeyKind, l.cfg.RSABits)
	if err != nil {
		return nil, domain.NewError(domain.KindServer, err.Error())
	}

	csr, err := cryptox.BuildCSR(cryptox.CSRTemplate{
		CommonName:   csrCommonName(creds, clientID),
		Organization: l.cfg.Organization,
		DeviceID:     l.cfg.DeviceID,
	}, key)
	if err != nil {
		return nil, domain.NewError(domain.KindServer, err.Error())
	}

	reg, err := l.register.Register(ctx, protocol.RegisterRequest{
		CSR:          csr,
		DeviceID:     l.cfg.DeviceID,
		DeviceName:   l.cfg.DeviceName,
		ClientID:       clientID,
		ClientSecret:   clientSecret,
		Credentials:    creds,
		RequestIDToken: wantIDToken,
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindInvalidClient {
			l.clearClientCredentialsLocked(ctx)
		}
		return nil, err
	}

	if err := l.persistRegistrationLocked(ctx, reg, key); err != nil {
		return nil, err
	}

	l.cachedReg = reg
	l.cachedKey = key
	l.log.Info("device registration persisted", slog.String("status", string(reg.Status)))
	return reg, nil
}

// EnsureToken returns a usable access token state, exchanging credentials
// with the gateway only when the stored token is absent or expired.
//
// A stored refresh token is always preferred over re-running the supplied
// grant, and is removed from the store before it is presented so a token is
// never offered twice. Concurrent callers wanting an exchange collapse into
// one flight; late arrivals observe the fresh token instead of triggering a
// redundant exchange.
func (l *TokenLifecycle) EnsureToken(ctx context.Context, creds domain.CredentialMaterial, wantIDToken bool) (*domain.TokenState, error) {
	l.mu.Lock()
	state, err := l.loadTokenLocked(ctx)
	if err == nil && state.Valid(l.now()) {
		l.mu.Unlock()
		return state, nil
	}
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	v, err, _ := l.flight.Do("token-exchange", func() (interface{}, error) {
		return l.exchange(ctx, creds, wantIDToken)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.TokenState), nil
}

func (l *TokenLifecycle) exchange(ctx context.Context, creds domain.CredentialMaterial, wantIDToken bool) (*domain.TokenState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Another caller may have finished an exchange while we queued.
	state, err := l.loadTokenLocked(ctx)
	if err != nil {
		return nil, err
	}
	if state.Valid(l.now()) {
		return state, nil
	}

	clientID, clientSecret, err := l.clientCredentialsLocked(ctx)
	if err != nil {
		return nil, err
	}

	if state.RefreshToken != "" {
		// Consume the stored refresh token before the wire sees it: the
		// server may invalidate it regardless of the outcome.
		if err := l.store.Delete(ctx, store.KeyRefreshToken); err != nil {
			return nil, domain.NewError(domain.KindServer, "failed to consume refresh token: "+err.Error())
		}

		fresh, err := l.token.Exchange(ctx, protocol.TokenRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scope:        l.cfg.Scope,
			Material:     domain.RefreshToken{Token: state.RefreshToken},
			WantIDToken:  wantIDToken,
		})
		switch {
		case err == nil:
			if perr := l.persistTokenLocked(ctx, fresh); perr != nil {
				return nil, perr
			}
			return fresh, nil
		case domain.KindOf(err) == domain.KindInvalidClient:
			l.clearClientCredentialsLocked(ctx)
			return nil, err
		case creds == nil:
			return nil, err
		default:
			// Refresh rejected; fall through to the supplied grant. The
			// dead refresh token is already gone from the store.
			l.log.Debug("refresh rejected, falling back to supplied grant",
				slog.String("grant_type", creds.GrantType()))
		}
	}

	if creds == nil {
		return nil, domain.NewError(domain.KindServer, "no credential material available for token exchange")
	}

	fresh, err := l.token.Exchange(ctx, protocol.TokenRequest{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scope:        l.cfg.Scope,
		Material:     creds,
		WantIDToken:  wantIDToken,
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindInvalidClient {
			l.clearClientCredentialsLocked(ctx)
		}
		return nil, err
	}

	if err := l.persistTokenLocked(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// CurrentToken returns the stored token state without triggering any
// exchange. Callers use it for inspection (e.g. ID-token claims); an empty
// state is not an error.
func (l *TokenLifecycle) CurrentToken(ctx context.Context) (*domain.TokenState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadTokenLocked(ctx)
}

// CanAuthenticateSilently reports whether a call supplied without credential
// material can proceed without asking the UI: the device is registered and a
// valid access token or a refresh token is on hand.
func (l *TokenLifecycle) CanAuthenticateSilently(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	reg, err := l.loadRegistrationLocked(ctx)
	if err != nil || reg == nil {
		return false
	}
	state, err := l.loadTokenLocked(ctx)
	if err != nil {
		return false
	}
	return state.Valid(l.now()) || state.RefreshToken != ""
}

// InvalidateAccessToken drops the stored access token (and its expiry) after
// the gateway rejected it on an API call, so the next attempt refreshes.
func (l *TokenLifecycle) InvalidateAccessToken(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.store.Delete(ctx, store.KeyAccessToken)
	_ = l.store.Delete(ctx, store.KeyTokenExpiresAt)
}

// ClearClientCredentials removes the dynamic client pair, forcing
// re-negotiation from the master credentials. Tokens issued to the dead
// client are cleared with it.
func (l *TokenLifecycle) ClearClientCredentials(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clearClientCredentialsLocked(ctx)
}

// ClearAllTokens removes every stored token without touching the device
// registration or client credentials.
func (l *TokenLifecycle) ClearAllTokens(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clearTokensLocked(ctx)
}

// Logout ends the gateway SSO session and clears local tokens. The server
// error, if any, is returned after local state is already cleared.
func (l *TokenLifecycle) Logout(ctx context.Context, session *protocol.SessionClient) error {
	l.mu.Lock()
	state, err := l.loadTokenLocked(ctx)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if !state.HasAccessToken() {
		return nil
	}

	serverErr := session.Logout(ctx, state.AccessToken, state.IDToken, state.IDTokenType)
	l.ClearAllTokens(ctx)
	return serverErr
}

// Deregister removes the device from the gateway (authenticated by its own
// TLS client certificate) and destroys all local state. Local state is
// cleared even when the server call fails so the device is never left
// half-registered locally.
func (l *TokenLifecycle) Deregister(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reg, err := l.loadRegistrationLocked(ctx)
	if err != nil {
		return err
	}

	var serverErr error
	if reg != nil && l.cachedKey != nil {
		exec, err := protocol.NewMTLSExecutor(reg.CertificateChain, l.cachedKey, protocol.DefaultTimeout)
		if err != nil {
			serverErr = domain.NewError(domain.KindServer, err.Error())
		} else {
			serverErr = l.remove.Remove(ctx, exec, reg.MagIdentifier)
		}
	}

	if err := l.store.Clear(ctx); err != nil {
		return domain.NewError(domain.KindServer, "failed to clear credential store: "+err.Error())
	}
	l.cachedReg = nil
	l.cachedKey = nil
	l.log.Info("device deregistered locally")
	return serverErr
}

// --- locked helpers -------------------------------------------------------

func (l *TokenLifecycle) loadRegistrationLocked(ctx context.Context) (*domain.DeviceRegistration, error) {
	if l.cachedReg != nil {
		return l.cachedReg, nil
	}

	chainPEM, ok, err := l.store.Get(ctx, store.KeyCertificateChain)
	if err != nil {
		return nil, domain.NewError(domain.KindServer, "credential store read failed: "+err.Error())
	}
	if !ok {
		return nil, nil
	}

	chain, err := cryptox.ParseCertificateChainPEM(chainPEM)
	if err != nil {
		return nil, domain.NewError(domain.KindServer, "stored certificate chain is corrupt: "+err.Error())
	}

	magID, _ := l.getStringLocked(ctx, store.KeyMagIdentifier)
	statusRaw, _ := l.getStringLocked(ctx, store.KeyDeviceStatus)
	status, ok := domain.ParseRegistrationStatus(statusRaw)
	if !ok {
		status = domain.StatusActivated
	}

	keyPEM, ok, err := l.store.Get(ctx, store.KeyPrivateKey)
	if err != nil {
		return nil, domain.NewError(domain.KindServer, "credential store read failed: "+err.Error())
	}
	if ok {
		key, err := cryptox.ParsePrivateKeyPEM(keyPEM)
		if err != nil {
			return nil, domain.NewError(domain.KindServer, "stored device key is corrupt: "+err.Error())
		}
		l.cachedKey = key
	}

	reg := &domain.DeviceRegistration{
		Status:           status,
		MagIdentifier:    magID,
		CertificateChain: chain,
	}
	l.cachedReg = reg
	return reg, nil
}

func (l *TokenLifecycle) persistRegistrationLocked(ctx context.Context, reg *domain.DeviceRegistration, key crypto.Signer) error {
	keyPEM, err := cryptox.MarshalPrivateKeyPEM(key)
	if err != nil {
		return domain.NewError(domain.KindServer, err.Error())
	}

	puts := map[store.Key][]byte{
		store.KeyPrivateKey:       keyPEM,
		store.KeyCertificateChain: cryptox.MarshalCertificateChainPEM(reg.CertificateChain),
		store.KeyMagIdentifier:    []byte(reg.MagIdentifier),
		store.KeyDeviceStatus:     []byte(reg.Status),
	}
	if reg.IDToken != "" {
		puts[store.KeyIDToken] = []byte(reg.IDToken)
		puts[store.KeyIDTokenType] = []byte(reg.IDTokenType)
	}
	for k, v := range puts {
		if err := l.store.Put(ctx, k, v); err != nil {
			return domain.NewError(domain.KindServer, "credential store write failed: "+err.Error())
		}
	}
	return nil
}

func (l *TokenLifecycle) loadTokenLocked(ctx context.Context) (*domain.TokenState, error) {
	state := &domain.TokenState{}
	var err error
	if state.AccessToken, err = l.getStringLocked(ctx, store.KeyAccessToken); err != nil {
		return nil, err
	}
	if state.RefreshToken, err = l.getStringLocked(ctx, store.KeyRefreshToken); err != nil {
		return nil, err
	}
	if state.IDToken, err = l.getStringLocked(ctx, store.KeyIDToken); err != nil {
		return nil, err
	}
	if state.IDTokenType, err = l.getStringLocked(ctx, store.KeyIDTokenType); err != nil {
		return nil, err
	}
	if state.GrantedScope, err = l.getStringLocked(ctx, store.KeyGrantedScope); err != nil {
		return nil, err
	}

	raw, err := l.getStringLocked(ctx, store.KeyTokenExpiresAt)
	if err != nil {
		return nil, err
	}
	if raw != "" {
		if unix, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			state.ExpiresAt = time.Unix(unix, 0)
		}
	}
	return state, nil
}

func (l *TokenLifecycle) persistTokenLocked(ctx context.Context, state *domain.TokenState) error {
	puts := map[store.Key][]byte{
		store.KeyAccessToken: []byte(state.AccessToken),
	}
	if state.RefreshToken != "" {
		puts[store.KeyRefreshToken] = []byte(state.RefreshToken)
	}
	if state.IDToken != "" {
		puts[store.KeyIDToken] = []byte(state.IDToken)
		puts[store.KeyIDTokenType] = []byte(state.IDTokenType)
	}
	if state.GrantedScope != "" {
		puts[store.KeyGrantedScope] = []byte(state.GrantedScope)
	}
	if !state.ExpiresAt.IsZero() {
		puts[store.KeyTokenExpiresAt] = []byte(strconv.FormatInt(state.ExpiresAt.Unix(), 10))
	}
	for k, v := range puts {
		if err := l.store.Put(ctx, k, v); err != nil {
			return domain.NewError(domain.KindServer, "credential store write failed: "+err.Error())
		}
	}
	return nil
}

func (l *TokenLifecycle) clientCredentialsLocked(ctx context.Context) (string, string, error) {
	id, err := l.getStringLocked(ctx, store.KeyClientID)
	if err != nil {
		return "", "", err
	}
	secret, err := l.getStringLocked(ctx, store.KeyClientSecret)
	if err != nil {
		return "", "", err
	}
	expRaw, err := l.getStringLocked(ctx, store.KeyClientExpiresAt)
	if err != nil {
		return "", "", err
	}

	if id != "" && secret != "" {
		if expRaw == "" {
			return id, secret, nil
		}
		if unix, perr := strconv.ParseInt(expRaw, 10, 64); perr == nil && l.now().Before(time.Unix(unix, 0)) {
			return id, secret, nil
		}
		// expired pair; negotiate a new one below
	}

	if l.clientInit == nil {
		// No negotiation endpoint configured: the master pair doubles as
		// the device pair.
		return l.cfg.MasterClientID, l.cfg.MasterClientSecret, nil
	}

	nonce := cryptox.MustGenerateToken(cryptox.TokenSize128)
	dyn, err := l.clientInit.Initialize(ctx, l.cfg.MasterClientID, l.cfg.MasterClientSecret, l.cfg.DeviceID, nonce)
	if err != nil {
		return "", "", err
	}

	if err := l.store.Put(ctx, store.KeyClientID, []byte(dyn.ID)); err != nil {
		return "", "", domain.NewError(domain.KindServer, "credential store write failed: "+err.Error())
	}
	if err := l.store.Put(ctx, store.KeyClientSecret, []byte(dyn.Secret)); err != nil {
		return "", "", domain.NewError(domain.KindServer, "credential store write failed: "+err.Error())
	}
	if !dyn.ExpiresAt.IsZero() {
		_ = l.store.Put(ctx, store.KeyClientExpiresAt, []byte(strconv.FormatInt(dyn.ExpiresAt.Unix(), 10)))
	}
	return dyn.ID, dyn.Secret, nil
}

func (l *TokenLifecycle) clearClientCredentialsLocked(ctx context.Context) {
	_ = l.store.Delete(ctx, store.KeyClientID)
	_ = l.store.Delete(ctx, store.KeyClientSecret)
	_ = l.store.Delete(ctx, store.KeyClientExpiresAt)
	l.clearTokensLocked(ctx)
	l.log.Debug("client credentials cleared")
}

func (l *TokenLifecycle) clearTokensLocked(ctx context.Context) {
	for _, k := range []store.Key{
		store.KeyAccessToken,
		store.KeyRefreshToken,
		store.KeyIDToken,
		store.KeyIDTokenType,
		store.KeyGrantedScope,
		store.KeyTokenExpiresAt,
	} {
		_ = l.store.Delete(ctx, k)
	}
}

func (l *TokenLifecycle) getStringLocked(ctx context.Context, key store.Key) (string, error) {
	v, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return "", domain.NewError(domain.KindServer, "credential store read failed: "+err.Error())
	}
	if !ok {
		return "", nil
	}
	return string(v), nil
}

// csrCommonName picks the certificate subject: the resource owner when the
// grant identifies one, otherwise the client itself.
func csrCommonName(creds domain.CredentialMaterial, clientID string) string {
	if up, ok := creds.(domain.UsernamePassword); ok && up.Username != "" {
		return up.Username
	}
	return clientID
}
