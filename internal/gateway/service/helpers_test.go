package service

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perimetra/magkit/internal/gateway/domain"
	"github.com/perimetra/magkit/internal/gateway/protocol"
	"github.com/perimetra/magkit/internal/gateway/store"
	"github.com/perimetra/magkit/pkg/cryptox"
	"github.com/perimetra/magkit/pkg/slogx"
)

// gatewayFake is an in-process stand-in for the gateway: registration, token,
// client-init and a protected API endpoint, with per-endpoint call counters
// and scriptable token responses.
type gatewayFake struct {
	t   *testing.T
	srv *httptest.Server

	chainPEM []byte

	mu            sync.Mutex
	registerCalls int
	clientInits   int
	tokenCalls    int
	apiCalls      int
	grants        []string
	refreshSeen   []string
	apiAuth       []string

	// nextToken overrides the next token responses in order; once drained
	// the default success response applies.
	nextToken []http.HandlerFunc

	// apiHandler overrides the protected endpoint; nil answers 200 "ok".
	apiHandler http.HandlerFunc
}

func newGatewayFake(t *testing.T) *gatewayFake {
	t.Helper()

	f := &gatewayFake{t: t, chainPEM: selfSignedChainPEM(t)}

	mux := http.NewServeMux()
	mux.HandleFunc("/register", f.handleRegister)
	mux.HandleFunc("/clientinit", f.handleClientInit)
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/api", f.handleAPI)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func selfSignedChainPEM(t *testing.T) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "device"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cryptox.MarshalCertificateChainPEM([]*x509.Certificate{cert})
}

func (f *gatewayFake) handleRegister(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.registerCalls++
	f.mu.Unlock()

	w.Header().Set(protocol.HeaderDeviceStatus, string(domain.StatusActivated))
	w.Header().Set(protocol.HeaderMagIdentifier, "mag-1")
	_, _ = w.Write(f.chainPEM)
}

func (f *gatewayFake) handleClientInit(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.clientInits++
	n := f.clientInits
	f.mu.Unlock()

	_ = json.NewEncoder(w).Encode(map[string]any{
		"client_id":     fmt.Sprintf("dyn-id-%d", n),
		"client_secret": fmt.Sprintf("dyn-secret-%d", n),
	})
}

func (f *gatewayFake) handleToken(w http.ResponseWriter, r *http.Request) {
	require.NoError(f.t, r.ParseForm())

	f.mu.Lock()
	f.tokenCalls++
	n := f.tokenCalls
	f.grants = append(f.grants, r.PostForm.Get("grant_type"))
	if rt := r.PostForm.Get("refresh_token"); rt != "" {
		f.refreshSeen = append(f.refreshSeen, rt)
	}
	var override http.HandlerFunc
	if len(f.nextToken) > 0 {
		override = f.nextToken[0]
		f.nextToken = f.nextToken[1:]
	}
	f.mu.Unlock()

	if override != nil {
		override(w, r)
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  fmt.Sprintf("at-%d", n),
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": fmt.Sprintf("rt-%d", n),
	})
}

func (f *gatewayFake) handleAPI(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.apiCalls++
	f.apiAuth = append(f.apiAuth, r.Header.Get("Authorization"))
	handler := f.apiHandler
	f.mu.Unlock()

	if handler != nil {
		handler(w, r)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (f *gatewayFake) scriptToken(h http.HandlerFunc) {
	f.mu.Lock()
	f.nextToken = append(f.nextToken, h)
	f.mu.Unlock()
}

func (f *gatewayFake) counts() (register, clientInit, token, api int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls, f.clientInits, f.tokenCalls, f.apiCalls
}

func rejectToken(code string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(protocol.HeaderErrorCode, code)
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func serverFailToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

type lifecycleOpts struct {
	store      store.Store
	clientInit bool
	now        func() time.Time
}

func (f *gatewayFake) lifecycle(t *testing.T, opts lifecycleOpts) (*TokenLifecycle, store.Store) {
	t.Helper()

	st := opts.store
	if st == nil {
		st = store.NewMemoryStore("test")
	}

	codes := domain.DefaultErrorCodes()
	log := slogx.Discard()

	var clientInit *protocol.ClientInitClient
	if opts.clientInit {
		clientInit = &protocol.ClientInitClient{
			HTTP:   f.srv.Client(),
			URL:    f.srv.URL + "/clientinit",
			Codes:  codes,
			Logger: log,
		}
	}

	life := NewTokenLifecycle(LifecycleConfig{
		DeviceID:           "dev-1",
		DeviceName:         "test-device",
		MasterClientID:     "master-id",
		MasterClientSecret: "master-secret",
		Scope:              "msso",
		KeyKind:            cryptox.KeyEC,
	}, LifecycleDeps{
		Store: st,
		Register: &protocol.RegistrationClient{
			HTTP:   f.srv.Client(),
			URL:    f.srv.URL + "/register",
			Codes:  codes,
			Logger: log,
		},
		Token: &protocol.TokenClient{
			HTTP:   f.srv.Client(),
			URL:    f.srv.URL + "/token",
			Codes:  codes,
			Logger: log,
		},
		ClientInit: clientInit,
		Remove: &protocol.RemoveClient{
			URL:    f.srv.URL + "/remove",
			Codes:  codes,
			Logger: log,
		},
		Logger: log,
		Now:    opts.now,
	})
	return life, st
}

func (f *gatewayFake) orchestrator(t *testing.T, life *TokenLifecycle, mutate func(*OrchestratorConfig)) *Orchestrator {
	t.Helper()

	cfg := OrchestratorConfig{
		Lifecycle: life,
		Executor:  f.srv.Client(),
		Codes:     domain.DefaultErrorCodes(),
		Workers:   2,
		Logger:    slogx.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o := NewOrchestrator(cfg)
	t.Cleanup(o.Close)
	return o
}

func (f *gatewayFake) apiPayload() domain.CallPayload {
	return domain.CallPayload{
		Method: http.MethodGet,
		URL:    f.srv.URL + "/api",
		Header: http.Header{},
	}
}

func waitOutcome(t *testing.T, ch <-chan domain.Outcome) domain.Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for call outcome")
		return domain.Outcome{}
	}
}

// tokenForm is a convenience for asserting grant parameters in scripted
// handlers.
func tokenForm(t *testing.T, r *http.Request) url.Values {
	t.Helper()
	require.NoError(t, r.ParseForm())
	return r.PostForm
}
