package magsdk

import (
	"context"
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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perimetra/magkit/internal/gateway/protocol"
	"github.com/perimetra/magkit/pkg/cryptox"
)

// fakeGateway stands in for the whole gateway surface the Client talks to.
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server

	chainPEM []byte

	mu         sync.Mutex
	tokenCalls int
	grants     []string

	// approvalCode, once set, makes the authorize endpoint answer with a
	// ready code instead of pending.
	approvalCode  string
	approvalState string
}

func newFakeGateway(t *testing.T) *fakeGateway {
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

	f := &fakeGateway{t: t, chainPEM: cryptox.MarshalCertificateChainPEM([]*x509.Certificate{cert})}

	mux := http.NewServeMux()
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(protocol.HeaderDeviceStatus, "activated")
		w.Header().Set(protocol.HeaderMagIdentifier, "mag-1")
		_, _ = w.Write(f.chainPEM)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.tokenCalls++
		n := f.tokenCalls
		f.grants = append(f.grants, r.PostForm.Get("grant_type"))
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("at-%d", n),
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		code, state := f.approvalCode, f.approvalState
		f.mu.Unlock()
		if code == "" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "state": state})
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGateway) approve(code, state string) {
	f.mu.Lock()
	f.approvalCode, f.approvalState = code, state
	f.mu.Unlock()
}

func (f *fakeGateway) config() Config {
	return Config{
		Host:         "gw.example.com",
		ClientID:     "master-id",
		ClientSecret: "master-secret",
		DeviceID:     "dev-1",
		DeviceName:   "test-device",
		Scope:        "msso",
		KeyKind:      cryptox.KeyEC,
		Endpoints: Endpoints{
			Register:  f.srv.URL + "/register",
			Token:     f.srv.URL + "/token",
			Authorize: f.srv.URL + "/authorize",
			Logout:    f.srv.URL + "/logout",
			Remove:    f.srv.URL + "/remove",
		},
		DisableDynamicClient: true,
		HTTP:                 f.srv.Client(),
		Approval:             Approval{Attempts: 10, Interval: time.Millisecond},
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientEndToEnd(t *testing.T) {
	f := newFakeGateway(t)
	c := newTestClient(t, f.config())

	_, ch := c.Submit(CallPayload{
		Method: http.MethodGet,
		URL:    f.srv.URL + "/api",
	}, SubmitOptions{
		Credentials: UsernamePassword{Username: "alice", Password: "pw"},
	})

	select {
	case out := <-ch:
		require.Equal(t, http.StatusOK, out.Status)
		require.JSONEq(t, `{"ok":true}`, string(out.Body))
	case <-time.After(10 * time.Second):
		t.Fatal("no outcome")
	}

	// No ID token was requested, so inspection reports none.
	claims, err := c.IDTokenClaims(context.Background())
	require.NoError(t, err)
	require.Nil(t, claims)
}

func TestClientParkedCallLifecycle(t *testing.T) {
	f := newFakeGateway(t)
	c := newTestClient(t, f.config())

	id, ch := c.Submit(CallPayload{Method: http.MethodGet, URL: f.srv.URL + "/api"}, SubmitOptions{})

	select {
	case note := <-c.Notifications():
		require.Equal(t, id, note.CallID)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}

	require.NoError(t, c.SupplyCredentials(id, UsernamePassword{Username: "alice", Password: "pw"}))

	select {
	case out := <-ch:
		require.Equal(t, http.StatusOK, out.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("no outcome")
	}
}

func TestClientCrossDeviceApproval(t *testing.T) {
	f := newFakeGateway(t)
	c := newTestClient(t, f.config())

	req, err := c.StartCrossDeviceApproval()
	require.NoError(t, err)
	require.NotEmpty(t, req.Challenge)

	// The secondary device approves; the authorize endpoint starts
	// answering with the code.
	f.approve("authz-code", req.State)

	material, err := c.AwaitCrossDeviceApproval(context.Background())
	require.NoError(t, err)

	_, ch := c.Submit(CallPayload{Method: http.MethodGet, URL: f.srv.URL + "/api"}, SubmitOptions{
		Credentials: material,
	})

	select {
	case out := <-ch:
		require.Equal(t, http.StatusOK, out.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("no outcome")
	}

	f.mu.Lock()
	grants := f.grants
	f.mu.Unlock()
	require.Equal(t, []string{"authorization_code"}, grants)
}

func TestClientLogout(t *testing.T) {
	f := newFakeGateway(t)
	c := newTestClient(t, f.config())

	_, ch := c.Submit(CallPayload{Method: http.MethodGet, URL: f.srv.URL + "/api"}, SubmitOptions{
		Credentials: UsernamePassword{Username: "alice", Password: "pw"},
	})
	<-ch

	require.NoError(t, c.Logout(context.Background()))

	// Tokens are gone; the next credential-less call needs the UI again.
	id, _ := c.Submit(CallPayload{Method: http.MethodGet, URL: f.srv.URL + "/api"}, SubmitOptions{})
	select {
	case note := <-c.Notifications():
		require.Equal(t, id, note.CallID)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a notification after logout")
	}
	c.Cancel(id)
}

func TestClientSQLiteStorage(t *testing.T) {
	f := newFakeGateway(t)

	cfg := f.config()
	cfg.Storage = Storage{
		Kind:           StorageSQLite,
		DSN:            filepath.Join(t.TempDir(), "credentials.db"),
		SealPassphrase: []byte("device-passphrase"),
	}
	c := newTestClient(t, cfg)

	_, ch := c.Submit(CallPayload{Method: http.MethodGet, URL: f.srv.URL + "/api"}, SubmitOptions{
		Credentials: UsernamePassword{Username: "alice", Password: "pw"},
	})

	select {
	case out := <-ch:
		require.Equal(t, http.StatusOK, out.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("no outcome")
	}
}

func TestClientCancelAll(t *testing.T) {
	f := newFakeGateway(t)
	c := newTestClient(t, f.config())

	_, ch1 := c.Submit(CallPayload{Method: http.MethodGet, URL: f.srv.URL + "/api"}, SubmitOptions{})
	_, ch2 := c.Submit(CallPayload{Method: http.MethodGet, URL: f.srv.URL + "/api"}, SubmitOptions{})

	require.Equal(t, 2, c.CancelAll())

	for _, ch := range []<-chan Outcome{ch1, ch2} {
		select {
		case out := <-ch:
			require.Equal(t, OutcomeCancelled, out.Kind)
		case <-time.After(5 * time.Second):
			t.Fatal("no outcome")
		}
	}
}
