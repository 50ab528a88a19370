package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perimetra/magkit/internal/gateway/domain"
	"github.com/perimetra/magkit/internal/gateway/protocol"
	"github.com/perimetra/magkit/pkg/cryptox"
	"github.com/perimetra/magkit/pkg/slogx"
)

func newApprovalChannel(t *testing.T, handler http.HandlerFunc, attempts int) *ApprovalChannel {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewApprovalChannel(ApprovalConfig{
		Session: &protocol.SessionClient{
			HTTP:         srv.Client(),
			AuthorizeURL: srv.URL,
			Codes:        domain.DefaultErrorCodes(),
			Logger:       slogx.Discard(),
		},
		Attempts: attempts,
		Interval: time.Millisecond,
		Logger:   slogx.Discard(),
	})
}

func TestBeginMintsChallenge(t *testing.T) {
	a := newApprovalChannel(t, func(w http.ResponseWriter, r *http.Request) {}, 1)

	req, err := a.Begin()
	require.NoError(t, err)
	require.NotEmpty(t, req.SessionID)
	require.NotEmpty(t, req.State)
	require.NotEmpty(t, req.Challenge)
	require.Equal(t, cryptox.PKCEMethodS256, req.ChallengeMethod)

	// The consumed verifier hashes to the advertised challenge.
	verifier, err := a.Consume(req.State)
	require.NoError(t, err)
	require.Equal(t, req.Challenge, cryptox.PKCEChallengeS256(verifier))
}

func TestConsumeIsSingleUse(t *testing.T) {
	a := newApprovalChannel(t, func(w http.ResponseWriter, r *http.Request) {}, 1)

	req, err := a.Begin()
	require.NoError(t, err)

	_, err = a.Consume(req.State)
	require.NoError(t, err)

	_, err = a.Consume(req.State)
	require.Equal(t, domain.KindStateMismatch, domain.KindOf(err))
}

func TestConsumeRejectsForeignState(t *testing.T) {
	a := newApprovalChannel(t, func(w http.ResponseWriter, r *http.Request) {}, 1)

	_, err := a.Begin()
	require.NoError(t, err)

	_, err = a.Consume("forged-state")
	require.Equal(t, domain.KindStateMismatch, domain.KindOf(err))
}

func TestBeginDiscardsPreviousChallenge(t *testing.T) {
	a := newApprovalChannel(t, func(w http.ResponseWriter, r *http.Request) {}, 1)

	old, err := a.Begin()
	require.NoError(t, err)
	fresh, err := a.Begin()
	require.NoError(t, err)

	_, err = a.Consume(old.State)
	require.Equal(t, domain.KindStateMismatch, domain.KindOf(err))

	_, err = a.Consume(fresh.State)
	require.NoError(t, err)
}

func TestAwaitDeliversApproval(t *testing.T) {
	var polls atomic.Int64
	var state atomic.Value

	a := newApprovalChannel(t, func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":  "authz-code",
			"state": state.Load().(string),
		})
	}, 10)

	req, err := a.Begin()
	require.NoError(t, err)
	state.Store(req.State)

	material, err := a.Await(context.Background())
	require.NoError(t, err)

	approval, ok := material.(domain.CrossDeviceApproval)
	require.True(t, ok)
	require.Equal(t, "authz-code", approval.Code)
	require.Equal(t, req.State, approval.State)
	require.EqualValues(t, 3, polls.Load())
}

func TestAwaitRejectsStateMismatch(t *testing.T) {
	a := newApprovalChannel(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "c", "state": "someone-elses"})
	}, 3)

	_, err := a.Begin()
	require.NoError(t, err)

	_, err = a.Await(context.Background())
	require.Equal(t, domain.KindStateMismatch, domain.KindOf(err))
}

func TestAwaitTimesOut(t *testing.T) {
	a := newApprovalChannel(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}, 3)

	_, err := a.Begin()
	require.NoError(t, err)

	_, err = a.Await(context.Background())
	require.Equal(t, domain.KindTimeout, domain.KindOf(err))
}

func TestAwaitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	// A long interval keeps the waiter parked in the limiter when the
	// context expires.
	a := NewApprovalChannel(ApprovalConfig{
		Session: &protocol.SessionClient{
			HTTP:         srv.Client(),
			AuthorizeURL: srv.URL,
			Codes:        domain.DefaultErrorCodes(),
			Logger:       slogx.Discard(),
		},
		Attempts: 1000,
		Interval: time.Minute,
		Logger:   slogx.Discard(),
	})

	_, err := a.Begin()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = a.Await(ctx)
	require.Equal(t, domain.KindCancelled, domain.KindOf(err))
}

func TestAwaitWithoutSession(t *testing.T) {
	a := newApprovalChannel(t, func(w http.ResponseWriter, r *http.Request) {}, 1)

	_, err := a.Await(context.Background())
	require.Equal(t, domain.KindStateMismatch, domain.KindOf(err))
}
