package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/perimetra/magkit/internal/gateway/correlator"
	"github.com/perimetra/magkit/internal/gateway/domain"
	"github.com/perimetra/magkit/internal/gateway/protocol"
	"github.com/perimetra/magkit/pkg/slogx"
)

// ErrUnknownCall reports that the referenced call id is not waiting in the
// inbound queue; either it never existed or it already resolved.
var ErrUnknownCall = errors.New("service: unknown or already resolved call")

// Credential provider names advertised in authentication-needed
// notifications.
const (
	ProviderEnterprise  = "enterprise"
	ProviderCrossDevice = "cross-device"
)

// VerifierSource hands out the PKCE verifier bound to a state value exactly
// once. A state with no outstanding challenge is a mismatch.
type VerifierSource interface {
	Consume(state string) (string, error)
}

// AuthenticationNeeded asks the embedding application to collect credentials
// for a parked call and answer with SupplyCredentials (or Cancel).
type AuthenticationNeeded struct {
	CallID    uint64
	Providers []string
}

// SubmitOptions carries the per-call extras for Orchestrator.Submit.
type SubmitOptions struct {
	Credentials domain.CredentialMaterial
	WantIDToken bool
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Lifecycle *TokenLifecycle
	Executor  protocol.Executor
	Codes     domain.ErrorCodeTable

	// DefaultGrant, when set and non-interactive, authenticates calls
	// submitted without credential material instead of raising an
	// authentication-needed notification.
	DefaultGrant domain.CredentialMaterial

	// Verifiers resolves cross-device approval states to PKCE verifiers.
	// Nil disables the cross-device provider.
	Verifiers VerifierSource

	Workers int
	Logger  *slog.Logger
}

const (
	defaultWorkers     = 4
	jobBacklog         = 1024
	notificationBuffer = 16
)

// Orchestrator drives calls through the three correlator stages and owns the
// worker pool that performs authentication attempts and the API round trip.
type Orchestrator struct {
	corr  *correlator.Correlator
	life  *TokenLifecycle
	exec  protocol.Executor
	codes domain.ErrorCodeTable

	defaultGrant domain.CredentialMaterial
	verifiers    VerifierSource

	notifications chan AuthenticationNeeded
	jobs          chan uint64

	log *slog.Logger

	ctx       context.Context
	cancelCtx context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	ctx, cancel := context.WithCancel(slogx.WithContext(context.Background(), cfg.Logger))
	o := &Orchestrator{
		corr:          correlator.New(),
		life:          cfg.Lifecycle,
		exec:          cfg.Executor,
		codes:         cfg.Codes,
		defaultGrant:  cfg.DefaultGrant,
		verifiers:     cfg.Verifiers,
		notifications: make(chan AuthenticationNeeded, notificationBuffer),
		jobs:          make(chan uint64, jobBacklog),
		log:           cfg.Logger,
		ctx:           ctx,
		cancelCtx:     cancel,
	}

	o.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go o.worker()
	}
	return o
}

// Notifications is the stream of authentication-needed events. The channel is
// buffered; the embedding application must drain it or parked calls stay
// parked.
func (o *Orchestrator) Notifications() <-chan AuthenticationNeeded {
	return o.notifications
}

// Submit enqueues a call and returns its id together with the channel that
// will receive its single terminal outcome.
//
// Calls without credential material proceed silently when stored credentials
// allow it, fall back to the configured default grant, and otherwise park in
// the inbound queue until SupplyCredentials or Cancel resolves them.
func (o *Orchestrator) Submit(payload domain.CallPayload, opts SubmitOptions) (uint64, <-chan domain.Outcome) {
	call := domain.NewPendingCall(payload)
	call.Credentials = opts.Credentials
	call.WantIDToken = opts.WantIDToken
	id := o.corr.Register(call)

	switch {
	case call.Credentials != nil:
		o.schedule(id)
	case o.life.CanAuthenticateSilently(o.ctx):
		o.schedule(id)
	case o.defaultGrant != nil && !o.defaultGrant.Interactive():
		call.Credentials = o.defaultGrant
		o.schedule(id)
	default:
		o.notify(id)
	}
	return id, call.Result()
}

// SupplyCredentials attaches collected credential material to a parked call
// and schedules it. Material supplied here is reused verbatim on the single
// transparent retry; the user is never asked twice for one call.
func (o *Orchestrator) SupplyCredentials(id uint64, material domain.CredentialMaterial) error {
	call, ok := o.corr.Take(correlator.Inbound, id)
	if !ok {
		return ErrUnknownCall
	}
	call.Credentials = material
	o.corr.Put(correlator.Inbound, call)
	o.schedule(id)
	return nil
}

// Cancel resolves the call with a cancellation outcome, wherever it currently
// sits. Cancelling an unknown or already resolved id is a no-op; any result
// computed for a cancelled call is discarded, never delivered.
func (o *Orchestrator) Cancel(id uint64) {
	if call, ok := o.corr.TakeAny(id); ok {
		call.Deliver(domain.Cancelled())
		o.log.Debug("call cancelled", slog.Uint64("call_id", id))
	}
}

// CancelAll cancels every tracked call in all three stages atomically per
// queue.
func (o *Orchestrator) CancelAll() int {
	n := o.corr.RemoveMatchingAll(func(*domain.PendingCall) bool { return true })
	if n > 0 {
		o.log.Info("cancelled all pending calls", slog.Int("count", n))
	}
	return n
}

// Pending reports how many calls currently sit in the given stage.
func (o *Orchestrator) Pending(q correlator.Queue) int { return o.corr.Len(q) }

// Close stops the workers and cancels every remaining call. Safe to call more
// than once.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.cancelCtx()
		o.wg.Wait()
		o.CancelAll()
	})
}

func (o *Orchestrator) schedule(id uint64) {
	select {
	case o.jobs <- id:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) notify(id uint64) {
	providers := []string{ProviderEnterprise}
	if o.verifiers != nil {
		providers = append(providers, ProviderCrossDevice)
	}
	select {
	case o.notifications <- AuthenticationNeeded{CallID: id, Providers: providers}:
	default:
		// The application is not draining notifications; the call stays
		// parked and can still be resolved via SupplyCredentials or Cancel.
		o.log.Warn("authentication notification dropped", slog.Uint64("call_id", id))
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case id := <-o.jobs:
			o.process(id)
		}
	}
}

func (o *Orchestrator) process(id uint64) {
	call, ok := o.corr.Take(correlator.Inbound, id)
	if !ok {
		// Cancelled while queued for a worker.
		return
	}

	ctx := slogx.WithCallID(o.ctx, id)

	// A cross-device approval resolves to an authorization-code grant by
	// consuming the verifier bound to its state. The verifier is single-use;
	// the resolved material is what any retry reuses.
	if m, ok := call.Credentials.(domain.CrossDeviceApproval); ok {
		if o.verifiers == nil {
			call.Deliver(failureOutcome(domain.NewError(domain.KindStateMismatch, "no cross-device approval channel configured")))
			return
		}
		verifier, err := o.verifiers.Consume(m.State)
		if err != nil {
			call.Deliver(failureOutcome(domain.AsError(err)))
			return
		}
		call.Credentials = domain.AuthorizationCode{
			Code:     m.Code,
			State:    m.State,
			Verifier: verifier,
		}
	}

	o.corr.Put(correlator.Active, call)

	for {
		out, retryable, aerr := o.attempt(ctx, call)
		if aerr == nil {
			o.finish(id, out)
			return
		}
		if retryable && call.RetryCount < domain.MaxRetries {
			call.RetryCount++
			o.log.Debug("retrying call after credential invalidation",
				slog.Uint64("call_id", id),
				slog.String("kind", aerr.Kind.String()))
			continue
		}
		o.finish(id, failureOutcome(aerr))
		return
	}
}

// attempt performs one full authentication attempt plus the API round trip.
// The bool reports whether the failure permits the single transparent retry.
func (o *Orchestrator) attempt(ctx context.Context, call *domain.PendingCall) (domain.Outcome, bool, *domain.Error) {
	reg, err := o.life.EnsureRegistered(ctx, call.Credentials, call.WantIDToken)
	if err != nil {
		derr := domain.AsError(err)
		return domain.Outcome{}, domain.IsRetryable(derr), derr
	}

	state, err := o.life.EnsureToken(ctx, call.Credentials, call.WantIDToken)
	if err != nil {
		derr := domain.AsError(err)
		return domain.Outcome{}, domain.IsRetryable(derr), derr
	}

	p := call.Payload
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		return domain.Outcome{}, false, domain.WrapTransport(err)
	}
	for k, vs := range p.Header {
		req.Header[k] = vs
	}
	req.Header.Set("Authorization", "Bearer "+state.AccessToken)
	if reg.MagIdentifier != "" {
		req.Header.Set(protocol.HeaderMagIdentifier, reg.MagIdentifier)
	}

	resp, err := o.exec.Do(req)
	if err != nil {
		return domain.Outcome{}, false, domain.WrapTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Outcome{}, false, domain.WrapTransport(err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		derr := protocol.DecodeError(resp, body, domain.FamilyToken, o.codes)
		if derr.Kind == domain.KindInvalidClient {
			o.life.ClearClientCredentials(ctx)
		} else {
			// Stale access token; drop it so the retry refreshes.
			o.life.InvalidateAccessToken(ctx)
		}
		return domain.Outcome{}, true, derr
	}

	// Any other status is the caller's business, not an authentication
	// failure; deliver it as the call's result.
	return domain.Outcome{
		Kind:   domain.OutcomeSuccess,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, false, nil
}

// finish delivers the outcome if, and only if, the call is still ours: a
// concurrent cancellation removes it from the active queue first, and the
// computed result is then discarded.
func (o *Orchestrator) finish(id uint64, out domain.Outcome) {
	call, ok := o.corr.Take(correlator.Active, id)
	if !ok {
		o.log.Debug("result discarded for cancelled call", slog.Uint64("call_id", id))
		return
	}
	o.corr.Put(correlator.Completed, call)

	if call, ok := o.corr.Take(correlator.Completed, id); ok {
		call.Deliver(out)
	}
}

func failureOutcome(err *domain.Error) domain.Outcome {
	if err.Kind == domain.KindCancelled {
		return domain.Cancelled()
	}
	return domain.Outcome{Kind: domain.OutcomeFailure, Err: err}
}
