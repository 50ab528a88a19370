package correlator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perimetra/magkit/internal/gateway/domain"
)

func newCall() *domain.PendingCall {
	return domain.NewPendingCall(domain.CallPayload{Method: "GET", URL: "https://gw/api/thing"})
}

func TestRegisterAssignsMonotonicIDs(t *testing.T) {
	c := New()

	a := c.Register(newCall())
	b := c.Register(newCall())
	d := c.Register(newCall())

	require.Less(t, a, b)
	require.Less(t, b, d)
	require.Equal(t, 3, c.Len(Inbound))
}

func TestTakeRemoves(t *testing.T) {
	c := New()
	id := c.Register(newCall())

	call, ok := c.Take(Inbound, id)
	require.True(t, ok)
	require.Equal(t, id, call.ID)

	// Second take finds nothing; the id is gone.
	_, ok = c.Take(Inbound, id)
	require.False(t, ok)
	require.Equal(t, 0, c.Len(Inbound))
}

func TestTakeUnknownID(t *testing.T) {
	c := New()
	_, ok := c.Take(Inbound, 12345)
	require.False(t, ok)
}

func TestAdvanceBetweenQueues(t *testing.T) {
	c := New()
	id := c.Register(newCall())

	call, ok := c.Take(Inbound, id)
	require.True(t, ok)
	c.Put(Active, call)

	require.Equal(t, 0, c.Len(Inbound))
	require.Equal(t, 1, c.Len(Active))

	call, ok = c.Take(Active, id)
	require.True(t, ok)
	c.Put(Completed, call)
	require.Equal(t, 1, c.Len(Completed))
}

func TestTakeAnyFindsAcrossQueues(t *testing.T) {
	c := New()
	id := c.Register(newCall())

	call, _ := c.Take(Inbound, id)
	c.Put(Active, call)

	found, ok := c.TakeAny(id)
	require.True(t, ok)
	require.Equal(t, id, found.ID)
	require.Equal(t, 0, c.Len(Active))
}

func TestRemoveMatchingDeliversCancellation(t *testing.T) {
	c := New()
	call := newCall()
	id := c.Register(call)
	keep := newCall()
	c.Register(keep)

	n := c.RemoveMatching(Inbound, func(pc *domain.PendingCall) bool {
		return pc.ID == id
	})
	require.Equal(t, 1, n)
	require.Equal(t, 1, c.Len(Inbound))

	// The removed call received its cancellation outcome.
	out := <-call.Result()
	require.Equal(t, domain.OutcomeCancelled, out.Kind)

	// The kept call has no outcome yet.
	select {
	case <-keep.Result():
		t.Fatal("kept call received an outcome")
	default:
	}
}

func TestRemoveMatchingAllSweepsEveryQueue(t *testing.T) {
	c := New()

	inbound := newCall()
	c.Register(inbound)

	active := newCall()
	id := c.Register(active)
	moved, _ := c.Take(Inbound, id)
	c.Put(Active, moved)

	n := c.RemoveMatchingAll(func(*domain.PendingCall) bool { return true })
	require.Equal(t, 2, n)
	require.Equal(t, 0, c.Len(Inbound))
	require.Equal(t, 0, c.Len(Active))
	require.Equal(t, 0, c.Len(Completed))

	for _, call := range []*domain.PendingCall{inbound, active} {
		out := <-call.Result()
		require.Equal(t, domain.OutcomeCancelled, out.Kind)
	}
}

func TestDeliverIsIdempotent(t *testing.T) {
	call := newCall()
	call.Deliver(domain.Outcome{Kind: domain.OutcomeSuccess, Status: 200})
	call.Deliver(domain.Cancelled())

	out := <-call.Result()
	require.Equal(t, domain.OutcomeSuccess, out.Kind)
	require.Equal(t, 200, out.Status)

	// Channel is closed after the single delivery.
	_, open := <-call.Result()
	require.False(t, open)
}
