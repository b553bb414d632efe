package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealth struct {
	mu        sync.Mutex
	unhealthy map[string]string
}

func newFakeHealth(down ...string) *fakeHealth {
	h := &fakeHealth{unhealthy: map[string]string{}}
	for _, id := range down {
		h.unhealthy[id] = "down"
	}
	return h
}

func (h *fakeHealth) IsHealthy(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, bad := h.unhealthy[id]
	return !bad
}

func (h *fakeHealth) MarkUnhealthy(id, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unhealthy[id] = reason
}

type recordingOp struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]int // failures before success; -1 always fails
}

func (r *recordingOp) do(_ context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
	n := r.fail[id]
	if n < 0 || r.calls[id] <= n {
		return "", errors.New("rpc error")
	}
	return "0xtx-" + id, nil
}

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func TestDispatchFirstLedgerSucceeds(t *testing.T) {
	op := &recordingOp{calls: map[string]int{}, fail: map[string]int{}}
	e := NewExecutor(newFakeHealth(), nil, nil)

	res, err := e.Dispatch(context.Background(), op.do, []string{"a", "b"}, fastPolicy(2))
	require.NoError(t, err)
	assert.Equal(t, "a", res.LedgerID)
	assert.Equal(t, "0xtx-a", res.TxRef)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, op.calls["b"])
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	op := &recordingOp{calls: map[string]int{}, fail: map[string]int{"a": 2}}
	e := NewExecutor(newFakeHealth(), nil, nil)

	res, err := e.Dispatch(context.Background(), op.do, []string{"a"}, fastPolicy(2))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "a", res.LedgerID)
}

func TestDispatchFailsOverAndMarksUnhealthy(t *testing.T) {
	op := &recordingOp{calls: map[string]int{}, fail: map[string]int{"a": -1}}
	health := newFakeHealth()
	e := NewExecutor(health, nil, nil)

	res, err := e.Dispatch(context.Background(), op.do, []string{"a", "b"}, fastPolicy(2))
	require.NoError(t, err)
	assert.Equal(t, "b", res.LedgerID)
	assert.Equal(t, 3, op.calls["a"])
	assert.Equal(t, 4, res.Attempts)
	assert.False(t, health.IsHealthy("a"))
}

func TestDispatchSkipsUnhealthyWithoutAttempts(t *testing.T) {
	op := &recordingOp{calls: map[string]int{}, fail: map[string]int{}}
	e := NewExecutor(newFakeHealth("a", "b"), nil, nil)

	res, err := e.Dispatch(context.Background(), op.do, []string{"a", "b", "c"}, fastPolicy(2))
	require.NoError(t, err)
	assert.Equal(t, "c", res.LedgerID)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, op.calls["a"])
	assert.Zero(t, op.calls["b"])
}

func TestDispatchExhausted(t *testing.T) {
	op := &recordingOp{calls: map[string]int{}, fail: map[string]int{"a": -1, "b": -1}}
	health := newFakeHealth()
	e := NewExecutor(health, nil, nil)

	_, err := e.Dispatch(context.Background(), op.do, []string{"a", "b"}, fastPolicy(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, op.calls["a"])
	assert.Equal(t, 2, op.calls["b"])
	assert.False(t, health.IsHealthy("a"))
	assert.False(t, health.IsHealthy("b"))
}

func TestDispatchNoCandidates(t *testing.T) {
	e := NewExecutor(nil, nil, nil)
	_, err := e.Dispatch(context.Background(), func(context.Context, string) (string, error) {
		t.Fatal("op must not run")
		return "", nil
	}, nil, fastPolicy(0))
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestDispatchAttemptTimeout(t *testing.T) {
	e := NewExecutor(newFakeHealth(), nil, nil)
	policy := fastPolicy(0)
	policy.AttemptTimeout = 20 * time.Millisecond

	slow := func(ctx context.Context, id string) (string, error) {
		if id == "slow" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "0xok", nil
	}
	res, err := e.Dispatch(context.Background(), slow, []string{"slow", "fast"}, policy)
	require.NoError(t, err)
	assert.Equal(t, "fast", res.LedgerID)
}

func TestDispatchCancelledDuringBackoff(t *testing.T) {
	e := NewExecutor(newFakeHealth(), nil, nil)
	policy := RetryPolicy{MaxRetries: 5, InitialDelay: time.Hour, Multiplier: 2}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	op := func(context.Context, string) (string, error) {
		calls++
		cancel()
		return "", errors.New("rpc error")
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Dispatch(ctx, op, []string{"a", "b"}, policy)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrExhausted)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not observe cancellation")
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(20))
}
