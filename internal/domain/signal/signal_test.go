package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitAsync runs Wait on its own goroutine so tests can bound it.
func waitAsync(r *Receiver) <-chan result {
	ch := make(chan result, 1)
	go func() {
		sig, err := r.Wait()
		ch <- result{sig: sig, err: err}
	}()
	return ch
}

type result struct {
	sig Signal
	err error
}

func receive(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signal")
		return result{}
	}
}

func TestSubmitFromOtherGoroutineWakesWaiter(t *testing.T) {
	r := NewReceiver("test")
	ctx := NewContext("child")
	h, err := r.Manage(ctx)
	require.NoError(t, err)

	done := waitAsync(r)
	go h.Submit(1)

	res := receive(t, done)
	require.NoError(t, res.err)
	assert.Same(t, ctx, res.sig.Context)
	assert.Equal(t, uint(1), res.sig.Num)
	assert.Equal(t, uint(0), r.Pending(ctx))
	assert.NoError(t, Expect(res.sig, ctx))
}

func TestOccurrencesAccumulate(t *testing.T) {
	r := NewReceiver("test")
	ctx := NewContext("child")
	h, err := r.Manage(ctx)
	require.NoError(t, err)

	h.Submit(1)
	h.Submit(2)
	h.Submit(0)
	assert.Equal(t, uint(4), r.Pending(ctx))

	sig, err := r.Wait()
	require.NoError(t, err)
	assert.Equal(t, uint(4), sig.Num)
	assert.Equal(t, uint(0), r.Pending(ctx))
	assert.Equal(t, uint64(1), r.Received())
}

func TestManageTwiceFails(t *testing.T) {
	a := NewReceiver("a")
	b := NewReceiver("b")
	ctx := NewContext("ctx")

	_, err := a.Manage(ctx)
	require.NoError(t, err)

	_, err = a.Manage(ctx)
	assert.ErrorIs(t, err, ErrAlreadyManaged)
	_, err = b.Manage(ctx)
	assert.ErrorIs(t, err, ErrAlreadyManaged)
}

func TestDissolveDiscardsPendingAndStaleHandlersAreNoops(t *testing.T) {
	r := NewReceiver("test")
	ctx := NewContext("ctx")

	stale, err := r.Manage(ctx)
	require.NoError(t, err)
	stale.Submit(3)

	require.NoError(t, r.Dissolve(ctx))
	assert.False(t, r.Manages(ctx))
	assert.ErrorIs(t, r.Dissolve(ctx), ErrNotManaged)

	// no spurious wake-up from a dissolved context
	stale.Submit(1)
	done := waitAsync(r)
	select {
	case res := <-done:
		t.Fatalf("unexpected wake-up: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}

	// re-managed context fires again, old handler stays dead
	fresh, err := r.Manage(ctx)
	require.NoError(t, err)
	stale.Submit(1)
	assert.Equal(t, uint(0), r.Pending(ctx))

	fresh.Submit(1)
	res := receive(t, done)
	require.NoError(t, res.err)
	assert.Same(t, ctx, res.sig.Context)
	assert.Equal(t, uint(1), res.sig.Num)
}

func TestReManageOnDifferentReceiver(t *testing.T) {
	a := NewReceiver("a")
	b := NewReceiver("b")
	ctx := NewContext("ctx")

	ha, err := a.Manage(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Dissolve(ctx))

	hb, err := b.Manage(ctx)
	require.NoError(t, err)

	ha.Submit(1)
	assert.Equal(t, uint(0), b.Pending(ctx))
	assert.Equal(t, uint(0), a.Pending(ctx))

	hb.Submit(1)
	sig, err := b.Wait()
	require.NoError(t, err)
	assert.Same(t, ctx, sig.Context)
}

func TestPendingContextsAreDeliveredInOrder(t *testing.T) {
	r := NewReceiver("test")
	first := NewContext("first")
	second := NewContext("second")
	h1, err := r.Manage(first)
	require.NoError(t, err)
	h2, err := r.Manage(second)
	require.NoError(t, err)

	// first keeps firing; second must still be delivered
	h1.Submit(1)
	h2.Submit(1)
	for i := 0; i < 10; i++ {
		sig, err := r.Wait()
		require.NoError(t, err)
		if i == 1 {
			assert.Same(t, second, sig.Context)
		}
		h1.Submit(1)
	}
}

func TestSecondWaiterIsRejected(t *testing.T) {
	r := NewReceiver("test")
	ctx := NewContext("ctx")
	h, err := r.Manage(ctx)
	require.NoError(t, err)

	done := waitAsync(r)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.waiting
	}, time.Second, time.Millisecond)

	_, err = r.Wait()
	assert.ErrorIs(t, err, ErrReceiverBusy)

	h.Submit(1)
	res := receive(t, done)
	require.NoError(t, res.err)
}

func TestCloseWakesWaiter(t *testing.T) {
	r := NewReceiver("")
	ctx := NewContext("ctx")
	h, err := r.Manage(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, r.Name())

	done := waitAsync(r)
	r.Close()

	res := receive(t, done)
	assert.ErrorIs(t, res.err, ErrReceiverClosed)
	assert.False(t, r.Manages(ctx))

	h.Submit(1)
	_, err = r.Manage(ctx)
	assert.ErrorIs(t, err, ErrReceiverClosed)

	// the context is free for another receiver
	_, err = NewReceiver("other").Manage(ctx)
	assert.NoError(t, err)
}

func TestExpect(t *testing.T) {
	want := NewContext("want")
	other := NewContext("other")

	assert.NoError(t, Expect(Signal{Context: want, Num: 1}, want))

	err := Expect(Signal{Context: other, Num: 2}, want)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedSignal)

	var corr *CorrelationError
	require.True(t, errors.As(err, &corr))
	assert.Same(t, other, corr.Got)
	assert.Contains(t, err.Error(), "other")

	assert.ErrorIs(t, Expect(Signal{Context: want}, want), ErrUnexpectedSignal)
}

func TestZeroHandlerIsHarmless(t *testing.T) {
	var h Handler
	assert.False(t, h.Valid())
	assert.NotPanics(t, func() { h.Submit(1) })
	assert.Equal(t, "signal-handler(invalid)", h.String())
}
