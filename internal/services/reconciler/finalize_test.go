package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/settle/internal/domain"
)

// blockingLeg never answers until its context is cancelled.
func blockingLeg(ctx context.Context, ref string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestReconciler_FinalizeIsIdempotentUnderConcurrency(t *testing.T) {
	var successes, failures atomic.Int32
	r, err := New(nil, Leg{Status: blockingLeg},
		WithOnSuccess(func(context.Context, domain.TransferReference, string) {
			successes.Add(1)
			time.Sleep(5 * time.Millisecond)
		}),
		WithOnFailure(func(context.Context, domain.TransferReference, *domain.TerminalFailure) {
			failures.Add(1)
		}))
	require.NoError(t, err)

	require.NoError(t, r.Track(context.Background(), domain.TransferReference{
		ReferenceID: "REF-DUP",
		Amount:      decimal.NewFromInt(1),
		Currency:    "EUR",
	}))

	const events = 50
	var (
		wg      sync.WaitGroup
		handled atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < events; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			status := domain.StatusSuccessful
			if i%2 == 1 {
				status = domain.StatusFailed
			}
			if r.finalize(status) {
				handled.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), handled.Load(), "exactly one finalize call may win")
	assert.Equal(t, int32(1), successes.Load()+failures.Load(), "exactly one side effect")

	state := r.State()
	assert.True(t, state.Handled)
	assert.True(t, state.Phase.IsFinal())

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel not closed after finalization")
	}

	// teardown after finalization changes nothing
	r.Cancel()
	assert.Equal(t, state.Phase, r.State().Phase)
	assert.False(t, r.State().TornDown)
}

func TestReconciler_FinalizeIgnoresPending(t *testing.T) {
	r, err := New(nil, Leg{Status: blockingLeg})
	require.NoError(t, err)
	require.NoError(t, r.Track(context.Background(), domain.TransferReference{ReferenceID: "REF-P"}))
	defer r.Cancel()

	assert.False(t, r.finalize(domain.StatusPending))
	assert.False(t, r.State().Handled)
}

func TestReconciler_NoFinalizeAfterCancel(t *testing.T) {
	var successes atomic.Int32
	r, err := New(nil, Leg{Status: blockingLeg},
		WithOnSuccess(func(context.Context, domain.TransferReference, string) { successes.Add(1) }))
	require.NoError(t, err)
	require.NoError(t, r.Track(context.Background(), domain.TransferReference{ReferenceID: "REF-C"}))

	r.Cancel()

	assert.False(t, r.finalize(domain.StatusSuccessful))
	assert.Equal(t, int32(0), successes.Load())
	assert.Equal(t, domain.PhasePolling, r.State().Phase)
}

func TestFallbackIDFormat(t *testing.T) {
	r, err := New(nil, Leg{Status: blockingLeg})
	require.NoError(t, err)

	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := r.fallbackID()
		assert.Regexp(t, `^REF-[A-Z0-9]{10}$`, id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 100)
}
