package reconciler_test

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/settle/internal/domain"
	"github.com/vadiminshakov/settle/internal/services/poller"
	"github.com/vadiminshakov/settle/internal/services/reconciler"
	submitterMock "github.com/vadiminshakov/settle/mocks/submitter"
	"github.com/vadiminshakov/settle/pkg/backoff"
)

const waitTimeout = 5 * time.Second

// scriptedLeg answers with the scripted statuses in order and repeats the last one.
type scriptedLeg struct {
	mu    sync.Mutex
	steps []legStep
	calls int
	refs  []string
}

type legStep struct {
	status string
	err    error
}

func (l *scriptedLeg) Status(ctx context.Context, ref string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refs = append(l.refs, ref)
	i := l.calls
	if i >= len(l.steps) {
		i = len(l.steps) - 1
	}
	l.calls++

	return l.steps[i].status, l.steps[i].err
}

func (l *scriptedLeg) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *scriptedLeg) Refs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.refs...)
}

func statuses(s ...string) []legStep {
	steps := make([]legStep, 0, len(s))
	for _, status := range s {
		steps = append(steps, legStep{status: status})
	}
	return steps
}

type outcomes struct {
	successes atomic.Int32
	failures  atomic.Int32

	mu      sync.Mutex
	txIDs   []string
	failure *domain.TerminalFailure
}

func (o *outcomes) options() []reconciler.Option {
	return []reconciler.Option{
		reconciler.WithOnSuccess(func(ctx context.Context, ref domain.TransferReference, txID string) {
			o.successes.Add(1)
			o.mu.Lock()
			o.txIDs = append(o.txIDs, txID)
			o.mu.Unlock()
		}),
		reconciler.WithOnFailure(func(ctx context.Context, ref domain.TransferReference, f *domain.TerminalFailure) {
			o.failures.Add(1)
			o.mu.Lock()
			o.failure = f
			o.mu.Unlock()
		}),
	}
}

func fastPolling() reconciler.Option {
	return reconciler.WithPollerOptions(
		poller.WithSchedule(backoff.Fixed(time.Millisecond)),
		poller.WithErrorDelay(time.Millisecond),
	)
}

func waitDone(t *testing.T, r *reconciler.Reconciler) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(waitTimeout):
		t.Fatal("reconciliation did not finish in time")
	}
}

var transferRequest = domain.TransferRequest{
	Amount:   decimal.NewFromInt(100),
	Currency: "EUR",
	MethodID: "b1",
}

func TestReconciler_ThreePollSuccess(t *testing.T) {
	sub := submitterMock.NewSubmitter(t)
	sub.On("Submit", mock.Anything, transferRequest).
		Return(domain.SubmissionReceipt{ReferenceID: "REF-1", Status: "pending"}, nil).
		Once()

	transfer := &scriptedLeg{steps: statuses("processing", "completed", "completed")}
	settlement := &scriptedLeg{steps: statuses("pending", "completed")}

	out := &outcomes{}
	opts := append(out.options(),
		fastPolling(),
		reconciler.WithSecondaryLegs(reconciler.Leg{Name: "settlement", Status: settlement.Status}),
		reconciler.WithTransactionIDs(func() string { return "tx-1" }),
	)
	r, err := reconciler.New(sub, reconciler.Leg{Name: "transfer", Status: transfer.Status}, opts...)
	require.NoError(t, err)

	ref, err := r.Submit(context.Background(), transferRequest)
	require.NoError(t, err)
	assert.Equal(t, "REF-1", ref.ReferenceID)
	assert.False(t, ref.Degraded)

	waitDone(t, r)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 3, transfer.Calls(), "one transfer query per poll")
	assert.Equal(t, 2, settlement.Calls(), "settlement queried only after transfer completed")
	assert.Equal(t, int32(1), out.successes.Load(), "success must fire exactly once")
	assert.Equal(t, int32(0), out.failures.Load())

	state := r.State()
	assert.Equal(t, domain.PhaseComplete, state.Phase)
	assert.Equal(t, domain.StatusSuccessful, state.Status)
	assert.True(t, state.Handled)
	assert.Equal(t, "tx-1", state.TransactionID)
	assert.Equal(t, "REF-1", state.ReferenceID)
}

func TestReconciler_FallbackReferenceOnSubmissionFailure(t *testing.T) {
	sub := submitterMock.NewSubmitter(t)
	sub.On("Submit", mock.Anything, transferRequest).
		Return(domain.SubmissionReceipt{}, &domain.SubmissionError{Err: &domain.NetworkError{Op: "submit transfer", Err: errors.New("no route to host")}}).
		Once()

	transfer := &scriptedLeg{steps: statuses("pending", "success")}
	out := &outcomes{}
	r, err := reconciler.New(sub, reconciler.Leg{Status: transfer.Status}, append(out.options(), fastPolling())...)
	require.NoError(t, err)

	ref, err := r.Submit(context.Background(), transferRequest)

	var se *domain.SubmissionError
	require.ErrorAs(t, err, &se)
	var ne *domain.NetworkError
	require.ErrorAs(t, err, &ne)

	assert.Regexp(t, regexp.MustCompile(`^REF-[A-Z0-9]+$`), ref.ReferenceID)
	assert.True(t, ref.Degraded)

	waitDone(t, r)

	for _, polled := range transfer.Refs() {
		assert.Equal(t, ref.ReferenceID, polled, "polling must use the fallback reference")
	}
	assert.Equal(t, int32(1), out.successes.Load())
	assert.True(t, r.State().Degraded)
}

func TestReconciler_PlainSubmitterErrorBecomesSubmissionError(t *testing.T) {
	sub := submitterMock.NewSubmitter(t)
	sub.On("Submit", mock.Anything, mock.Anything).Return(domain.SubmissionReceipt{}, errors.New("boom")).Once()

	transfer := &scriptedLeg{steps: statuses("failed")}
	r, err := reconciler.New(sub, reconciler.Leg{Status: transfer.Status}, fastPolling())
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), transferRequest)
	var se *domain.SubmissionError
	require.ErrorAs(t, err, &se)

	waitDone(t, r)
}

func TestReconciler_FailureOnSecondaryLeg(t *testing.T) {
	sub := submitterMock.NewSubmitter(t)
	sub.On("Submit", mock.Anything, transferRequest).Return(domain.SubmissionReceipt{ReferenceID: "REF-2"}, nil).Once()

	transfer := &scriptedLeg{steps: statuses("completed")}
	settlement := &scriptedLeg{steps: statuses("processing", "REFUNDED")}

	out := &outcomes{}
	opts := append(out.options(), fastPolling(),
		reconciler.WithSecondaryLegs(reconciler.Leg{Name: "settlement", Status: settlement.Status}))
	r, err := reconciler.New(sub, reconciler.Leg{Name: "transfer", Status: transfer.Status}, opts...)
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), transferRequest)
	require.NoError(t, err)
	waitDone(t, r)

	assert.Equal(t, int32(0), out.successes.Load(), "nothing is credited on failure")
	assert.Equal(t, int32(1), out.failures.Load())

	out.mu.Lock()
	failure := out.failure
	out.mu.Unlock()
	require.NotNil(t, failure)
	assert.Equal(t, "REF-2", failure.ReferenceID)
	assert.Equal(t, "settlement", failure.Leg)
	assert.Equal(t, "REFUNDED", failure.ProviderStatus)

	state := r.State()
	assert.Equal(t, domain.PhaseFailed, state.Phase)
	assert.True(t, state.Handled)
	assert.Empty(t, state.TransactionID)
}

func TestReconciler_TransientErrorsAreAbsorbed(t *testing.T) {
	sub := submitterMock.NewSubmitter(t)
	sub.On("Submit", mock.Anything, transferRequest).Return(domain.SubmissionReceipt{ReferenceID: "REF-3"}, nil).Once()

	flaky := errors.New("503 from gateway")
	transfer := &scriptedLeg{steps: []legStep{
		{err: flaky}, {err: flaky}, {err: flaky}, {err: flaky}, {err: flaky},
		{status: "completed"},
	}}

	out := &outcomes{}
	r, err := reconciler.New(sub, reconciler.Leg{Status: transfer.Status}, append(out.options(), fastPolling())...)
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), transferRequest)
	require.NoError(t, err)
	waitDone(t, r)

	assert.Equal(t, 6, transfer.Calls())
	assert.Equal(t, int32(1), out.successes.Load())
}

func TestReconciler_CancelDuringInFlightFetch(t *testing.T) {
	sub := submitterMock.NewSubmitter(t)
	sub.On("Submit", mock.Anything, transferRequest).Return(domain.SubmissionReceipt{ReferenceID: "REF-4"}, nil).Once()

	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	leg := func(ctx context.Context, ref string) (string, error) {
		once.Do(func() { close(inFlight) })
		<-release
		return "completed", nil
	}

	out := &outcomes{}
	r, err := reconciler.New(sub, reconciler.Leg{Status: leg}, append(out.options(), fastPolling())...)
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), transferRequest)
	require.NoError(t, err)

	<-inFlight
	r.Cancel()
	close(release)

	waitDone(t, r)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int32(0), out.successes.Load(), "late response must not finalize a torn down reconciliation")
	assert.Equal(t, int32(0), out.failures.Load())

	state := r.State()
	assert.False(t, state.Handled)
	assert.True(t, state.TornDown)
	assert.Equal(t, domain.PhasePolling, state.Phase)

	// no autonomous retry
	_, err = r.Submit(context.Background(), transferRequest)
	assert.ErrorIs(t, err, reconciler.ErrTornDown)
}

func TestReconciler_CancelBeforeSubmit(t *testing.T) {
	transfer := &scriptedLeg{steps: statuses("completed")}
	r, err := reconciler.New(submitterMock.NewSubmitter(t), reconciler.Leg{Status: transfer.Status})
	require.NoError(t, err)

	r.Cancel()
	waitDone(t, r)

	_, err = r.Submit(context.Background(), transferRequest)
	assert.ErrorIs(t, err, reconciler.ErrTornDown)
	assert.Zero(t, transfer.Calls())
}

func TestReconciler_SubmitValidation(t *testing.T) {
	transfer := &scriptedLeg{steps: statuses("completed")}
	r, err := reconciler.New(submitterMock.NewSubmitter(t), reconciler.Leg{Status: transfer.Status})
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), domain.TransferRequest{Amount: decimal.Zero, Currency: "EUR"})
	assert.Error(t, err)

	_, err = r.Submit(context.Background(), domain.TransferRequest{Amount: decimal.NewFromInt(5)})
	assert.Error(t, err)
}

func TestReconciler_SubmitOnlyOnce(t *testing.T) {
	sub := submitterMock.NewSubmitter(t)
	sub.On("Submit", mock.Anything, transferRequest).Return(domain.SubmissionReceipt{ReferenceID: "REF-5"}, nil).Once()

	transfer := &scriptedLeg{steps: statuses("completed")}
	r, err := reconciler.New(sub, reconciler.Leg{Status: transfer.Status}, fastPolling())
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), transferRequest)
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), transferRequest)
	assert.ErrorIs(t, err, reconciler.ErrAlreadyStarted)

	assert.ErrorIs(t, r.Track(context.Background(), domain.TransferReference{ReferenceID: "REF-X"}), reconciler.ErrAlreadyStarted)
	waitDone(t, r)
}

func TestReconciler_PollContextCancelledTearsDown(t *testing.T) {
	transfer := &scriptedLeg{steps: statuses("pending")}
	out := &outcomes{}
	r, err := reconciler.New(nil, reconciler.Leg{Status: transfer.Status}, append(out.options(), fastPolling())...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Track(ctx, domain.TransferReference{ReferenceID: "REF-9"}))
	require.Eventually(t, func() bool { return transfer.Calls() > 0 }, waitTimeout, time.Millisecond)

	cancel()
	waitDone(t, r)

	state := r.State()
	assert.True(t, state.TornDown)
	assert.False(t, state.Handled)
	assert.Equal(t, domain.PhasePolling, state.Phase)
	assert.Equal(t, int32(0), out.successes.Load())
	assert.Equal(t, int32(0), out.failures.Load())
}

func TestReconciler_TrackAndQuery(t *testing.T) {
	transfer := &scriptedLeg{steps: statuses("processing", "processing", "settled")}

	var updates atomic.Int32
	out := &outcomes{}
	opts := append(out.options(), fastPolling(),
		reconciler.WithOnUpdate(func(domain.ReconciliationState) { updates.Add(1) }))
	r, err := reconciler.New(nil, reconciler.Leg{Status: transfer.Status}, opts...)
	require.NoError(t, err)

	_, err = r.Query(context.Background())
	assert.ErrorIs(t, err, reconciler.ErrNoReference)

	ref := domain.TransferReference{ReferenceID: "REF-OLD", Amount: decimal.NewFromInt(10), Currency: "EUR"}
	require.NoError(t, r.Track(context.Background(), ref))
	waitDone(t, r)

	assert.Equal(t, int32(1), out.successes.Load())
	assert.Equal(t, int32(3), updates.Load(), "two pending updates and one final")
	assert.Equal(t, "REF-OLD", r.Reference().ReferenceID)

	status, err := r.Query(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccessful, status)
	assert.Equal(t, int32(1), out.successes.Load(), "query never finalizes")
}

func TestNew_RequiresPrimaryLeg(t *testing.T) {
	_, err := reconciler.New(nil, reconciler.Leg{})
	assert.Error(t, err)

	_, err = reconciler.New(nil, reconciler.Leg{Status: (&scriptedLeg{}).Status}, reconciler.WithSecondaryLegs(reconciler.Leg{Name: "x"}))
	assert.Error(t, err)
}
