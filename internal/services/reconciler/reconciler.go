package reconciler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jaevor/go-nanoid"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/settle/internal/domain"
	"github.com/vadiminshakov/settle/internal/services/poller"
	"go.uber.org/zap"
)

const (
	fallbackPrefix   = "REF-"
	fallbackAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	fallbackLength   = 10
)

var (
	// ErrAlreadyStarted is returned by Submit and Track on an instance that already has a transfer.
	ErrAlreadyStarted = errors.New("reconciliation already started")
	// ErrTornDown is returned when the instance was cancelled before polling could begin.
	ErrTornDown = errors.New("reconciliation torn down")
	// ErrNoReference is returned by Query before a transfer is known.
	ErrNoReference = errors.New("no transfer reference")
)

// Submitter sends a funding request to the provider.
type Submitter interface {
	Submit(ctx context.Context, req domain.TransferRequest) (domain.SubmissionReceipt, error)
}

// StatusFunc returns the raw provider status of one leg of a transfer.
type StatusFunc func(ctx context.Context, referenceID string) (string, error)

// Leg is one downstream status source.
type Leg struct {
	Name   string
	Status StatusFunc
}

// SuccessFunc is the success side effect.
type SuccessFunc func(ctx context.Context, ref domain.TransferReference, transactionID string)

// FailureFunc is the failure side effect.
type FailureFunc func(ctx context.Context, ref domain.TransferReference, failure *domain.TerminalFailure)

type recorder interface {
	PollTick(result string)
	TransferFinalized(status string, degraded bool)
}

// Reconciler drives a single transfer from submission to a terminal outcome.
// The success or failure side effect runs at most once per instance, and never after Cancel returns.
type Reconciler struct {
	submitter  Submitter
	primary    Leg
	secondary  []Leg
	pollerOpts []poller.Option

	onSuccess SuccessFunc
	onFailure FailureFunc
	onUpdate  func(domain.ReconciliationState)

	fallbackID    func() string
	transactionID func() string
	now           func() time.Time
	l             *zap.Logger
	metrics       recorder

	mu          sync.Mutex
	started     bool
	ref         domain.TransferReference
	state       domain.ReconciliationState
	lastFailure *domain.TerminalFailure
	poller      *poller.Poller
	ctx         context.Context

	// finalizeMu is held across the side effects so Cancel can wait for them.
	finalizeMu sync.Mutex
	done       chan struct{}
	doneOnce   sync.Once
}

// Option defines a function to configure the Reconciler.
type Option func(*Reconciler)

// WithSecondaryLegs adds legs consulted once the primary leg reports success.
func WithSecondaryLegs(legs ...Leg) Option {
	return func(r *Reconciler) {
		r.secondary = append(r.secondary, legs...)
	}
}

// WithPollerOptions configures the underlying poller (schedule, delays, clock).
func WithPollerOptions(opts ...poller.Option) Option {
	return func(r *Reconciler) {
		r.pollerOpts = append(r.pollerOpts, opts...)
	}
}

// WithOnSuccess sets the success side effect.
func WithOnSuccess(fn SuccessFunc) Option {
	return func(r *Reconciler) {
		r.onSuccess = fn
	}
}

// WithOnFailure sets the failure side effect.
func WithOnFailure(fn FailureFunc) Option {
	return func(r *Reconciler) {
		r.onFailure = fn
	}
}

// WithOnUpdate receives a state snapshot after every poll and after finalization.
// The callback must not call Cancel.
func WithOnUpdate(fn func(domain.ReconciliationState)) Option {
	return func(r *Reconciler) {
		r.onUpdate = fn
	}
}

// WithFallbackIDs overrides the generator of local reference ids.
func WithFallbackIDs(gen func() string) Option {
	return func(r *Reconciler) {
		r.fallbackID = gen
	}
}

// WithTransactionIDs overrides the generator of transaction ids.
func WithTransactionIDs(gen func() string) Option {
	return func(r *Reconciler) {
		r.transactionID = gen
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.l = l
		}
	}
}

// WithRecorder reports poll ticks and finalizations.
func WithRecorder(rec recorder) Option {
	return func(r *Reconciler) {
		r.metrics = rec
	}
}

// New creates a reconciler that submits through submitter and polls primary first.
func New(submitter Submitter, primary Leg, opts ...Option) (*Reconciler, error) {
	if primary.Status == nil {
		return nil, errors.New("primary status leg is required")
	}
	if primary.Name == "" {
		primary.Name = "transfer"
	}

	suffix, err := nanoid.CustomASCII(fallbackAlphabet, fallbackLength)
	if err != nil {
		return nil, errors.Wrap(err, "init fallback id generator")
	}

	r := &Reconciler{
		submitter:     submitter,
		primary:       primary,
		fallbackID:    func() string { return fallbackPrefix + suffix() },
		transactionID: func() string { return uuid.NewString() },
		now:           time.Now,
		l:             zap.NewNop(),
		state:         domain.ReconciliationState{Phase: domain.PhaseSubmit, Status: domain.StatusPending},
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	for i, leg := range r.secondary {
		if leg.Status == nil {
			return nil, errors.Errorf("secondary leg %d has no status func", i)
		}
	}

	return r, nil
}

// Submit sends the funding request and starts polling.
// When the provider does not acknowledge the request a local fallback reference is
// generated and polling proceeds with it: both the reference and the
// *domain.SubmissionError are returned so the caller can surface the degraded state.
func (r *Reconciler) Submit(ctx context.Context, req domain.TransferRequest) (domain.TransferReference, error) {
	if !req.Amount.IsPositive() {
		return domain.TransferReference{}, errors.Errorf("amount must be positive, got %s", req.Amount)
	}
	if strings.TrimSpace(req.Currency) == "" {
		return domain.TransferReference{}, errors.New("currency is required")
	}
	if r.submitter == nil {
		return domain.TransferReference{}, errors.New("no submitter configured")
	}

	if err := r.claim(); err != nil {
		return domain.TransferReference{}, err
	}

	ref := domain.TransferReference{
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		MethodID:    req.MethodID,
		SubmittedAt: r.now(),
	}

	var submitErr error
	receipt, err := r.submitter.Submit(ctx, req)
	if err != nil {
		var se *domain.SubmissionError
		if !errors.As(err, &se) {
			err = &domain.SubmissionError{Err: err}
		}
		submitErr = err

		ref.ReferenceID = r.fallbackID()
		ref.Degraded = true
		r.l.Warn("submission not acknowledged, polling with fallback reference",
			zap.String("reference_id", ref.ReferenceID),
			zap.Error(err))
	} else {
		ref.ReferenceID = receipt.ReferenceID
		r.l.Info("transfer submitted",
			zap.String("reference_id", ref.ReferenceID),
			zap.String("provider_status", receipt.Status),
			zap.String("amount", ref.Amount.String()),
			zap.String("currency", ref.Currency))
	}

	if err := r.begin(ctx, ref); err != nil {
		return ref, err
	}

	return ref, submitErr
}

// Track starts reconciliation of a transfer submitted earlier.
func (r *Reconciler) Track(ctx context.Context, ref domain.TransferReference) error {
	if ref.ReferenceID == "" {
		return ErrNoReference
	}
	if err := r.claim(); err != nil {
		return err
	}
	if ref.SubmittedAt.IsZero() {
		ref.SubmittedAt = r.now()
	}

	return r.begin(ctx, ref)
}

// Query checks the transfer once without finalizing it.
func (r *Reconciler) Query(ctx context.Context) (domain.CanonicalStatus, error) {
	r.mu.Lock()
	hasRef := r.ref.ReferenceID != ""
	r.mu.Unlock()

	if !hasRef {
		return "", ErrNoReference
	}

	return r.fetch(ctx)
}

// Cancel stops polling. A transfer that has not reached a terminal status stays
// unhandled and is not retried. When Cancel returns no side effect is running or will run.
// It must not be called from the update callback.
func (r *Reconciler) Cancel() {
	r.mu.Lock()
	if !r.state.Handled && !r.state.TornDown {
		r.state.TornDown = true
		r.l.Info("reconciliation torn down", zap.String("reference_id", r.ref.ReferenceID))
	}
	p := r.poller
	r.mu.Unlock()

	if p != nil {
		p.Stop()
	}

	// wait for a finalization that already passed its guard
	r.finalizeMu.Lock()
	r.finalizeMu.Unlock() //nolint:staticcheck

	r.closeDone()
}

// State returns a snapshot of the reconciliation.
func (r *Reconciler) State() domain.ReconciliationState {
	r.mu.Lock()
	s := r.state
	p := r.poller
	r.mu.Unlock()

	if p != nil && !s.Phase.IsFinal() && !s.TornDown {
		snap := p.Snapshot()
		s.ElapsedSeconds = snap.Elapsed.Seconds()
		s.Stuck = snap.Stuck
	}

	return s
}

// Reference returns the transfer reference, empty before Submit or Track.
func (r *Reconciler) Reference() domain.TransferReference {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ref
}

// Done is closed once the transfer is finalized or the instance is torn down.
func (r *Reconciler) Done() <-chan struct{} {
	return r.done
}

func (r *Reconciler) claim() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.TornDown {
		return ErrTornDown
	}
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	return nil
}

func (r *Reconciler) begin(ctx context.Context, ref domain.TransferReference) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.TornDown {
		return ErrTornDown
	}

	r.ref = ref
	r.ctx = ctx
	r.state.ReferenceID = ref.ReferenceID
	r.state.Degraded = ref.Degraded
	r.state.Phase = domain.PhasePolling

	opts := append([]poller.Option{poller.WithLogger(r.l.With(zap.String("reference_id", ref.ReferenceID)))}, r.pollerOpts...)
	opts = append(opts, poller.WithOnTick(r.handleTick))
	r.poller = poller.New(r.fetch, opts...)

	// started under mu so a concurrent Cancel always sees the poller
	if err := r.poller.Start(ctx); err != nil {
		return err
	}

	go r.watchPoller(r.poller)

	return nil
}

// watchPoller tears the instance down when polling ends without an outcome,
// which happens when the polling context is cancelled.
func (r *Reconciler) watchPoller(p *poller.Poller) {
	<-p.Done()

	r.mu.Lock()
	abandoned := !r.state.Handled && !r.state.TornDown
	r.mu.Unlock()

	if !abandoned {
		r.closeDone()
		return
	}

	r.l.Warn("polling stopped before a terminal status", zap.String("reference_id", r.Reference().ReferenceID))
	r.Cancel()
}

// fetch checks the primary leg and, once it succeeded, every secondary leg.
// A leg that is still settling keeps the whole transfer pending.
func (r *Reconciler) fetch(ctx context.Context) (domain.CanonicalStatus, error) {
	r.mu.Lock()
	ref := r.ref.ReferenceID
	r.mu.Unlock()

	legs := append([]Leg{r.primary}, r.secondary...)
	for _, leg := range legs {
		raw, err := leg.Status(ctx, ref)
		if err != nil {
			return "", errors.Wrapf(err, "query %s leg", leg.Name)
		}

		switch domain.Canonicalize(raw) {
		case domain.StatusFailed:
			r.mu.Lock()
			r.lastFailure = &domain.TerminalFailure{ReferenceID: ref, Leg: leg.Name, ProviderStatus: raw}
			r.mu.Unlock()
			return domain.StatusFailed, nil
		case domain.StatusPending:
			r.l.Debug("leg still pending",
				zap.String("reference_id", ref),
				zap.String("leg", leg.Name),
				zap.String("provider_status", raw))
			return domain.StatusPending, nil
		}
	}

	return domain.StatusSuccessful, nil
}

func (r *Reconciler) handleTick(snap poller.Snapshot) {
	result := strings.ToLower(snap.Status.String())
	if snap.LastErr != nil {
		result = "error"
	}
	if r.metrics != nil {
		r.metrics.PollTick(result)
	}

	r.mu.Lock()
	r.state.Status = snap.Status
	r.state.ElapsedSeconds = snap.Elapsed.Seconds()
	r.state.Stuck = snap.Stuck
	r.state.Attempts = snap.Attempts + snap.Errors
	state := r.state
	r.mu.Unlock()

	if snap.LastErr == nil && snap.Status.IsTerminal() {
		r.finalize(snap.Status)
		return
	}

	if snap.Stuck {
		r.l.Debug("transfer looks stuck",
			zap.String("reference_id", state.ReferenceID),
			zap.Float64("elapsed_seconds", state.ElapsedSeconds))
	}

	r.notify(state)
}

// finalize runs the terminal side effect. It reports whether this call did so.
func (r *Reconciler) finalize(status domain.CanonicalStatus) bool {
	r.finalizeMu.Lock()

	r.mu.Lock()
	if r.state.Handled || r.state.TornDown || !status.IsTerminal() {
		r.mu.Unlock()
		r.finalizeMu.Unlock()
		return false
	}

	r.state.Handled = true
	r.state.Status = status
	ref := r.ref

	var (
		txID    string
		failure *domain.TerminalFailure
	)
	if status == domain.StatusSuccessful {
		txID = r.transactionID()
		r.state.TransactionID = txID
		r.state.Phase = domain.PhaseComplete
	} else {
		r.state.Phase = domain.PhaseFailed
		failure = r.lastFailure
		if failure == nil {
			failure = &domain.TerminalFailure{ReferenceID: ref.ReferenceID, Leg: r.primary.Name}
		}
	}
	state := r.state
	p := r.poller

	// the poll context is already cancelled at this point
	ctx := context.Background()
	if r.ctx != nil {
		ctx = context.WithoutCancel(r.ctx)
	}
	r.mu.Unlock()

	if status == domain.StatusSuccessful {
		r.l.Info("transfer completed",
			zap.String("reference_id", ref.ReferenceID),
			zap.String("transaction_id", txID))
		if r.onSuccess != nil {
			r.onSuccess(ctx, ref, txID)
		}
	} else {
		r.l.Warn("transfer failed",
			zap.String("reference_id", ref.ReferenceID),
			zap.String("leg", failure.Leg),
			zap.String("provider_status", failure.ProviderStatus))
		if r.onFailure != nil {
			r.onFailure(ctx, ref, failure)
		}
	}
	r.finalizeMu.Unlock()

	if p != nil {
		p.Stop()
	}

	if r.metrics != nil {
		r.metrics.TransferFinalized(strings.ToLower(status.String()), ref.Degraded)
	}

	r.notify(state)
	r.closeDone()

	return true
}

func (r *Reconciler) notify(state domain.ReconciliationState) {
	if r.onUpdate != nil {
		r.onUpdate(state)
	}
}

func (r *Reconciler) closeDone() {
	r.doneOnce.Do(func() {
		close(r.done)
	})
}
