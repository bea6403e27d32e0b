package transfers

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/settle/internal/domain"
	"github.com/vadiminshakov/settle/internal/metrics"
	"github.com/vadiminshakov/settle/internal/services/poller"
	"github.com/vadiminshakov/settle/internal/services/reconciler"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for unknown reference ids.
	ErrNotFound = errors.New("transfer not found")
	// ErrAlreadyFinalized is returned by Track for a transfer whose outcome is already recorded.
	ErrAlreadyFinalized = errors.New("transfer already finalized")
)

// FundingAPI is the provider surface the service reconciles against.
type FundingAPI interface {
	reconciler.Submitter
	TransferStatus(ctx context.Context, referenceID string) (string, error)
	SettlementStatus(ctx context.Context, referenceID string) (string, error)
}

type creditor interface {
	Credit(ref domain.TransferReference, transactionID string) (decimal.Decimal, error)
	Credited(referenceID string) bool
}

type journal interface {
	Save(outcome domain.TransferOutcome) error
	Find(referenceID string) (domain.TransferOutcome, bool, error)
}

// UpdateFunc observes state changes of one transfer.
type UpdateFunc func(domain.ReconciliationState)

// Service owns the live reconciliations of a process.
type Service struct {
	funding           FundingAPI
	ledger            creditor
	journal           journal
	metrics           *metrics.Metrics
	requireSettlement bool
	pollerOpts        []poller.Option
	now               func() time.Time
	l                 *zap.Logger

	// lifetime context for pollers; request contexts end too early
	ctx context.Context

	mu       sync.RWMutex
	active   map[string]*reconciler.Reconciler
	finished map[string]domain.ReconciliationState
	wg       sync.WaitGroup
}

// Option defines a function to configure the Service.
type Option func(*Service)

// WithJournal records every outcome.
func WithJournal(j journal) Option {
	return func(s *Service) {
		s.journal = j
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithSettlementLeg makes success conditional on the settlement leg as well.
func WithSettlementLeg(required bool) Option {
	return func(s *Service) {
		s.requireSettlement = required
	}
}

// WithPollerOptions configures every poller the service creates.
func WithPollerOptions(opts ...poller.Option) Option {
	return func(s *Service) {
		s.pollerOpts = append(s.pollerOpts, opts...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.l = l
		}
	}
}

// New creates the service. ctx bounds every poller it starts.
func New(ctx context.Context, funding FundingAPI, ledger creditor, opts ...Option) *Service {
	s := &Service{
		funding:           funding,
		ledger:            ledger,
		requireSettlement: true,
		now:               time.Now,
		l:                 zap.NewNop(),
		ctx:               ctx,
		active:            make(map[string]*reconciler.Reconciler),
		finished:          make(map[string]domain.ReconciliationState),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Submit sends a funding request and starts reconciling it. A non-nil reference
// together with a *domain.SubmissionError means polling runs with a fallback id.
func (s *Service) Submit(ctx context.Context, req domain.TransferRequest, onUpdate UpdateFunc) (domain.TransferReference, error) {
	// the provider call honours the caller's context, polling outlives it
	r, err := s.newReconciler(callScoped{funding: s.funding, ctx: ctx}, onUpdate)
	if err != nil {
		return domain.TransferReference{}, err
	}

	ref, err := r.Submit(s.ctx, req)
	var se *domain.SubmissionError
	if err != nil && !errors.As(err, &se) {
		return ref, err
	}

	s.metrics.Submission(err == nil)
	s.register(ref, r)

	return ref, err
}

// Track resumes reconciliation of a known reference. A reference that already
// reached a terminal outcome, in this process or in the journal, is refused.
func (s *Service) Track(ref domain.TransferReference, onUpdate UpdateFunc) error {
	id := ref.ReferenceID
	if err := s.checkJournal(id); err != nil {
		return err
	}

	r, err := s.newReconciler(s.funding, onUpdate)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, running := s.active[id]; running {
		s.mu.Unlock()
		return errors.Wrapf(reconciler.ErrAlreadyStarted, "reference %s", id)
	}
	if state, ok := s.finished[id]; ok && state.Phase.IsFinal() {
		s.mu.Unlock()
		return errors.Wrapf(ErrAlreadyFinalized, "reference %s is %s", id, state.Phase)
	}
	// reserved before polling starts so a concurrent Track is refused
	s.active[id] = r
	s.mu.Unlock()

	if err := r.Track(s.ctx, ref); err != nil {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		return err
	}

	s.watch(id, r)

	return nil
}

// Refresh asks the provider for the current status of a transfer without finalizing it.
func (s *Service) Refresh(ctx context.Context, referenceID string) (domain.ReconciliationState, domain.CanonicalStatus, error) {
	s.mu.RLock()
	r, ok := s.active[referenceID]
	state, done := s.finished[referenceID]
	s.mu.RUnlock()

	if !ok {
		if done {
			return state, state.Status, nil
		}
		return domain.ReconciliationState{}, "", errors.Wrapf(ErrNotFound, "reference %s", referenceID)
	}

	status, err := r.Query(ctx)
	if err != nil {
		return r.State(), "", errors.Wrapf(err, "refresh %s", referenceID)
	}

	return r.State(), status, nil
}

// Get returns the state of a live or finished transfer.
func (s *Service) Get(referenceID string) (domain.ReconciliationState, error) {
	s.mu.RLock()
	r, ok := s.active[referenceID]
	state, done := s.finished[referenceID]
	s.mu.RUnlock()

	if ok {
		return r.State(), nil
	}
	if done {
		return state, nil
	}

	return domain.ReconciliationState{}, errors.Wrapf(ErrNotFound, "reference %s", referenceID)
}

// Cancel tears down a live reconciliation.
func (s *Service) Cancel(referenceID string) (domain.ReconciliationState, error) {
	s.mu.RLock()
	r, ok := s.active[referenceID]
	s.mu.RUnlock()

	if !ok {
		return domain.ReconciliationState{}, errors.Wrapf(ErrNotFound, "no live reconciliation for %s", referenceID)
	}

	r.Cancel()

	return r.State(), nil
}

// Wait blocks until the transfer finishes, is torn down, or ctx is done.
func (s *Service) Wait(ctx context.Context, referenceID string) (domain.ReconciliationState, error) {
	s.mu.RLock()
	r, ok := s.active[referenceID]
	s.mu.RUnlock()

	if !ok {
		return s.Get(referenceID)
	}

	select {
	case <-r.Done():
	case <-ctx.Done():
		return r.State(), ctx.Err()
	}

	return r.State(), nil
}

// Active lists references still being reconciled.
func (s *Service) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]string, 0, len(s.active))
	for ref := range s.active {
		refs = append(refs, ref)
	}

	return refs
}

// Shutdown tears down every live reconciliation and waits for them.
func (s *Service) Shutdown() {
	s.mu.RLock()
	live := make([]*reconciler.Reconciler, 0, len(s.active))
	for _, r := range s.active {
		live = append(live, r)
	}
	s.mu.RUnlock()

	for _, r := range live {
		r.Cancel()
	}

	s.wg.Wait()
}

func (s *Service) newReconciler(submitter reconciler.Submitter, onUpdate UpdateFunc) (*reconciler.Reconciler, error) {
	opts := []reconciler.Option{
		reconciler.WithLogger(s.l),
		reconciler.WithRecorder(s.metrics),
		reconciler.WithPollerOptions(s.pollerOpts...),
		reconciler.WithOnSuccess(s.onSuccess),
		reconciler.WithOnFailure(s.onFailure),
	}
	if s.requireSettlement {
		opts = append(opts, reconciler.WithSecondaryLegs(reconciler.Leg{Name: "settlement", Status: s.funding.SettlementStatus}))
	}
	if onUpdate != nil {
		opts = append(opts, reconciler.WithOnUpdate(onUpdate))
	}

	return reconciler.New(submitter, reconciler.Leg{Name: "transfer", Status: s.funding.TransferStatus}, opts...)
}

func (s *Service) register(ref domain.TransferReference, r *reconciler.Reconciler) {
	s.mu.Lock()
	s.active[ref.ReferenceID] = r
	s.mu.Unlock()

	s.watch(ref.ReferenceID, r)
}

// watch moves a reconciliation from active to finished once it is done.
func (s *Service) watch(referenceID string, r *reconciler.Reconciler) {
	s.metrics.TransferStarted()
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		<-r.Done()

		state := r.State()

		s.mu.Lock()
		delete(s.active, referenceID)
		s.finished[referenceID] = state
		s.mu.Unlock()

		s.metrics.TransferEnded(s.now().Sub(r.Reference().SubmittedAt))
	}()
}

// checkJournal refuses references finalized before this process started.
func (s *Service) checkJournal(referenceID string) error {
	if s.ledger != nil && s.ledger.Credited(referenceID) {
		return errors.Wrapf(ErrAlreadyFinalized, "reference %s is already credited", referenceID)
	}
	if s.journal == nil {
		return nil
	}

	outcome, found, err := s.journal.Find(referenceID)
	if err != nil {
		return errors.Wrap(err, "look up journaled outcome")
	}
	if found {
		return errors.Wrapf(ErrAlreadyFinalized, "reference %s was journaled as %s", referenceID, outcome.Status)
	}

	return nil
}

func (s *Service) onSuccess(ctx context.Context, ref domain.TransferReference, transactionID string) {
	if s.ledger != nil && ref.Amount.IsPositive() {
		if _, err := s.ledger.Credit(ref, transactionID); err != nil {
			s.l.Error("failed to credit balance",
				zap.String("reference_id", ref.ReferenceID),
				zap.Error(err))
		}
	}

	s.record(domain.TransferOutcome{
		ReferenceID:   ref.ReferenceID,
		Status:        domain.StatusSuccessful,
		TransactionID: transactionID,
		Amount:        ref.Amount,
		Currency:      ref.Currency,
		Degraded:      ref.Degraded,
		FinalizedAt:   s.now(),
	})
}

func (s *Service) onFailure(ctx context.Context, ref domain.TransferReference, failure *domain.TerminalFailure) {
	s.record(domain.TransferOutcome{
		ReferenceID: ref.ReferenceID,
		Status:      domain.StatusFailed,
		Amount:      ref.Amount,
		Currency:    ref.Currency,
		Degraded:    ref.Degraded,
		FinalizedAt: s.now(),
	})
}

func (s *Service) record(outcome domain.TransferOutcome) {
	if s.journal == nil {
		return
	}

	if err := s.journal.Save(outcome); err != nil {
		s.l.Error("failed to journal transfer outcome",
			zap.String("reference_id", outcome.ReferenceID),
			zap.Error(err))
	}
}

// callScoped binds the provider submission to the request context.
type callScoped struct {
	funding FundingAPI
	ctx     context.Context
}

func (c callScoped) Submit(_ context.Context, req domain.TransferRequest) (domain.SubmissionReceipt, error) {
	return c.funding.Submit(c.ctx, req)
}
