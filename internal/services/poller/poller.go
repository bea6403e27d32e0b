package poller

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/settle/internal/domain"
	"github.com/vadiminshakov/settle/pkg/backoff"
	"go.uber.org/zap"
)

const (
	defaultErrorDelay = 2 * time.Second
	defaultStuckAfter = 45 * time.Second
)

// ErrAlreadyStarted is returned by Start on a poller that has been started or stopped before.
var ErrAlreadyStarted = errors.New("poller already started")

// State is the poller lifecycle state.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StateStopped State = "STOPPED"
)

// FetchFunc queries the current status once. A returned error is treated as transient.
type FetchFunc func(ctx context.Context) (domain.CanonicalStatus, error)

// Snapshot is the observable poller state after a tick.
type Snapshot struct {
	State  State
	Status domain.CanonicalStatus
	// Attempts counts PENDING results and drives the backoff schedule.
	Attempts int
	// Errors counts failed fetches. They never advance Attempts.
	Errors    int
	Elapsed   time.Duration
	Stuck     bool
	LastErr   error
	NextDelay time.Duration
}

// Poller repeats a fetch until it reports a terminal status or is stopped.
// Ticks never overlap. Stop is synchronous: once it returns no tick begins
// and no callback runs, and results of an abandoned fetch are discarded.
type Poller struct {
	fetch      FetchFunc
	schedule   backoff.Schedule
	errorDelay time.Duration
	stuckAfter time.Duration
	now        func() time.Time
	onTick     func(Snapshot)
	l          *zap.Logger

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	startedAt time.Time
	snap      Snapshot

	// emitMu is held while onTick runs so Stop can wait for it.
	emitMu   sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

// Option defines a function to configure the Poller.
type Option func(*Poller)

// WithSchedule sets the delay schedule applied after PENDING results.
func WithSchedule(s backoff.Schedule) Option {
	return func(p *Poller) {
		p.schedule = s
	}
}

// WithErrorDelay sets the fixed delay applied after failed fetches.
func WithErrorDelay(d time.Duration) Option {
	return func(p *Poller) {
		p.errorDelay = d
	}
}

// WithStuckAfter sets the elapsed time after which a still pending poll is flagged as stuck.
func WithStuckAfter(d time.Duration) Option {
	return func(p *Poller) {
		p.stuckAfter = d
	}
}

// WithClock overrides the time source used for elapsed time.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// WithOnTick registers a callback invoked after every accepted tick, including the terminal one.
// The callback must not call Stop unless the snapshot is terminal.
func WithOnTick(fn func(Snapshot)) Option {
	return func(p *Poller) {
		p.onTick = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.l = l
		}
	}
}

// New creates an idle poller.
func New(fetch FetchFunc, opts ...Option) *Poller {
	p := &Poller{
		fetch:      fetch,
		schedule:   backoff.NewLinear(),
		errorDelay: defaultErrorDelay,
		stuckAfter: defaultStuckAfter,
		now:        time.Now,
		l:          zap.NewNop(),
		state:      StateIdle,
		done:       make(chan struct{}),
		snap:       Snapshot{State: StateIdle, Status: domain.StatusPending},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start launches polling. The first fetch happens immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.state = StateRunning
	p.snap.State = StateRunning
	p.startedAt = p.now()

	go p.run(runCtx)

	return nil
}

// Stop cancels the scheduled tick and any in-flight fetch.
// Calling it more than once is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	switch p.state {
	case StateStopped:
		p.mu.Unlock()
		return
	case StateIdle:
		p.state = StateStopped
		p.snap.State = StateStopped
		p.mu.Unlock()
		p.closeDone()
		return
	}

	p.state = StateStopped
	p.snap.State = StateStopped
	p.cancel()
	p.mu.Unlock()

	// barrier: a callback that was already running finishes before we return
	p.emitMu.Lock()
	p.emitMu.Unlock() //nolint:staticcheck
}

// Snapshot returns the current state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.snap
	if p.state == StateRunning {
		s.Elapsed = p.now().Sub(p.startedAt)
		s.Stuck = s.Elapsed > p.stuckAfter
	}

	return s
}

// Done is closed when the polling goroutine exits, or on Stop for a poller that never started.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) run(ctx context.Context) {
	defer p.finish()

	for {
		if !p.running(ctx) {
			return
		}

		status, err := p.fetch(ctx)

		delay, ok := p.complete(ctx, status, err)
		if !ok {
			return
		}

		if !p.wait(ctx, delay) {
			return
		}
	}
}

func (p *Poller) running(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state == StateRunning && ctx.Err() == nil
}

// complete records a fetch result and emits it. It reports the next delay and whether to continue.
func (p *Poller) complete(ctx context.Context, status domain.CanonicalStatus, err error) (time.Duration, bool) {
	p.mu.Lock()
	if p.state != StateRunning || ctx.Err() != nil {
		p.mu.Unlock()
		p.l.Debug("discarding poll result after stop")
		return 0, false
	}

	p.snap.Elapsed = p.now().Sub(p.startedAt)

	var (
		delay    time.Duration
		terminal bool
	)
	if err != nil {
		p.snap.Errors++
		p.snap.LastErr = err
		delay = p.errorDelay
		p.l.Warn("status poll failed, retrying",
			zap.Error(err),
			zap.Int("errors", p.snap.Errors),
			zap.Duration("retry_in", delay))
	} else {
		p.snap.Status = status
		p.snap.LastErr = nil
		if status.IsTerminal() {
			terminal = true
			p.state = StateStopped
			p.cancel()
		} else {
			p.snap.Attempts++
			delay = p.schedule.Delay(p.snap.Attempts)
		}
	}

	p.snap.Stuck = !terminal && p.snap.Elapsed > p.stuckAfter
	p.snap.NextDelay = delay
	p.snap.State = p.state
	snap := p.snap

	// take emitMu before releasing mu so Stop cannot slip in between
	p.emitMu.Lock()
	p.mu.Unlock()

	if p.onTick != nil {
		p.onTick(snap)
	}
	p.emitMu.Unlock()

	if terminal {
		p.l.Info("status poll reached terminal state",
			zap.String("status", status.String()),
			zap.Int("attempts", snap.Attempts),
			zap.Duration("elapsed", snap.Elapsed))
	}

	return delay, !terminal
}

func (p *Poller) wait(ctx context.Context, delay time.Duration) bool {
	p.mu.Lock()
	running := p.state == StateRunning
	p.mu.Unlock()
	if !running {
		return false
	}

	// Stop cancels ctx, which ends the sleep early
	return backoff.Sleep(ctx, delay) == nil
}

func (p *Poller) finish() {
	p.mu.Lock()
	if p.state == StateRunning {
		// parent context was cancelled
		p.state = StateStopped
		p.snap.State = StateStopped
		p.cancel()
	}
	p.mu.Unlock()

	p.closeDone()
}

func (p *Poller) closeDone() {
	p.doneOnce.Do(func() {
		close(p.done)
	})
}
