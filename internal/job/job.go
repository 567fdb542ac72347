// Package job runs background actions repeatedly until they are cancelled,
// reporting liveness before every iteration.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_trace/internal/health"
	"github.com/austindbirch/harbor_trace/internal/logging"
	"github.com/austindbirch/harbor_trace/internal/metrics"
)

// DefaultIdleDelay is how long a job sleeps between iterations when it has
// nothing to do.
const DefaultIdleDelay = 50 * time.Millisecond

var (
	ErrAlreadyStarted = errors.New("job: already started")
	ErrNilAction      = errors.New("job: action is nil")
	ErrActionPanicked = errors.New("job: action panicked")
)

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Action is one unit of background work.
type Action func(ctx context.Context) error

// LivenessReporter receives a heartbeat before every iteration.
// *health.Registry implements it.
type LivenessReporter interface {
	ReportAlive(kind health.Kind)
}

// ErrorHandler observes the error that stopped a job. It is not called for
// cancellation.
type ErrorHandler func(kind health.Kind, err error)

// Option configures a Job.
type Option func(*Job)

// WithIdleDelay overrides DefaultIdleDelay.
func WithIdleDelay(d time.Duration) Option {
	return func(j *Job) {
		if d > 0 {
			j.idleDelay = d
		}
	}
}

// WithErrorHandler replaces the default handler, which logs the error.
func WithErrorHandler(h ErrorHandler) Option {
	return func(j *Job) { j.onError = h }
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(l *logging.Logger) Option {
	return func(j *Job) { j.logger = l }
}

// Job runs an action in a loop on its own goroutine.
// It moves from Created to Running to Stopped and never restarts.
type Job struct {
	kind       health.Kind
	action     Action
	shouldIdle func() bool
	reporter   LivenessReporter
	idleDelay  time.Duration
	onError    ErrorHandler
	logger     *logging.Logger

	state atomic.Int32
	done  chan struct{}

	mu  sync.Mutex
	err error
}

// New creates a job without starting it. shouldIdle and reporter may be nil.
func New(kind health.Kind, action Action, shouldIdle func() bool, reporter LivenessReporter, opts ...Option) *Job {
	j := &Job{
		kind:       kind,
		action:     action,
		shouldIdle: shouldIdle,
		reporter:   reporter,
		idleDelay:  DefaultIdleDelay,
		logger:     logging.Default(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.onError == nil {
		j.onError = j.logError
	}
	return j
}

// Start creates and starts a job in one call.
func Start(ctx context.Context, action Action, shouldIdle func() bool, kind health.Kind, reporter LivenessReporter, opts ...Option) (*Job, error) {
	j := New(kind, action, shouldIdle, reporter, opts...)
	if err := j.Start(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

// Start launches the loop and returns immediately. The job runs until ctx is
// cancelled or the action fails.
func (j *Job) Start(ctx context.Context) error {
	if j.action == nil {
		return ErrNilAction
	}
	if !j.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	go j.run(ctx)
	return nil
}

func (j *Job) Kind() health.Kind { return j.kind }

func (j *Job) State() State { return State(j.state.Load()) }

// Done is closed once the job is Stopped.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns why the job stopped, or nil while it is still running.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Wait blocks until the job is Stopped and returns why: the context error
// when cancelled, otherwise the action's error.
func (j *Job) Wait() error {
	<-j.done
	return j.Err()
}

func (j *Job) run(ctx context.Context) {
	err := j.loop(ctx)

	if err != nil && !isCancellation(ctx, err) {
		metrics.RecordJobFailure(j.kind.String())
		j.onError(j.kind, err)
	}

	j.mu.Lock()
	j.err = err
	j.mu.Unlock()
	j.state.Store(int32(StateStopped))
	close(j.done)
}

func (j *Job) loop(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if j.reporter != nil {
			j.reporter.ReportAlive(j.kind)
		}
		metrics.RecordJobIteration(j.kind.String())

		if err := j.invoke(ctx); err != nil {
			if isCancellation(ctx, err) {
				return ctx.Err()
			}
			return fmt.Errorf("job %s: %w", j.kind, err)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if j.shouldIdle == nil || !j.shouldIdle() {
			continue
		}

		if timer == nil {
			timer = time.NewTimer(j.idleDelay)
		} else {
			timer.Reset(j.idleDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (j *Job) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrActionPanicked, r)
		}
	}()
	return j.action(ctx)
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

func (j *Job) logError(kind health.Kind, err error) {
	j.logger.Plain().WithJobKind(kind).WithError(err).Error("recurring job stopped")
}
