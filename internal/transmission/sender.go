// Package transmission drains outbound record sequences into durable stores.
package transmission

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_trace/internal/logging"
	"github.com/austindbirch/harbor_trace/internal/metrics"
)

const (
	DefaultCheckpointInterval = time.Hour
	DefaultErrorLogInterval   = 10 * time.Minute
	DefaultErrorLogBurst      = 1

	// inHandTimeout bounds the upload of a record that was already pulled
	// when the send was cancelled.
	inHandTimeout = 5 * time.Second
)

var (
	ErrNilStore    = errors.New("transmission: store is nil")
	ErrNilSequence = errors.New("transmission: sequence is nil")
)

// Store uploads one record. It is called repeatedly with different records and
// signals failure with an error. Making uploads idempotent is up to the store.
type Store[T any] interface {
	Upload(ctx context.Context, record T) error
}

// StoreFunc adapts a function to Store.
type StoreFunc[T any] func(ctx context.Context, record T) error

func (f StoreFunc[T]) Upload(ctx context.Context, record T) error { return f(ctx, record) }

// FlowCarrier is implemented by records that remember the flow that produced
// them. Send uploads such records under that flow's context.
type FlowCarrier interface {
	FlowContext(ctx context.Context) context.Context
}

// DeadLetterSink receives records whose upload failed.
type DeadLetterSink[T any] interface {
	DeadLetter(ctx context.Context, record T, cause error) error
}

// Stats are cumulative counters for one sender. Suppressed counts error
// lines swallowed by the rate limit, for uploads and dead letters alike.
type Stats struct {
	Sent               uint64
	Failed             uint64
	Suppressed         uint64
	DeadLetters        uint64
	DeadLetterFailures uint64
}

type settings struct {
	checkpointInterval time.Duration
	errorLogInterval   time.Duration
	errorLogBurst      int
	now                func() time.Time
	logger             *logging.Logger
}

// Option configures a Sender.
type Option func(*settings)

func WithCheckpointInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.checkpointInterval = d
		}
	}
}

// WithErrorLogLimit allows burst error lines per interval.
func WithErrorLogLimit(interval time.Duration, burst int) Option {
	return func(s *settings) {
		if interval > 0 {
			s.errorLogInterval = interval
		}
		if burst > 0 {
			s.errorLogBurst = burst
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// Sender uploads every record of a sequence through a Store. A failed upload
// is counted, rate-limit logged and skipped; it never stops the stream.
type Sender[T any] struct {
	name       string
	store      Store[T]
	uploadErrs *ErrorReporter
	dlErrs     *ErrorReporter

	checkpointInterval time.Duration
	now                func() time.Time
	logger             *logging.Logger

	deadLetters DeadLetterSink[T]

	mu             sync.Mutex
	lastCheckpoint time.Time

	sent        atomic.Uint64
	failed      atomic.Uint64
	deadLetterN atomic.Uint64
}

// NewSender returns a sender that uploads through store.
func NewSender[T any](name string, store Store[T], opts ...Option) (*Sender[T], error) {
	if store == nil {
		return nil, ErrNilStore
	}
	cfg := settings{
		checkpointInterval: DefaultCheckpointInterval,
		errorLogInterval:   DefaultErrorLogInterval,
		errorLogBurst:      DefaultErrorLogBurst,
		now:                time.Now,
		logger:             logging.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Sender[T]{
		name:               name,
		store:              store,
		uploadErrs:         NewErrorReporter(name, "upload failed", cfg.errorLogInterval, cfg.errorLogBurst, cfg.logger, cfg.now),
		dlErrs:             NewErrorReporter(name, "dead letter failed", cfg.errorLogInterval, cfg.errorLogBurst, cfg.logger, cfg.now),
		checkpointInterval: cfg.checkpointInterval,
		now:                cfg.now,
		logger:             cfg.logger,
	}, nil
}

// SetDeadLetters routes failed records to sink. Call before the first Send.
func (s *Sender[T]) SetDeadLetters(sink DeadLetterSink[T]) {
	s.deadLetters = sink
}

func (s *Sender[T]) Name() string { return s.name }

// Stats returns the sender's counters so far.
func (s *Sender[T]) Stats() Stats {
	return Stats{
		Sent:               s.sent.Load(),
		Failed:             s.failed.Load(),
		Suppressed:         s.uploadErrs.Suppressed() + s.dlErrs.Suppressed(),
		DeadLetters:        s.deadLetterN.Load(),
		DeadLetterFailures: s.dlErrs.Total(),
	}
}

// Send uploads records from seq until it ends or ctx is cancelled.
// Cancellation is checked after every record, so nothing more is pulled from
// seq once ctx is done. A record already pulled is still uploaded, under a
// short detached deadline, and never lost between the sequence and the store.
func (s *Sender[T]) Send(ctx context.Context, seq iter.Seq[T]) error {
	if seq == nil {
		return ErrNilSequence
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for record := range seq {
		s.sendOne(ctx, record)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *Sender[T]) sendOne(ctx context.Context, record T) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), inHandTimeout)
		defer cancel()
	}
	if fc, ok := any(record).(FlowCarrier); ok {
		ctx = fc.FlowContext(ctx)
	}
	s.checkpoint(ctx)

	start := s.now()
	err := s.store.Upload(ctx, record)
	metrics.RecordUpload(s.name, err == nil, s.now().Sub(start))
	if err != nil {
		s.fail(ctx, record, err)
		return
	}
	s.sent.Add(1)
}

func (s *Sender[T]) fail(ctx context.Context, record T, err error) {
	s.failed.Add(1)
	s.uploadErrs.Report(ctx, err, nil)

	if s.deadLetters == nil {
		return
	}
	if dlErr := s.deadLetters.DeadLetter(ctx, record, err); dlErr != nil {
		s.dlErrs.Report(ctx, dlErr, map[string]any{"upload_error": err.Error()})
		return
	}
	s.deadLetterN.Add(1)
	metrics.RecordDeadLetter(s.name)
}

// checkpoint logs progress once per interval, independent of success or
// failure volume. The first record of a sender always checkpoints.
func (s *Sender[T]) checkpoint(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	due := s.lastCheckpoint.IsZero() || now.Sub(s.lastCheckpoint) >= s.checkpointInterval
	if due {
		s.lastCheckpoint = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	s.logger.WithContext(ctx).WithSink(s.name).WithFields(map[string]any{
		"sent":   s.sent.Load(),
		"failed": s.failed.Load(),
	}).Info("transmission checkpoint")
}
