// Package pipeline wires attachments from capture to durable stores: one
// buffer, sender and recurring job per sink, all reporting to a health
// registry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	grpchealth "google.golang.org/grpc/health"

	"github.com/austindbirch/harbor_trace/internal/attachment"
	"github.com/austindbirch/harbor_trace/internal/config"
	"github.com/austindbirch/harbor_trace/internal/health"
	"github.com/austindbirch/harbor_trace/internal/job"
	"github.com/austindbirch/harbor_trace/internal/logging"
	"github.com/austindbirch/harbor_trace/internal/transmission"
)

var (
	ErrAlreadyStarted = errors.New("pipeline: already started")
	ErrNotStarted     = errors.New("pipeline: not started")
	ErrDuplicateSink  = errors.New("pipeline: duplicate sink name")
	ErrInvalidSink    = errors.New("pipeline: invalid sink")
	ErrEmptyName      = errors.New("pipeline: attachment name is empty")
)

// Sink is one durable destination for attachments.
type Sink struct {
	Name        string
	Kind        health.Kind
	Store       transmission.Store[attachment.Descriptor]
	DeadLetters transmission.DeadLetterSink[attachment.Descriptor] // optional
}

type lane struct {
	sink   Sink
	buffer *attachment.Buffer
	sender *transmission.Sender[attachment.Descriptor]
	job    *job.Job
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithGRPCHealth keeps hs in sync with the registry from a probe job.
func WithGRPCHealth(hs *grpchealth.Server) Option {
	return func(p *Pipeline) { p.grpcHealth = hs }
}

// Pipeline is the in-process host for the attachment path.
type Pipeline struct {
	cfg        config.Pipeline
	registry   *health.Registry
	dispatcher *attachment.Dispatcher
	lanes      []*lane
	logger     *logging.Logger
	grpcHealth *grpchealth.Server

	mu    sync.Mutex
	jobs  []*job.Job
	start bool
}

// New builds a pipeline with one lane per sink. Nothing runs until Start.
func New(cfg config.Pipeline, reg *health.Registry, sinks []Sink, opts ...Option) (*Pipeline, error) {
	if reg == nil {
		reg = health.NewRegistry()
	}
	p := &Pipeline{
		cfg:      withDefaults(cfg),
		registry: reg,
		logger:   logging.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.dispatcher = attachment.NewDispatcher(attachment.WithLogger(p.logger))

	seen := make(map[string]bool, len(sinks))
	for _, s := range sinks {
		if s.Name == "" || s.Store == nil || !s.Kind.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSink, s.Name)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSink, s.Name)
		}
		seen[s.Name] = true

		l, err := p.newLane(s)
		if err != nil {
			return nil, err
		}
		p.lanes = append(p.lanes, l)
	}
	return p, nil
}

func withDefaults(cfg config.Pipeline) config.Pipeline {
	def := config.DefaultPipeline()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = def.IdleDelay
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.ErrorLogInterval <= 0 {
		cfg.ErrorLogInterval = def.ErrorLogInterval
	}
	if cfg.ErrorLogBurst <= 0 {
		cfg.ErrorLogBurst = def.ErrorLogBurst
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	return cfg
}

func (p *Pipeline) newLane(s Sink) (*lane, error) {
	sender, err := transmission.NewSender(s.Name, s.Store,
		transmission.WithCheckpointInterval(p.cfg.CheckpointInterval),
		transmission.WithErrorLogLimit(p.cfg.ErrorLogInterval, p.cfg.ErrorLogBurst),
		transmission.WithLogger(p.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", s.Name, err)
	}
	if s.DeadLetters != nil {
		sender.SetDeadLetters(s.DeadLetters)
	}

	l := &lane{
		sink:   s,
		buffer: attachment.NewBuffer(s.Name, p.cfg.BufferSize),
		sender: sender,
	}
	if err := p.dispatcher.Attach(l.buffer); err != nil {
		return nil, err
	}
	l.job = job.New(s.Kind,
		func(ctx context.Context) error {
			return l.sender.Send(ctx, l.buffer.Drain(ctx))
		},
		func() bool { return l.buffer.Len() == 0 },
		p.registry,
		job.WithIdleDelay(p.cfg.IdleDelay),
		job.WithLogger(p.logger),
	)
	return l, nil
}

func (p *Pipeline) Dispatcher() *attachment.Dispatcher { return p.dispatcher }

func (p *Pipeline) Health() *health.Registry { return p.registry }

// Config returns the effective tuning after defaults were applied.
func (p *Pipeline) Config() config.Pipeline { return p.cfg }

// Capture builds an attachment and hands it to every sink.
func (p *Pipeline) Capture(ctx context.Context, name string, value []byte) (attachment.Attachment, error) {
	if name == "" {
		return attachment.Attachment{}, ErrEmptyName
	}
	a := attachment.New(name, value)
	p.dispatcher.Dispatch(ctx, a)

	p.logger.WithContext(ctx).WithAttachment(a.ID().String()).WithFields(map[string]any{
		"name":       name,
		"size_bytes": a.Len(),
	}).Debug("attachment captured")
	return a, nil
}

// Start launches every sink job, plus the gRPC health probe when configured.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.start {
		return ErrAlreadyStarted
	}
	p.start = true

	for _, l := range p.lanes {
		if err := l.job.Start(ctx); err != nil {
			return err
		}
		p.jobs = append(p.jobs, l.job)
		p.logger.Plain().WithSink(l.sink.Name).WithJobKind(l.sink.Kind).Info("sink job started")
	}

	if p.grpcHealth != nil {
		probe := job.New(health.KindHealthProbe, p.probe,
			func() bool { return true },
			p.registry,
			job.WithIdleDelay(p.cfg.ProbeInterval),
			job.WithLogger(p.logger),
		)
		if err := probe.Start(ctx); err != nil {
			return err
		}
		p.jobs = append(p.jobs, probe)
	}
	return nil
}

func (p *Pipeline) probe(ctx context.Context) error {
	health.SyncGRPC(p.grpcHealth, p.registry.Report(), p.cfg.StaleAfter, time.Now())
	return nil
}

// Wait blocks until every job stopped. Cancellation is not an error; any
// other job failure is returned, joined.
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	if !p.start {
		p.mu.Unlock()
		return ErrNotStarted
	}
	jobs := append([]*job.Job(nil), p.jobs...)
	p.mu.Unlock()

	var errs []error
	for _, j := range jobs {
		err := j.Wait()
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Flush sends whatever is still buffered, one pass per sink. It is meant for
// shutdown, after the jobs stopped, with a fresh deadline-bound ctx.
func (p *Pipeline) Flush(ctx context.Context) error {
	var errs []error
	for _, l := range p.lanes {
		if l.buffer.Len() == 0 {
			continue
		}
		if err := l.sender.Send(ctx, l.buffer.Drain(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", l.sink.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns the sender counters per sink name.
func (p *Pipeline) Stats() map[string]transmission.Stats {
	out := make(map[string]transmission.Stats, len(p.lanes))
	for _, l := range p.lanes {
		out[l.sink.Name] = l.sender.Stats()
	}
	return out
}

// BufferStats describes one sink's buffer.
type BufferStats struct {
	Pending  int
	Capacity int
	Dropped  uint64
}

// Buffers reports the buffer of every sink by name.
func (p *Pipeline) Buffers() map[string]BufferStats {
	out := make(map[string]BufferStats, len(p.lanes))
	for _, l := range p.lanes {
		out[l.sink.Name] = BufferStats{
			Pending:  l.buffer.Len(),
			Capacity: l.buffer.Cap(),
			Dropped:  l.buffer.Dropped(),
		}
	}
	return out
}
