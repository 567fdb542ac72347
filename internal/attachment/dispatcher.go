package attachment

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/austindbirch/harbor_trace/internal/logging"
	"github.com/austindbirch/harbor_trace/internal/metrics"
)

var (
	ErrNilTransmitter          = errors.New("attachment: transmitter is nil")
	ErrUncomparableTransmitter = errors.New("attachment: transmitter type is not comparable")
)

// Transmitter durably delivers attachments to a sink. Enqueue should return
// quickly; slow delivery belongs on a background job.
type Transmitter interface {
	Enqueue(ctx context.Context, d Descriptor) error
}

// Named is implemented by transmitters that want a readable name in logs and metrics.
type Named interface {
	Name() string
}

// TransmitterName returns t's name, or its type when it has none.
func TransmitterName(t Transmitter) string {
	if n, ok := t.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", t)
}

// Dispatcher fans attachments out to every registered transmitter.
type Dispatcher struct {
	mu           sync.RWMutex
	transmitters map[Transmitter]struct{}

	logger *logging.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger used for transmitter failures.
func WithLogger(l *logging.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher returns a dispatcher with no transmitters.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		transmitters: make(map[Transmitter]struct{}),
		logger:       logging.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func validate(t Transmitter) error {
	if t == nil {
		return ErrNilTransmitter
	}
	v := reflect.ValueOf(t)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface, reflect.Slice:
		if v.IsNil() {
			return ErrNilTransmitter
		}
	}
	if !v.Type().Comparable() {
		return fmt.Errorf("%w: %T", ErrUncomparableTransmitter, t)
	}
	return nil
}

// Attach registers t. Attaching the same transmitter twice has no extra effect.
func (d *Dispatcher) Attach(t Transmitter) error {
	if err := validate(t); err != nil {
		return err
	}
	d.mu.Lock()
	d.transmitters[t] = struct{}{}
	d.mu.Unlock()
	return nil
}

// Detach unregisters t. Dispatches that start after Detach returns never reach t.
func (d *Dispatcher) Detach(t Transmitter) error {
	if err := validate(t); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.transmitters, t)
	d.mu.Unlock()
	return nil
}

// Len returns the number of registered transmitters.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.transmitters)
}

func (d *Dispatcher) snapshot() []Transmitter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Transmitter, 0, len(d.transmitters))
	for t := range d.transmitters {
		out = append(out, t)
	}
	return out
}

// Dispatch hands every attachment, in order, to each transmitter registered
// when the call starts. Each descriptor is stamped with the correlation id and
// trace context of ctx, so the flow survives queueing. A failing transmitter
// is logged and skipped; it never prevents delivery to the others.
func (d *Dispatcher) Dispatch(ctx context.Context, attachments ...Attachment) {
	if len(attachments) == 0 {
		return
	}
	targets := d.snapshot()
	if len(targets) == 0 {
		return
	}

	for _, a := range attachments {
		desc := DescribeIn(ctx, a)
		for _, t := range targets {
			if err := d.deliver(ctx, t, desc); err != nil {
				name := TransmitterName(t)
				metrics.RecordEnqueueFailure(name)
				d.logger.WithContext(ctx).
					WithAttachment(desc.ID).
					WithSink(name).
					WithError(err).
					Warn("transmitter enqueue failed")
			}
		}
		metrics.RecordDispatched()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, t Transmitter, desc Descriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transmitter panicked: %v", r)
		}
	}()
	return t.Enqueue(ctx, desc)
}
