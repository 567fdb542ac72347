// Package attachment carries large side-band payloads from tracing call
// sites to the transmitters that deliver them.
package attachment

import (
	"context"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_trace/internal/correlation"
	"github.com/austindbirch/harbor_trace/internal/tracing"
)

// Attachment is a payload too large to travel inline with a telemetry record.
// It is immutable once constructed.
type Attachment struct {
	id    uuid.UUID
	name  string
	value []byte
}

// New creates an attachment with a fresh id. value is copied.
func New(name string, value []byte) Attachment {
	return NewWithID(uuid.New(), name, value)
}

// NewWithID creates an attachment with a caller-chosen id. value is copied.
func NewWithID(id uuid.UUID, name string, value []byte) Attachment {
	v := make([]byte, len(value))
	copy(v, value)
	return Attachment{id: id, name: name, value: v}
}

func (a Attachment) ID() uuid.UUID { return a.id }
func (a Attachment) Name() string  { return a.name }

// Value returns a copy of the payload.
func (a Attachment) Value() []byte {
	v := make([]byte, len(a.value))
	copy(v, a.value)
	return v
}

// Len returns the payload size in bytes.
func (a Attachment) Len() int { return len(a.value) }

// Descriptor is the serialization-ready form of an Attachment that
// transmitters queue and stores persist. One descriptor is shared by every
// transmitter of a dispatch, so Value and TraceHeaders are read-only.
//
// CorrelationID and TraceHeaders record the flow that captured the
// attachment; the context of whoever uploads it later is unrelated.
type Descriptor struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Value         []byte            `json:"value"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	TraceHeaders  map[string]string `json:"trace_headers,omitempty"`
}

// Describe converts a into its descriptor, without flow information.
func Describe(a Attachment) Descriptor {
	return Descriptor{
		ID:    a.id.String(),
		Name:  a.name,
		Value: a.value,
	}
}

// DescribeIn converts a into its descriptor stamped with the correlation id
// and trace context carried by ctx.
func DescribeIn(ctx context.Context, a Attachment) Descriptor {
	d := Describe(a)
	if id := correlation.Current(ctx); id != correlation.Empty {
		d.CorrelationID = id.String()
	}
	if h := tracing.InjectHeaders(ctx); len(h) > 0 {
		d.TraceHeaders = h
	}
	return d
}

// FlowContext returns ctx carrying the capturing flow: its trace context as
// the remote parent and its correlation id on a fresh stack. Cancellation
// and deadlines still come from ctx.
func (d Descriptor) FlowContext(ctx context.Context) context.Context {
	ctx = tracing.ExtractHeaders(ctx, d.TraceHeaders)
	if id, err := uuid.Parse(d.CorrelationID); err == nil && id != correlation.Empty {
		s := correlation.NewStack()
		s.Push(id)
		ctx = correlation.NewContext(ctx, s)
	}
	return ctx
}
