package attachment

import (
	"context"
	"slices"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/austindbirch/harbor_trace/internal/correlation"
	"github.com/austindbirch/harbor_trace/internal/tracing"
)

func TestAttachment_ValueIsCopied(t *testing.T) {
	src := []byte("original")
	a := New("blob", src)

	src[0] = 'X'
	assert.Equal(t, []byte("original"), a.Value())

	v := a.Value()
	v[0] = 'Y'
	assert.Equal(t, []byte("original"), a.Value())
	assert.Equal(t, len("original"), a.Len())
}

func TestDescribe(t *testing.T) {
	id := uuid.MustParse("7f0c1a52-4d3e-4b8e-9a51-0c3b1a2d4e5f")
	a := NewWithID(id, "request.body", []byte(`{"k":"v"}`))

	d := Describe(a)
	assert.Equal(t, Descriptor{
		ID:    "7f0c1a52-4d3e-4b8e-9a51-0c3b1a2d4e5f",
		Name:  "request.body",
		Value: []byte(`{"k":"v"}`),
	}, d)
}

func TestNew_UniqueIDs(t *testing.T) {
	a, b := New("a", nil), New("a", nil)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotEqual(t, uuid.Nil, a.ID())
}

func TestBuffer_EnqueueAndDrain(t *testing.T) {
	b := NewBuffer("buf", 2)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Descriptor{Name: "1"}))
	require.NoError(t, b.Enqueue(ctx, Descriptor{Name: "2"}))
	assert.ErrorIs(t, b.Enqueue(ctx, Descriptor{Name: "3"}), ErrBufferFull)
	assert.Equal(t, uint64(1), b.Dropped())
	assert.Equal(t, 2, b.Len())

	var names []string
	for d := range b.Drain(ctx) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"1", "2"}, names)
	assert.Equal(t, 0, b.Len())

	assert.Empty(t, slices.Collect(b.Drain(ctx)), "drain of an empty buffer ends at once")
}

func TestBuffer_DrainStopsEarly(t *testing.T) {
	b := NewBuffer("buf", 4)
	ctx := context.Background()
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, b.Enqueue(ctx, Descriptor{Name: n}))
	}

	for d := range b.Drain(ctx) {
		assert.Equal(t, "a", d.Name)
		break
	}
	assert.Equal(t, 2, b.Len(), "unconsumed descriptors stay queued")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Empty(t, slices.Collect(b.Drain(cancelled)))
	assert.Equal(t, 2, b.Len())
}

func TestBuffer_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultBufferSize, NewBuffer("d", 0).Cap())
	assert.Equal(t, "d", NewBuffer("d", -1).Name())
}

func TestBuffer_AsTransmitter(t *testing.T) {
	d := quietDispatcher()
	b := NewBuffer("sink", 1)
	require.NoError(t, d.Attach(b))

	d.Dispatch(context.Background(), New("first", nil), New("second", nil))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestDescribeIn_CarriesFlow(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	tracing.Install(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tracing.StartSpan(context.Background(), "capture")
	defer span.End()
	id := uuid.New()
	ctx, scope := correlation.Push(ctx, id)
	defer scope.Close()

	d := DescribeIn(ctx, New("request.body", []byte("x")))
	assert.Equal(t, id.String(), d.CorrelationID)
	require.Contains(t, d.TraceHeaders, "traceparent")

	// A later uploader with an unrelated flow sees the captured one.
	other, otherScope := correlation.Push(context.Background(), uuid.New())
	defer otherScope.Close()
	restored := d.FlowContext(other)
	assert.Equal(t, id, correlation.Current(restored))
	assert.Equal(t, span.SpanContext().TraceID().String(), tracing.GetTraceID(restored))
}

func TestDescribeIn_NoFlow(t *testing.T) {
	d := DescribeIn(context.Background(), New("n", nil))
	assert.Empty(t, d.CorrelationID)
	assert.Empty(t, d.TraceHeaders)

	ctx, scope := correlation.Push(context.Background(), uuid.New())
	defer scope.Close()
	assert.Equal(t, correlation.Current(ctx), correlation.Current(d.FlowContext(ctx)),
		"a descriptor without a flow leaves ctx alone")
}
