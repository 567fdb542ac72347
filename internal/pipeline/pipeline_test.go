package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpchealth "google.golang.org/grpc/health"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_trace/internal/attachment"
	"github.com/austindbirch/harbor_trace/internal/config"
	"github.com/austindbirch/harbor_trace/internal/correlation"
	"github.com/austindbirch/harbor_trace/internal/health"
	"github.com/austindbirch/harbor_trace/internal/logging"
	"github.com/austindbirch/harbor_trace/internal/store"
	"github.com/austindbirch/harbor_trace/internal/tracing"
	"github.com/austindbirch/harbor_trace/internal/transmission"
)

type memoryStore struct {
	mu   sync.Mutex
	got  []attachment.Descriptor
	fail func(attachment.Descriptor) error
}

func (m *memoryStore) Upload(_ context.Context, d attachment.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		if err := m.fail(d); err != nil {
			return err
		}
	}
	m.got = append(m.got, d)
	return nil
}

func (m *memoryStore) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.got))
	for _, d := range m.got {
		out = append(out, d.Name)
	}
	return out
}

type memoryDeadLetters struct {
	mu  sync.Mutex
	got []string
}

func (m *memoryDeadLetters) DeadLetter(_ context.Context, d attachment.Descriptor, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, d.Name)
	return nil
}

func (m *memoryDeadLetters) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func testConfig() config.Pipeline {
	cfg := config.DefaultPipeline()
	cfg.IdleDelay = 2 * time.Millisecond
	cfg.ProbeInterval = 5 * time.Millisecond
	return cfg
}

func quietLogger() *logging.Logger {
	return logging.NewWithWriter("test", io.Discard)
}

func TestPipeline_DeliversToEverySink(t *testing.T) {
	pg := &memoryStore{}
	blob := &memoryStore{}
	reg := health.NewRegistry()

	p, err := New(testConfig(), reg, []Sink{
		{Name: "postgres", Kind: health.KindAttachmentStoring, Store: pg},
		{Name: "blob", Kind: health.KindAttachmentSending, Store: blob},
	}, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, 2, p.Dispatcher().Len())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	assert.ErrorIs(t, p.Start(ctx), ErrAlreadyStarted)

	ctx, scope := correlation.Push(ctx, uuid.New())
	for _, name := range []string{"a", "b", "c"} {
		_, err := p.Capture(ctx, name, []byte(name))
		require.NoError(t, err)
	}
	require.NoError(t, scope.Close())

	want := []string{"a", "b", "c"}
	require.Eventually(t, func() bool {
		return len(pg.names()) == 3 && len(blob.names()) == 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, pg.names())
	assert.Equal(t, want, blob.names())

	report := reg.Report()
	assert.False(t, report.LastAlive(health.KindAttachmentStoring).IsZero())
	assert.False(t, report.LastAlive(health.KindAttachmentSending).IsZero())

	cancel()
	assert.NoError(t, p.Wait(), "cancellation is not a failure")

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats["postgres"].Sent)
	assert.Equal(t, uint64(3), stats["blob"].Sent)
}

type recordingPublisher struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (r *recordingPublisher) Publish(_ string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, append([]byte(nil), body...))
	return nil
}

func (r *recordingPublisher) published() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.bodies...)
}

func TestPipeline_EnvelopeCarriesCapturingFlow(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	tracing.Install(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	pub := &recordingPublisher{}
	nsqStore, err := store.NewNSQ(pub, "attachments")
	require.NoError(t, err)

	p, err := New(testConfig(), nil, []Sink{
		{Name: "nsq", Kind: health.KindAttachmentSending, Store: nsqStore},
	}, WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	// The capturing request has its own trace and correlation id; the sink
	// job that publishes later runs under neither.
	reqCtx, span := tracing.StartSpan(context.Background(), "http.capture")
	id := uuid.New()
	reqCtx, scope := correlation.Push(reqCtx, id)
	_, err = p.Capture(reqCtx, "request.body", []byte(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, scope.Close())
	span.End()

	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, p.Wait())

	var env store.Envelope
	require.NoError(t, json.Unmarshal(pub.published()[0], &env))
	assert.Equal(t, "request.body", env.Name)
	assert.Equal(t, id.String(), env.CorrelationID)
	require.Contains(t, env.TraceHeaders, "traceparent")
	restored := tracing.ExtractHeaders(context.Background(), env.TraceHeaders)
	assert.Equal(t, span.SpanContext().TraceID().String(), tracing.GetTraceID(restored))
}

func TestPipeline_FailingSinkDoesNotAffectOthers(t *testing.T) {
	good := &memoryStore{}
	bad := &memoryStore{fail: func(attachment.Descriptor) error { return errors.New("unavailable") }}
	dl := &memoryDeadLetters{}

	p, err := New(testConfig(), nil, []Sink{
		{Name: "good", Kind: health.KindAttachmentStoring, Store: good},
		{Name: "bad", Kind: health.KindAttachmentSending, Store: bad, DeadLetters: dl},
	}, WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	for i := 0; i < 4; i++ {
		_, err := p.Capture(ctx, "x", nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(good.names()) == 4 && dl.count() == 4
	}, 5*time.Second, 5*time.Millisecond)

	st := p.Stats()["bad"]
	assert.Equal(t, uint64(4), st.Failed)
	assert.Equal(t, uint64(4), st.DeadLetters)
	assert.Equal(t, uint64(3), st.Suppressed, "one error line per window")

	cancel()
	assert.NoError(t, p.Wait())
}

func TestPipeline_Flush(t *testing.T) {
	store := &memoryStore{}
	p, err := New(testConfig(), nil, []Sink{
		{Name: "s", Kind: health.KindAttachmentStoring, Store: store},
	}, WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = p.Capture(context.Background(), "pending", []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Buffers()["s"].Pending)

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, []string{"pending"}, store.names())
	assert.Equal(t, 0, p.Buffers()["s"].Pending)
}

func TestPipeline_BufferOverflowDrops(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 2
	store := &memoryStore{}
	p, err := New(cfg, nil, []Sink{
		{Name: "small", Kind: health.KindAttachmentStoring, Store: store},
	}, WithLogger(quietLogger()))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := p.Capture(context.Background(), "x", nil)
		require.NoError(t, err, "a full sink never fails the capture")
	}
	assert.Equal(t, BufferStats{Pending: 2, Capacity: 2, Dropped: 3}, p.Buffers()["small"])
}

func TestPipeline_InvalidConstruction(t *testing.T) {
	store := &memoryStore{}

	tests := []struct {
		name  string
		sinks []Sink
		want  error
	}{
		{"missing name", []Sink{{Kind: health.KindAttachmentStoring, Store: store}}, ErrInvalidSink},
		{"missing store", []Sink{{Name: "s", Kind: health.KindAttachmentStoring}}, ErrInvalidSink},
		{"unknown kind", []Sink{{Name: "s", Kind: health.Kind(99), Store: store}}, ErrInvalidSink},
		{"duplicate", []Sink{
			{Name: "s", Kind: health.KindAttachmentStoring, Store: store},
			{Name: "s", Kind: health.KindAttachmentSending, Store: store},
		}, ErrDuplicateSink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(testConfig(), nil, tt.sinks, WithLogger(quietLogger()))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPipeline_CaptureRequiresName(t *testing.T) {
	p, err := New(testConfig(), nil, nil, WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = p.Capture(context.Background(), "", []byte("x"))
	assert.ErrorIs(t, err, ErrEmptyName)
	assert.ErrorIs(t, p.Wait(), ErrNotStarted)
}

func TestPipeline_Defaults(t *testing.T) {
	p, err := New(config.Pipeline{}, nil, nil, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultPipeline(), p.Config())
	assert.NotNil(t, p.Health())
}

func TestPipeline_GRPCHealthProbe(t *testing.T) {
	hs := grpchealth.NewServer()
	store := &memoryStore{}

	p, err := New(testConfig(), nil, []Sink{
		{Name: "s", Kind: health.KindAttachmentStoring, Store: store},
	}, WithLogger(quietLogger()), WithGRPCHealth(hs))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}
	require.Eventually(t, func() bool {
		return check(health.ServiceName(health.KindAttachmentStoring)) == healthpb.HealthCheckResponse_SERVING &&
			check(health.ServiceName(health.KindHealthProbe)) == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))

	cancel()
	assert.NoError(t, p.Wait())
}

func TestPipeline_WaitReportsJobFailure(t *testing.T) {
	// A store that panics stops its job; the panic surfaces through Wait.
	store := transmission.StoreFunc[attachment.Descriptor](func(context.Context, attachment.Descriptor) error {
		panic("store bug")
	})
	p, err := New(testConfig(), nil, []Sink{
		{Name: "broken", Kind: health.KindAttachmentStoring, Store: store},
	}, WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	_, err = p.Capture(ctx, "boom", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store bug")
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after the job failed")
	}
}
