// Package tracing sets up OpenTelemetry for the pipeline binaries and carries
// trace context across the places spans cannot follow on their own: NSQ
// envelopes and dead-letter records.
package tracing

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const TracerName = "github.com/austindbirch/harbor_trace"

// Span attribute keys shared by stores and the redrive worker.
const (
	AttachmentIDKey   = attribute.Key("harbortrace.attachment.id")
	AttachmentNameKey = attribute.Key("harbortrace.attachment.name")
	AttachmentSizeKey = attribute.Key("harbortrace.attachment.size_bytes")
	SinkKey           = attribute.Key("harbortrace.sink")
	TopicKey          = attribute.Key("harbortrace.nsq.topic")
	AttemptKey        = attribute.Key("harbortrace.redrive.attempt")
	FailureReasonKey  = attribute.Key("harbortrace.failure_reason")
)

const (
	defaultEndpoint = "tempo:4318"
	shutdownTimeout = 5 * time.Second
)

// AttachmentAttrs describes one attachment on a span.
func AttachmentAttrs(id, name string, size int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttachmentIDKey.String(id)}
	if name != "" {
		attrs = append(attrs, AttachmentNameKey.String(name))
	}
	return append(attrs, AttachmentSizeKey.Int(size))
}

// InitTracing installs a batching OTLP/HTTP provider as the global one. An
// empty endpoint falls back to OTEL_EXPORTER_OTLP_ENDPOINT. The sampling
// ratio comes from TRACE_SAMPLE_RATIO and defaults to 1.
func InitTracing(ctx context.Context, serviceName, endpoint string) (func(), error) {
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion()),
			attribute.String("service.instance.id", instanceID()),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(hostPort(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler(os.Getenv("TRACE_SAMPLE_RATIO"))),
	)
	Install(tp)

	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}, nil
}

// Install makes tp the global provider with W3C trace context and baggage
// propagation. Tests use it with an in-memory exporter.
func Install(tp oteltrace.TracerProvider) {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// sampler honours the parent's decision and samples new roots by ratio.
func sampler(raw string) trace.Sampler {
	ratio := 1.0
	if raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 && v <= 1 {
			ratio = v
		}
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}

func GetTracer() oteltrace.Tracer {
	return otel.Tracer(TracerName)
}

func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return GetTracer().Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}

func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	oteltrace.SpanFromContext(ctx).AddEvent(name, oteltrace.WithAttributes(attrs...))
}

// SetSpanError marks the current span failed. A nil err is a no-op.
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the hex trace id of the current span, or "".
func GetTraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// InjectHeaders returns the trace context of ctx as a flat map for message
// envelopes. The map is never nil.
func InjectHeaders(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractHeaders restores a trace context written by InjectHeaders.
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

func serviceVersion() string {
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		return v
	}
	return "dev"
}

func instanceID() string {
	for _, k := range []string{"POD_NAME", "HOSTNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "unknown"
}

// hostPort strips the scheme and any trailing slash; otlptracehttp wants
// host:port only.
func hostPort(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimSuffix(endpoint, "/")
}
