package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// HeaderName carries the correlation id on inbound and outbound HTTP requests.
const HeaderName = "X-Correlation-Id"

type contextKey struct{}

// NewContext returns a copy of ctx that carries s as its flow stack.
func NewContext(ctx context.Context, s *Stack) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the flow stack carried by ctx, if any.
func FromContext(ctx context.Context) (*Stack, bool) {
	s, ok := ctx.Value(contextKey{}).(*Stack)
	return s, ok && s != nil
}

// Current returns the correlation id of the flow carried by ctx.
func Current(ctx context.Context) ID {
	s, _ := FromContext(ctx)
	return s.Current()
}

// Push pushes id onto the flow carried by ctx. If ctx carries no flow a new
// one is attached, so callers should keep using the returned context.
func Push(ctx context.Context, id ID) (context.Context, *Scope) {
	s, ok := FromContext(ctx)
	if !ok {
		s = NewStack()
		ctx = NewContext(ctx, s)
	}
	return ctx, s.Push(id)
}

// Fork returns a context for a child flow. The child sees the parent's ids as
// of now; later pushes on either side stay invisible to the other.
func Fork(ctx context.Context) context.Context {
	s, _ := FromContext(ctx)
	return NewContext(ctx, s.Fork())
}

// FromTraceID converts an OpenTelemetry trace id into a correlation id.
// Both are 128 bits wide.
func FromTraceID(traceID oteltrace.TraceID) ID {
	if !traceID.IsValid() {
		return Empty
	}
	return ID(traceID)
}

// Middleware starts a fresh flow for every request. The id comes from the
// X-Correlation-Id header, then the active trace, then a random id.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := seedID(r)
		ctx := NewContext(r.Context(), NewStack())
		ctx, scope := Push(ctx, id)
		defer scope.Close()

		w.Header().Set(HeaderName, id.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func seedID(r *http.Request) ID {
	if v := r.Header.Get(HeaderName); v != "" {
		if id, err := uuid.Parse(v); err == nil && id != Empty {
			return id
		}
	}
	sc := oteltrace.SpanContextFromContext(r.Context())
	if id := FromTraceID(sc.TraceID()); id != Empty {
		return id
	}
	return uuid.New()
}
