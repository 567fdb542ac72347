package correlation

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
	"pgregory.net/rapid"
)

func TestStack_PushPopScenario(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	s := NewStack()

	if got := s.Current(); got != Empty {
		t.Fatalf("Current() on new stack = %v, want empty", got)
	}

	scopeA := s.Push(a)
	scopeB := s.Push(b)
	if got := s.Current(); got != b {
		t.Errorf("Current() after nested push = %v, want %v", got, b)
	}
	if got := s.Depth(); got != 2 {
		t.Errorf("Depth() = %d, want 2", got)
	}

	if err := scopeB.Close(); err != nil {
		t.Fatalf("Close() inner scope error: %v", err)
	}
	if got := s.Current(); got != a {
		t.Errorf("Current() after inner pop = %v, want %v", got, a)
	}

	if err := scopeA.Close(); err != nil {
		t.Fatalf("Close() outer scope error: %v", err)
	}
	if got := s.Current(); got != Empty {
		t.Errorf("Current() after outer pop = %v, want empty", got)
	}
}

func TestStack_PopEmpty(t *testing.T) {
	s := NewStack()
	if err := s.Pop(); !errors.Is(err, ErrEmptyStack) {
		t.Errorf("Pop() on empty stack error = %v, want %v", err, ErrEmptyStack)
	}

	scope := s.Push(uuid.New())
	if err := scope.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := s.Pop(); !errors.Is(err, ErrEmptyStack) {
		t.Errorf("Pop() after balanced push/pop error = %v, want %v", err, ErrEmptyStack)
	}
}

func TestScope_CloseTwice(t *testing.T) {
	s := NewStack()
	outer := s.Push(uuid.New())
	inner := s.Push(uuid.New())

	if err := inner.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := inner.Close(); !errors.Is(err, ErrScopeClosed) {
		t.Errorf("second Close() error = %v, want %v", err, ErrScopeClosed)
	}
	if got := s.Depth(); got != 1 {
		t.Errorf("Depth() after double close = %d, want 1", got)
	}
	_ = outer.Close()
}

func TestStack_PopReusesPreviousFrame(t *testing.T) {
	s := NewStack()
	s.Push(uuid.New())
	before := s.top.Load()

	s.Push(uuid.New())
	if err := s.Pop(); err != nil {
		t.Fatalf("Pop() error: %v", err)
	}
	if after := s.top.Load(); after != before {
		t.Error("Pop() did not restore the previous frame object")
	}
}

func TestStack_NilReceiver(t *testing.T) {
	var s *Stack
	if got := s.Current(); got != Empty {
		t.Errorf("nil Stack Current() = %v, want empty", got)
	}
	if got := s.Depth(); got != 0 {
		t.Errorf("nil Stack Depth() = %d, want 0", got)
	}
	if child := s.Fork(); child.Current() != Empty {
		t.Errorf("nil Stack Fork().Current() = %v, want empty", child.Current())
	}
	if err := s.Pop(); !errors.Is(err, ErrEmptyStack) {
		t.Errorf("nil Stack Pop() error = %v, want %v", err, ErrEmptyStack)
	}
	scope := s.Push(uuid.New())
	if got := s.Current(); got != Empty {
		t.Errorf("nil Stack Current() after Push = %v, want empty", got)
	}
	if err := scope.Close(); !errors.Is(err, ErrNilStack) {
		t.Errorf("Close() of nil Stack push error = %v, want %v", err, ErrNilStack)
	}
}

func TestScope_CloseOutOfOrder(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	s := NewStack()
	outer := s.Push(a)
	inner := s.Push(b)

	err := outer.Close()
	if !errors.Is(err, ErrScopeOrder) {
		t.Fatalf("Close() of outer scope first error = %v, want %v", err, ErrScopeOrder)
	}
	if !strings.Contains(err.Error(), "scope at depth 1, stack at depth 2") {
		t.Errorf("Close() error = %q, want both depths", err)
	}
	if got := s.Current(); got != b {
		t.Errorf("Current() after rejected close = %v, want %v", got, b)
	}

	if err := inner.Close(); err != nil {
		t.Fatalf("inner Close() error: %v", err)
	}
	if err := outer.Close(); err != nil {
		t.Errorf("outer Close() after inner error: %v", err)
	}
	if got := s.Depth(); got != 0 {
		t.Errorf("Depth() = %d, want 0", got)
	}
}

func TestScope_CloseAfterManualPop(t *testing.T) {
	s := NewStack()
	s.Push(uuid.New())
	scope := s.Push(uuid.New())
	if err := s.Pop(); err != nil {
		t.Fatalf("Pop() error: %v", err)
	}
	if err := scope.Close(); !errors.Is(err, ErrScopeOrder) {
		t.Errorf("Close() of an already popped frame error = %v, want %v", err, ErrScopeOrder)
	}
	if got := s.Depth(); got != 1 {
		t.Errorf("Depth() = %d, want 1; the remaining frame must not be popped", got)
	}
}

func drawID(t *rapid.T, label string) ID {
	var id ID
	binary.BigEndian.PutUint64(id[:8], rapid.Uint64().Draw(t, label+"_hi"))
	binary.BigEndian.PutUint64(id[8:], rapid.Uint64Min(1).Draw(t, label+"_lo"))
	return id
}

func TestStack_LIFORoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewStack()
		base := rapid.IntRange(0, 3).Draw(t, "base")
		for i := 0; i < base; i++ {
			s.Push(drawID(t, "base_id"))
		}
		before := s.Current()
		depthBefore := s.Depth()

		n := rapid.IntRange(1, 32).Draw(t, "pushes")
		scopes := make([]*Scope, 0, n)
		for i := 0; i < n; i++ {
			id := drawID(t, "id")
			scopes = append(scopes, s.Push(id))
			if s.Current() != id {
				t.Fatalf("Current() = %v right after Push(%v)", s.Current(), id)
			}
		}
		for i := len(scopes) - 1; i >= 0; i-- {
			if err := scopes[i].Close(); err != nil {
				t.Fatalf("Close() error: %v", err)
			}
		}

		if s.Current() != before {
			t.Fatalf("Current() after round trip = %v, want %v", s.Current(), before)
		}
		if s.Depth() != depthBefore {
			t.Fatalf("Depth() after round trip = %d, want %d", s.Depth(), depthBefore)
		}
	})
}

func TestContext_PushAndCurrent(t *testing.T) {
	ctx := context.Background()
	if got := Current(ctx); got != Empty {
		t.Errorf("Current() on bare context = %v, want empty", got)
	}

	a := uuid.New()
	ctx, scope := Push(ctx, a)
	if got := Current(ctx); got != a {
		t.Errorf("Current() after Push = %v, want %v", got, a)
	}

	b := uuid.New()
	ctx2, inner := Push(ctx, b)
	if got := Current(ctx); got != b {
		t.Errorf("Push on a flow with a stack should mutate that flow, Current() = %v, want %v", got, b)
	}
	_ = inner.Close()
	if got := Current(ctx2); got != a {
		t.Errorf("Current() after inner close = %v, want %v", got, a)
	}
	_ = scope.Close()
	if got := Current(ctx); got != Empty {
		t.Errorf("Current() after outer close = %v, want empty", got)
	}
}

func TestFork_Isolation(t *testing.T) {
	root := uuid.New()
	ctx, scope := Push(context.Background(), root)
	defer scope.Close()

	const children = 16
	var wg sync.WaitGroup
	errs := make(chan string, children*2)

	for i := 0; i < children; i++ {
		child := Fork(ctx)
		wg.Add(1)
		go func(ctx context.Context) {
			defer wg.Done()
			if got := Current(ctx); got != root {
				errs <- "child did not inherit parent id"
				return
			}
			own := uuid.New()
			_, sc := Push(ctx, own)
			for j := 0; j < 100; j++ {
				if Current(ctx) != own {
					errs <- "child observed a sibling's push"
					break
				}
			}
			_ = sc.Close()
			if Current(ctx) != root {
				errs <- "child did not restore inherited id"
			}
		}(child)
	}

	parentID := uuid.New()
	_, parentScope := Push(ctx, parentID)
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Error(msg)
	}
	if got := Current(ctx); got != parentID {
		t.Errorf("parent Current() = %v, want %v", got, parentID)
	}
	_ = parentScope.Close()
}

func TestFromTraceID(t *testing.T) {
	traceID := oteltrace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36}
	tests := []struct {
		name string
		in   oteltrace.TraceID
		want ID
	}{
		{name: "valid trace id", in: traceID, want: ID(traceID)},
		{name: "invalid trace id", in: oteltrace.TraceID{}, want: Empty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromTraceID(tt.in); got != tt.want {
				t.Errorf("FromTraceID() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	fixed := uuid.MustParse("8f14e45f-ceea-467f-a3f2-8a0b5c0e0e47")
	traceID := oteltrace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36}

	tests := []struct {
		name     string
		header   string
		traceID  oteltrace.TraceID
		wantID   ID
		wantRand bool
	}{
		{name: "header wins", header: fixed.String(), traceID: traceID, wantID: fixed},
		{name: "trace id fallback", traceID: traceID, wantID: ID(traceID)},
		{name: "malformed header falls back to trace", header: "not-a-uuid", traceID: traceID, wantID: ID(traceID)},
		{name: "random when nothing else", wantRand: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen ID
			var depth int
			h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = Current(r.Context())
				s, _ := FromContext(r.Context())
				depth = s.Depth()
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/attachments", nil)
			if tt.header != "" {
				req.Header.Set(HeaderName, tt.header)
			}
			if tt.traceID.IsValid() {
				sc := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
					TraceID: tt.traceID,
					SpanID:  oteltrace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
				})
				req = req.WithContext(oteltrace.ContextWithSpanContext(req.Context(), sc))
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if tt.wantRand {
				if seen == Empty {
					t.Error("Middleware() left the flow without an id")
				}
			} else if seen != tt.wantID {
				t.Errorf("Middleware() id = %v, want %v", seen, tt.wantID)
			}
			if depth != 1 {
				t.Errorf("Middleware() depth = %d, want 1", depth)
			}
			if got := w.Header().Get(HeaderName); got != seen.String() {
				t.Errorf("response header %s = %q, want %q", HeaderName, got, seen.String())
			}
		})
	}
}
