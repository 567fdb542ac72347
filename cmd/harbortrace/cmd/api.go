package cmd

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/austindbirch/harbor_trace/internal/auth"
	"github.com/austindbirch/harbor_trace/internal/correlation"
	"github.com/austindbirch/harbor_trace/internal/health"
	"github.com/austindbirch/harbor_trace/internal/logging"
	"github.com/austindbirch/harbor_trace/internal/pipeline"
)

// maxAttachmentBytes caps one captured payload.
const maxAttachmentBytes = 16 << 20

type captureResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SizeBytes     int    `json:"size_bytes"`
	CorrelationID string `json:"correlation_id"`
}

type sinkStats struct {
	Sent               uint64 `json:"sent"`
	Failed             uint64 `json:"failed"`
	Suppressed         uint64 `json:"suppressed"`
	DeadLetters        uint64 `json:"dead_letters"`
	DeadLetterFailures uint64 `json:"dead_letter_failures"`
	Pending            int    `json:"pending"`
	Capacity           int    `json:"capacity"`
	Dropped            uint64 `json:"dropped"`
}

// newHTTPHandler serves health, metrics and the capture API. Everything
// except /healthz and /metrics requires a token when v is non-nil.
func newHTTPHandler(p *pipeline.Pipeline, reg *prometheus.Registry, pingers map[string]health.Pinger, v *auth.JWTValidator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HTTPHandler(p.Health(), p.Config().StaleAfter, pingers))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /v1/attachments", captureHandler(p))
	mux.HandleFunc("GET /v1/stats", statsHandler(p))

	var h http.Handler = mux
	if v != nil {
		h = v.HTTPMiddleware(h)
	}
	h = correlation.Middleware(h)
	return otelhttp.NewHandler(h, "harbortrace.http")
}

func captureHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "missing name query parameter", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAttachmentBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "attachment too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		a, err := p.Capture(ctx, name, body)
		if err != nil {
			logging.WithContext(ctx).WithError(err).Warn("capture rejected")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusAccepted, captureResponse{
			ID:            a.ID().String(),
			Name:          a.Name(),
			SizeBytes:     a.Len(),
			CorrelationID: correlation.Current(ctx).String(),
		})
	}
}

func statsHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buffers := p.Buffers()
		out := make(map[string]sinkStats)
		for name, st := range p.Stats() {
			b := buffers[name]
			out[name] = sinkStats{
				Sent:               st.Sent,
				Failed:             st.Failed,
				Suppressed:         st.Suppressed,
				DeadLetters:        st.DeadLetters,
				DeadLetterFailures: st.DeadLetterFailures,
				Pending:            b.Pending,
				Capacity:           b.Capacity,
				Dropped:            b.Dropped,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
