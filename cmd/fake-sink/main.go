// Command fake-sink is a blob store stand-in for local runs and demos. It
// accepts signed attachment uploads, can fail the first N of them and keeps
// what it received in memory.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_trace/internal/config"
	"github.com/austindbirch/harbor_trace/internal/correlation"
	"github.com/austindbirch/harbor_trace/internal/logging"
	"github.com/austindbirch/harbor_trace/internal/signing"
	"github.com/austindbirch/harbor_trace/internal/store"
)

const maxUploadBytes = 32 << 20

type stored struct {
	name  string
	value []byte
}

type sink struct {
	cfg      config.FakeSink
	sigHdr   string
	tsHdr    string
	log      *logging.Logger
	now      func() time.Time
	requests atomic.Int64
	uploads  *prometheus.CounterVec

	mu    sync.RWMutex
	blobs map[string]stored
}

func newSink(cfg config.FakeSink, blob config.Blob, log *logging.Logger) *sink {
	s := &sink{
		cfg:    cfg,
		sigHdr: blob.SignatureHeader,
		tsHdr:  blob.TimestampHeader,
		log:    log,
		now:    time.Now,
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fake_sink_uploads_total",
			Help: "Uploads received by the fake sink, by result.",
		}, []string{"result"}),
		blobs: make(map[string]stored),
	}
	if s.sigHdr == "" {
		s.sigHdr = store.DefaultSignatureHeader
	}
	if s.tsHdr == "" {
		s.tsHdr = store.DefaultTimestampHeader
	}
	return s
}

func (s *sink) routes(reg *prometheus.Registry) http.Handler {
	reg.MustRegister(s.uploads)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("PUT /attachments/{id}", s.handleUpload)
	mux.HandleFunc("GET /attachments/{id}", s.handleGet)
	return correlation.Middleware(mux)
}

func (s *sink) handleUpload(w http.ResponseWriter, r *http.Request) {
	n := s.requests.Add(1)
	id := r.PathValue("id")
	entry := s.log.WithContext(r.Context()).WithAttachment(id).WithField("name", r.Header.Get(store.NameHeader))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		s.uploads.WithLabelValues("bad_request").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if s.cfg.Secret != "" {
		leeway := time.Duration(s.cfg.SigningLeewaySeconds) * time.Second
		if err := signing.Verify(s.cfg.Secret, body, r.Header.Get(s.tsHdr), r.Header.Get(s.sigHdr), leeway, s.now()); err != nil {
			entry.WithError(err).Warn("signature rejected")
			s.uploads.WithLabelValues("unauthorized").Inc()
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if d := time.Duration(s.cfg.ResponseDelayMS) * time.Millisecond; d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if n <= int64(s.cfg.FailFirstN) {
		entry.WithFields(map[string]any{"request": n, "fail_first_n": s.cfg.FailFirstN}).Warn("failing upload on purpose")
		s.uploads.WithLabelValues("injected_failure").Inc()
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.blobs[id] = stored{name: r.Header.Get(store.NameHeader), value: body}
	s.mu.Unlock()

	entry.WithField("size_bytes", len(body)).Info("attachment stored")
	s.uploads.WithLabelValues("stored").Inc()
	w.WriteHeader(http.StatusCreated)
}

func (s *sink) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	b, ok := s.blobs[r.PathValue("id")]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(store.NameHeader, b.name)
	_, _ = w.Write(b.value)
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("fake-sink")
	log := logging.Default()

	s := newSink(cfg.FakeSink, cfg.Blob, log)
	srv := &http.Server{
		Addr:         cfg.FakeSink.Port,
		Handler:      s.routes(prometheus.NewRegistry()),
		ReadTimeout:  cfg.FakeSink.ReadTimeout,
		WriteTimeout: cfg.FakeSink.WriteTimeout,
		IdleTimeout:  cfg.FakeSink.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Plain().WithFields(map[string]any{
		"addr":         cfg.FakeSink.Port,
		"fail_first_n": cfg.FakeSink.FailFirstN,
		"signed":       cfg.FakeSink.Secret != "",
	}).Info("fake-sink listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Plain().WithError(err).Fatal("fake-sink serve")
	}
}
