// Command worker redrives dead-lettered attachments. It consumes the dead
// letter topic and retries the upload against the sink that rejected it,
// backing off between attempts until MAX_ATTEMPTS is reached.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_trace/internal/attachment"
	"github.com/austindbirch/harbor_trace/internal/config"
	"github.com/austindbirch/harbor_trace/internal/correlation"
	"github.com/austindbirch/harbor_trace/internal/db"
	"github.com/austindbirch/harbor_trace/internal/health"
	"github.com/austindbirch/harbor_trace/internal/job"
	"github.com/austindbirch/harbor_trace/internal/logging"
	"github.com/austindbirch/harbor_trace/internal/metrics"
	"github.com/austindbirch/harbor_trace/internal/store"
	"github.com/austindbirch/harbor_trace/internal/tracing"
	"github.com/austindbirch/harbor_trace/internal/transmission"
)

const (
	channel     = "redrive"
	maxAttempts = math.MaxUint16
)

type retryCfg struct {
	maxAttempts int
	backoff     []time.Duration
	jitterPct   float64
}

// readRetryCfg reads the retry configuration from env vars.
func readRetryCfg() retryCfg {
	maxAttempts := parseEnvInt("MAX_ATTEMPTS", 6)
	js := os.Getenv("BACKOFF_SCHEDULE")
	if js == "" {
		js = "1s,4s,16s,1m,4m,10m"
	}
	var schedule []time.Duration
	for _, p := range strings.Split(js, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err == nil && d > 0 {
			schedule = append(schedule, d)
		}
	}
	if len(schedule) == 0 {
		schedule = []time.Duration{
			time.Second,
			4 * time.Second,
			16 * time.Second,
			time.Minute,
			4 * time.Minute,
			10 * time.Minute,
		}
	}
	return retryCfg{
		maxAttempts: maxAttempts,
		backoff:     schedule,
		jitterPct:   parseEnvFloat("BACKOFF_JITTER_PCT", 0.25),
	}
}

// Helper func to parse int env vars, fallback to default
func parseEnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// Helper func to parse float env vars, fallback to default
func parseEnvFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// nsqMaxAttempts fits n into go-nsq's attempt counter. NSQ treats 0 as
// unlimited, so the floor is one attempt. The bool reports clamping.
func nsqMaxAttempts(n int) (uint16, bool) {
	switch {
	case n < 1:
		return 1, true
	case n > maxAttempts:
		return maxAttempts, true
	}
	return uint16(n), false
}

// consumerHeartbeat reports the redrive loop alive while the consumer holds
// at least one nsqd connection, so /healthz goes stale once it loses nsqd.
func consumerHeartbeat(reg *health.Registry, stats func() *nsq.ConsumerStats) job.Action {
	return func(context.Context) error {
		if stats().Connections > 0 {
			reg.ReportAlive(health.KindAttachmentSending)
		}
		return nil
	}
}

// outcome tells the consumer what to do with a message.
type outcome struct {
	requeue bool
	delay   time.Duration
	reason  string
}

type redriver struct {
	stores map[string]transmission.Store[attachment.Descriptor]
	retry  retryCfg
	log    *logging.Logger
}

// HandleMessage implements nsq.Handler. Every message is answered
// explicitly; returning nil keeps go-nsq from requeueing on its own.
func (r *redriver) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	out := r.process(context.Background(), m.Body, int(m.Attempts))
	if out.requeue {
		m.Requeue(out.delay)
		return nil
	}
	m.Finish()
	return nil
}

func (r *redriver) process(ctx context.Context, body []byte, attempt int) outcome {
	var dl store.DeadLetter
	if err := json.Unmarshal(body, &dl); err != nil || dl.Type != store.DLQType {
		r.log.Plain().WithError(err).WithField("type", dl.Type).Error("bad dead letter payload")
		return outcome{reason: "bad_payload"}
	}
	env := dl.Envelope

	ctx = tracing.ExtractHeaders(ctx, env.TraceHeaders)
	if id, err := uuid.Parse(env.CorrelationID); err == nil {
		var scope *correlation.Scope
		ctx, scope = correlation.Push(ctx, id)
		defer scope.Close()
	}
	ctx, span := tracing.StartSpan(ctx, "worker.redrive",
		tracing.AttachmentIDKey.String(env.ID),
		tracing.SinkKey.String(dl.Sink),
		tracing.AttemptKey.Int(attempt),
	)
	defer span.End()
	entry := r.log.WithContext(ctx).WithAttachment(env.ID).WithSink(dl.Sink).WithField("attempt", attempt)

	st, ok := r.stores[dl.Sink]
	if !ok {
		entry.Warn("no store configured for dead letter sink; dropping")
		return outcome{reason: "unknown_sink"}
	}

	start := time.Now()
	err := st.Upload(ctx, attachment.Descriptor{
		ID:            env.ID,
		Name:          env.Name,
		Value:         env.Value,
		CorrelationID: env.CorrelationID,
		TraceHeaders:  env.TraceHeaders,
	})
	metrics.RecordUpload("redrive."+dl.Sink, err == nil, time.Since(start))
	if err == nil {
		tracing.AddSpanEvent(ctx, "redrive.success")
		entry.Info("dead letter redriven")
		return outcome{reason: "redriven"}
	}
	tracing.SetSpanError(ctx, err)

	if attempt >= r.retry.maxAttempts {
		entry.WithError(err).Error("redrive attempts exhausted; dropping")
		return outcome{reason: "exhausted"}
	}
	delay := computeDelay(attempt, r.retry.backoff, r.retry.jitterPct)
	entry.WithError(err).WithField("delay", delay.String()).Warn("redrive failed; requeueing")
	return outcome{requeue: true, delay: delay, reason: "retry"}
}

func computeDelay(attempt int, schedule []time.Duration, jitterPct float64) time.Duration {
	// attempt is 1-based; map to schedule index
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	// jitter: +/- jitterPct
	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

func buildStores(ctx context.Context, cfg config.Config) (map[string]transmission.Store[attachment.Descriptor], map[string]health.Pinger, func(), error) {
	stores := make(map[string]transmission.Store[attachment.Descriptor])
	pingers := make(map[string]health.Pinger)
	cleanup := func() {}

	if cfg.DB.Enabled {
		pool, err := db.Connect(ctx, cfg.DSN(), db.DefaultMaxConns)
		if err != nil {
			return nil, nil, cleanup, err
		}
		cleanup = pool.Close
		pg, err := store.NewPostgres(pool)
		if err != nil {
			pool.Close()
			return nil, nil, func() {}, err
		}
		stores[pg.Name()] = pg
		pingers["postgres"] = pool
	}
	if cfg.Blob.BaseURL != "" {
		b, err := store.NewBlob(store.BlobConfig{
			BaseURL:         cfg.Blob.BaseURL,
			Secret:          cfg.Blob.Secret,
			Timeout:         cfg.Blob.Timeout,
			SignatureHeader: cfg.Blob.SignatureHeader,
			TimestampHeader: cfg.Blob.TimestampHeader,
		})
		if err != nil {
			cleanup()
			return nil, nil, func() {}, err
		}
		stores[b.Name()] = b
	}
	if len(stores) == 0 {
		cleanup()
		return nil, nil, func() {}, errors.New("no redrive targets: enable DB_ENABLED or set BLOB_BASE_URL")
	}
	return stores, pingers, cleanup, nil
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New("harbortrace-worker")

	shutdown, err := tracing.InitTracing(context.Background(), "harbortrace-worker", cfg.TracingEndpoint)
	if err != nil {
		logger.Plain().WithError(err).Warn("tracing disabled")
	} else {
		defer shutdown()
	}

	stores, pingers, cleanup, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("worker setup failed")
	}
	defer cleanup()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	liveness := health.NewRegistry()
	metrics.MustRegisterHealth(reg, liveness)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(liveness, cfg.Pipeline.StaleAfter, pingers))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpPort := os.Getenv("WORKER_HTTP_PORT")
	if httpPort == "" {
		httpPort = ":8083"
	}
	httpSrv := &http.Server{Addr: httpPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	retry := readRetryCfg()
	attempts, clamped := nsqMaxAttempts(retry.maxAttempts)
	if clamped {
		logger.Plain().WithFields(map[string]any{
			"configured": retry.maxAttempts,
			"using":      attempts,
		}).Warn("MAX_ATTEMPTS out of range")
		retry.maxAttempts = int(attempts)
	}
	conf := nsq.NewConfig()
	conf.MaxInFlight = 64
	conf.MaxAttempts = attempts
	consumer, err := nsq.NewConsumer(cfg.NSQ.DLQTopic, channel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddHandler(&redriver{stores: stores, retry: retry, log: logger})

	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	heartbeat, err := job.Start(ctx, consumerHeartbeat(liveness, consumer.Stats),
		func() bool { return true }, health.KindAttachmentSending, nil,
		job.WithIdleDelay(cfg.Pipeline.ProbeInterval),
		job.WithLogger(logger),
	)
	if err != nil {
		logger.Plain().WithError(err).Fatal("heartbeat job failed to start")
	}
	logger.Plain().WithFields(map[string]any{
		"topic":        cfg.NSQ.DLQTopic,
		"channel":      channel,
		"max_attempts": retry.maxAttempts,
	}).Info("worker service started")

	<-ctx.Done()
	logger.Plain().Info("Shutting down worker service")
	_ = heartbeat.Wait()
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}
