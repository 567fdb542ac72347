package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_trace/internal/auth"
	"github.com/austindbirch/harbor_trace/internal/config"
	"github.com/austindbirch/harbor_trace/internal/db"
	"github.com/austindbirch/harbor_trace/internal/health"
	"github.com/austindbirch/harbor_trace/internal/logging"
	"github.com/austindbirch/harbor_trace/internal/metrics"
	"github.com/austindbirch/harbor_trace/internal/pipeline"
	"github.com/austindbirch/harbor_trace/internal/store"
	"github.com/austindbirch/harbor_trace/internal/tracing"
)

const (
	shutdownTimeout = 10 * time.Second
	flushTimeout    = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the attachment pipeline with its HTTP and gRPC endpoints",
	Long: `Run the attachment pipeline. Sinks are enabled by configuration:
DB_ENABLED for Postgres, NSQ_ENABLED for NSQ (which also dead-letters the
other sinks' failures) and BLOB_BASE_URL for the signed HTTP blob store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv().Merge(viper.GetViper())
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.SetDefaultService(cfg.AppName)
	log := logging.Default()
	if level, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		log.Plain().WithError(err).Warn("keeping default log level")
	} else {
		logging.SetDefaultLevel(level)
	}

	// Not bound to ctx: the final flush still emits spans.
	shutdownTracing, err := tracing.InitTracing(context.Background(), cfg.AppName, cfg.TracingEndpoint)
	if err != nil {
		log.Plain().WithError(err).Warn("tracing disabled")
	} else {
		defer shutdownTracing()
	}

	sinks, pingers, closeSinks, err := buildSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	hs := grpchealth.NewServer()
	p, err := pipeline.New(cfg.Pipeline, health.NewRegistry(), sinks,
		pipeline.WithLogger(log),
		pipeline.WithGRPCHealth(hs),
	)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	metrics.MustRegisterHealth(reg, p.Health())

	validator, err := newValidator(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	grpcOpts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if validator != nil {
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(validator.GRPCInterceptor()))
	}
	grpcSrv := grpc.NewServer(grpcOpts...)
	healthpb.RegisterHealthServer(grpcSrv, hs)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           newHTTPHandler(p, reg, pingers, validator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := p.Start(gctx); err != nil {
		lis.Close()
		return err
	}

	g.Go(func() error {
		log.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		log.Plain().WithField("addr", cfg.HTTPPort).Info("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(p.Wait)
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	// Jobs are stopped; ship what is still buffered.
	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := p.Flush(flushCtx); err != nil {
		log.Plain().WithError(err).Warn("flush incomplete")
	}
	buffers := p.Buffers()
	for name, st := range p.Stats() {
		log.Plain().WithSink(name).WithFields(map[string]any{
			"sent":                 st.Sent,
			"failed":               st.Failed,
			"suppressed":           st.Suppressed,
			"dead_letters":         st.DeadLetters,
			"dead_letter_failures": st.DeadLetterFailures,
			"dropped":              buffers[name].Dropped,
			"unflushed":            buffers[name].Pending,
		}).Info("sink stopped")
	}
	log.Plain().Info("harbortrace stopped")
	return runErr
}

// buildSinks connects every enabled store. When NSQ is enabled its producer
// also dead-letters the other sinks' failed uploads.
func buildSinks(ctx context.Context, cfg config.Config) ([]pipeline.Sink, map[string]health.Pinger, func(), error) {
	var (
		sinks   []pipeline.Sink
		pingers = make(map[string]health.Pinger)
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) ([]pipeline.Sink, map[string]health.Pinger, func(), error) {
		closeAll()
		return nil, nil, func() {}, err
	}

	if cfg.DB.Enabled {
		pool, err := db.Connect(ctx, cfg.DSN(), db.DefaultMaxConns)
		if err != nil {
			return fail(fmt.Errorf("db connect: %w", err))
		}
		closers = append(closers, pool.Close)
		if err := db.EnsureSchema(ctx, pool); err != nil {
			return fail(fmt.Errorf("db schema: %w", err))
		}
		pg, err := store.NewPostgres(pool)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, pipeline.Sink{Name: pg.Name(), Kind: health.KindAttachmentStoring, Store: pg})
		pingers["postgres"] = pool
	}

	var producer store.Publisher
	if cfg.NSQ.Enabled {
		prod, err := store.NewProducer(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			return fail(fmt.Errorf("nsq producer: %w", err))
		}
		closers = append(closers, prod.Stop)
		n, err := store.NewNSQ(prod, cfg.NSQ.AttachmentsTopic)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, pipeline.Sink{Name: n.Name(), Kind: health.KindEventSending, Store: n})
		pingers["nsq"] = store.ProducerPinger{Producer: prod}
		producer = prod
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
			return fail(err)
		}
		sinks = append(sinks, pipeline.Sink{Name: b.Name(), Kind: health.KindAttachmentSending, Store: b})
	}

	if producer != nil && cfg.NSQ.DLQTopic != "" {
		for i := range sinks {
			if sinks[i].Name == "nsq" {
				continue
			}
			dl, err := store.NewDeadLetters(producer, cfg.NSQ.DLQTopic, sinks[i].Name)
			if err != nil {
				return fail(err)
			}
			sinks[i].DeadLetters = dl
		}
	}

	if len(sinks) == 0 {
		logging.Plain().Warn("no sinks enabled; captured attachments are discarded")
	}
	return sinks, pingers, closeAll, nil
}

// newValidator returns nil when auth is disabled. A PEM key wins over JWKS.
func newValidator(ctx context.Context, cfg config.Auth) (*auth.JWTValidator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.PublicKeyPEM != "" {
		return auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("enabled without a public key or JWKS URL")
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	key, err := auth.FetchJWKS(fetchCtx, nil, cfg.JWKSURL, "")
	if err != nil {
		return nil, err
	}
	return auth.NewJWTValidatorFromKey(key, cfg.Issuer, cfg.Audience)
}
