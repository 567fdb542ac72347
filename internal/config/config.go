package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

type DB struct {
	Enabled bool
	User    string
	Pass    string
	Host    string
	Port    string
	Name    string
}

type NSQ struct {
	Enabled          bool
	NsqdTCPAddr      string // e.g. nsqd:4150
	AttachmentsTopic string // topic attachments are published to
	DLQTopic         string // dead letter topic for failed uploads
}

// Pipeline tunes the in-process attachment pipeline.
type Pipeline struct {
	BufferSize         int           // per-sink buffer capacity
	IdleDelay          time.Duration // sleep between empty drain passes
	CheckpointInterval time.Duration // progress log cadence per sender
	ErrorLogInterval   time.Duration // window for rate-limited upload errors
	ErrorLogBurst      int           // error lines allowed per window
	StaleAfter         time.Duration // job liveness older than this is unhealthy
	ProbeInterval      time.Duration // gRPC health sync cadence
}

type Blob struct {
	BaseURL         string        // empty disables the blob sink
	Secret          string        // HMAC signing secret
	Timeout         time.Duration // per-upload HTTP timeout
	SignatureHeader string
	TimestampHeader string
}

type Auth struct {
	Enabled      bool
	PublicKeyPEM string
	JWKSURL      string
	Issuer       string
	Audience     string
}

type FakeSink struct {
	FailFirstN           int    // Number of uploads to fail initially
	Secret               string // Secret for signature verification
	SigningLeewaySeconds int    // Allowed timestamp skew in seconds
	ResponseDelayMS      int    // Simulated response delay in milliseconds
	Port                 string
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
}

type Config struct {
	AppName         string
	HTTPPort        string // :8080
	GRPCPort        string // :50051
	TracingEndpoint string // OTLP HTTP collector; empty uses OTEL_EXPORTER_OTLP_ENDPOINT
	LogLevel        string
	DB              DB
	NSQ             NSQ
	Pipeline        Pipeline
	Blob            Blob
	Auth            Auth
	FakeSink        FakeSink
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// DefaultPipeline returns the pipeline tuning used when nothing is configured.
func DefaultPipeline() Pipeline {
	return Pipeline{
		BufferSize:         1024,
		IdleDelay:          50 * time.Millisecond,
		CheckpointInterval: time.Hour,
		ErrorLogInterval:   10 * time.Minute,
		ErrorLogBurst:      1,
		StaleAfter:         30 * time.Second,
		ProbeInterval:      5 * time.Second,
	}
}

func FromEnv() Config {
	def := DefaultPipeline()
	return Config{
		AppName:         getenv("APP_NAME", "harbortrace"),
		HTTPPort:        getenv("HTTP_PORT", ":8080"),
		GRPCPort:        getenv("GRPC_PORT", ":50051"),
		TracingEndpoint: getenv("TRACING_ENDPOINT", ""),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		DB: DB{
			Enabled: getenvBool("DB_ENABLED", false),
			User:    getenv("DB_USER", "postgres"),
			Pass:    getenv("DB_PASS", "postgres"),
			Host:    getenv("DB_HOST", "postgres"),
			Port:    getenv("DB_PORT", "5432"),
			Name:    getenv("DB_NAME", "harbortrace"),
		},
		NSQ: NSQ{
			Enabled:          getenvBool("NSQ_ENABLED", false),
			NsqdTCPAddr:      getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			AttachmentsTopic: getenv("NSQ_ATTACHMENTS_TOPIC", "attachments"),
			DLQTopic:         getenv("NSQ_DLQ_TOPIC", "attachments_dlq"),
		},
		Pipeline: Pipeline{
			BufferSize:         getenvInt("PIPELINE_BUFFER_SIZE", def.BufferSize),
			IdleDelay:          getenvDuration("PIPELINE_IDLE_DELAY", def.IdleDelay),
			CheckpointInterval: getenvDuration("PIPELINE_CHECKPOINT_INTERVAL", def.CheckpointInterval),
			ErrorLogInterval:   getenvDuration("PIPELINE_ERROR_LOG_INTERVAL", def.ErrorLogInterval),
			ErrorLogBurst:      getenvInt("PIPELINE_ERROR_LOG_BURST", def.ErrorLogBurst),
			StaleAfter:         getenvDuration("PIPELINE_STALE_AFTER", def.StaleAfter),
			ProbeInterval:      getenvDuration("PIPELINE_PROBE_INTERVAL", def.ProbeInterval),
		},
		Blob: Blob{
			BaseURL:         getenv("BLOB_BASE_URL", ""),
			Secret:          getenv("BLOB_SECRET", ""),
			Timeout:         getenvDuration("BLOB_TIMEOUT", 15*time.Second),
			SignatureHeader: getenv("BLOB_SIGNATURE_HEADER", "X-HarborTrace-Signature"),
			TimestampHeader: getenv("BLOB_TIMESTAMP_HEADER", "X-HarborTrace-Timestamp"),
		},
		Auth: Auth{
			Enabled:      getenvBool("JWT_ENABLED", false),
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:      getenv("JWT_JWKS_URL", ""),
			Issuer:       getenv("JWT_ISSUER", "harbortrace-auth"),
			Audience:     getenv("JWT_AUDIENCE", "harbortrace"),
		},
		FakeSink: FakeSink{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			Secret:               getenv("BLOB_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_SINK_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_SINK_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_SINK_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_SINK_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// Merge overlays every key set in v onto c. Keys use the nested form of the
// config file, e.g. "pipeline.buffer_size" or "blob.base_url".
func (c Config) Merge(v *viper.Viper) Config {
	if v == nil {
		return c
	}
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	integer := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	boolean := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			if d := v.GetDuration(key); d > 0 {
				*dst = d
			}
		}
	}

	str("app_name", &c.AppName)
	str("http_port", &c.HTTPPort)
	str("grpc_port", &c.GRPCPort)
	str("tracing_endpoint", &c.TracingEndpoint)
	str("log_level", &c.LogLevel)

	boolean("db.enabled", &c.DB.Enabled)
	str("db.user", &c.DB.User)
	str("db.pass", &c.DB.Pass)
	str("db.host", &c.DB.Host)
	str("db.port", &c.DB.Port)
	str("db.name", &c.DB.Name)

	boolean("nsq.enabled", &c.NSQ.Enabled)
	str("nsq.nsqd_tcp_addr", &c.NSQ.NsqdTCPAddr)
	str("nsq.attachments_topic", &c.NSQ.AttachmentsTopic)
	str("nsq.dlq_topic", &c.NSQ.DLQTopic)

	integer("pipeline.buffer_size", &c.Pipeline.BufferSize)
	duration("pipeline.idle_delay", &c.Pipeline.IdleDelay)
	duration("pipeline.checkpoint_interval", &c.Pipeline.CheckpointInterval)
	duration("pipeline.error_log_interval", &c.Pipeline.ErrorLogInterval)
	integer("pipeline.error_log_burst", &c.Pipeline.ErrorLogBurst)
	duration("pipeline.stale_after", &c.Pipeline.StaleAfter)
	duration("pipeline.probe_interval", &c.Pipeline.ProbeInterval)

	str("blob.base_url", &c.Blob.BaseURL)
	str("blob.secret", &c.Blob.Secret)
	duration("blob.timeout", &c.Blob.Timeout)

	boolean("auth.enabled", &c.Auth.Enabled)
	str("auth.public_key", &c.Auth.PublicKeyPEM)
	str("auth.jwks_url", &c.Auth.JWKSURL)
	str("auth.issuer", &c.Auth.Issuer)
	str("auth.audience", &c.Auth.Audience)

	return c
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
