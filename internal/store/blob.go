package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_trace/internal/attachment"
	"github.com/austindbirch/harbor_trace/internal/correlation"
	"github.com/austindbirch/harbor_trace/internal/metrics"
	"github.com/austindbirch/harbor_trace/internal/signing"
	"github.com/austindbirch/harbor_trace/internal/tracing"
)

const (
	DefaultSignatureHeader = "X-HarborTrace-Signature" // sha256=<hex>
	DefaultTimestampHeader = "X-HarborTrace-Timestamp" // unix seconds
	NameHeader             = "X-Attachment-Name"
)

// BlobConfig configures a Blob store.
type BlobConfig struct {
	BaseURL         string
	Secret          string
	Timeout         time.Duration
	SignatureHeader string
	TimestampHeader string
	Client          *http.Client // optional; defaults to an otelhttp-instrumented client
}

// Blob uploads attachment bodies to an HTTP blob service with
// PUT {base}/attachments/{id}. Requests are signed when a secret is set.
type Blob struct {
	base      *url.URL
	secret    string
	sigHeader string
	tsHeader  string
	client    *http.Client
	now       func() time.Time
}

func NewBlob(cfg BlobConfig) (*Blob, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: blob base url is required", ErrMisconfigured)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid blob base url %q", ErrMisconfigured, cfg.BaseURL)
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	b := &Blob{
		base:      base,
		secret:    cfg.Secret,
		sigHeader: cfg.SignatureHeader,
		tsHeader:  cfg.TimestampHeader,
		client:    client,
		now:       time.Now,
	}
	if b.sigHeader == "" {
		b.sigHeader = DefaultSignatureHeader
	}
	if b.tsHeader == "" {
		b.tsHeader = DefaultTimestampHeader
	}
	return b, nil
}

func (b *Blob) Name() string { return "blob" }

// URL returns where the attachment with id is stored.
func (b *Blob) URL(id string) string {
	return b.base.String() + "/attachments/" + url.PathEscape(id)
}

func (b *Blob) Upload(ctx context.Context, d attachment.Descriptor) error {
	ctx, span := tracing.StartSpan(ctx, "store.blob.upload",
		tracing.AttachmentAttrs(d.ID, d.Name, len(d.Value))...,
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.URL(d.ID), bytes.NewReader(d.Value))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return &UploadError{Store: b.Name(), Reason: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(NameHeader, d.Name)
	if id := correlationID(ctx, d); id != "" {
		req.Header.Set(correlation.HeaderName, id)
	}
	if b.secret != "" {
		tracing.AddSpanEvent(ctx, "http.sign_request")
		ts := signing.Timestamp(b.now())
		req.Header.Set(b.tsHeader, ts)
		req.Header.Set(b.sigHeader, signing.Sign(b.secret, d.Value, ts))
	}

	resp, doErr := b.client.Do(req)
	status := 0
	if doErr == nil {
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	span.SetAttributes(attribute.Int("http.status_code", status))

	if doErr == nil && status >= 200 && status < 300 {
		return nil
	}

	reason := classifyReason(doErr, status)
	span.SetAttributes(tracing.FailureReasonKey.String(reason))
	metrics.RecordStoreFailure(b.Name(), reason)
	uerr := &UploadError{Store: b.Name(), Reason: reason, Status: status, Err: doErr}
	tracing.SetSpanError(ctx, uerr)
	return uerr
}
