package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_trace/internal/attachment"
	"github.com/austindbirch/harbor_trace/internal/correlation"
	"github.com/austindbirch/harbor_trace/internal/metrics"
	"github.com/austindbirch/harbor_trace/internal/tracing"
)

const (
	AttachmentType = "attachment.v1"
	DLQType        = "attachment.dlq"
)

// Publisher is the part of *nsq.Producer the NSQ stores use.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Envelope is the NSQ message body for one attachment.
type Envelope struct {
	Type          string            `json:"type"`
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Value         []byte            `json:"value"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	PublishedAt   string            `json:"published_at"`            // RFC3339
	TraceHeaders  map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// DeadLetter is published when an attachment could not be uploaded.
type DeadLetter struct {
	Type      string   `json:"type"`    // "attachment.dlq"
	Version   string   `json:"version"` // schema version
	At        string   `json:"at"`      // RFC3339 time the DLQ was emitted
	Sink      string   `json:"sink"`    // store that rejected the attachment
	LastError string   `json:"last_error,omitempty"`
	Envelope  Envelope `json:"attachment"`
}

// newEnvelope stamps the capturing flow recorded on d. ctx only fills in
// what d lacks; its trace headers win when it carries a span, since the
// sender restores d's trace and the publish span continues it.
func newEnvelope(ctx context.Context, d attachment.Descriptor, now time.Time) Envelope {
	env := Envelope{
		Type:          AttachmentType,
		ID:            d.ID,
		Name:          d.Name,
		Value:         d.Value,
		CorrelationID: correlationID(ctx, d),
		PublishedAt:   now.UTC().Format(time.RFC3339),
		TraceHeaders:  d.TraceHeaders,
	}
	if h := tracing.InjectHeaders(ctx); len(h) > 0 {
		env.TraceHeaders = h
	}
	return env
}

func correlationID(ctx context.Context, d attachment.Descriptor) string {
	if d.CorrelationID != "" {
		return d.CorrelationID
	}
	if id := correlation.Current(ctx); id != correlation.Empty {
		return id.String()
	}
	return ""
}

// NSQ publishes attachments to a topic for downstream consumers.
type NSQ struct {
	pub   Publisher
	topic string
	now   func() time.Time
}

func NewNSQ(pub Publisher, topic string) (*NSQ, error) {
	if pub == nil || topic == "" {
		return nil, fmt.Errorf("%w: nsq publisher and topic are required", ErrMisconfigured)
	}
	return &NSQ{pub: pub, topic: topic, now: time.Now}, nil
}

func (n *NSQ) Name() string { return "nsq" }

func (n *NSQ) Upload(ctx context.Context, d attachment.Descriptor) error {
	ctx, span := tracing.StartSpan(ctx, "store.nsq.publish",
		append(tracing.AttachmentAttrs(d.ID, d.Name, len(d.Value)), tracing.TopicKey.String(n.topic))...,
	)
	defer span.End()

	body, err := json.Marshal(newEnvelope(ctx, d, n.now()))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return &UploadError{Store: n.Name(), Reason: "encode", Err: err}
	}
	if err := n.pub.Publish(n.topic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		reason := classifyReason(err, 0)
		metrics.RecordStoreFailure(n.Name(), reason)
		return &UploadError{Store: n.Name(), Reason: reason, Err: err}
	}
	tracing.AddSpanEvent(ctx, "nsq.published", tracing.TopicKey.String(n.topic))
	return nil
}

// DeadLetters publishes failed attachments to a dead letter topic.
type DeadLetters struct {
	pub   Publisher
	topic string
	sink  string
	now   func() time.Time
}

// NewDeadLetters returns a dead letter sink for attachments rejected by sink.
func NewDeadLetters(pub Publisher, topic, sink string) (*DeadLetters, error) {
	if pub == nil || topic == "" {
		return nil, fmt.Errorf("%w: nsq publisher and dlq topic are required", ErrMisconfigured)
	}
	return &DeadLetters{pub: pub, topic: topic, sink: sink, now: time.Now}, nil
}

func (d *DeadLetters) DeadLetter(ctx context.Context, desc attachment.Descriptor, cause error) error {
	now := d.now()
	dl := DeadLetter{
		Type:     DLQType,
		Version:  "v1",
		At:       now.UTC().Format(time.RFC3339Nano),
		Sink:     d.sink,
		Envelope: newEnvelope(ctx, desc, now),
	}
	if cause != nil {
		dl.LastError = cause.Error()
	}
	body, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := d.pub.Publish(d.topic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("dlq publish: %w", err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", tracing.TopicKey.String(d.topic))
	return nil
}

// NewProducer connects an NSQ producer to nsqd and verifies it answers.
func NewProducer(nsqdTCPAddr string) (*nsq.Producer, error) {
	p, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	p.SetLoggerLevel(nsq.LogLevelWarning)
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, err
	}
	return p, nil
}

// ProducerPinger adapts *nsq.Producer to health.Pinger.
type ProducerPinger struct {
	Producer interface{ Ping() error }
}

func (p ProducerPinger) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- p.Producer.Ping() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
