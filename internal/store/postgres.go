package store

import (
	"context"
	"fmt"

	"github.com/austindbirch/harbor_trace/internal/attachment"
	"github.com/austindbirch/harbor_trace/internal/db"
	"github.com/austindbirch/harbor_trace/internal/metrics"
	"github.com/austindbirch/harbor_trace/internal/tracing"
)

const insertAttachment = `
	INSERT INTO harbortrace.attachments (id, name, value, size_bytes, correlation_id)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO NOTHING`

// Postgres persists attachments into harbortrace.attachments. Re-uploading an
// id is a no-op, so retries and redelivery are safe.
type Postgres struct {
	db db.Execer
}

func NewPostgres(conn db.Execer) (*Postgres, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: postgres connection is nil", ErrMisconfigured)
	}
	return &Postgres{db: conn}, nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Upload(ctx context.Context, d attachment.Descriptor) error {
	ctx, span := tracing.StartSpan(ctx, "store.postgres.upload",
		tracing.AttachmentAttrs(d.ID, d.Name, len(d.Value))...,
	)
	defer span.End()

	value := d.Value
	if value == nil {
		value = []byte{}
	}

	var corr *string
	if id := correlationID(ctx, d); id != "" {
		corr = &id
	}

	tag, err := p.db.Exec(ctx, insertAttachment, d.ID, d.Name, value, len(value), corr)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		reason := classifyReason(err, 0)
		metrics.RecordStoreFailure(p.Name(), reason)
		return &UploadError{Store: p.Name(), Reason: reason, Err: err}
	}
	if tag.RowsAffected() == 0 {
		tracing.AddSpanEvent(ctx, "db.attachment_exists")
	}
	return nil
}
