package transmission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_trace/internal/logging"
	"github.com/austindbirch/harbor_trace/internal/metrics"
)

// ErrorReporter logs at most burst errors per interval and counts the rest.
// The number of errors swallowed since the previous line rides along on the
// next one.
type ErrorReporter struct {
	name    string
	message string
	limiter *rate.Limiter
	now     func() time.Time
	logger  *logging.Logger

	mu         sync.Mutex
	pending    uint64
	suppressed uint64
	total      uint64
}

// NewErrorReporter returns a reporter writing message at most burst times
// per interval.
func NewErrorReporter(name, message string, interval time.Duration, burst int, logger *logging.Logger, now func() time.Time) *ErrorReporter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval / time.Duration(burst))
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ErrorReporter{
		name:    name,
		message: message,
		limiter: rate.NewLimiter(limit, burst),
		now:     now,
		logger:  logger,
	}
}

// Report logs err unless the rate limit is exhausted. It returns whether a
// line was written.
func (r *ErrorReporter) Report(ctx context.Context, err error, fields map[string]any) bool {
	r.mu.Lock()
	r.total++
	if !r.limiter.AllowN(r.now(), 1) {
		r.pending++
		r.suppressed++
		r.mu.Unlock()
		metrics.RecordSuppressedError(r.name)
		return false
	}
	swallowed := r.pending
	r.pending = 0
	r.mu.Unlock()

	entry := r.logger.WithContext(ctx).WithSink(r.name).WithError(err).WithFields(fields)
	if swallowed > 0 {
		entry = entry.WithField("suppressed", swallowed)
	}
	entry.Error(r.message)
	return true
}

// Suppressed returns how many errors were swallowed so far.
func (r *ErrorReporter) Suppressed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suppressed
}

// Total returns how many errors were reported, logged or not.
func (r *ErrorReporter) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
