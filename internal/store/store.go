// Package store holds the durable sinks attachments are uploaded to. Each
// store implements transmission.Store[attachment.Descriptor].
package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMisconfigured is returned by constructors given unusable settings.
var ErrMisconfigured = errors.New("store: misconfigured")

// UploadError describes a failed upload in terms the sender can log.
type UploadError struct {
	Store  string
	Reason string
	Status int
	Err    error
}

func (e *UploadError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s upload failed: %s (status %d)", e.Store, e.Reason, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s upload failed: %s: %v", e.Store, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s upload failed: %s", e.Store, e.Reason)
}

func (e *UploadError) Unwrap() error { return e.Err }

// classifyReason buckets an upload failure for metrics.
func classifyReason(err error, status int) string {
	if err != nil {
		errLower := strings.ToLower(err.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
