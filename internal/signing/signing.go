// Package signing signs and verifies blob uploads: HMAC-SHA256 over
// body||timestamp, sent as "sha256=<hex>".
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const prefix = "sha256="

var (
	ErrMissingHeaders   = errors.New("missing headers")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrOutsideLeeway    = errors.New("timestamp too far from now (outside leeway)")
	ErrMismatch         = errors.New("sig mismatch")
)

// Timestamp formats t the way Sign and Verify expect it.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Sign returns the signature header value for body sent at ts.
func Sign(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks sig against body and ts, rejecting timestamps more than
// leeway away from now.
func Verify(secret string, body []byte, ts, sig string, leeway time.Duration, now time.Time) error {
	if ts == "" || sig == "" {
		return ErrMissingHeaders
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	if abs64(now.Unix()-unix) > int64(leeway.Seconds()) {
		return ErrOutsideLeeway
	}
	want := Sign(secret, body, ts)
	if !strings.HasPrefix(sig, prefix) {
		sig = prefix + sig
	}
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return ErrMismatch
	}
	return nil
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
