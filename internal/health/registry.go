package health

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Kind identifies which background role reported liveness.
type Kind int

const (
	KindAttachmentStoring Kind = iota
	KindAttachmentSending
	KindEventStoring
	KindEventSending
	KindEventAggregating
	KindHealthProbe

	kindCount
)

var kindNames = [kindCount]string{
	KindAttachmentStoring: "attachment_storing",
	KindAttachmentSending: "attachment_sending",
	KindEventStoring:      "event_storing",
	KindEventSending:      "event_sending",
	KindEventAggregating:  "event_aggregating",
	KindHealthProbe:       "health_probe",
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k >= 0 && k < kindCount
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown job kind %q", s)
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Registry records the last time each kind of job reported itself alive.
// A zero slot means the kind never reported.
type Registry struct {
	last [kindCount]atomic.Int64
	now  func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReportAlive stamps kind with the current UTC time. Unknown kinds are ignored.
func (r *Registry) ReportAlive(kind Kind) {
	if !kind.Valid() {
		return
	}
	ts := r.now().UTC().UnixNano()
	slot := &r.last[kind]
	for {
		cur := slot.Load()
		if cur >= ts || slot.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// Report returns a snapshot of every kind's last-alive time.
func (r *Registry) Report() Report {
	rep := Report{alive: make(map[Kind]time.Time, kindCount)}
	for k := Kind(0); k < kindCount; k++ {
		if ns := r.last[k].Load(); ns != 0 {
			rep.alive[k] = time.Unix(0, ns).UTC()
		}
	}
	return rep
}

// Report is an immutable liveness snapshot.
type Report struct {
	alive map[Kind]time.Time
}

// LastAlive returns when kind last reported, or the zero time if it never did.
func (r Report) LastAlive(kind Kind) time.Time {
	return r.alive[kind]
}

// Reported lists the kinds that reported at least once.
func (r Report) Reported() []Kind {
	out := make([]Kind, 0, len(r.alive))
	for _, k := range Kinds() {
		if _, ok := r.alive[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Stale reports whether kind reported at least once but not within maxAge of now.
func (r Report) Stale(kind Kind, maxAge time.Duration, now time.Time) bool {
	last, ok := r.alive[kind]
	if !ok || maxAge <= 0 {
		return false
	}
	return now.Sub(last) > maxAge
}

// MarshalJSON encodes the report as kind name -> RFC3339 timestamp, with
// never-reported kinds set to the zero time.
func (r Report) MarshalJSON() ([]byte, error) {
	out := make(map[string]time.Time, kindCount)
	for _, k := range Kinds() {
		out[k.String()] = r.alive[k]
	}
	return json.Marshal(out)
}
