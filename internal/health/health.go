package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Pinger is a dependency the service needs to be reachable, e.g. *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type JobStatus struct {
	LastAlive time.Time `json:"last_alive"`
	Stale     bool      `json:"stale"`
}

type Status struct {
	OK           bool                 `json:"ok"`
	Message      string               `json:"message,omitempty"`
	Jobs         map[string]JobStatus `json:"jobs,omitempty"`
	Dependencies map[string]bool      `json:"dependencies,omitempty"`
}

// Evaluate builds a Status from a registry snapshot and dependency pings.
// Kinds that never reported are left out; they are not running in this process.
func Evaluate(ctx context.Context, report Report, staleAfter time.Duration, now time.Time, pingers map[string]Pinger) Status {
	st := Status{OK: true, Message: "ok"}

	for _, k := range report.Reported() {
		if st.Jobs == nil {
			st.Jobs = make(map[string]JobStatus)
		}
		stale := report.Stale(k, staleAfter, now)
		st.Jobs[k.String()] = JobStatus{LastAlive: report.LastAlive(k), Stale: stale}
		if stale {
			st.OK = false
			st.Message = "stale job: " + k.String()
		}
	}

	names := make([]string, 0, len(pingers))
	for name := range pingers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if st.Dependencies == nil {
			st.Dependencies = make(map[string]bool)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		err := pingers[name].Ping(pingCtx)
		cancel()
		st.Dependencies[name] = err == nil
		if err != nil {
			st.OK = false
			st.Message = name + " ping failed"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports job liveness and dependency health
func HTTPHandler(reg *Registry, staleAfter time.Duration, pingers map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Evaluate(r.Context(), reg.Report(), staleAfter, reg.now().UTC(), pingers)

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
