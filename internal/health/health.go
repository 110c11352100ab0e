// Package health serves the liveness and readiness endpoints of the voxcoach
// API. /healthz answers 200 whenever the process can serve HTTP; /readyz runs
// every registered [Probe] (the Postgres pool ping, provider reachability)
// and answers 503 until all of them pass, so load balancers hold traffic back
// while the database or a model backend is still coming up.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 5 * time.Second

// Probe verifies one backing dependency of the coaching API.
type Probe struct {
	// Name keys the probe's verdict in the /readyz response ("database",
	// "stt", ...).
	Name string

	// Check pings the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// probeResult is one probe's verdict plus how long it took.
type probeResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// report is the response body of both endpoints.
type report struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service"`
	Checks  map[string]probeResult `json:"checks,omitempty"`
}

// Handler answers the health endpoints. Safe for concurrent use; the probe
// list is fixed at construction.
type Handler struct {
	service string
	probes  []Probe
}

// New creates a Handler reporting under the given service name. Probes run
// sequentially in registration order on each /readyz request.
func New(service string, probes ...Probe) *Handler {
	return &Handler{
		service: service,
		probes:  append([]Probe(nil), probes...),
	}
}

// Healthz answers 200 unconditionally: a process that got this far can
// serve HTTP.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok", Service: h.service})
}

// Readyz answers 200 only when every probe passes. Each probe gets its own
// [probeTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{
		Status:  "ok",
		Service: h.service,
		Checks:  make(map[string]probeResult, len(h.probes)),
	}
	code := http.StatusOK

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		start := time.Now()
		err := p.Check(ctx)
		cancel()

		res := probeResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			res.Status = "fail"
			res.Error = err.Error()
			rep.Status = "fail"
			code = http.StatusServiceUnavailable
		}
		rep.Checks[p.Name] = res
	}

	writeJSON(w, code, rep)
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
