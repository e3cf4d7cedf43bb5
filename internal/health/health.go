// Package health exposes liveness and readiness endpoints. Readiness is
// breaker-aware: a gateway whose circuits are all open cannot serve traffic
// and reports unready so the load balancer drains it.
package health

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/WebQx/webqx-sub013/internal/breaker"
)

// SnapshotFunc supplies the current breaker snapshots.
type SnapshotFunc func() []breaker.Snapshot

// Handler serves /health and /ready.
type Handler struct {
	snapshots SnapshotFunc
	backends  []string // host:port of downstream backends for reachability probes
	version   string

	mu          sync.Mutex
	lastProbe   time.Time
	lastResults map[string]bool
}

// New creates a health handler. backends are host:port addresses probed via
// TCP dial on readiness checks; probe results are cached for 5 seconds to
// keep frequent load balancer polls cheap.
func New(snapshots SnapshotFunc, backends []string, version string) *Handler {
	return &Handler{
		snapshots: snapshots,
		backends:  backends,
		version:   version,
	}
}

type response struct {
	Status   string             `json:"status"`
	Version  string             `json:"version,omitempty"`
	Breakers []breaker.Snapshot `json:"breakers,omitempty"`
	Backends map[string]bool    `json:"backends,omitempty"`
}

// Liveness reports process liveness. It never inspects downstream state:
// a gateway with open breakers is alive, just degraded.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok", Version: h.version})
}

// Readiness reports whether the gateway can usefully serve traffic. Degraded
// (some circuits open) still reports 200 so partial outages do not take the
// whole gateway out of rotation; only a gateway with every circuit open
// reports 503.
func (h *Handler) Readiness(w http.ResponseWriter, _ *http.Request) {
	snaps := h.snapshots()

	open := 0
	for _, s := range snaps {
		if s.State == "open" {
			open++
		}
	}

	resp := response{
		Status:   "ok",
		Version:  h.version,
		Breakers: snaps,
		Backends: h.probeBackends(),
	}

	status := http.StatusOK
	switch {
	case len(snaps) > 0 && open == len(snaps):
		resp.Status = "unready"
		status = http.StatusServiceUnavailable
	case open > 0:
		resp.Status = "degraded"
	}

	writeJSON(w, status, resp)
}

// probeBackends TCP-dials each backend, caching results for 5 seconds.
func (h *Handler) probeBackends() map[string]bool {
	if len(h.backends) == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if time.Since(h.lastProbe) < 5*time.Second && h.lastResults != nil {
		return h.lastResults
	}

	results := make(map[string]bool, len(h.backends))
	for _, addr := range h.backends {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			results[addr] = false
			continue
		}
		conn.Close()
		results[addr] = true
	}

	h.lastProbe = time.Now()
	h.lastResults = results
	return results
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
