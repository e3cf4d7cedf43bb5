// Package admin exposes the operational API: breaker state and reset, error
// pattern snapshots, credential cache stats, and the running configuration.
// Access is restricted to an IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/WebQx/webqx-sub013/internal/breaker"
	"github.com/WebQx/webqx-sub013/internal/config"
	"github.com/WebQx/webqx-sub013/internal/credcache"
	"github.com/WebQx/webqx-sub013/internal/pattern"
)

// Target is the surface the admin API operates on. *gateway.Gateway
// implements it.
type Target interface {
	Breaker(group string) *breaker.Breaker
	BreakerSnapshots() []breaker.Snapshot
	CacheStats() credcache.Stats
	Patterns() []pattern.Pattern
}

// ConfigFunc supplies the current (possibly hot-reloaded) configuration.
type ConfigFunc func() *config.Config

// Handler serves the admin API.
type Handler struct {
	target    Target
	configFn  ConfigFunc
	allowlist []*net.IPNet
	logger    *slog.Logger
}

// New creates an admin handler. allowlist entries are CIDR strings already
// validated by config loading.
func New(target Target, configFn ConfigFunc, allowlist []string, logger *slog.Logger) *Handler {
	var nets []*net.IPNet
	for _, cidr := range allowlist {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, ipnet)
		}
	}
	return &Handler{
		target:    target,
		configFn:  configFn,
		allowlist: nets,
		logger:    logger,
	}
}

// Register mounts the admin routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/breakers", h.guard(h.breakers))
	mux.HandleFunc("POST /admin/breakers/{group}/reset", h.guard(h.resetBreaker))
	mux.HandleFunc("GET /admin/patterns", h.guard(h.patterns))
	mux.HandleFunc("GET /admin/cache", h.guard(h.cache))
	mux.HandleFunc("GET /admin/config", h.guard(h.config))
}

// guard wraps a handler with the IP allowlist check.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !h.allowed(ip) {
			h.logger.Warn("admin access denied", "remote", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (h *Handler) allowed(ip net.IP) bool {
	for _, n := range h.allowlist {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (h *Handler) breakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": h.target.BreakerSnapshots()})
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	b := h.target.Breaker(group)
	if b == nil {
		http.Error(w, "unknown breaker group", http.StatusNotFound)
		return
	}
	b.Reset()
	h.logger.Info("breaker reset via admin API", "group", group, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, b.Snapshot())
}

func (h *Handler) patterns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"patterns": h.target.Patterns()})
}

func (h *Handler) cache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.target.CacheStats())
}

// config returns the running configuration with secrets redacted.
func (h *Handler) config(w http.ResponseWriter, _ *http.Request) {
	cfg := *h.configFn()
	if cfg.Auth.JWTSecret != "" {
		cfg.Auth.JWTSecret = "[redacted]"
	}
	writeJSON(w, http.StatusOK, cfg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
