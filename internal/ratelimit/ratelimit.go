// Package ratelimit provides per-client token bucket rate limiting for the
// gateway using golang.org/x/time/rate. Clients are keyed by IP, with
// X-Forwarded-For honored only for requests arriving from trusted proxies.
package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/WebQx/webqx-sub013/internal/apierror"
	"github.com/WebQx/webqx-sub013/internal/metrics"
)

// Config holds rate limiter settings.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// TrustedProxies lists CIDR ranges whose X-Forwarded-For headers are
	// believed. Requests from other addresses are keyed by RemoteAddr.
	TrustedProxies []string
	// CleanupInterval controls how often idle client buckets are evicted.
	// Zero means the default of 3 minutes.
	CleanupInterval time.Duration
	// IdleTimeout is how long a client bucket may sit unused before
	// eviction. Zero means the default of 10 minutes.
	IdleTimeout time.Duration
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks a token bucket per client key.
type Limiter struct {
	mu      sync.RWMutex
	clients map[string]*client

	cfg     Config
	trusted []*net.IPNet
	logger  *slog.Logger
	stopCh  chan struct{}
	once    sync.Once
}

// New creates a Limiter and starts its background cleanup loop.
func New(cfg Config, logger *slog.Logger) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 3 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}

	l := &Limiter{
		clients: make(map[string]*client),
		cfg:     cfg,
		trusted: parseCIDRs(cfg.TrustedProxies, logger),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop terminates the cleanup goroutine.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

// Middleware returns an http middleware enforcing the rate limit. Requests
// over the limit receive a 429 with a Retry-After header.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.clientKey(r)
		if !l.allow(key) {
			metrics.RateLimitHits.Inc()
			w.Header().Set("Retry-After", "1")
			apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded, "rate limit exceeded, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(key string) bool {
	l.mu.RLock()
	c, ok := l.clients[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		// Double-check: another goroutine may have created the bucket
		// between the RUnlock and Lock.
		c, ok = l.clients[key]
		if !ok {
			c = &client{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
			l.clients[key] = c
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	c.lastSeen = time.Now()
	l.mu.Unlock()

	return c.limiter.Allow()
}

// clientKey derives the rate limit key for a request. X-Forwarded-For is
// only honored when the direct peer is a trusted proxy, otherwise clients
// could spoof their way past the limiter.
func (l *Limiter) clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" && l.isTrusted(host) {
		// Leftmost entry is the original client.
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			xff = xff[:idx]
		}
		if ip := strings.TrimSpace(xff); ip != "" {
			return ip
		}
	}
	return host
}

func (l *Limiter) isTrusted(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trusted {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	cutoff := time.Now().Add(-l.cfg.IdleTimeout)
	l.mu.Lock()
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
	l.mu.Unlock()
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, s := range cidrs {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			// Bare IPs are accepted as /32 (or /128) for convenience.
			if ip := net.ParseIP(s); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
				continue
			}
			logger.Warn("ignoring invalid trusted proxy entry", "entry", s, "error", err)
			continue
		}
		nets = append(nets, ipnet)
	}
	return nets
}
