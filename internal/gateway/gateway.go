// Package gateway implements the authenticating reverse proxy at the heart of
// the WebQx gateway: route matching, bearer authentication, credential
// exchange with caching, and circuit-breaker-guarded forwarding to the
// downstream EHR services.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/WebQx/webqx-sub013/internal/apierror"
	"github.com/WebQx/webqx-sub013/internal/audit"
	"github.com/WebQx/webqx-sub013/internal/breaker"
	"github.com/WebQx/webqx-sub013/internal/classify"
	"github.com/WebQx/webqx-sub013/internal/config"
	"github.com/WebQx/webqx-sub013/internal/credcache"
	"github.com/WebQx/webqx-sub013/internal/identity"
	"github.com/WebQx/webqx-sub013/internal/metrics"
	"github.com/WebQx/webqx-sub013/internal/pattern"
	"github.com/WebQx/webqx-sub013/internal/routing"
)

// Deps holds the gateway's collaborators, injected so tests can substitute
// fakes at every boundary.
type Deps struct {
	Validator identity.Validator
	Exchanger identity.Exchanger
	Cache     *credcache.Cache
	Detector  *pattern.Detector
	Audit     audit.Sink
	Logger    *slog.Logger
}

// route is a compiled RouteConfig ready for the request path.
type route struct {
	prefix       string
	backend      *url.URL
	tag          string
	group        string
	stripPrefix  bool
	methods      map[string]bool
	authRequired bool
	timeout      time.Duration
	headers      map[string]string

	proxy   *httputil.ReverseProxy
	breaker *breaker.Breaker
}

// Gateway is the authenticating proxy handler.
type Gateway struct {
	routes      []*route
	breakers    map[string]*breaker.Breaker
	authEnabled bool
	deps        Deps
}

// New compiles the route table and builds one circuit breaker per breaker
// group from the configured base parameters and bounds.
func New(cfg *config.Config, deps Deps) (*Gateway, error) {
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	settings := breaker.Settings{
		BaseFailureThreshold: cfg.CircuitBreaker.BaseFailureThreshold,
		MinFailureThreshold:  cfg.CircuitBreaker.MinFailureThreshold,
		MaxFailureThreshold:  cfg.CircuitBreaker.MaxFailureThreshold,
		BaseRecoveryTime:     cfg.CircuitBreaker.BaseRecoveryTime,
		MinRecoveryTime:      cfg.CircuitBreaker.MinRecoveryTime,
		MaxRecoveryTime:      cfg.CircuitBreaker.MaxRecoveryTime,
	}

	g := &Gateway{
		breakers:    make(map[string]*breaker.Breaker),
		authEnabled: cfg.Auth.Enabled,
		deps:        deps,
	}

	for _, rc := range cfg.Routes {
		backend, err := url.Parse(rc.Backend)
		if err != nil {
			return nil, err
		}

		group := rc.BreakerGroup()
		br, ok := g.breakers[group]
		if !ok {
			br = breaker.New(group, settings, deps.Detector, deps.Logger)
			g.breakers[group] = br
		}

		rt := &route{
			prefix:       rc.PathPrefix,
			backend:      backend,
			tag:          rc.RouteTag,
			group:        group,
			stripPrefix:  rc.StripPrefix,
			authRequired: rc.AuthRequired,
			timeout:      rc.Timeout(),
			headers:      rc.Headers,
			breaker:      br,
		}
		if len(rc.Methods) > 0 {
			rt.methods = make(map[string]bool, len(rc.Methods))
			for _, m := range rc.Methods {
				rt.methods[strings.ToUpper(m)] = true
			}
		}
		rt.proxy = g.buildProxy(rt)
		g.routes = append(g.routes, rt)
	}

	return g, nil
}

// proxyErrKey carries the transport error out of the ReverseProxy
// ErrorHandler, which runs before the call outcome is classified.
type proxyErrKey struct{}

type proxyErr struct {
	err error
}

func (g *Gateway) buildProxy(rt *route) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(rt.backend)
			pr.SetXForwarded()

			if rt.stripPrefix {
				stripped := strings.TrimPrefix(pr.In.URL.Path, rt.prefix)
				if !strings.HasPrefix(stripped, "/") {
					stripped = "/" + stripped
				}
				pr.Out.URL.Path = singleJoin(rt.backend.Path, stripped)
			} else {
				pr.Out.URL.Path = singleJoin(rt.backend.Path, pr.In.URL.Path)
			}
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery

			for k, v := range rt.headers {
				pr.Out.Header.Set(k, v)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			// The transport error is surfaced through the request context so
			// the breaker can classify it; no response is written here.
			if pe, ok := r.Context().Value(proxyErrKey{}).(*proxyErr); ok {
				pe.err = err
			}
		},
	}
}

func singleJoin(a, b string) string {
	switch {
	case a == "" || a == "/":
		return b
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	default:
		return a + b
	}
}

// match returns the route with the longest matching path prefix, or nil.
func (g *Gateway) match(path string) *route {
	var best *route
	for _, rt := range g.routes {
		if routing.MatchesPrefix(path, rt.prefix) {
			if best == nil || len(rt.prefix) > len(best.prefix) {
				best = rt
			}
		}
	}
	return best
}

// ServeHTTP implements the full request pipeline: route match, method check,
// authentication and credential exchange, then the breaker-guarded proxy
// call.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	start := time.Now()

	rt := g.match(r.URL.Path)
	if rt == nil {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
		return
	}

	if rt.methods != nil && !rt.methods[r.Method] {
		w.Header().Set("Allow", allowHeader(rt.methods))
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed for this route")
		return
	}

	subject := ""
	presented := ""
	if g.authEnabled && rt.authRequired {
		cred, token, ok := g.authenticate(w, r, rt)
		if !ok {
			return
		}
		subject = cred.Subject
		presented = token
		r.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	status := g.forward(w, r, rt, subject, presented)

	metrics.RequestsTotal.WithLabelValues(rt.tag, r.Method, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(rt.tag, r.Method).Observe(time.Since(start).Seconds())
}

// authenticate resolves the caller's downstream credential: cache hit, or
// validate + exchange + cache fill. On failure the error response has been
// written and ok is false.
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request, rt *route) (cred credcache.Credential, token string, ok bool) {
	token = bearerToken(r)
	if token == "" {
		metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		g.deps.Audit.Record(audit.Event{
			Action:   audit.ActionAuthenticate,
			Outcome:  audit.OutcomeFailure,
			RouteTag: rt.tag,
			Detail:   map[string]any{"reason": "missing or malformed bearer token"},
		})
		apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.Unauthenticated, "missing or malformed bearer token")
		return credcache.Credential{}, "", false
	}

	if cached, hit := g.deps.Cache.Get(token); hit {
		return cached, token, true
	}

	claims, err := g.deps.Validator.Validate(r.Context(), token)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		g.deps.Audit.Record(audit.Event{
			Action:   audit.ActionAuthenticate,
			Outcome:  audit.OutcomeFailure,
			RouteTag: rt.tag,
			Detail:   map[string]any{"reason": err.Error()},
		})
		apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.Unauthenticated, "missing or malformed bearer token")
		return credcache.Credential{}, "", false
	}

	exchanged, err := g.deps.Exchanger.Exchange(r.Context(), claims)
	if err != nil {
		metrics.ExchangeFailures.Inc()
		g.deps.Audit.Record(audit.Event{
			Action:    audit.ActionExchange,
			Outcome:   audit.OutcomeFailure,
			SubjectID: claims.Subject,
			RouteTag:  rt.tag,
			Detail:    map[string]any{"reason": err.Error()},
		})
		g.deps.Logger.Error("credential exchange failed",
			"subject", claims.Subject,
			"route", rt.tag,
			"error", err,
		)
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamExchangeFailed, "credential exchange failed")
		return credcache.Credential{}, "", false
	}

	cred = credcache.Credential{
		Subject:    claims.Subject,
		Token:      exchanged.Token,
		RouteScope: rt.tag,
	}
	g.deps.Cache.Put(token, cred, exchanged.TTL)

	g.deps.Audit.Record(audit.Event{
		Action:    audit.ActionExchange,
		Outcome:   audit.OutcomeSuccess,
		SubjectID: claims.Subject,
		RouteTag:  rt.tag,
	})
	return cred, token, true
}

// forward runs the proxy call through the route's breaker and writes any
// gateway-produced error response. Returns the status code for metrics.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, rt *route, subject, presented string) int {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), rt.timeout)
	defer cancel()

	pe := &proxyErr{}
	ctx = context.WithValue(ctx, proxyErrKey{}, pe)

	rec := &responseRecorder{ResponseWriter: w}
	req := r.WithContext(ctx)

	outcome, err := rt.breaker.Execute(ctx, rt.tag, func() classify.Outcome {
		rt.proxy.ServeHTTP(rec, req)
		return classify.Outcome{Err: pe.err, StatusCode: rec.status}
	})

	switch {
	case errors.Is(err, breaker.ErrOpen):
		g.audit(audit.ActionProxy, audit.OutcomeFailure, subject, rt.tag, map[string]any{
			"reason": "circuit open",
			"path":   r.URL.Path,
		})
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, "downstream circuit open")
		return http.StatusServiceUnavailable

	case err != nil:
		// Caller went away mid-call; nothing useful can be written.
		return http.StatusServiceUnavailable

	case outcome.Err != nil:
		return g.writeTransportError(w, r, rt, subject, outcome.Err, rec)
	}

	if outcome.StatusCode == http.StatusUnauthorized && presented != "" {
		// The downstream rejected the exchanged credential: drop it so the
		// next request performs a fresh exchange.
		g.deps.Cache.Invalidate(presented)
	}

	if outcome.Failed() {
		code := classify.Classify(outcome, rt.tag)
		metrics.DownstreamErrors.WithLabelValues(rt.tag, string(code)).Inc()
		g.audit(audit.ActionProxy, audit.OutcomeFailure, subject, rt.tag, map[string]any{
			"status":     outcome.StatusCode,
			"error_code": string(code),
			"path":       r.URL.Path,
		})
	} else {
		g.audit(audit.ActionProxy, audit.OutcomeSuccess, subject, rt.tag, map[string]any{
			"status":     outcome.StatusCode,
			"path":       r.URL.Path,
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}
	return rec.status
}

// writeTransportError maps a proxy transport failure to a gateway response.
// If the downstream response already started streaming, nothing more can be
// written and the connection is left to the server to tear down.
func (g *Gateway) writeTransportError(w http.ResponseWriter, r *http.Request, rt *route, subject string, terr error, rec *responseRecorder) int {
	code := classify.Classify(classify.Outcome{Err: terr}, rt.tag)
	metrics.DownstreamErrors.WithLabelValues(rt.tag, string(code)).Inc()
	g.audit(audit.ActionProxy, audit.OutcomeFailure, subject, rt.tag, map[string]any{
		"error":      terr.Error(),
		"error_code": string(code),
		"path":       r.URL.Path,
	})

	if rec.wrote {
		return rec.status
	}

	if errors.Is(terr, context.DeadlineExceeded) {
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "downstream request timed out")
		return http.StatusGatewayTimeout
	}
	apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.DownstreamUnavailable, "downstream unavailable")
	return http.StatusBadGateway
}

func (g *Gateway) audit(action string, outcome audit.Outcome, subject, tag string, detail map[string]any) {
	g.deps.Audit.Record(audit.Event{
		Action:    action,
		Outcome:   outcome,
		SubjectID: subject,
		RouteTag:  tag,
		Detail:    detail,
	})
}

// bearerToken extracts the token from an Authorization: Bearer header.
// Returns empty string if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func allowHeader(methods map[string]bool) string {
	out := make([]string, 0, len(methods))
	for m := range methods {
		out = append(out, m)
	}
	// Deterministic order keeps the header stable for caches and tests.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return strings.Join(out, ", ")
}

// responseRecorder captures the downstream status code and whether any bytes
// reached the client.
type responseRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wrote {
		rr.status = code
		rr.wrote = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wrote {
		rr.status = http.StatusOK
		rr.wrote = true
	}
	return rr.ResponseWriter.Write(b)
}

// Breaker returns the breaker for a group, or nil.
func (g *Gateway) Breaker(group string) *breaker.Breaker {
	return g.breakers[group]
}

// BreakerSnapshots returns a snapshot per breaker group.
func (g *Gateway) BreakerSnapshots() []breaker.Snapshot {
	out := make([]breaker.Snapshot, 0, len(g.breakers))
	for _, b := range g.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// CacheStats exposes credential cache effectiveness for the admin API.
func (g *Gateway) CacheStats() credcache.Stats {
	return g.deps.Cache.Stats()
}

// Patterns exposes the detector's current per-error-code view.
func (g *Gateway) Patterns() []pattern.Pattern {
	return g.deps.Detector.Snapshot()
}
