// Package integration exercises the full gateway pipeline end to end: real
// JWT validation, a live credential exchange endpoint, middleware chain, and
// the circuit breaker in front of a failing backend.
package integration

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/WebQx/webqx-sub013/internal/audit"
	"github.com/WebQx/webqx-sub013/internal/config"
	"github.com/WebQx/webqx-sub013/internal/credcache"
	"github.com/WebQx/webqx-sub013/internal/gateway"
	"github.com/WebQx/webqx-sub013/internal/identity"
	"github.com/WebQx/webqx-sub013/internal/metrics"
	"github.com/WebQx/webqx-sub013/internal/middleware"
	"github.com/WebQx/webqx-sub013/internal/pattern"
	"github.com/WebQx/webqx-sub013/internal/ratelimit"
)

func init() {
	metrics.Init()
}

const jwtSecret = "integration-test-secret"

func signToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "patient-001",
		"iss":   "https://auth.webqx.health",
		"aud":   "webqx-gateway",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "ehr.read",
	})
	s, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type env struct {
	handler       http.Handler
	exchangeCalls *atomic.Int64
	backendCalls  *atomic.Int64
	backendStatus *atomic.Int64
	backendAuth   *atomic.Value
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		exchangeCalls: &atomic.Int64{},
		backendCalls:  &atomic.Int64{},
		backendStatus: &atomic.Int64{},
		backendAuth:   &atomic.Value{},
	}
	e.backendStatus.Store(int64(http.StatusOK))

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.backendCalls.Add(1)
		e.backendAuth.Store(r.Header.Get("Authorization"))
		status := int(e.backendStatus.Load())
		w.WriteHeader(status)
		if status == http.StatusOK {
			json.NewEncoder(w).Encode(map[string]any{"patients": []string{"patient-001"}})
		}
	}))
	t.Cleanup(backend.Close)

	exchange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.exchangeCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "downstream-cred",
			"expires_in":   300,
		})
	}))
	t.Cleanup(exchange.Close)

	cfg := &config.Config{
		Auth: config.AuthConfig{
			Enabled:   true,
			JWTSecret: jwtSecret,
			Issuer:    "https://auth.webqx.health",
			Audience:  "webqx-gateway",
		},
		Routes: []config.RouteConfig{{
			PathPrefix:   "/api/patients",
			Backend:      backend.URL,
			RouteTag:     "patient-api",
			Group:        "ehr",
			AuthRequired: true,
			TimeoutMs:    5000,
		}},
	}

	cache, err := credcache.New(100)
	if err != nil {
		t.Fatal(err)
	}

	gw, err := gateway.New(cfg, gateway.Deps{
		Validator: identity.NewJWTValidator(identity.JWTConfig{
			Secret:   jwtSecret,
			Issuer:   "https://auth.webqx.health",
			Audience: "webqx-gateway",
		}),
		Exchanger: identity.NewHTTPExchanger(identity.ExchangeConfig{Endpoint: exchange.URL}),
		Cache:     cache,
		Detector:  pattern.New(pattern.Config{MinErrorsForPattern: 100}),
		Audit:     audit.Discard{},
	})
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 1000, Burst: 1000}, logger)
	t.Cleanup(limiter.Stop)

	var h http.Handler = gw
	h = middleware.BodyLimit(1 << 20)(h)
	h = limiter.Middleware(h)
	h = middleware.SecurityHeaders()(h)
	h = middleware.Logging(logger)(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(logger)(h)
	e.handler = h
	return e
}

func (e *env) request(t *testing.T, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestEndToEndAuthenticatedProxy(t *testing.T) {
	e := newEnv(t)
	token := signToken(t)

	rec := e.request(t, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "patient-001") {
		t.Errorf("body = %s", rec.Body)
	}
	if got := e.backendAuth.Load(); got != "Bearer downstream-cred" {
		t.Errorf("downstream Authorization = %v, want exchanged credential", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
}

func TestEndToEndCredentialCaching(t *testing.T) {
	e := newEnv(t)
	token := signToken(t)

	for i := 0; i < 5; i++ {
		if rec := e.request(t, token); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	if calls := e.exchangeCalls.Load(); calls != 1 {
		t.Errorf("exchange endpoint called %d times for one token, want 1", calls)
	}
}

func TestEndToEndRejectsBadToken(t *testing.T) {
	e := newEnv(t)

	rec := e.request(t, "not-a-jwt")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if e.backendCalls.Load() != 0 {
		t.Error("backend reached with an invalid token")
	}
	if e.exchangeCalls.Load() != 0 {
		t.Error("exchange attempted for an invalid token")
	}
}

func TestEndToEndBreakerTripsOnFailingBackend(t *testing.T) {
	e := newEnv(t)
	token := signToken(t)
	e.backendStatus.Store(int64(http.StatusServiceUnavailable))

	// Default threshold: 5 consecutive failures pass through, then the
	// breaker opens and short-circuits.
	for i := 0; i < 5; i++ {
		if rec := e.request(t, token); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("request %d: status = %d, want 503 passthrough", i, rec.Code)
		}
	}
	before := e.backendCalls.Load()

	rec := e.request(t, token)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GATEWAY_CIRCUIT_OPEN") {
		t.Errorf("body = %s, want circuit-open error code", rec.Body)
	}
	if e.backendCalls.Load() != before {
		t.Error("backend reached while breaker open")
	}
}
