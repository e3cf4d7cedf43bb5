// Command gateway runs the WebQx authenticating proxy gateway in front of
// the downstream EHR services.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/WebQx/webqx-sub013/internal/admin"
	"github.com/WebQx/webqx-sub013/internal/audit"
	"github.com/WebQx/webqx-sub013/internal/config"
	"github.com/WebQx/webqx-sub013/internal/credcache"
	"github.com/WebQx/webqx-sub013/internal/gateway"
	"github.com/WebQx/webqx-sub013/internal/health"
	"github.com/WebQx/webqx-sub013/internal/identity"
	"github.com/WebQx/webqx-sub013/internal/logging"
	"github.com/WebQx/webqx-sub013/internal/metrics"
	"github.com/WebQx/webqx-sub013/internal/middleware"
	"github.com/WebQx/webqx-sub013/internal/pattern"
	"github.com/WebQx/webqx-sub013/internal/ratelimit"
	"github.com/WebQx/webqx-sub013/internal/tlsutil"
)

var version = "dev" // set via -ldflags at build time

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logOut, err := logging.Open(cfg.Logging.Output, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays)
	if err != nil {
		return fmt.Errorf("opening log output: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logging.ParseLevel(logLevel),
	}))
	slog.SetDefault(logger)

	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	metrics.Init()

	auditOut, err := logging.Open(cfg.Audit.Output, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
	if err != nil {
		return fmt.Errorf("opening audit output: %w", err)
	}
	recorder := audit.NewRecorder(auditOut, cfg.Audit.BufferSize)
	defer recorder.Close()

	cache, err := credcache.New(cfg.CredentialCache.Capacity)
	if err != nil {
		return fmt.Errorf("creating credential cache: %w", err)
	}

	detector := pattern.New(pattern.Config{
		AnalysisWindow:         cfg.Detector.AnalysisWindow,
		MinErrorsForPattern:    cfg.Detector.MinErrorsForPattern,
		IntermittentThreshold:  cfg.Detector.IntermittentThreshold,
		MaxThresholdMultiplier: cfg.Detector.MaxThresholdMultiplier,
		MinRecoveryReduction:   cfg.Detector.MinRecoveryReduction,
		BurstGap:               cfg.Detector.BurstGap,
	})

	var validator identity.Validator
	var exchanger identity.Exchanger
	if cfg.Auth.Enabled {
		validator = identity.NewJWTValidator(identity.JWTConfig{
			Secret:   cfg.Auth.JWTSecret,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Scopes:   cfg.Auth.Scopes,
		})
		exchanger = identity.NewHTTPExchanger(identity.ExchangeConfig{
			Endpoint:   cfg.Exchange.Endpoint,
			Timeout:    cfg.Exchange.Timeout,
			DefaultTTL: cfg.Exchange.DefaultTTL,
		})
	}

	gw, err := gateway.New(cfg, gateway.Deps{
		Validator: validator,
		Exchanger: exchanger,
		Cache:     cache,
		Detector:  detector,
		Audit:     recorder,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.BurstSize,
		TrustedProxies:    cfg.Server.TrustedProxies,
	}, logger)
	defer limiter.Stop()

	reloader := config.NewReloader(configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	mux := http.NewServeMux()

	healthHandler := health.New(gw.BreakerSnapshots, backendAddrs(cfg), version)
	mux.HandleFunc("GET /health", healthHandler.Liveness)
	mux.HandleFunc("GET /ready", healthHandler.Readiness)

	if cfg.Metrics.IsEnabled() {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}

	if cfg.Admin.Enabled {
		adminHandler := admin.New(gw, reloader.Current, cfg.Admin.IPAllowlist, logger)
		adminHandler.Register(mux)
		logger.Info("admin API enabled", "allowlist", cfg.Admin.IPAllowlist)
	}

	// The proxy pipeline catches everything the operational mux does not.
	mux.Handle("/", buildChain(gw, limiter, logger, cfg))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Server.TLS.Enabled {
		certLoader, err = tlsutil.NewCertLoader(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		defer certLoader.Stop()
		srv.TLSConfig = &tls.Config{
			GetCertificate: certLoader.GetCertificate,
			MinVersion:     tlsutil.MinVersion(cfg.Server.TLS.MinVersion),
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			"addr", srv.Addr,
			"tls", cfg.Server.TLS.Enabled,
			"routes", len(cfg.Routes),
			"auth", cfg.Auth.Enabled,
			"version", version,
		)
		var serveErr error
		if cfg.Server.TLS.Enabled {
			serveErr = srv.ListenAndServeTLS("", "")
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// buildChain assembles the proxy middleware stack, outermost first: recovery
// wraps everything, then request ID tagging, logging, security headers,
// the global deadline, rate limiting, CORS, and body size limiting.
func buildChain(gw *gateway.Gateway, limiter *ratelimit.Limiter, logger *slog.Logger, cfg *config.Config) http.Handler {
	var h http.Handler = gw
	h = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(h)
	h = middleware.CORS(middleware.DefaultCORSConfig())(h)
	h = limiter.Middleware(h)
	h = middleware.Deadline(cfg.Server.GlobalTimeout())(h)
	h = middleware.SecurityHeaders()(h)
	h = middleware.Logging(logger)(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(logger)(h)
	return h
}

// backendAddrs extracts unique host:port addresses from the route table for
// readiness probing.
func backendAddrs(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var addrs []string
	for _, r := range cfg.Routes {
		u, err := url.Parse(r.Backend)
		if err != nil {
			continue
		}
		host := u.Host
		if u.Port() == "" {
			if u.Scheme == "https" {
				host += ":443"
			} else {
				host += ":80"
			}
		}
		if !seen[host] {
			seen[host] = true
			addrs = append(addrs, host)
		}
	}
	return addrs
}
