// Command ehrsim is a small simulated EHR backend for local development and
// gateway testing. It serves a handful of patient records, a health check, a
// token exchange endpoint, and failure injection helpers for exercising the
// circuit breaker.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type patient struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DateOfBirth string `json:"date_of_birth"`
	MRN         string `json:"mrn"`
}

var patients = []patient{
	{ID: "patient-001", Name: "John Doe", DateOfBirth: "1980-04-12", MRN: "MRN-48211"},
	{ID: "patient-002", Name: "Jane Smith", DateOfBirth: "1975-11-03", MRN: "MRN-77390"},
}

var (
	latencyMs   atomic.Int64
	failPercent atomic.Int64
)

func main() {
	port := flag.Int("port", 9090, "listen port")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/patients", withFaults(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"patients": patients})
	}))

	mux.HandleFunc("GET /api/patients/{id}", withFaults(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		for _, p := range patients {
			if p.ID == id {
				writeJSON(w, http.StatusOK, p)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "patient not found"})
	}))

	// Token exchange endpoint matching the gateway's exchange client.
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Subject string `json:"subject"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "subject required"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "ehr-" + uuid.NewString(),
			"expires_in":   300,
		})
	})

	// Failure injection controls.
	mux.HandleFunc("GET /__status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(r.PathValue("code"))
		if err != nil || code < 100 || code > 599 {
			http.Error(w, "bad status code", http.StatusBadRequest)
			return
		}
		w.WriteHeader(code)
	})
	mux.HandleFunc("PUT /__latency/{ms}", func(w http.ResponseWriter, r *http.Request) {
		ms, err := strconv.Atoi(r.PathValue("ms"))
		if err != nil || ms < 0 {
			http.Error(w, "bad latency", http.StatusBadRequest)
			return
		}
		latencyMs.Store(int64(ms))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /__fail/{percent}", func(w http.ResponseWriter, r *http.Request) {
		pct, err := strconv.Atoi(r.PathValue("percent"))
		if err != nil || pct < 0 || pct > 100 {
			http.Error(w, "bad percentage", http.StatusBadRequest)
			return
		}
		failPercent.Store(int64(pct))
		w.WriteHeader(http.StatusNoContent)
	})

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("ehrsim listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// withFaults applies the configured latency and failure injection before
// running the handler.
func withFaults(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ms := latencyMs.Load(); ms > 0 {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
		if pct := failPercent.Load(); pct > 0 && rand.Intn(100) < int(pct) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "injected failure"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
