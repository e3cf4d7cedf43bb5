// Package breaker implements the adaptive circuit breaker guarding every
// downstream call. It is a consecutive-failure CLOSED/OPEN/HALF_OPEN state
// machine whose trip threshold and recovery delay are retuned, within
// configured bounds, from the error pattern detector's recommendations.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/WebQx/webqx-sub013/internal/classify"
	"github.com/WebQx/webqx-sub013/internal/metrics"
	"github.com/WebQx/webqx-sub013/internal/pattern"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are short-circuited.
	StateHalfOpen              // Probing; a single trial call is allowed.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute when the call was short-circuited without
// being attempted.
var ErrOpen = errors.New("circuit breaker open")

// Settings holds a breaker's base parameters and safety bounds. The adaptive
// logic may move the effective threshold and recovery time only inside
// [Min, Max]; recommendations are clamped before application.
type Settings struct {
	BaseFailureThreshold int
	MinFailureThreshold  int
	MaxFailureThreshold  int

	BaseRecoveryTime time.Duration
	MinRecoveryTime  time.Duration
	MaxRecoveryTime  time.Duration
}

func (s *Settings) applyDefaults() {
	if s.BaseFailureThreshold <= 0 {
		s.BaseFailureThreshold = 5
	}
	if s.MinFailureThreshold <= 0 {
		s.MinFailureThreshold = 2
	}
	if s.MaxFailureThreshold <= 0 {
		s.MaxFailureThreshold = 20
	}
	if s.BaseRecoveryTime <= 0 {
		s.BaseRecoveryTime = 30 * time.Second
	}
	if s.MinRecoveryTime <= 0 {
		s.MinRecoveryTime = 5 * time.Second
	}
	if s.MaxRecoveryTime <= 0 {
		s.MaxRecoveryTime = 5 * time.Minute
	}
}

// Breaker is an adaptive circuit breaker for one route group. All state is
// guarded by a single mutex; the downstream call itself runs outside the
// lock.
type Breaker struct {
	mu sync.Mutex

	group    string
	state    State
	detector *pattern.Detector
	logger   *slog.Logger
	settings Settings

	failureCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
	trialInFlight   bool

	currentThreshold int
	currentRecovery  time.Duration
	lastAdjustment   string

	totalRequests uint64
	successCount  uint64
	totalLatency  time.Duration

	now func() time.Time // injectable clock for tests
}

// New creates a Breaker for the given route group. The detector may be shared
// across breakers; observation windows are keyed by error code.
func New(group string, settings Settings, detector *pattern.Detector, logger *slog.Logger) *Breaker {
	settings.applyDefaults()
	b := &Breaker{
		group:            group,
		state:            StateClosed,
		detector:         detector,
		logger:           logger,
		settings:         settings,
		currentThreshold: settings.BaseFailureThreshold,
		currentRecovery:  settings.BaseRecoveryTime,
		lastAdjustment:   "initial configuration",
		now:              time.Now,
	}
	metrics.BreakerState.WithLabelValues(group).Set(float64(StateClosed))
	metrics.BreakerThreshold.WithLabelValues(group).Set(float64(b.currentThreshold))
	return b
}

// Execute runs call through the breaker. routeTag identifies the logical
// downstream route for error classification. If the breaker is open and the
// recovery time has not elapsed, ErrOpen is returned immediately and call is
// never invoked. A failure classified from ctx cancellation (caller went
// away) is not held against the downstream.
//
// Exactly one trial call is admitted in the half-open state; concurrent
// callers racing for the trial slot are short-circuited.
func (b *Breaker) Execute(ctx context.Context, routeTag string, call func() classify.Outcome) (classify.Outcome, error) {
	if err := b.admit(); err != nil {
		metrics.BreakerShortCircuits.WithLabelValues(b.group).Inc()
		return classify.Outcome{}, err
	}

	start := b.now()
	outcome := call()
	latency := b.now().Sub(start)

	if !outcome.Failed() {
		b.onSuccess(latency)
		return outcome, nil
	}

	// Caller cancellation is not a downstream failure: nobody is waiting for
	// the response and the downstream was never proven unhealthy.
	if outcome.Err != nil && errors.Is(outcome.Err, context.Canceled) && ctx.Err() == context.Canceled {
		b.onCancelled()
		return outcome, outcome.Err
	}

	code := classify.Classify(outcome, routeTag)
	b.onFailure(code, latency)
	return outcome, nil
}

// admit decides whether a call may proceed, applying the OPEN → HALF_OPEN
// transition once the recovery time has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.nextAttemptTime) {
			return ErrOpen
		}
		b.transitionTo(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrOpen
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) onSuccess(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.successCount++
	b.totalLatency += latency

	// The threshold counts consecutive failures; any success resets it.
	b.failureCount = 0

	if b.state == StateHalfOpen {
		b.trialInFlight = false
		b.transitionTo(StateClosed)
	}
}

// onCancelled records the request without counting it for or against the
// downstream. A cancelled half-open trial releases the trial slot so the
// next caller can probe.
func (b *Breaker) onCancelled() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

func (b *Breaker) onFailure(code classify.Code, latency time.Duration) {
	b.detector.Record(code, b.now())
	rec := b.detector.Recommend(code)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.totalLatency += latency
	b.failureCount++
	b.lastFailureTime = b.now()

	b.applyRecommendation(rec)

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.nextAttemptTime = b.now().Add(b.currentRecovery)
		b.transitionTo(StateOpen)
	case StateClosed:
		if b.failureCount >= b.currentThreshold {
			b.nextAttemptTime = b.now().Add(b.currentRecovery)
			b.transitionTo(StateOpen)
		}
	}
}

// applyRecommendation recomputes the effective threshold and recovery time
// from the base settings and the detector's recommendation, clamped to the
// configured bounds. Must be called with b.mu held.
func (b *Breaker) applyRecommendation(rec pattern.Recommendation) {
	s := b.settings

	threshold := int(float64(s.BaseFailureThreshold)*rec.ThresholdMultiplier + 0.5)
	threshold = clampInt(threshold, s.MinFailureThreshold, s.MaxFailureThreshold)

	recovery := time.Duration(float64(s.BaseRecoveryTime) * rec.RecoveryFactor)
	recovery = clampDuration(recovery, s.MinRecoveryTime, s.MaxRecoveryTime)

	if threshold != b.currentThreshold || recovery != b.currentRecovery {
		b.logger.Info("breaker parameters adjusted",
			"group", b.group,
			"threshold", threshold,
			"recovery", recovery,
			"reason", rec.Reason,
		)
		metrics.BreakerThreshold.WithLabelValues(b.group).Set(float64(threshold))
	}

	b.currentThreshold = threshold
	b.currentRecovery = recovery
	b.lastAdjustment = rec.Reason
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerTransitions.WithLabelValues(b.group, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.group).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"group", b.group,
		"from", from.String(),
		"to", newState.String(),
	)
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed with base parameters. Exposed for
// operational use; not part of the request path.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.trialInFlight = false
	b.currentThreshold = b.settings.BaseFailureThreshold
	b.currentRecovery = b.settings.BaseRecoveryTime
	b.lastAdjustment = "manual reset"
	metrics.BreakerThreshold.WithLabelValues(b.group).Set(float64(b.currentThreshold))
	b.transitionTo(StateClosed)
}

// Snapshot is a read-only view of breaker state for health and admin
// endpoints.
type Snapshot struct {
	Group               string        `json:"group"`
	State               string        `json:"state"`
	FailureCount        int           `json:"failure_count"`
	CurrentThreshold    int           `json:"current_failure_threshold"`
	CurrentRecovery     time.Duration `json:"current_recovery_time"`
	NextAttemptTime     time.Time     `json:"next_attempt_time,omitempty"`
	LastFailureTime     time.Time     `json:"last_failure_time,omitempty"`
	TotalRequests       uint64        `json:"total_requests"`
	SuccessCount        uint64        `json:"success_count"`
	SuccessRate         float64       `json:"success_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	LastAdjustment      string        `json:"last_adjustment"`
}

// Snapshot returns the current breaker metrics and parameters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Group:            b.group,
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		CurrentThreshold: b.currentThreshold,
		CurrentRecovery:  b.currentRecovery,
		NextAttemptTime:  b.nextAttemptTime,
		LastFailureTime:  b.lastFailureTime,
		TotalRequests:    b.totalRequests,
		SuccessCount:     b.successCount,
		LastAdjustment:   b.lastAdjustment,
	}
	if b.totalRequests > 0 {
		s.SuccessRate = float64(b.successCount) / float64(b.totalRequests)
		s.AverageResponseTime = b.totalLatency / time.Duration(b.totalRequests)
	}
	return s
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
