// Package pattern maintains rolling windows of classified downstream errors
// and decides whether recent failures look intermittent (bursty,
// self-resolving) or persistent (sustained degradation). Its recommendations
// drive the adaptive circuit breaker: loosen for blips, tighten for outages.
package pattern

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/WebQx/webqx-sub013/internal/classify"
	"github.com/WebQx/webqx-sub013/internal/metrics"
)

// Classification labels the shape of recent failures for an error code.
type Classification string

const (
	Intermittent     Classification = "intermittent"
	Persistent       Classification = "persistent"
	InsufficientData Classification = "insufficient-data"
)

// Config holds the detector's analysis settings. All fields are fixed at
// construction.
type Config struct {
	// AnalysisWindow is the rolling time span over which observations are
	// retained.
	AnalysisWindow time.Duration

	// MinErrorsForPattern is the minimum number of observations inside the
	// window before a classification other than insufficient-data is issued.
	MinErrorsForPattern int

	// IntermittentThreshold is the burstiness fraction at or above which
	// failures are classified as intermittent.
	IntermittentThreshold float64

	// MaxThresholdMultiplier bounds how far an intermittent recommendation
	// may raise the breaker's failure threshold (and, reciprocally, how far
	// a persistent one may lower it).
	MaxThresholdMultiplier float64

	// MinRecoveryReduction bounds how far an intermittent recommendation may
	// shrink the breaker's recovery delay, as a fraction of the base
	// (and, reciprocally, how far a persistent one may stretch it).
	MinRecoveryReduction float64

	// BurstGap is the inter-arrival gap at or below which two observations
	// count as part of the same burst. Defaults to AnalysisWindow/20.
	BurstGap time.Duration
}

func (c *Config) applyDefaults() {
	if c.AnalysisWindow <= 0 {
		c.AnalysisWindow = 5 * time.Minute
	}
	if c.MinErrorsForPattern <= 0 {
		c.MinErrorsForPattern = 3
	}
	if c.IntermittentThreshold <= 0 {
		c.IntermittentThreshold = 0.7
	}
	if c.MaxThresholdMultiplier <= 1 {
		c.MaxThresholdMultiplier = 2.0
	}
	if c.MinRecoveryReduction <= 0 || c.MinRecoveryReduction > 1 {
		c.MinRecoveryReduction = 0.5
	}
	if c.BurstGap <= 0 {
		c.BurstGap = c.AnalysisWindow / 20
	}
}

// Pattern is the derived shape of recent failures for one error code.
// Recomputed on demand; never stored long-term.
type Pattern struct {
	Code           classify.Code  `json:"code"`
	Occurrences    int            `json:"occurrences"`
	Burstiness     float64        `json:"burstiness"`
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"`
}

// Recommendation tells the breaker how to retune itself for a given error
// code. Both factors are multiplied against the breaker's *base* settings
// and clamped by the breaker to its configured bounds — the detector never
// has authority to violate them.
type Recommendation struct {
	// ThresholdMultiplier scales the base failure threshold. >1 loosens
	// (intermittent), <1 tightens (persistent), 1 is neutral.
	ThresholdMultiplier float64

	// RecoveryFactor scales the base recovery delay. <1 recovers faster
	// (intermittent), >1 isolates longer (persistent), 1 is neutral.
	RecoveryFactor float64

	// Reason is a human-readable explanation for dashboards and logs.
	Reason string
}

// Neutral is the no-op recommendation issued when there is not enough data.
var Neutral = Recommendation{ThresholdMultiplier: 1, RecoveryFactor: 1, Reason: "insufficient data"}

// Detector keeps per-error-code observation windows. Safe for concurrent use.
type Detector struct {
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time // injectable for tests
	windows map[classify.Code][]time.Time
}

// New creates a Detector with the given config, applying defaults for unset
// fields.
func New(cfg Config) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[classify.Code][]time.Time),
	}
}

// Record appends a failure observation for code at ts and prunes entries
// that have fallen out of the analysis window. Timestamps are expected to be
// non-decreasing per code (wall-clock ordering of failures).
func (d *Detector) Record(code classify.Code, ts time.Time) {
	if code == classify.None {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.windows[code] = append(d.windows[code], ts)
	d.pruneLocked(code, ts)
}

// pruneLocked drops observations for code that have fallen out of the
// analysis window relative to now.
func (d *Detector) pruneLocked(code classify.Code, now time.Time) {
	w := d.windows[code]
	cutoff := now.Add(-d.cfg.AnalysisWindow)
	start := 0
	for start < len(w) && w[start].Before(cutoff) {
		start++
	}
	if start > 0 {
		d.windows[code] = w[start:]
	}
}

// Classify recomputes the failure pattern for code from the current window.
func (d *Detector) Classify(code classify.Code) Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifyLocked(code)
}

func (d *Detector) classifyLocked(code classify.Code) Pattern {
	// Reads prune too, so a quiet period cannot leave a stale pattern on
	// display after the observations behind it have aged out.
	d.pruneLocked(code, d.now())

	w := d.windows[code]
	p := Pattern{Code: code, Occurrences: len(w)}

	if len(w) < d.cfg.MinErrorsForPattern {
		p.Classification = InsufficientData
		return p
	}

	p.Burstiness = d.burstiness(w)

	t := d.cfg.IntermittentThreshold
	if p.Burstiness >= t {
		p.Classification = Intermittent
		// Confidence grows as burstiness exceeds the threshold, capped at 1.
		p.Confidence = clamp01((p.Burstiness - t) / (1 - t))
	} else {
		p.Classification = Persistent
		// Confidence grows as observations spread evenly across the window.
		p.Confidence = clamp01((t - p.Burstiness) / t)
	}

	metrics.DetectorClassifications.WithLabelValues(string(code), string(p.Classification)).Inc()
	return p
}

// burstiness is the fraction of inter-arrival gaps at or below the burst gap.
// Clustered arrivals (short gaps) suggest a transient blip; gaps spread
// across the whole window suggest sustained degradation.
func (d *Detector) burstiness(w []time.Time) float64 {
	if len(w) < 2 {
		return 0
	}
	short := 0
	for i := 1; i < len(w); i++ {
		if w[i].Sub(w[i-1]) <= d.cfg.BurstGap {
			short++
		}
	}
	return float64(short) / float64(len(w)-1)
}

// Recommend derives the breaker retuning recommendation for code from its
// current pattern. Insufficient data yields the Neutral no-op.
func (d *Detector) Recommend(code classify.Code) Recommendation {
	d.mu.Lock()
	p := d.classifyLocked(code)
	cfg := d.cfg
	d.mu.Unlock()

	switch p.Classification {
	case Intermittent:
		// Loosen: raise the threshold so blips don't trip the breaker, and
		// shrink recovery so a tripped breaker re-probes quickly.
		mult := 1 + p.Confidence*(cfg.MaxThresholdMultiplier-1)
		rec := 1 - p.Confidence*(1-cfg.MinRecoveryReduction)
		return Recommendation{
			ThresholdMultiplier: mult,
			RecoveryFactor:      rec,
			Reason:              fmt.Sprintf("intermittent %s pattern (burstiness %.2f, confidence %.2f)", code, p.Burstiness, p.Confidence),
		}
	case Persistent:
		// Tighten: reciprocal scaling so a genuinely broken downstream is
		// isolated sooner and for longer.
		mult := 1 / (1 + p.Confidence*(cfg.MaxThresholdMultiplier-1))
		rec := 1 / (1 - p.Confidence*(1-cfg.MinRecoveryReduction))
		return Recommendation{
			ThresholdMultiplier: mult,
			RecoveryFactor:      rec,
			Reason:              fmt.Sprintf("persistent %s pattern (burstiness %.2f, confidence %.2f)", code, p.Burstiness, p.Confidence),
		}
	default:
		return Neutral
	}
}

// Snapshot returns the current pattern for every tracked error code, sorted
// by code. Used by the admin API and health surface.
func (d *Detector) Snapshot() []Pattern {
	d.mu.Lock()
	codes := make([]classify.Code, 0, len(d.windows))
	for code := range d.windows {
		codes = append(codes, code)
	}
	d.mu.Unlock()

	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	out := make([]Pattern, 0, len(codes))
	for _, code := range codes {
		out = append(out, d.Classify(code))
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
