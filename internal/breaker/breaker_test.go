package breaker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/WebQx/webqx-sub013/internal/classify"
	"github.com/WebQx/webqx-sub013/internal/metrics"
	"github.com/WebQx/webqx-sub013/internal/pattern"
)

func init() {
	metrics.Init()
}

// fakeClock drives both the breaker and the detector in tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testSettings() Settings {
	return Settings{
		BaseFailureThreshold: 5,
		MinFailureThreshold:  2,
		MaxFailureThreshold:  20,
		BaseRecoveryTime:     30 * time.Second,
		MinRecoveryTime:      5 * time.Second,
		MaxRecoveryTime:      5 * time.Minute,
	}
}

// newTestBreaker returns a breaker on a fake clock. detectorMin controls how
// many errors the detector needs before it classifies; a large value keeps
// recommendations neutral.
func newTestBreaker(t *testing.T, settings Settings, detectorMin int) (*Breaker, *fakeClock) {
	t.Helper()
	// The detector prunes against the real clock, so the fake clock must
	// start at the present or the detector discards every observation.
	clk := &fakeClock{t: time.Now()}
	det := pattern.New(pattern.Config{
		AnalysisWindow:         5 * time.Minute,
		MinErrorsForPattern:    detectorMin,
		IntermittentThreshold:  0.7,
		MaxThresholdMultiplier: 2.0,
		MinRecoveryReduction:   0.5,
	})
	b := New("ehr", settings, det, slog.Default())
	b.now = clk.now
	return b, clk
}

func fail(status int) func() classify.Outcome {
	return func() classify.Outcome { return classify.Outcome{StatusCode: status} }
}

func succeed() classify.Outcome {
	return classify.Outcome{StatusCode: http.StatusOK}
}

func TestClosedPassesThrough(t *testing.T) {
	b, _ := newTestBreaker(t, testSettings(), 100)

	outcome, err := b.Execute(context.Background(), "patient-api", succeed)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if outcome.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", outcome.StatusCode)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b, clk := newTestBreaker(t, testSettings(), 100)

	for i := 0; i < 5; i++ {
		if b.State() != StateClosed {
			t.Fatalf("opened after %d failures, threshold is 5", i)
		}
		b.Execute(context.Background(), "patient-api", fail(500))
		clk.advance(time.Second)
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v after 5 failures, want open", b.State())
	}

	// Short-circuit: the call function must not run while open.
	called := false
	_, err := b.Execute(context.Background(), "patient-api", func() classify.Outcome {
		called = true
		return succeed()
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("call ran while breaker was open")
	}
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b, clk := newTestBreaker(t, testSettings(), 100)

	// The threshold counts consecutive failures: a success in between starts
	// the count over.
	for i := 0; i < 4; i++ {
		b.Execute(context.Background(), "patient-api", fail(503))
		clk.advance(time.Second)
	}
	b.Execute(context.Background(), "patient-api", succeed)
	for i := 0; i < 4; i++ {
		b.Execute(context.Background(), "patient-api", fail(503))
		clk.advance(time.Second)
	}

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (count reset by success)", b.State())
	}

	b.Execute(context.Background(), "patient-api", fail(503))
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after fifth consecutive failure", b.State())
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(t, testSettings(), 100)

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), "patient-api", fail(500))
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	clk.advance(31 * time.Second) // past the 30s base recovery

	outcome, err := b.Execute(context.Background(), "patient-api", succeed)
	if err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if outcome.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", outcome.StatusCode)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v after successful trial, want closed", b.State())
	}

	snap := b.Snapshot()
	if snap.FailureCount != 0 {
		t.Errorf("failure count = %d after recovery, want 0", snap.FailureCount)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(t, testSettings(), 100)

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), "patient-api", fail(500))
	}
	clk.advance(31 * time.Second)

	b.Execute(context.Background(), "patient-api", fail(500))
	if b.State() != StateOpen {
		t.Fatalf("state = %v after failed trial, want open", b.State())
	}

	// Still short-circuiting before the next recovery window.
	clk.advance(time.Second)
	_, err := b.Execute(context.Background(), "patient-api", succeed)
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	b, clk := newTestBreaker(t, testSettings(), 100)

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), "patient-api", fail(500))
	}
	clk.advance(31 * time.Second)

	// While the trial call is in flight, a concurrent caller must be
	// short-circuited rather than admitted as a second trial.
	var concurrentErr error
	_, err := b.Execute(context.Background(), "patient-api", func() classify.Outcome {
		_, concurrentErr = b.Execute(context.Background(), "patient-api", succeed)
		return succeed()
	})
	if err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if !errors.Is(concurrentErr, ErrOpen) {
		t.Errorf("concurrent call err = %v, want ErrOpen", concurrentErr)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

// A burst of failures classifies as intermittent, which raises the effective
// threshold toward base*2 so transient blips stop tripping the breaker.
func TestIntermittentPatternLoosensThreshold(t *testing.T) {
	b, clk := newTestBreaker(t, testSettings(), 3)

	// Nine rapid failures: after the third, the detector classifies the
	// burst as intermittent at full confidence and the threshold doubles to
	// 10, so the breaker stays closed past the base threshold of 5.
	for i := 0; i < 9; i++ {
		b.Execute(context.Background(), "patient-api", fail(500))
		clk.advance(time.Second)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v after 9 bursty failures, want closed (threshold loosened)", b.State())
	}

	b.Execute(context.Background(), "patient-api", fail(500))
	if b.State() != StateOpen {
		t.Errorf("state = %v after 10 failures, want open", b.State())
	}

	// Intermittent also shrinks recovery to base*0.5 = 15s.
	snap := b.Snapshot()
	if snap.CurrentRecovery != 15*time.Second {
		t.Errorf("recovery = %v, want 15s", snap.CurrentRecovery)
	}
}

// Failures spread across the window classify as persistent, which tightens
// the threshold toward base/2 and stretches recovery toward base*2.
func TestPersistentPatternTightens(t *testing.T) {
	b, clk := newTestBreaker(t, testSettings(), 3)

	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), "patient-api", fail(503))
		clk.advance(time.Minute)
	}

	// After 3 spread failures: threshold round(5*0.5) = 3, so already open.
	if b.State() != StateOpen {
		t.Fatalf("state = %v after 3 persistent failures, want open", b.State())
	}

	snap := b.Snapshot()
	if snap.CurrentThreshold != 3 {
		t.Errorf("threshold = %d, want 3", snap.CurrentThreshold)
	}
	if snap.CurrentRecovery != 60*time.Second {
		t.Errorf("recovery = %v, want 60s", snap.CurrentRecovery)
	}
}

// Adjustments multiply the base settings, never the current values, so
// repeated identical recommendations converge instead of compounding.
func TestAdjustmentsDoNotCompound(t *testing.T) {
	b, clk := newTestBreaker(t, testSettings(), 3)

	for i := 0; i < 8; i++ {
		b.Execute(context.Background(), "patient-api", fail(500))
		clk.advance(time.Second)
	}

	snap := b.Snapshot()
	if snap.CurrentThreshold != 10 {
		t.Errorf("threshold = %d after repeated intermittent recommendations, want 10", snap.CurrentThreshold)
	}
}

func TestAdjustmentsClampedToBounds(t *testing.T) {
	s := testSettings()
	s.MaxFailureThreshold = 8
	s.MinRecoveryTime = 20 * time.Second
	b, clk := newTestBreaker(t, s, 3)

	for i := 0; i < 7; i++ {
		b.Execute(context.Background(), "patient-api", fail(500))
		clk.advance(time.Second)
	}

	snap := b.Snapshot()
	if snap.CurrentThreshold != 8 {
		t.Errorf("threshold = %d, want clamped to max 8", snap.CurrentThreshold)
	}
	if snap.CurrentRecovery != 20*time.Second {
		t.Errorf("recovery = %v, want clamped to min 20s", snap.CurrentRecovery)
	}
}

func TestCallerCancellationNotCounted(t *testing.T) {
	b, _ := newTestBreaker(t, testSettings(), 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 10; i++ {
		_, err := b.Execute(ctx, "patient-api", func() classify.Outcome {
			cancel()
			return classify.Outcome{Err: context.Canceled}
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}

	if b.State() != StateClosed {
		t.Errorf("state = %v after cancelled calls, want closed", b.State())
	}
	if snap := b.Snapshot(); snap.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0", snap.FailureCount)
	}
}

func TestReset(t *testing.T) {
	b, clk := newTestBreaker(t, testSettings(), 3)

	for i := 0; i < 9; i++ {
		b.Execute(context.Background(), "patient-api", fail(500))
		clk.advance(time.Second)
	}

	b.Reset()

	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("state = %q after reset, want closed", snap.State)
	}
	if snap.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0", snap.FailureCount)
	}
	if snap.CurrentThreshold != 5 {
		t.Errorf("threshold = %d, want base 5", snap.CurrentThreshold)
	}
	if snap.CurrentRecovery != 30*time.Second {
		t.Errorf("recovery = %v, want base 30s", snap.CurrentRecovery)
	}
}

func TestSnapshotStatistics(t *testing.T) {
	b, _ := newTestBreaker(t, testSettings(), 100)

	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), "patient-api", succeed)
	}
	b.Execute(context.Background(), "patient-api", fail(500))

	snap := b.Snapshot()
	if snap.TotalRequests != 4 {
		t.Errorf("total requests = %d, want 4", snap.TotalRequests)
	}
	if snap.SuccessCount != 3 {
		t.Errorf("success count = %d, want 3", snap.SuccessCount)
	}
	if snap.SuccessRate != 0.75 {
		t.Errorf("success rate = %v, want 0.75", snap.SuccessRate)
	}
	if snap.Group != "ehr" {
		t.Errorf("group = %q, want ehr", snap.Group)
	}
}

func TestConcurrentExecute(t *testing.T) {
	b, _ := newTestBreaker(t, testSettings(), 100)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Execute(context.Background(), "patient-api", succeed)
		}()
	}
	wg.Wait()

	snap := b.Snapshot()
	if snap.TotalRequests != 50 {
		t.Errorf("total requests = %d, want 50", snap.TotalRequests)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}
