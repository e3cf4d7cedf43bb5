package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WebQx/webqx-sub013/internal/metrics"
)

func init() {
	metrics.Init()
}

// syncBuffer guards a bytes.Buffer for the recorder's drain goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRecorderEmitsJSONLines(t *testing.T) {
	buf := &syncBuffer{}
	r := NewRecorder(buf, 16)

	r.Record(Event{
		Action:    ActionExchange,
		Outcome:   OutcomeSuccess,
		SubjectID: "patient-001",
		RouteTag:  "patient-api",
		Detail:    map[string]any{"status": 200},
	})
	r.Close()

	out := buf.String()
	if out == "" {
		t.Fatal("no audit output written")
	}

	var line map[string]any
	if err := json.Unmarshal([]byte(strings.SplitN(out, "\n", 2)[0]), &line); err != nil {
		t.Fatalf("audit line is not JSON: %v\n%s", err, out)
	}
	if line["action"] != ActionExchange {
		t.Errorf("action = %v, want CREDENTIAL_EXCHANGE", line["action"])
	}
	if line["outcome"] != "success" {
		t.Errorf("outcome = %v, want success", line["outcome"])
	}
	if line["subject_id"] != "patient-001" {
		t.Errorf("subject_id = %v", line["subject_id"])
	}
	if line["audit_id"] == "" || line["audit_id"] == nil {
		t.Error("audit_id not assigned")
	}
}

func TestRecorderAssignsIDAndTimestamp(t *testing.T) {
	buf := &syncBuffer{}
	r := NewRecorder(buf, 16)

	before := time.Now().UTC()
	r.Record(Event{Action: ActionProxy, Outcome: OutcomeFailure})
	r.Close()

	var line map[string]any
	if err := json.Unmarshal([]byte(strings.SplitN(buf.String(), "\n", 2)[0]), &line); err != nil {
		t.Fatalf("parsing audit line: %v", err)
	}
	id, _ := line["audit_id"].(string)
	if len(id) != 36 {
		t.Errorf("audit_id = %q, want UUID", id)
	}
	tsStr, _ := line["timestamp"].(string)
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		t.Fatalf("timestamp %q not parseable: %v", tsStr, err)
	}
	if ts.Before(before.Add(-time.Second)) {
		t.Errorf("timestamp %v earlier than test start %v", ts, before)
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	// A recorder with a tiny buffer and a writer that blocks forever: Record
	// must return immediately, dropping overflow.
	blocked := make(chan struct{})
	r := NewRecorder(blockingWriter{blocked}, 1)
	defer close(blocked)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Record(Event{Action: ActionProxy, Outcome: OutcomeSuccess})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
}

type blockingWriter struct{ ch chan struct{} }

func (w blockingWriter) Write(p []byte) (int, error) {
	<-w.ch
	return len(p), nil
}

func TestCloseIdempotent(t *testing.T) {
	r := NewRecorder(&syncBuffer{}, 4)
	r.Close()
	r.Close() // must not panic
}

func TestRecordAfterCloseDropsEvent(t *testing.T) {
	buf := &syncBuffer{}
	r := NewRecorder(buf, 4)
	r.Close()

	r.Record(Event{Action: ActionProxy, Outcome: OutcomeSuccess}) // must not panic

	if out := buf.String(); out != "" {
		t.Errorf("output after close = %q, want none", out)
	}
}

func TestDiscard(t *testing.T) {
	var s Sink = Discard{}
	s.Record(Event{Action: ActionAuthenticate}) // must not panic
}
