// Package audit emits append-only audit events for every authenticated proxy
// outcome. Recording is fire-and-forget: the request path hands the event to
// a buffered channel and never blocks on the sink; events are dropped (and
// counted) if the buffer is full.
package audit

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WebQx/webqx-sub013/internal/metrics"
)

// Outcome is the result of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Audited actions.
const (
	ActionAuthenticate = "AUTHENTICATE"
	ActionExchange     = "CREDENTIAL_EXCHANGE"
	ActionProxy        = "PROXY_REQUEST"
)

// Event is a single append-only audit record.
type Event struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Outcome   Outcome        `json:"outcome"`
	SubjectID string         `json:"subject_id,omitempty"`
	RouteTag  string         `json:"route_tag,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Sink receives audit events. Record must not block and must not fail the
// request path.
type Sink interface {
	Record(Event)
}

// Recorder is an async Sink that serializes events as JSON lines through an
// slog logger. Close drains the buffer.
type Recorder struct {
	ch     chan Event
	logger *slog.Logger

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder creates a Recorder writing JSON events to w. bufferSize bounds
// the number of in-flight events before drops occur.
func NewRecorder(w io.Writer, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	r := &Recorder{
		ch:     make(chan Event, bufferSize),
		logger: slog.New(slog.NewJSONHandler(w, nil)),
		done:   make(chan struct{}),
	}
	go r.drain()
	return r
}

// Record enqueues the event, assigning an ID and timestamp if unset. Never
// blocks and never panics: if the buffer is full, or the recorder is already
// closed, the event is dropped and counted.
func (r *Recorder) Record(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// The read lock holds off Close so the send below cannot hit a closed
	// channel.
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.AuditDropped.Inc()
		return
	}

	select {
	case r.ch <- ev:
	default:
		metrics.AuditDropped.Inc()
	}
}

// Close stops the recorder after flushing buffered events. Later Record
// calls drop their events.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.ch)
		<-r.done
	})
}

func (r *Recorder) drain() {
	defer close(r.done)
	for ev := range r.ch {
		attrs := []any{
			"audit_id", ev.ID,
			"action", ev.Action,
			"outcome", string(ev.Outcome),
			"timestamp", ev.Timestamp,
		}
		if ev.SubjectID != "" {
			attrs = append(attrs, "subject_id", ev.SubjectID)
		}
		if ev.RouteTag != "" {
			attrs = append(attrs, "route_tag", ev.RouteTag)
		}
		for k, v := range ev.Detail {
			attrs = append(attrs, k, v)
		}
		r.logger.Info("audit", attrs...)
	}
}

// Discard is a Sink that drops every event. Useful in tests.
type Discard struct{}

func (Discard) Record(Event) {}
