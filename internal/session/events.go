package session

import (
	"sync"
	"time"

	"github.com/MrWong99/linguavox/internal/tutor"
)

// EventType names a controller event.
type EventType string

const (
	// EventTurnAppended carries a turn that entered the log.
	EventTurnAppended EventType = "turn.appended"
	// EventTurnRejected reports a turn that failed before it was appended.
	EventTurnRejected EventType = "turn.rejected"
	// EventFeedback carries a learner turn with its feedback attached.
	EventFeedback EventType = "turn.feedback"
	// EventFeedbackFailed reports a feedback call that failed.
	EventFeedbackFailed EventType = "turn.feedback_failed"
	// EventFeedbackDiscarded reports feedback that arrived after the session ended.
	EventFeedbackDiscarded EventType = "turn.feedback_discarded"
	// EventSessionEnded is published once, when the session is frozen.
	EventSessionEnded EventType = "session.ended"
	// EventReport carries the computed session report.
	EventReport EventType = "session.report"
	// EventReportFailed reports a failed aggregation; see [Controller.RetryReport].
	EventReportFailed EventType = "session.report_failed"
)

// Event is one entry of a controller's live stream. Payloads are copies.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"sessionId"`
	TurnID    string                 `json:"turnId,omitempty"`
	Turn      *tutor.Turn            `json:"-"`
	Report    *tutor.SessionFeedback `json:"-"`
	Err       string                 `json:"error,omitempty"`
	At        time.Time              `json:"at"`
}

// subscriberBuffer is the per-subscriber event buffer. Events for a
// subscriber whose buffer is full are dropped.
const subscriberBuffer = 64

// hub fans events out to subscribers.
type hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Event
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

// subscribe registers a subscriber. The returned cancel func is idempotent.
// On a closed hub the channel is already closed.
func (h *hub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// publish delivers e without blocking and reports how many subscribers
// dropped it.
func (h *hub) publish(e Event) (dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			dropped++
		}
	}
	return dropped
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
