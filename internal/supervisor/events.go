package supervisor

import (
	"sync"
	"time"
)

// EventType discriminates supervisor lifecycle events.
type EventType string

const (
	// EventStarted fires when an instance reaches running.
	EventStarted EventType = "started"
	// EventStopped fires after an instance is stopped and removed.
	EventStopped EventType = "stopped"
	// EventLog carries one line of child stdout or stderr.
	EventLog EventType = "log"
	// EventExit fires when a child process exits, expectedly or not.
	EventExit EventType = "exit"
)

// Event is one entry in the supervisor's lifecycle stream. Ordering is
// guaranteed per project, not across projects.
type Event struct {
	Type      EventType `json:"type"`
	ProjectID string    `json:"projectId"`
	Port      int       `json:"port,omitempty"`
	Stream    string    `json:"stream,omitempty"` // stdout or stderr for log events
	Message   string    `json:"message,omitempty"`
	ExitCode  int       `json:"exitCode,omitempty"`
	Time      time.Time `json:"time"`
}

// eventBus fans events out to subscribers. Each subscriber has a bounded
// buffer; a full buffer drops the event rather than blocking the
// supervisor.
type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

const subscriberBuffer = 256

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

// subscribe registers a new consumer. The returned cancel function must be
// called to release the subscription.
func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (b *eventBus) publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber: drop.
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
