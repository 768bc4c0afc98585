package engine

import (
	"sync"
	"time"

	"outreach/internal/mode"
	"outreach/internal/model"
)

// EventType names an engine notification.
type EventType string

const (
	EventAutomationChanged EventType = "automation_changed"
	EventBatchStarted      EventType = "batch_started"
	EventBatchFinished     EventType = "batch_finished"
)

// Event is published to subscribers after the fact it describes is persisted.
type Event struct {
	Type      EventType          `json:"type"`
	AccountID string             `json:"account_id"`
	Kind      model.ActionKind   `json:"action_kind"`
	Mode      model.Mode         `json:"mode,omitempty"`
	JobID     string             `json:"job_id,omitempty"`
	State     *mode.State        `json:"state,omitempty"`
	Result    *model.BatchResult `json:"result,omitempty"`
	At        time.Time          `json:"ts"`
}

// bus fans events out to subscribers; slow subscribers lose events.
type bus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newBus() *bus { return &bus{subs: make(map[int]chan Event)} }

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events and a func that closes it.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	b := e.bus
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
