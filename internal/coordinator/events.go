// Package coordinator drives the plan/approve/execute state machine: it owns
// executions, serialises them per session, steers the agent supervisor, and
// broadcasts typed progress events to connected clients.
package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/promptdock/bridge/internal/agent"
)

// EventType classifies coordinator events.
type EventType string

const (
	EventOutput      EventType = "output"
	EventStateChange EventType = "state-change"
	EventProgress    EventType = "progress"
	EventFileChanged EventType = "file-changed"
	EventStarted     EventType = "started"
	EventCompleted   EventType = "completed"
	EventFailed      EventType = "failed"
	EventAborted     EventType = "aborted"
)

// Event is the closed sum carried on the broadcast bus. Exactly the fields
// for the event's type are populated.
type Event struct {
	Type        EventType
	SessionID   string
	ExecutionID string
	PlanID      string

	// EventOutput
	Stream    agent.Stream
	Data      string
	TS        time.Time
	Truncated bool

	// EventStateChange
	State string

	// EventProgress / terminal events
	Progress      int
	Status        Status
	ModifiedFiles []string
	Result        string
	Reason        string

	// EventFileChanged
	File string
}

const subscriberBuffer = 1024

type subscriber struct {
	id int
	ch chan Event
}

// Bus fans coordinator events out to per-session subscribers. Publishing
// never blocks: a subscriber that falls subscriberBuffer events behind loses
// the overflow (with a process-log warning), never its ordering.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]subscriber
	nextID int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscriber)}
}

// Subscribe registers a consumer for one session's events. The returned
// cancel function must be called to release the subscription.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscriber{id: b.nextID, ch: make(chan Event, subscriberBuffer)}
	b.subs[sessionID] = append(b.subs[sessionID], sub)

	id := sub.id
	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subs[sessionID]
		for i, e := range entries {
			if e.id == id {
				b.subs[sessionID] = append(entries[:i], entries[i+1:]...)
				close(e.ch)
				break
			}
		}
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
	}
}

// Publish delivers ev to every subscriber of its session.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	entries := append([]subscriber(nil), b.subs[ev.SessionID]...)
	b.mu.Unlock()

	for _, sub := range entries {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("[Coordinator] Subscriber behind, dropping event",
				"session_id", ev.SessionID, "type", ev.Type)
		}
	}
}
