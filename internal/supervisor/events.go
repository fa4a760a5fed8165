package supervisor

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event is a runtime lifecycle event: spawn_start, spawn_ready, spawn_exit,
// spawn_timeout, spawn_stop or adopted.
type Event struct {
	Name   string
	Fields map[string]any
}

// EventPublisher receives lifecycle events. Publish must not block or panic.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Has reports whether an event with the given name was published.
func (p *MemoryPublisher) Has(name string) bool {
	for _, e := range p.Events() {
		if e.Name == name {
			return true
		}
	}
	return false
}

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(e Event) {
	ev := p.Log.Info()
	if e.Name == "spawn_exit" || e.Name == "spawn_timeout" {
		ev = p.Log.Warn()
	}
	ev.Fields(e.Fields).Str("event", e.Name).Msg("runtime lifecycle")
}
