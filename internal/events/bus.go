package events

import (
	"sync"
	"time"

	"gridingest/internal/record"
)

// Kind names an event type.
type Kind string

const (
	RecordWritten Kind = "record_written"
	TickFailed    Kind = "tick_failed"
	ModeChanged   Kind = "mode_changed"
)

// Event is published by pollers for in-process observers.
type Event struct {
	Kind      Kind                     `json:"kind"`
	SourceKey string                   `json:"source_key"`
	Target    string                   `json:"target,omitempty"`
	TickID    string                   `json:"tick_id,omitempty"`
	Outcome   string                   `json:"outcome,omitempty"`
	Record    *record.AggregatedRecord `json:"record,omitempty"`
	Message   string                   `json:"message,omitempty"`
	At        time.Time                `json:"at"`
}

// Bus provides simple in-process pub/sub. Slow subscribers miss events.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel. Publish must not be called after.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
