// Package mirror is the boundary between the escrow core and the off-chain
// application layer. The core publishes one event per successful transition;
// the application consumes them to refresh its display-side projection. The
// projection is a cache: authorization always goes back to the engine.
package mirror

import (
	"context"
	"sync"
	"time"

	"sonicpact.io/internal/ids"
	"sonicpact.io/internal/pact"
)

// EventType names a successful lifecycle transition.
type EventType string

const (
	EventPlatformInitialized EventType = "platform.initialized"
	EventPlatformFeeUpdated  EventType = "platform.fee_updated"
	EventDealCreated         EventType = "deal.created"
	EventDealAccepted        EventType = "deal.accepted"
	EventDealFunded          EventType = "deal.funded"
	EventDealCompleted       EventType = "deal.completed"
	EventDealCancelled       EventType = "deal.cancelled"
)

// Event carries a full snapshot of the entity it concerns so consumers never
// have to read back from the engine to stay current.
type Event struct {
	ID              string         `json:"id"`
	Type            EventType      `json:"type"`
	Deal            *pact.Deal     `json:"deal,omitempty"`
	Platform        *pact.Platform `json:"platform,omitempty"`
	FeeAmount       uint64         `json:"fee_amount,omitempty"`
	CelebrityAmount uint64         `json:"celebrity_amount,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// NewEvent stamps an event with an id and timestamp.
func NewEvent(t EventType) Event {
	return Event{ID: ids.New(), Type: t, Timestamp: time.Now().UTC()}
}

// Stream fan-outs transition events to all active subscribers (SSE clients,
// projections, reconcilers).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking the publisher.
		}
	}
}
