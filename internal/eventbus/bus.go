package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventTimeline carries a merged timeline update for an attempt.
	EventTimeline EventType = "timeline"
	// EventDraft carries a reconciled draft state for an attempt.
	EventDraft EventType = "draft"
	// EventStatus carries a draft-sync status transition.
	EventStatus EventType = "status"
)

// Event is a single update emitted by the engines for an attempt.
type Event struct {
	Type     EventType
	Timeline []schema.TimelineEntry
	Draft    schema.Draft
	Status   string
}

// Bus fans out events to per-attempt subscribers.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.AttemptID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.AttemptID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the attempt and returns a channel +
// cancel.
func (b *Bus) Subscribe(attemptID schema.AttemptID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	attemptSubs := b.subs[attemptID]
	if attemptSubs == nil {
		attemptSubs = make(map[chan Event]struct{})
		b.subs[attemptID] = attemptSubs
	}
	attemptSubs[ch] = struct{}{}
	count := len(attemptSubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("attempt", attemptID).Debug("eventbus subscribe", "subs", count)
	}
	return ch, func() {
		b.mu.Lock()
		if subs := b.subs[attemptID]; subs != nil {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(b.subs, attemptID)
			}
		}
		b.mu.Unlock()
		close(ch)
		if b.log != nil {
			b.log.With("attempt", attemptID).Debug("eventbus unsubscribe")
		}
	}
}

// PublishTimeline publishes a timeline update.
func (b *Bus) PublishTimeline(attemptID schema.AttemptID, timeline []schema.TimelineEntry) {
	b.publish(attemptID, Event{Type: EventTimeline, Timeline: timeline})
}

// PublishDraft publishes a draft update.
func (b *Bus) PublishDraft(attemptID schema.AttemptID, draft schema.Draft) {
	b.publish(attemptID, Event{Type: EventDraft, Draft: draft})
}

// PublishStatus publishes a draft-sync status transition.
func (b *Bus) PublishStatus(attemptID schema.AttemptID, status string) {
	b.publish(attemptID, Event{Type: EventStatus, Status: status})
}

func (b *Bus) publish(attemptID schema.AttemptID, event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	attemptSubs := b.subs[attemptID]
	subs := make([]chan Event, 0, len(attemptSubs))
	for sub := range attemptSubs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 && b.log != nil {
		b.log.With("attempt", attemptID).Trace("eventbus dropped", "count", dropped)
	}
}
