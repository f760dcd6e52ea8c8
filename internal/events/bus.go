// Package events implements the per-session progress event bus: one
// producer per session, many consumers, per-producer FIFO delivery.
//
// A slow consumer never blocks the producer: when a subscriber's queue is
// full the event is dropped and the subscriber's drop counter advances, so
// the consumer can detect the gap. Late joiners receive a snapshot of the
// session's current state before live events.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind enumerates event types.
type Kind string

const (
	KindProgress         Kind = "progress"
	KindStateChange      Kind = "state_change"
	KindMessage          Kind = "message"
	KindTokenStream      Kind = "token_stream"
	KindPlan             Kind = "plan"
	KindPapersCollected  Kind = "papers_collected"
	KindScreeningSummary Kind = "screening_summary"
	KindEvidence         Kind = "evidence"
	KindTaxonomy         Kind = "taxonomy"
	KindClaims           Kind = "claims"
	KindGapMining        Kind = "gap_mining"
	KindApprovalRequired Kind = "approval_required"
	KindComplete         Kind = "complete"
	KindError            Kind = "error"
	KindDone             Kind = "done"
)

// Event is one bus message. Seq is per-session and strictly increasing in
// production order.
type Event struct {
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Time      time.Time      `json:"time"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// DefaultQueueBound is the per-subscriber queue size.
const DefaultQueueBound = 256

// Bus is the process-wide event bus.
type Bus struct {
	mu       sync.Mutex
	sessions map[string]*sessionTopic
}

type sessionTopic struct {
	mu       sync.Mutex
	seq      int64
	subs     map[*Subscription]struct{}
	snapshot func() []Event
	closed   bool
}

// Subscription is one consumer's queue.
type Subscription struct {
	ch      chan Event
	dropped atomic.Int64
	topic   *sessionTopic
}

// Events returns the consumer channel. It closes when the session topic
// closes or the subscription is cancelled.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because this consumer fell
// behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	if _, ok := s.topic.subs[s]; ok {
		delete(s.topic.subs, s)
		close(s.ch)
	}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{sessions: make(map[string]*sessionTopic)}
}

func (b *Bus) topic(sessionID string) *sessionTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.sessions[sessionID]
	if !ok {
		t = &sessionTopic{subs: make(map[*Subscription]struct{})}
		b.sessions[sessionID] = t
	}
	return t
}

// SetSnapshot registers the state-snapshot provider for late joiners. The
// function is called at subscribe time under no locks held by the caller.
func (b *Bus) SetSnapshot(sessionID string, fn func() []Event) {
	t := b.topic(sessionID)
	t.mu.Lock()
	t.snapshot = fn
	t.mu.Unlock()
}

// Subscribe attaches a consumer with the given queue bound (0 selects the
// default). The snapshot, if any, is queued before live events.
func (b *Bus) Subscribe(sessionID string, bound int) *Subscription {
	if bound <= 0 {
		bound = DefaultQueueBound
	}
	t := b.topic(sessionID)

	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &Subscription{ch: make(chan Event, bound), topic: t}
	if t.snapshot != nil {
		for _, ev := range t.snapshot() {
			select {
			case sub.ch <- ev:
			default:
				sub.dropped.Add(1)
			}
		}
	}
	if t.closed {
		close(sub.ch)
		return sub
	}
	t.subs[sub] = struct{}{}
	return sub
}

// Publish delivers an event to every subscriber of the session in
// production order. Full queues drop.
func (b *Bus) Publish(sessionID string, kind Kind, payload map[string]any) {
	t := b.topic(sessionID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.seq++
	ev := Event{
		Kind:      kind,
		SessionID: sessionID,
		Seq:       t.seq,
		Time:      time.Now().UTC(),
		Payload:   payload,
	}
	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close ends a session's topic and closes all subscriber channels. Publish
// after Close is a no-op.
func (b *Bus) Close(sessionID string) {
	t := b.topic(sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for sub := range t.subs {
		close(sub.ch)
		delete(t.subs, sub)
	}
}

// Progress is a convenience wrapper for the common progress event.
func (b *Bus) Progress(sessionID, phase string, phaseIndex, current, total int, message string) {
	b.Publish(sessionID, KindProgress, map[string]any{
		"phase":       phase,
		"phase_index": phaseIndex,
		"current":     current,
		"total":       total,
		"message":     message,
	})
}

// Warn emits a progress event flagged warn=true for a degraded item.
func (b *Bus) Warn(sessionID, phase, message string) {
	b.Publish(sessionID, KindProgress, map[string]any{
		"phase":   phase,
		"message": message,
		"warn":    true,
	})
}

// StateChange emits a phase transition event.
func (b *Bus) StateChange(sessionID, from, to string) {
	b.Publish(sessionID, KindStateChange, map[string]any{"from": from, "to": to})
}
