// Package events provides a publish/subscribe event bus feeding the
// dashboard WebSocket stream. Events flow from components (campaign
// engine, media bridge, webhook router) to subscribers. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceEngine identifies events from the campaign execution engine.
	SourceEngine = "engine"
	// SourceBridge identifies events from the media bridge.
	SourceBridge = "bridge"
	// SourceWebhook identifies events from provider webhook handlers.
	SourceWebhook = "webhook"
	// SourceAPI identifies events from control API operations.
	SourceAPI = "api"
)

// Kind constants describe the type of event within a source.
const (
	// KindNewCall signals a call record was created.
	// Data: call_sid, campaign_id, to.
	KindNewCall = "new_call"
	// KindCallUpdate signals a call changed status.
	// Data: call_sid, status, campaign_id.
	KindCallUpdate = "call_update"
	// KindCallEnded signals a call reached a terminal status.
	// Data: call_sid, status, duration_secs, terminated_by.
	KindCallEnded = "call_ended"
	// KindCampaignStatus signals a campaign lifecycle transition.
	// Data: campaign_id, status.
	KindCampaignStatus = "campaign_status"
	// KindCampaignStats signals updated campaign aggregate counters.
	// Data: campaign_id, calls_placed, calls_completed, calls_failed.
	KindCampaignStats = "campaign_stats"
	// KindStreamStarted signals a media bridge opened both legs.
	// Data: call_sid, stream_sid.
	KindStreamStarted = "stream_started"
	// KindStreamEnded signals a media bridge shut down.
	// Data: call_sid, reason.
	KindStreamEnded = "stream_ended"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so that
	// Unsubscribe can accept <-chan Event (the caller's view).
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
