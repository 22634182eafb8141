// Package events is the in-process pub/sub bus for fleet activity. The
// broker fans events out to subscribers and keeps a bounded ring of recent
// events for the dashboard.
package events

import (
	"sync"
	"time"
)

// Event types published by the control plane.
const (
	TypeAgentRegistered = "agent_registered"
	TypeAgentRemoved    = "agent_removed"
	TypeAgentOnline     = "agent_online"
	TypeAgentOffline    = "agent_offline"
	TypeHeartbeat       = "heartbeat"
	TypeStatus          = "status"
	TypeAction          = "action"
	TypeError           = "error"
	TypeApprovalCreated = "approval_created"
	TypeApprovalUpdated = "approval_updated"
)

// DefaultRecentCap bounds the recent-events ring.
const DefaultRecentCap = 500

// Event is one fleet occurrence.
type Event struct {
	Type      string                 `json:"type"`
	AgentID   string                 `json:"agentId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Broker fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Broker struct {
	mu        sync.RWMutex
	subs      map[int]chan Event
	nextID    int
	recent    []Event
	recentCap int
}

// NewBroker creates a broker with the default recent-ring capacity.
func NewBroker() *Broker {
	return &Broker{
		subs:      make(map[int]chan Event),
		recentCap: DefaultRecentCap,
	}
}

// Publish stamps and distributes an event.
func (b *Broker) Publish(eventType, agentID string, data map[string]interface{}) {
	evt := Event{
		Type:      eventType,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.Lock()
	b.recent = append(b.recent, evt)
	if len(b.recent) > b.recentCap {
		b.recent = b.recent[len(b.recent)-b.recentCap:]
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a buffered event channel. The returned cancel func
// unregisters and closes it.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Recent returns up to limit of the newest events, newest first. limit <= 0
// returns the whole ring.
func (b *Broker) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, limit)
	for i := 0; i < limit; i++ {
		out[i] = b.recent[n-1-i]
	}
	return out
}
