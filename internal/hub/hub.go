// Package hub fans out live gateway events to observer connections.
//
// DESIGN: Broadcast serializes a message once and performs a non-blocking
// enqueue to every subscriber queue. Delivery is best-effort and at-most-once:
// a subscriber whose queue is full is pruned after the pass so a stalled
// dashboard can never block the proxy path. Ordering is FIFO per subscriber
// with no cross-subscriber guarantee.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// QueueDepth is the per-subscriber buffer. Overflow drops the subscriber.
const QueueDepth = 64

// HeartbeatInterval is how often a ping message is broadcast to all observers.
const HeartbeatInterval = 10 * time.Second

// Event type tags carried in the "type" field of every broadcast payload.
const (
	EventPendingCreated = "pending_created"
	EventPendingUpdated = "pending_updated"
	EventStreamDelta    = "stream_delta"
	EventTurnStarted    = "turn_started"
	EventTurnCompleted  = "turn_completed"
	EventPaused         = "paused"
	EventUnpaused       = "unpaused"
	EventCrop           = "crop"
	EventAllowedTools   = "allowed_tools"
	EventConfig         = "config"
	EventPing           = "ping"
)

// Subscriber is one observer connection's queue of serialized messages.
type Subscriber struct {
	ID string
	C  chan string
}

// Hub is the broadcast fan-out. The zero value is not usable; call New.
type Hub struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
	done chan struct{}
	once sync.Once
}

// New creates a hub with no subscribers.
func New() *Hub {
	return &Hub{
		subs: make(map[string]*Subscriber),
		done: make(chan struct{}),
	}
}

// Subscribe registers a new observer queue.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ID: uuid.New().String(),
		C:  make(chan string, QueueDepth),
	}
	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()
	return s
}

// Unsubscribe removes an observer. Safe to call twice.
func (h *Hub) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	h.mu.Lock()
	delete(h.subs, s.ID)
	h.mu.Unlock()
}

// Count returns the number of registered observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast serializes payload once and enqueues it to every subscriber.
// Subscribers that cannot accept the message are pruned after the pass.
func (h *Hub) Broadcast(payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("hub: failed to serialize broadcast")
		return
	}
	msg := string(data)

	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	var dead []*Subscriber
	for _, s := range subs {
		select {
		case s.C <- msg:
		default:
			dead = append(dead, s)
		}
	}

	if len(dead) > 0 {
		h.mu.Lock()
		for _, s := range dead {
			delete(h.subs, s.ID)
		}
		h.mu.Unlock()
		log.Debug().Int("pruned", len(dead)).Msg("hub: dropped stalled observers")
	}
}

// Emit broadcasts a message of the given type with optional extra fields.
func (h *Hub) Emit(eventType string, fields map[string]any) {
	payload := map[string]any{"type": eventType}
	for k, v := range fields {
		payload[k] = v
	}
	h.Broadcast(payload)
}

// StartHeartbeat broadcasts a ping at a fixed interval until Close.
func (h *Hub) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.Emit(EventPing, map[string]any{"ts": time.Now().Format(time.RFC3339)})
			case <-h.done:
				return
			}
		}
	}()
}

// Done is closed when the hub shuts down. SSE loops select on it.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Close stops the heartbeat and signals observer loops to exit.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}
