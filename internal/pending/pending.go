// Package pending tracks in-flight gated exchanges awaiting an operator decision.
//
// DESIGN: Each Item carries a single-resolution decision: the first Resolve
// call records the action and closes the release channel, waking the one
// gateway worker parked in Await. Later Resolve calls are no-ops. The worker,
// never the decision issuer, removes the item from the registry after
// observing release, so a listed item is always either undecided or about to
// be consumed.
package pending

import (
	"strconv"
	"sync"
	"time"
)

// Stage identifies which half of an exchange is gated.
type Stage string

const (
	StageRequest  Stage = "request"
	StageResponse Stage = "response"
)

// Action is the operator's verdict on a pending item.
type Action string

const (
	ActionHold           Action = "hold"
	ActionApprove        Action = "approve"
	ActionReject         Action = "reject"
	ActionEditRequest    Action = "edit_request"
	ActionEditResponse   Action = "edit_response"
	ActionInjectResponse Action = "inject_response"
)

// Decision is the resolved outcome of a gated stage. Fields other than
// Action are only meaningful for the actions that use them.
type Decision struct {
	Action      Action
	Message     string
	RawRequest  []byte
	RawResponse []byte
}

// Item is one gated stage of one exchange.
type Item struct {
	ID         string
	Created    time.Time
	Path       string
	Stage      Stage
	RawRequest []byte

	mu             sync.Mutex
	rawResponse    []byte
	parsedRequest  any
	parsedResponse any
	decision       Decision
	released       chan struct{}
	resolved       bool
}

// NewItem creates an undecided item for the given stage.
func NewItem(id, path string, stage Stage, rawRequest []byte, parsedRequest any) *Item {
	return &Item{
		ID:            id,
		Created:       time.Now(),
		Path:          path,
		Stage:         stage,
		RawRequest:    rawRequest,
		parsedRequest: parsedRequest,
		decision:      Decision{Action: ActionHold},
		released:      make(chan struct{}),
	}
}

// Resolve records the decision and fires the release exactly once.
// Returns false if the item was already resolved.
func (it *Item) Resolve(d Decision) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.resolved {
		return false
	}
	it.resolved = true
	it.decision = d
	close(it.released)
	return true
}

// Await blocks until the item is resolved and returns the decision.
// The wait carries no timeout: an unresolved approval parks the caller
// until an operator acts.
func (it *Item) Await() Decision {
	<-it.released
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.decision
}

// Resolved reports whether a decision has been recorded.
func (it *Item) Resolved() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.resolved
}

// SetResponse replaces the raw and parsed response views. The streaming
// relay calls this after every delta so an operator inspecting the item
// mid-stream sees current partial content.
func (it *Item) SetResponse(raw []byte, parsed any) {
	it.mu.Lock()
	it.rawResponse = raw
	it.parsedResponse = parsed
	it.mu.Unlock()
}

// Response returns the current raw and parsed response views.
func (it *Item) Response() ([]byte, any) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.rawResponse, it.parsedResponse
}

// ParsedRequest returns the parsed request view.
func (it *Item) ParsedRequest() any {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.parsedRequest
}

// SetParsedRequest replaces the parsed request view (after an edit_request).
func (it *Item) SetParsedRequest(parsed any) {
	it.mu.Lock()
	it.parsedRequest = parsed
	it.mu.Unlock()
}

// Summary is the listing view of an item.
type Summary struct {
	ID      string `json:"id"`
	Created string `json:"created"`
	Path    string `json:"path"`
	Stage   string `json:"stage"`
}

// Registry is the thread-safe id -> Item mapping.
type Registry struct {
	mu     sync.Mutex
	items  map[string]*Item
	lastID int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*Item)}
}

// NextID returns a time-derived correlation id, unique per exchange.
// Millisecond timestamps collide under load, so ids are forced to be
// strictly increasing under the lock.
func (r *Registry) NextID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := time.Now().UnixMilli()
	if id <= r.lastID {
		id = r.lastID + 1
	}
	r.lastID = id
	return strconv.FormatInt(id, 10)
}

// Put registers an item under its id, replacing any previous entry.
// One item per (exchange, stage) exists at a time; the gateway swaps the
// request-stage item for the response-stage one under the same id.
func (r *Registry) Put(it *Item) {
	r.mu.Lock()
	r.items[it.ID] = it
	r.mu.Unlock()
}

// Get returns the item for id, or nil.
func (r *Registry) Get(id string) *Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id]
}

// Remove deletes the entry for id. Called by the gateway worker after it
// observes the item's release.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
}

// Count returns the number of open items.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// List returns a point-in-time snapshot of open item summaries.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, 0, len(r.items))
	for _, it := range r.items {
		out = append(out, Summary{
			ID:      it.ID,
			Created: it.Created.Format(time.RFC3339),
			Path:    it.Path,
			Stage:   string(it.Stage),
		})
	}
	return out
}
