package projection

import (
	"encoding/json"
	"sync"

	"offsync/internal/action"
	"offsync/internal/log"

	"go.uber.org/zap"
)

// State of an optimistic item relative to its queued action.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Item is the locally-visible shadow of a not-yet-confirmed entity, keyed by
// the same id as its queued action so the feed can swap it for the server
// object once the dispatch resolves.
type Item struct {
	ID    string          `json:"id"`
	Kind  action.Type     `json:"kind"`
	Data  json.RawMessage `json:"data"`
	State State           `json:"state"`
}

// Projection keeps the in-memory list of optimistic items the feed and
// message threads render interleaved with confirmed server data. Terminally
// failed actions stay visible with a failed marker instead of vanishing, so
// the user can see that a send did not go through.
type Projection struct {
	logger *log.Logger

	mu          sync.Mutex
	order       []string
	items       map[string]*Item
	subscribers []func()
}

func NewProjection(logger *log.Logger) *Projection {
	return &Projection{
		logger: logger,
		items:  make(map[string]*Item),
	}
}

// Subscribe registers a callback fired after every projection change.
func (p *Projection) Subscribe(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// Add inserts the optimistic copy for a just-enqueued action.
func (p *Projection) Add(id string, kind action.Type, data json.RawMessage) {
	p.mu.Lock()
	if _, exists := p.items[id]; !exists {
		p.order = append(p.order, id)
	}
	p.items[id] = &Item{ID: id, Kind: kind, Data: data, State: StatePending}
	p.mu.Unlock()
	p.notify()
}

// Confirm reconciles a successful dispatch. When the server returned the
// canonical object it replaces the optimistic data in place; otherwise the
// entry is dropped and the real object is expected via the normal data
// fetch.
func (p *Projection) Confirm(id string, serverObj json.RawMessage) {
	p.mu.Lock()
	item, ok := p.items[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if len(serverObj) > 0 {
		item.Data = serverObj
		item.State = StateConfirmed
	} else {
		p.remove(id)
	}
	p.mu.Unlock()
	p.notify()
}

// Fail flags the optimistic copy of a terminally failed action. The entry
// is retained so the UI can offer retry instead of silently dropping the
// user's content.
func (p *Projection) Fail(id string) {
	p.mu.Lock()
	item, ok := p.items[id]
	if ok {
		item.State = StateFailed
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.logger.Info("Optimistic item marked failed", zap.String("id", id))
	p.notify()
}

// Discard removes the optimistic copy, used when the underlying action is
// removed or the queue is cleared.
func (p *Projection) Discard(id string) {
	p.mu.Lock()
	_, ok := p.items[id]
	if ok {
		p.remove(id)
	}
	p.mu.Unlock()
	if ok {
		p.notify()
	}
}

// Clear drops every optimistic item.
func (p *Projection) Clear() {
	p.mu.Lock()
	p.order = nil
	p.items = make(map[string]*Item)
	p.mu.Unlock()
	p.notify()
}

// List returns the optimistic items in insertion order.
func (p *Projection) List() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Item, 0, len(p.order))
	for _, id := range p.order {
		if item, ok := p.items[id]; ok {
			out = append(out, *item)
		}
	}
	return out
}

// remove must be called with the lock held.
func (p *Projection) remove(id string) {
	delete(p.items, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *Projection) notify() {
	p.mu.Lock()
	subs := make([]func(), len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}
