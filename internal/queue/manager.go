package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"offsync/internal/action"
	"offsync/internal/config"
	"offsync/internal/id"
	"offsync/internal/log"
	"offsync/internal/store"

	"go.uber.org/zap"
)

var (
	// ErrActionSyncing is returned when a removal races an in-flight
	// dispatch. The caller retries after the attempt resolves.
	ErrActionSyncing = errors.New("action is syncing, cannot remove")
	ErrNotFound      = errors.New("action not found")
)

// Manager owns the ordered queue of pending user mutations. It is the only
// writer of queue state; the persistent store merely mirrors it. Every
// mutation is written through to the store synchronously, and a storage
// failure is logged without failing the caller — the in-memory queue stays
// authoritative for the session.
type Manager struct {
	cfg    *config.Config
	store  *store.SQLiteStore
	gen    *id.Generator
	logger *log.Logger

	mu          sync.Mutex
	actions     []action.Action
	subscribers []func()
}

func NewManager(cfg *config.Config, st *store.SQLiteStore, logger *log.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		store:  st,
		gen:    id.NewGenerator(cfg.DeviceID),
		logger: logger,
	}
	m.actions = st.Load(context.Background(), cfg.UserID)
	if len(m.actions) > 0 {
		logger.Info("Loaded persisted queue", zap.Int("count", len(m.actions)))
	}
	return m
}

// Subscribe registers a callback fired after every queue mutation.
func (m *Manager) Subscribe(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Enqueue records a new action and returns its id without waiting for the
// network. Logically identical payloads are deliberately not deduplicated;
// debouncing double-taps is the UI's job.
func (m *Manager) Enqueue(t action.Type, payload json.RawMessage) (string, error) {
	a := action.Action{
		ID:         m.gen.Generate(),
		UserID:     m.cfg.UserID,
		Type:       t,
		Payload:    payload,
		Status:     action.StatusPending,
		Timestamp:  time.Now(),
		RetryCount: 0,
		MaxRetries: m.cfg.MaxRetries,
	}
	if !a.Valid() {
		return "", fmt.Errorf("invalid action: type=%q payload=%d bytes", t, len(payload))
	}

	m.mu.Lock()
	m.actions = append(m.actions, a)
	m.mu.Unlock()

	m.persist(a)
	m.logger.Info("Enqueued action", zap.String("id", a.ID), zap.String("type", string(t)))
	m.notify()
	return a.ID, nil
}

// Remove deletes an action regardless of status, except while it is in
// flight: removing under a running dispatch would race the server mutation,
// so the call is rejected and the UI retries once the attempt resolves.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	idx := m.index(id)
	if idx < 0 {
		m.mu.Unlock()
		return ErrNotFound
	}
	if m.actions[idx].Status == action.StatusSyncing {
		m.mu.Unlock()
		return ErrActionSyncing
	}
	m.actions = append(m.actions[:idx], m.actions[idx+1:]...)
	m.mu.Unlock()

	if err := m.store.DeleteAction(context.Background(), id); err != nil {
		m.logger.Error("Failed to delete persisted action", zap.Error(err), zap.String("id", id))
	}
	m.logger.Info("Removed action", zap.String("id", id))
	m.notify()
	return nil
}

// Clear drops the whole queue, history and abandoned work included. Only an
// explicit user action may call this, never startup.
func (m *Manager) Clear() {
	m.mu.Lock()
	count := len(m.actions)
	m.actions = nil
	m.mu.Unlock()

	if err := m.store.DeleteAll(context.Background(), m.cfg.UserID); err != nil {
		m.logger.Error("Failed to clear persisted queue", zap.Error(err))
	}
	m.logger.Info("Cleared queue", zap.Int("count", count))
	m.notify()
}

// Stats computes derived counts over the current queue.
func (m *Manager) Stats() action.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s action.Stats
	for _, a := range m.actions {
		s.Total++
		switch a.Status {
		case action.StatusPending, action.StatusSyncing:
			s.Pending++
		case action.StatusFailed:
			s.Failed++
		case action.StatusSuccess:
			s.Success++
		}
	}
	return s
}

// Snapshot returns a copy of the queue in enqueue order.
func (m *Manager) Snapshot() []action.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]action.Action, len(m.actions))
	copy(out, m.actions)
	return out
}

// Due returns actions eligible for dispatch at now, in enqueue order.
func (m *Manager) Due(now time.Time) []action.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []action.Action
	for _, a := range m.actions {
		if a.Due(now) {
			out = append(out, a)
		}
	}
	return out
}

// MarkSyncing flips a pending or failed action to syncing before its
// network call. It fails if the action is gone or already in flight, which
// enforces at most one dispatch per id.
func (m *Manager) MarkSyncing(id string) error {
	m.mu.Lock()
	idx := m.index(id)
	if idx < 0 {
		m.mu.Unlock()
		return ErrNotFound
	}
	if m.actions[idx].Status == action.StatusSyncing || m.actions[idx].Status == action.StatusSuccess {
		status := m.actions[idx].Status
		m.mu.Unlock()
		return fmt.Errorf("action %s is %s, cannot dispatch", id, status)
	}
	m.actions[idx].Status = action.StatusSyncing
	a := m.actions[idx]
	m.mu.Unlock()

	m.persist(a)
	m.notify()
	return nil
}

// MarkSuccess records a confirmed dispatch and clears any previous error.
func (m *Manager) MarkSuccess(id string) {
	m.mu.Lock()
	idx := m.index(id)
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	m.actions[idx].Status = action.StatusSuccess
	m.actions[idx].Error = ""
	m.actions[idx].NextRetryAt = time.Time{}
	a := m.actions[idx]
	m.mu.Unlock()

	m.persist(a)
	m.notify()
}

// MarkFailure records a failed attempt. Under the retry bound the action
// goes back to pending with its backoff schedule; at the bound, or on a
// permanent rejection, it parks as failed until a manual retry.
func (m *Manager) MarkFailure(id string, errMsg string, permanent bool, nextRetryAt time.Time) action.Action {
	m.mu.Lock()
	idx := m.index(id)
	if idx < 0 {
		m.mu.Unlock()
		return action.Action{}
	}
	a := &m.actions[idx]
	a.Error = errMsg
	switch {
	case permanent:
		a.Status = action.StatusFailed
		a.NextRetryAt = time.Time{}
	case a.RetryCount+1 >= a.MaxRetries:
		if a.RetryCount < a.MaxRetries {
			a.RetryCount++
		}
		a.Status = action.StatusFailed
		a.NextRetryAt = time.Time{}
	default:
		a.RetryCount++
		a.Status = action.StatusPending
		a.NextRetryAt = nextRetryAt
	}
	out := *a
	m.mu.Unlock()

	m.persist(out)
	m.notify()
	return out
}

// RearmFailed resets every failed action to pending, due immediately. The
// retry counter is preserved: this forces one attempt outside the automatic
// window, it does not re-open the automatic budget.
func (m *Manager) RearmFailed(now time.Time) int {
	m.mu.Lock()
	var rearmed []action.Action
	for i := range m.actions {
		if m.actions[i].Status == action.StatusFailed {
			m.actions[i].Status = action.StatusPending
			m.actions[i].NextRetryAt = now
			rearmed = append(rearmed, m.actions[i])
		}
	}
	m.mu.Unlock()

	for _, a := range rearmed {
		m.persist(a)
	}
	if len(rearmed) > 0 {
		m.logger.Info("Re-armed failed actions", zap.Int("count", len(rearmed)))
		m.notify()
	}
	return len(rearmed)
}

// NextDue reports the earliest backoff deadline among pending actions, used
// by the executor to schedule its next automatic run. ok is false when
// nothing is waiting.
func (m *Manager) NextDue() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest time.Time
	found := false
	for _, a := range m.actions {
		if a.Status != action.StatusPending {
			continue
		}
		if !found || a.NextRetryAt.Before(earliest) {
			earliest = a.NextRetryAt
			found = true
		}
	}
	return earliest, found
}

func (m *Manager) index(id string) int {
	for i, a := range m.actions {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) persist(a action.Action) {
	if err := m.store.SaveAction(context.Background(), a); err != nil {
		m.logger.Error("Failed to persist action", zap.Error(err), zap.String("id", a.ID))
	}
}

func (m *Manager) notify() {
	m.mu.Lock()
	subs := make([]func(), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}
