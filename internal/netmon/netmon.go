package netmon

import (
	"context"
	"sync"
	"time"

	"offsync/internal/config"
	"offsync/internal/log"

	"go.uber.org/zap"
)

// Pinger is the reachability probe against the remote API base endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor tracks whether the remote API is reachable. The browser's
// connectivity flag arrives as a passive signal via SetOnline; the active
// probe loop corrects it, since a client can be online to its LAN with no
// route to the API. Subscribers are notified synchronously on transitions
// only — duplicate signals are coalesced.
type Monitor struct {
	pinger Pinger
	cfg    *config.Config
	logger *log.Logger

	mu          sync.Mutex
	online      bool
	known       bool
	subscribers []func(online bool)

	triggerChan chan struct{}
}

func NewMonitor(pinger Pinger, cfg *config.Config, logger *log.Logger) *Monitor {
	return &Monitor{
		pinger:      pinger,
		cfg:         cfg,
		logger:      logger,
		triggerChan: make(chan struct{}, 1),
	}
}

// Online returns the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a callback fired on every online/offline transition.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// SetOnline records a passive connectivity signal (the browser flag
// forwarded by the UI). An offline report is trusted as-is; an online
// report additionally wakes the probe so "online to the LAN, no route to
// the API" is caught on the next tick.
func (m *Monitor) SetOnline(online bool) {
	m.transition(online)
	if online {
		m.Trigger()
	}
}

// Trigger wakes up the probe loop immediately.
// It is non-blocking; if already triggered, it does nothing.
func (m *Monitor) Trigger() {
	select {
	case m.triggerChan <- struct{}{}:
	default:
	}
}

// Run probes the API on a ticker until ctx is canceled. The first probe
// fires immediately so startup sync can rely on a settled state.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Network monitor shutting down")
			return
		case <-ticker.C:
			m.probe(ctx)
		case <-m.triggerChan:
			// reset ticker to prevent immediate double-probe
			ticker.Reset(m.cfg.ProbeInterval)
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.pinger.Ping(probeCtx)
	cancel()
	m.transition(err == nil)
}

func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	if m.known && m.online == online {
		m.mu.Unlock()
		return
	}
	m.known = true
	m.online = online
	subs := make([]func(bool), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	m.logger.Info("Connectivity changed", zap.Bool("online", online))
	for _, fn := range subs {
		fn(online)
	}
}
