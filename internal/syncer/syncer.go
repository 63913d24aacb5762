package syncer

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"offsync/internal/action"
	"offsync/internal/config"
	"offsync/internal/log"
	"offsync/internal/projection"
	"offsync/internal/queue"
	"offsync/internal/remote"

	"go.uber.org/zap"
)

// Dispatcher replays one action against the remote API.
type Dispatcher interface {
	Dispatch(ctx context.Context, a action.Action) (remote.Result, error)
}

// Connectivity is the read side of the network monitor.
type Connectivity interface {
	Online() bool
}

// Recorder receives dispatch and run observations. May be nil.
type Recorder interface {
	ObserveDispatch(t action.Type, outcome string)
	ObserveRun(d time.Duration)
}

// Syncer drains the queue against the remote API. Runs are strictly
// sequential and FIFO: a comment may depend on the post before it, and the
// progress percentage is only well-defined over an ordered snapshot. At
// most one run is active at a time; a concurrent trigger is dropped, not
// queued.
type Syncer struct {
	cfg      *config.Config
	mgr      *queue.Manager
	disp     Dispatcher
	proj     *projection.Projection
	conn     Connectivity
	recorder Recorder
	logger   *log.Logger

	// Now is injectable for backoff tests.
	Now func() time.Time

	mu       sync.Mutex
	running  bool
	progress int
	lastSync time.Time

	triggerChan chan struct{}
}

func NewSyncer(cfg *config.Config, mgr *queue.Manager, disp Dispatcher, proj *projection.Projection, conn Connectivity, recorder Recorder, logger *log.Logger) *Syncer {
	return &Syncer{
		cfg:         cfg,
		mgr:         mgr,
		disp:        disp,
		proj:        proj,
		conn:        conn,
		recorder:    recorder,
		logger:      logger,
		Now:         time.Now,
		triggerChan: make(chan struct{}, 1),
	}
}

// IsSyncing reports whether a run is in progress.
func (s *Syncer) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Progress is the current run's completion percentage, 0-100.
func (s *Syncer) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// LastSyncTime is the completion time of the last run, zero if none ran yet.
func (s *Syncer) LastSyncTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// Trigger requests an automatic run from the scheduler loop.
// It is non-blocking; if already triggered, it does nothing.
func (s *Syncer) Trigger() {
	select {
	case s.triggerChan <- struct{}{}:
	default:
	}
}

// SyncQueue executes one run over the actions due now, oldest first. A call
// while another run is active is a no-op. Actions enqueued mid-run are not
// injected into the current snapshot; the next run picks them up.
func (s *Syncer) SyncQueue(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Sync already in progress, ignoring trigger")
		return
	}
	s.running = true
	s.progress = 0
	s.mu.Unlock()

	start := s.Now()
	due := s.mgr.Due(start)
	s.logger.Info("Sync run starting", zap.Int("due", len(due)))

	processed := 0
	for _, a := range due {
		select {
		case <-ctx.Done():
			s.logger.Warn("Sync run interrupted", zap.Int("processed", processed), zap.Int("due", len(due)))
			s.finish(start)
			return
		default:
		}

		s.dispatchOne(ctx, a)
		processed++
		s.mu.Lock()
		s.progress = processed * 100 / len(due)
		s.mu.Unlock()
	}

	s.finish(start)
	s.logger.Info("Sync run complete", zap.Int("processed", processed), zap.Duration("duration", time.Since(start)))
}

func (s *Syncer) finish(start time.Time) {
	end := s.Now()
	s.mu.Lock()
	s.running = false
	s.progress = 100
	s.lastSync = end
	s.mu.Unlock()
	if s.recorder != nil {
		s.recorder.ObserveRun(end.Sub(start))
	}
}

func (s *Syncer) dispatchOne(ctx context.Context, a action.Action) {
	if err := s.mgr.MarkSyncing(a.ID); err != nil {
		// Already in flight or removed since the snapshot was taken
		s.logger.Warn("Skipping action", zap.String("id", a.ID), zap.Error(err))
		return
	}

	res, err := s.disp.Dispatch(ctx, a)
	if err == nil {
		s.mgr.MarkSuccess(a.ID)
		s.proj.Confirm(a.ID, res.Object)
		s.record(a.Type, "success")
		return
	}

	permanent := remote.IsPermanent(err)
	next := s.Now().Add(s.backoff(a.RetryCount))
	out := s.mgr.MarkFailure(a.ID, err.Error(), permanent, next)
	if out.Status == action.StatusFailed {
		s.proj.Fail(a.ID)
		s.record(a.Type, "failed")
		s.logger.Error("Action failed terminally", zap.String("id", a.ID), zap.Int("retries", out.RetryCount), zap.Error(err))
		return
	}
	s.record(a.Type, "retry")
	s.logger.Warn("Dispatch failed, scheduled retry",
		zap.String("id", a.ID), zap.Int("retries", out.RetryCount), zap.Time("next_retry_at", out.NextRetryAt), zap.Error(err))
}

// backoff doubles per failed attempt from the configured base.
// Jitter of +/- 20% prevents retry storms after a long offline window.
func (s *Syncer) backoff(attempts int) time.Duration {
	base := s.cfg.RetryBackoff * time.Duration(1<<attempts)
	jitterFactor := 0.8 + (rand.Float64() * 0.4) // [0.8, 1.2)
	return time.Duration(float64(base) * jitterFactor)
}

// RetryFailed re-arms every failed action, past the automatic bound or not,
// and runs immediately. Counters are preserved: this grants one forced
// attempt, it does not restart the automatic schedule.
func (s *Syncer) RetryFailed(ctx context.Context) {
	if s.mgr.RearmFailed(s.Now()) == 0 {
		return
	}
	s.SyncQueue(ctx)
}

// Run is the automatic scheduler: it fires a run when connectivity returns,
// when a manual trigger arrives, and when backoff deadlines come due. A
// startup run happens via the network monitor's first transition.
func (s *Syncer) Run(ctx context.Context) {
	interval := s.cfg.RetryBackoff / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sync scheduler shutting down")
			return
		case <-s.triggerChan:
			if s.conn.Online() {
				s.SyncQueue(ctx)
			}
		case <-ticker.C:
			if !s.conn.Online() {
				continue
			}
			if next, ok := s.mgr.NextDue(); ok && !next.After(s.Now()) {
				s.SyncQueue(ctx)
			}
		}
	}
}

func (s *Syncer) record(t action.Type, outcome string) {
	if s.recorder != nil {
		s.recorder.ObserveDispatch(t, outcome)
	}
}
