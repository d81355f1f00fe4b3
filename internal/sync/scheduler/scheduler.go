// Package scheduler connects connectivity transitions to the sync engine and
// re-checks the link while evaluations are waiting.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/evalsync/internal/logging"
	syncpkg "github.com/kimhsiao/evalsync/internal/sync"
	"github.com/kimhsiao/evalsync/internal/sync/connectivity"
)

// Monitor is the connectivity surface the scheduler consumes.
type Monitor interface {
	Subscribe() <-chan connectivity.Transition
	State() connectivity.State
	IsOnline() bool
	Recheck(ctx context.Context) (connectivity.Quality, error)
}

// PendingCounter reports how many evaluations wait for sync.
type PendingCounter interface {
	Count() int
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine          syncpkg.SyncEngineInterface
	monitor         Monitor
	queue           PendingCounter
	recheckInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.RWMutex
	isRunning       bool
	lastRecheck     time.Time
	triggered       int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	RecheckInterval time.Duration // How often to re-probe while items are pending (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		RecheckInterval: 5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, monitor Monitor, queue PendingCounter, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	return &Scheduler{
		engine:          engine,
		monitor:         monitor,
		queue:           queue,
		recheckInterval: config.RecheckInterval,
		stopCh:          make(chan struct{}),
	}
}

// Start starts the background loops. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	transitions := s.monitor.Subscribe()

	s.wg.Add(2)
	go s.transitionLoop(ctx, transitions)
	go s.recheckLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"recheck_interval": s.recheckInterval.String(),
	})
}

// Stop stops the loops and waits for any sync they started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped")
}

// transitionLoop reacts to connectivity changes: a resolved quality tier
// starts a sync, going offline flushes bookkeeping.
func (s *Scheduler) transitionLoop(ctx context.Context, transitions <-chan connectivity.Transition) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			switch tr.To {
			case connectivity.StateOffline:
				s.engine.FlushBookkeeping(ctx)
			case connectivity.StateOnlineExcellent, connectivity.StateOnlineGood, connectivity.StateOnlinePoor:
				s.startSync(ctx, "connectivity")
			}
		}
	}
}

// recheckLoop re-probes at a long fixed interval, only while online with
// pending items.
func (s *Scheduler) recheckLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.recheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.monitor.IsOnline() || s.queue.Count() == 0 {
				continue
			}

			s.mu.Lock()
			s.lastRecheck = time.Now()
			s.mu.Unlock()

			if _, err := s.monitor.Recheck(ctx); err != nil {
				logging.Debug("Recheck failed, waiting for connectivity", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			s.startSync(ctx, "recheck")
		}
	}
}

// TriggerSync starts a background cycle.
// Returns true if sync was started, false if sync is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if s.engine.IsSyncing() {
		return false
	}
	s.startSync(ctx, "manual")
	return true
}

func (s *Scheduler) startSync(ctx context.Context, reason string) {
	s.mu.Lock()
	s.triggered++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		result := s.engine.Sync(ctx)
		if !result.Ran() {
			logging.Debug("Sync skipped", map[string]interface{}{
				"reason":  reason,
				"skipped": string(result.Skipped),
			})
		}
	}()
}

// SchedulerStatus is a snapshot for the status endpoint.
type SchedulerStatus struct {
	IsRunning      bool               `json:"isRunning"`
	State          connectivity.State `json:"state"`
	IsOnline       bool               `json:"isOnline"`
	SyncInProgress bool               `json:"syncInProgress"`
	PendingItems   int                `json:"pendingItems"`
	LastSyncTime   *time.Time         `json:"lastSyncTime,omitempty"`
	LastRecheck    *time.Time         `json:"lastRecheck,omitempty"`
	Triggered      int                `json:"triggered"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning: s.isRunning,
		Triggered: s.triggered,
	}
	if !s.lastRecheck.IsZero() {
		t := s.lastRecheck
		status.LastRecheck = &t
	}
	s.mu.RUnlock()

	status.State = s.monitor.State()
	status.IsOnline = status.State.IsOnline()
	status.SyncInProgress = s.engine.IsSyncing()
	status.PendingItems = s.queue.Count()
	status.LastSyncTime = s.engine.LastSync()
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
