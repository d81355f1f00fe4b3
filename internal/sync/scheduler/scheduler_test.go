// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	syncpkg "github.com/kimhsiao/evalsync/internal/sync"
	"github.com/kimhsiao/evalsync/internal/sync/connectivity"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeEngine struct {
	syncs   atomic.Int32
	flushes atomic.Int32
}

func (e *fakeEngine) Sync(ctx context.Context) *syncpkg.Result {
	e.syncs.Add(1)
	return &syncpkg.Result{}
}
func (e *fakeEngine) SyncNow(ctx context.Context) *syncpkg.Result { return e.Sync(ctx) }
func (e *fakeEngine) FlushBookkeeping(ctx context.Context)         { e.flushes.Add(1) }
func (e *fakeEngine) IsSyncing() bool                              { return false }
func (e *fakeEngine) LastResult() *syncpkg.Result                  { return nil }
func (e *fakeEngine) LastSync() *time.Time                         { return nil }
func (e *fakeEngine) Errors() []syncpkg.ErrorEntry                 { return nil }

type fakeMonitor struct {
	mu       sync.Mutex
	state    connectivity.State
	ch       chan connectivity.Transition
	rechecks atomic.Int32
	failNext bool
}

func (m *fakeMonitor) Subscribe() <-chan connectivity.Transition { return m.ch }
func (m *fakeMonitor) State() connectivity.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
func (m *fakeMonitor) IsOnline() bool { return m.State().IsOnline() }
func (m *fakeMonitor) Recheck(ctx context.Context) (connectivity.Quality, error) {
	m.rechecks.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		return connectivity.QualityOffline, fmt.Errorf("probe failed")
	}
	return m.state.Quality(), nil
}

func (m *fakeMonitor) emit(to connectivity.State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()
	m.ch <- connectivity.Transition{From: from, To: to, Quality: to.Quality(), At: time.Now()}
}

type fakeCounter struct{ n atomic.Int32 }

func (c *fakeCounter) Count() int { return int(c.n.Load()) }

// createTestScheduler creates a scheduler with fakes and a short recheck interval.
func createTestScheduler(t *testing.T) (*fakeEngine, *fakeMonitor, *fakeCounter, *Scheduler) {
	t.Helper()

	engine := &fakeEngine{}
	monitor := &fakeMonitor{state: connectivity.StateOffline, ch: make(chan connectivity.Transition, 8)}
	counter := &fakeCounter{}

	s := NewScheduler(engine, monitor, counter, &SchedulerConfig{RecheckInterval: 20 * time.Millisecond})
	t.Cleanup(s.Stop)
	return engine, monitor, counter, s
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// =====================================================
// Config Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.RecheckInterval != 5*time.Minute {
		t.Errorf("RecheckInterval = %v, want 5m", config.RecheckInterval)
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestScheduler_startStop verifies Start and Stop are idempotent.
func TestScheduler_startStop(t *testing.T) {
	_, _, _, s := createTestScheduler(t)

	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

// =====================================================
// Transition Tests
// =====================================================

// TestScheduler_qualityTriggersSync verifies a resolved tier starts a sync.
func TestScheduler_qualityTriggersSync(t *testing.T) {
	engine, monitor, _, s := createTestScheduler(t)
	s.Start(context.Background())

	monitor.emit(connectivity.StateOnlineUnverified)
	monitor.emit(connectivity.StateOnlineExcellent)

	eventually(t, func() bool { return engine.syncs.Load() == 1 }, "sync not started on quality transition")
}

// TestScheduler_offlineFlushes verifies going offline flushes bookkeeping only.
func TestScheduler_offlineFlushes(t *testing.T) {
	engine, monitor, _, s := createTestScheduler(t)
	monitor.state = connectivity.StateOnlineGood
	s.Start(context.Background())

	monitor.emit(connectivity.StateOffline)

	eventually(t, func() bool { return engine.flushes.Load() == 1 }, "bookkeeping not flushed")
	if engine.syncs.Load() != 0 {
		t.Error("offline transition must not start a sync")
	}
}

// =====================================================
// Recheck Tests
// =====================================================

// TestScheduler_recheckWhilePending verifies periodic re-probe and sync.
func TestScheduler_recheckWhilePending(t *testing.T) {
	engine, monitor, counter, s := createTestScheduler(t)
	monitor.state = connectivity.StateOnlinePoor
	counter.n.Store(3)
	s.Start(context.Background())

	eventually(t, func() bool { return monitor.rechecks.Load() >= 1 && engine.syncs.Load() >= 1 },
		"recheck did not run")
	if s.GetStatus().LastRecheck == nil {
		t.Error("LastRecheck not recorded")
	}
}

// TestScheduler_noRecheckWithoutPending verifies the link is left alone when idle.
func TestScheduler_noRecheckWithoutPending(t *testing.T) {
	_, monitor, _, s := createTestScheduler(t)
	monitor.state = connectivity.StateOnlineGood
	s.Start(context.Background())

	time.Sleep(100 * time.Millisecond)
	if n := monitor.rechecks.Load(); n != 0 {
		t.Errorf("rechecks = %d, want 0", n)
	}
}

// TestScheduler_noRecheckOffline verifies no probe while offline.
func TestScheduler_noRecheckOffline(t *testing.T) {
	_, monitor, counter, s := createTestScheduler(t)
	counter.n.Store(2)
	s.Start(context.Background())

	time.Sleep(100 * time.Millisecond)
	if n := monitor.rechecks.Load(); n != 0 {
		t.Errorf("rechecks = %d, want 0", n)
	}
}

// TestScheduler_recheckFailureSkipsSync verifies a failed probe does not sync.
func TestScheduler_recheckFailureSkipsSync(t *testing.T) {
	engine, monitor, counter, s := createTestScheduler(t)
	monitor.state = connectivity.StateOnlineGood
	monitor.failNext = true
	counter.n.Store(1)
	s.Start(context.Background())

	eventually(t, func() bool { return monitor.rechecks.Load() >= 2 }, "recheck did not run")
	if engine.syncs.Load() != 0 {
		t.Error("sync started after failed recheck")
	}
}

// =====================================================
// Status Tests
// =====================================================

// TestScheduler_status verifies the status snapshot.
func TestScheduler_status(t *testing.T) {
	_, monitor, counter, s := createTestScheduler(t)
	monitor.state = connectivity.StateOnlineExcellent
	counter.n.Store(4)

	if !s.TriggerSync(context.Background()) {
		t.Error("TriggerSync() = false while idle")
	}

	status := s.GetStatus()
	if !status.IsOnline || status.PendingItems != 4 || status.State != connectivity.StateOnlineExcellent || status.Triggered != 1 {
		t.Errorf("unexpected status %+v", status)
	}
}
