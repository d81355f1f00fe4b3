package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/evalsync/internal/errors"
	"github.com/kimhsiao/evalsync/internal/logging"
	"github.com/kimhsiao/evalsync/internal/models"
	"github.com/kimhsiao/evalsync/internal/store"
	"github.com/kimhsiao/evalsync/internal/sync/connectivity"
)

// MaxErrorLog bounds the in-memory error log.
const MaxErrorLog = 100

// SkipReason explains why a cycle did not run.
type SkipReason string

const (
	SkipOffline    SkipReason = "offline"
	SkipInProgress SkipReason = "in_progress"
	SkipNoPending  SkipReason = "nothing_pending"
)

// ErrorEntry is one failed submission.
type ErrorEntry struct {
	Ref     string    `json:"ref"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Result summarizes one sync cycle.
type Result struct {
	Synced    int                  `json:"synced"`
	Failed    int                  `json:"failed"`
	Attempted int                  `json:"attempted"`
	Batches   int                  `json:"batches"`
	Strategy  Strategy             `json:"strategy"`
	Quality   connectivity.Quality `json:"quality"`
	Errors    []string             `json:"errors,omitempty"`
	Manual    bool                 `json:"manual"`
	Skipped   SkipReason           `json:"skipped,omitempty"`
	StartTime time.Time            `json:"startTime"`
	EndTime   time.Time            `json:"endTime"`
	Duration  time.Duration        `json:"duration"`
}

// Ran reports whether the cycle contacted the server.
func (r *Result) Ran() bool {
	return r.Skipped == ""
}

// SyncEngine drains the capture queue in quality-tiered batches.
// At most one cycle runs at a time per engine.
type SyncEngine struct {
	queue     Queue
	submitter Submitter
	conn      QualitySource
	secure    *store.Secure
	notifier  Notifier

	syncing atomic.Bool

	mu         stdsync.Mutex
	errors     []ErrorEntry
	lastResult *Result
	lastSync   *time.Time
	handler    SyncEventHandler

	// sleep waits d; replaced in tests.
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

// NewSyncEngine creates a new SyncEngine. notifier may be nil.
func NewSyncEngine(queue Queue, submitter Submitter, conn QualitySource, secure *store.Secure, notifier Notifier) *SyncEngine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	e := &SyncEngine{
		queue:     queue,
		submitter: submitter,
		conn:      conn,
		secure:    secure,
		notifier:  notifier,
		sleep:     sleepContext,
		now:       time.Now,
	}

	if ms := store.GetOr(context.Background(), secure, store.KeyLastSync, int64(0)); ms > 0 {
		t := time.UnixMilli(ms)
		e.lastSync = &t
	}
	return e
}

// SetEventHandler sets the handler for sync lifecycle events.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// IsSyncing implements SyncEngineInterface.
func (e *SyncEngine) IsSyncing() bool {
	return e.syncing.Load()
}

// LastResult implements SyncEngineInterface.
func (e *SyncEngine) LastResult() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

// LastSync implements SyncEngineInterface.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// Errors implements SyncEngineInterface.
func (e *SyncEngine) Errors() []ErrorEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ErrorEntry(nil), e.errors...)
}

// RunExclusive runs fn while holding the in-progress guard, so no cycle can
// start or be running meanwhile. It returns SYNC_IN_PROGRESS without calling
// fn when a cycle already holds the guard.
func (e *SyncEngine) RunExclusive(fn func() error) error {
	if !e.syncing.CompareAndSwap(false, true) {
		return errors.New(errors.ErrSyncInProgress, "a sync is running")
	}
	defer e.syncing.Store(false)
	return fn()
}

// Reset drops the in-memory error log, last result and last sync time,
// for use after local data was wiped.
func (e *SyncEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = nil
	e.lastResult = nil
	e.lastSync = nil
}

// Sync implements SyncEngineInterface.
func (e *SyncEngine) Sync(ctx context.Context) *Result {
	return e.run(ctx, false)
}

// SyncNow implements SyncEngineInterface.
func (e *SyncEngine) SyncNow(ctx context.Context) *Result {
	if !e.conn.IsOnline() {
		e.notify(NotifyWarning, "You are offline",
			"Evaluations are saved on this device and will sync when the connection returns.")
		return e.skipped(SkipOffline, true)
	}
	if e.queue.Count() == 0 {
		e.notify(NotifyInfo, "Nothing to sync", "All evaluations are already synced.")
		return e.skipped(SkipNoPending, true)
	}

	result := e.run(ctx, true)
	if result.Skipped == SkipInProgress {
		e.notify(NotifyInfo, "Sync in progress", "A sync is already running.")
	}
	return result
}

// FlushBookkeeping implements SyncEngineInterface. Failures are logged.
func (e *SyncEngine) FlushBookkeeping(ctx context.Context) {
	if err := e.queue.Persist(ctx); err != nil {
		logging.Error("Failed to flush sync bookkeeping", err)
		return
	}
	logging.Debug("Sync bookkeeping flushed")
}

func (e *SyncEngine) run(ctx context.Context, manual bool) *Result {
	if !e.conn.IsOnline() {
		return e.skipped(SkipOffline, manual)
	}
	if !e.syncing.CompareAndSwap(false, true) {
		logging.Debug("Sync already in progress, skipping")
		return e.skipped(SkipInProgress, manual)
	}
	defer e.syncing.Store(false)

	pending := e.queue.ListPending()
	if len(pending) == 0 {
		logging.Debug("No pending evaluations to sync")
		return e.skipped(SkipNoPending, manual)
	}

	quality := e.conn.Quality()
	strategy := StrategyFor(quality)
	if manual {
		strategy = StrategyFor(connectivity.QualityGood)
	}

	// A cycle always runs to completion: cancelling ctx does not abort
	// in-flight batches or skip the final bookkeeping.
	base := context.WithoutCancel(ctx)

	result := &Result{
		Strategy:  strategy,
		Quality:   quality,
		Manual:    manual,
		Attempted: len(pending),
		StartTime: e.now(),
	}
	e.publish(Event{Type: EventStarted})

	logging.Info("Sync started", map[string]interface{}{
		"pending":    len(pending),
		"quality":    string(quality),
		"batch_size": strategy.BatchSize,
		"manual":     manual,
	})

	batches := partition(pending, strategy.BatchSize)
	for i, batch := range batches {
		e.runBatch(base, strategy, batch, result)
		result.Batches++

		if i < len(batches)-1 {
			e.sleep(base, strategy.BatchDelay)
		}
	}

	if err := e.queue.Persist(base); err != nil {
		logging.ErrorWithCode("Failed to persist queue after sync", "STORAGE_WRITE_FAILED", err)
	}

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if err := e.secure.PutJSON(base, store.KeyLastSync, result.EndTime.UnixMilli()); err != nil {
		logging.ErrorWithCode("Failed to persist last sync time", "STORAGE_WRITE_FAILED", err)
	}

	e.mu.Lock()
	end := result.EndTime
	e.lastSync = &end
	e.lastResult = result
	e.mu.Unlock()

	logging.Info("Sync completed", map[string]interface{}{
		"synced":      result.Synced,
		"failed":      result.Failed,
		"attempted":   result.Attempted,
		"batches":     result.Batches,
		"duration_ms": result.Duration.Milliseconds(),
	})

	if result.Failed > 0 {
		e.notify(NotifyWarning, "Some evaluations did not sync",
			fmt.Sprintf("%d of %d evaluations failed to sync and will be retried automatically.",
				result.Failed, result.Attempted))
	}

	e.publish(Event{Type: EventCompleted, Result: result})
	return result
}

// runBatch submits every item of a batch with a staggered start and waits
// for all of them.
func (e *SyncEngine) runBatch(ctx context.Context, strategy Strategy, batch []models.PendingEvaluation, result *Result) {
	var (
		g  errgroup.Group
		mu stdsync.Mutex
	)
	g.SetLimit(strategy.MaxConcurrent)

	for i := range batch {
		item := batch[i]
		delay := strategy.RequestDelay * time.Duration(i)

		g.Go(func() error {
			if delay > 0 {
				e.sleep(ctx, delay)
			}
			err := e.submit(ctx, strategy.Timeout, &item)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, err.Error())
			} else {
				result.Synced++
			}
			return nil
		})
	}
	_ = g.Wait()
}

// submit posts one item under its own timeout. The item stays pending on
// any failure.
func (e *SyncEngine) submit(ctx context.Context, timeout time.Duration, item *models.PendingEvaluation) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ref := item.Ref()
	serverID, err := e.submitter.Submit(ctx, item.ToPayload())
	if err != nil {
		err = fmt.Errorf("evaluation for location %d on %s: %w", item.LocationID, item.ChecklistDate, err)
		e.recordError(ref, err)
		logging.Warn("Evaluation sync failed", map[string]interface{}{
			"ref":   ref,
			"error": err.Error(),
		})
		return err
	}

	if err := e.queue.MarkSynced(ref, serverID); err != nil {
		// Cleared while in flight; the server has it regardless.
		logging.Warn("Synced evaluation no longer queued", map[string]interface{}{
			"ref":   ref,
			"error": err.Error(),
		})
	}
	return nil
}

func (e *SyncEngine) recordError(ref string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.errors = append(e.errors, ErrorEntry{Ref: ref, Message: err.Error(), At: e.now()})
	if n := len(e.errors); n > MaxErrorLog {
		e.errors = append([]ErrorEntry(nil), e.errors[n-MaxErrorLog:]...)
	}
}

func (e *SyncEngine) skipped(reason SkipReason, manual bool) *Result {
	now := e.now()
	return &Result{Skipped: reason, Manual: manual, StartTime: now, EndTime: now}
}

func (e *SyncEngine) notify(level NotificationLevel, title, message string) {
	e.notifier.Notify(Notification{Level: level, Title: title, Message: message, At: e.now()})
}

func (e *SyncEngine) publish(ev Event) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

var _ SyncEngineInterface = (*SyncEngine)(nil)
