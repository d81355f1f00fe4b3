// Package queue owns the evaluations captured on this device and their sync
// status.
//
// The canonical list lives under the secure_evaluations key. Each capture is
// also journaled under offline_checklist_<tempId> before the list is
// rewritten, so a crash between the two writes cannot lose it.
package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/evalsync/internal/errors"
	"github.com/kimhsiao/evalsync/internal/logging"
	"github.com/kimhsiao/evalsync/internal/models"
	"github.com/kimhsiao/evalsync/internal/store"
	"github.com/kimhsiao/evalsync/internal/uuid"
)

// Stats summarizes the queue contents.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
}

// EvaluationQueue holds PendingEvaluation records in capture order.
type EvaluationQueue struct {
	secure *store.Secure
	items  []*models.PendingEvaluation
	mu     sync.RWMutex
	now    func() time.Time
}

// New creates an empty queue. Call Load to restore persisted state.
func New(secure *store.Secure) *EvaluationQueue {
	return &EvaluationQueue{
		secure: secure,
		now:    time.Now,
	}
}

// Load replaces the in-memory state with the persisted list plus any
// journaled captures missing from it.
func (q *EvaluationQueue) Load(ctx context.Context) error {
	items := store.GetOr(ctx, q.secure, store.KeyEvaluations, []*models.PendingEvaluation{})

	known := make(map[string]bool, len(items))
	for _, e := range items {
		if e.TempID != "" {
			known[e.TempID] = true
		}
	}

	journal, err := q.secure.List(ctx, store.PrefixOfflineChecklist)
	if err != nil {
		return err
	}

	var recovered []*models.PendingEvaluation
	for _, r := range journal {
		tempID := strings.TrimPrefix(r.Key, store.PrefixOfflineChecklist)
		if known[tempID] {
			continue
		}
		if !uuid.IsTempID(tempID) {
			logging.Warn("Skipping journal record with malformed temp id", map[string]interface{}{
				"key": r.Key,
			})
			continue
		}
		var e models.PendingEvaluation
		if !q.secure.Decode(r.Key, r.Value, &e) || e.TempID != tempID {
			continue
		}
		recovered = append(recovered, &e)
	}
	sort.SliceStable(recovered, func(i, j int) bool {
		return recovered[i].SyncTimestamp < recovered[j].SyncTimestamp
	})
	items = append(items, recovered...)

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()

	if len(recovered) > 0 {
		logging.Warn("Recovered journaled evaluations", map[string]interface{}{
			"count": len(recovered),
		})
		return q.Persist(ctx)
	}
	return nil
}

// Enqueue validates and stores a new capture, returning its temporary id.
// It never touches the network; storage failures are returned.
func (q *EvaluationQueue) Enqueue(ctx context.Context, eval models.PendingEvaluation) (string, error) {
	if err := eval.Validate(); err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "invalid evaluation", err)
	}

	now := q.now()
	e := eval
	e.ID = nil
	e.TempID = uuid.NewTempID()
	e.IsSynced = false
	e.IsEncrypted = true
	e.SyncedAt = ""
	e.SyncTimestamp = now.UnixMilli()
	if e.CreatedAt == "" {
		e.CreatedAt = now.UTC().Format(time.RFC3339)
	}

	journalKey := store.PrefixOfflineChecklist + e.TempID
	if err := q.secure.PutJSON(ctx, journalKey, &e); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, &e)
	if err := q.secure.PutJSON(ctx, store.KeyEvaluations, q.items); err != nil {
		q.items = q.items[:len(q.items)-1]
		if delErr := q.secure.Delete(ctx, journalKey); delErr != nil {
			logging.Warn("Failed to remove orphan journal record", map[string]interface{}{
				"temp_id": e.TempID,
				"error":   delErr.Error(),
			})
		}
		return "", err
	}

	logging.Info("Evaluation captured", map[string]interface{}{
		"temp_id":        e.TempID,
		"location_id":    e.LocationID,
		"checklist_date": e.ChecklistDate,
	})
	return e.TempID, nil
}

// ListPending returns copies of unsynced records in capture order.
func (q *EvaluationQueue) ListPending() []models.PendingEvaluation {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var pending []models.PendingEvaluation
	for _, e := range q.items {
		if !e.IsSynced {
			pending = append(pending, *e)
		}
	}
	return pending
}

// List returns copies of every record in capture order.
func (q *EvaluationQueue) List() []models.PendingEvaluation {
	q.mu.RLock()
	defer q.mu.RUnlock()

	all := make([]models.PendingEvaluation, 0, len(q.items))
	for _, e := range q.items {
		all = append(all, *e)
	}
	return all
}

// Count returns the number of unsynced records.
func (q *EvaluationQueue) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	n := 0
	for _, e := range q.items {
		if !e.IsSynced {
			n++
		}
	}
	return n
}

// MarkSynced records that ref (temp id or server id) was accepted by the
// server. serverID may be zero when the server did not return one. Marking
// an already synced record is a no-op; synced never reverts.
// The change is in memory until Persist.
func (q *EvaluationQueue) MarkSynced(ref string, serverID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.items {
		if !e.Matches(ref) {
			continue
		}
		if e.IsSynced {
			return nil
		}
		if serverID > 0 {
			id := serverID
			e.ID = &id
		}
		e.IsSynced = true
		e.SyncedAt = q.now().UTC().Format(time.RFC3339)
		return nil
	}
	return errors.Newf(errors.ErrNotFound, "evaluation %s not in queue", ref)
}

// Persist writes the list and drops journal records of synced captures.
func (q *EvaluationQueue) Persist(ctx context.Context) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if err := q.secure.PutJSON(ctx, store.KeyEvaluations, q.items); err != nil {
		return err
	}

	for _, e := range q.items {
		if !e.IsSynced || e.TempID == "" {
			continue
		}
		if err := q.secure.Delete(ctx, store.PrefixOfflineChecklist+e.TempID); err != nil {
			logging.Warn("Failed to drop journal record", map[string]interface{}{
				"temp_id": e.TempID,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

// Clear drops every record from memory and storage.
func (q *EvaluationQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	if err := q.secure.Delete(ctx, store.KeyEvaluations); err != nil {
		return err
	}

	journal, err := q.secure.List(ctx, store.PrefixOfflineChecklist)
	if err != nil {
		return err
	}
	for _, r := range journal {
		if err := q.secure.Delete(ctx, r.Key); err != nil {
			return err
		}
	}

	logging.Info("Evaluation queue cleared")
	return nil
}

// Reset drops in-memory state without touching storage, for use after the
// store itself was wiped.
func (q *EvaluationQueue) Reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Stats returns queue statistics.
func (q *EvaluationQueue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s := Stats{Total: len(q.items)}
	for _, e := range q.items {
		if e.IsSynced {
			s.Synced++
		} else {
			s.Pending++
		}
	}
	return s
}
