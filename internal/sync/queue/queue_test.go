// Package queue provides unit tests for the evaluation capture queue.
package queue

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/kimhsiao/evalsync/internal/errors"
	"github.com/kimhsiao/evalsync/internal/models"
	"github.com/kimhsiao/evalsync/internal/obfuscate"
	"github.com/kimhsiao/evalsync/internal/store"
	"github.com/kimhsiao/evalsync/internal/uuid"
)

func createTestQueue(t *testing.T) (*EvaluationQueue, *store.MemoryStore, *store.Secure) {
	t.Helper()
	mem := store.NewMemoryStore("test")
	secure := store.NewSecure(mem, obfuscate.MustNew(obfuscate.DefaultPassphrase))
	return New(secure), mem, secure
}

func createTestEvaluation(locationID int64) models.PendingEvaluation {
	return models.PendingEvaluation{
		LocationID:    locationID,
		UserID:        3,
		CompanyID:     1,
		ChecklistDate: "2025-01-01",
		Tasks: []models.Task{
			{TemplateID: 1, Completed: true, Rating: 4},
			{TemplateID: 2, Completed: true, Rating: 5, ItemComment: "spotless"},
		},
	}
}

// failingStore rejects writes once armed.
type failingStore struct {
	*store.MemoryStore
	fail bool
}

func (f *failingStore) Set(ctx context.Context, key, value string) error {
	if f.fail {
		return errors.Wrap(errors.ErrStorageWrite, "could not save to local storage", fmt.Errorf("quota exceeded"))
	}
	return f.MemoryStore.Set(ctx, key, value)
}

// =====================================================
// Enqueue Tests
// =====================================================

// TestEnqueue verifies a capture gets a temp id and pending state.
func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	q, _, _ := createTestQueue(t)

	tempID, err := q.Enqueue(ctx, createTestEvaluation(10))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if !uuid.IsTempID(tempID) {
		t.Errorf("tempID %q has wrong format", tempID)
	}

	pending := q.ListPending()
	if len(pending) != 1 {
		t.Fatalf("ListPending() len = %d, want 1", len(pending))
	}
	e := pending[0]
	if e.IsSynced || !e.IsEncrypted || e.ID != nil {
		t.Errorf("unexpected state: synced=%v encrypted=%v id=%v", e.IsSynced, e.IsEncrypted, e.ID)
	}
	if e.SyncTimestamp == 0 || e.CreatedAt == "" {
		t.Error("SyncTimestamp and CreatedAt must be set")
	}
}

// TestEnqueue_noLossWhileOffline verifies every enqueue adds exactly one pending record.
func TestEnqueue_noLossWhileOffline(t *testing.T) {
	ctx := context.Background()
	q, _, _ := createTestQueue(t)

	for i := 1; i <= 25; i++ {
		if _, err := q.Enqueue(ctx, createTestEvaluation(int64(i))); err != nil {
			t.Fatalf("Enqueue(%d) failed: %v", i, err)
		}
		if got := q.Count(); got != i {
			t.Fatalf("Count() after %d enqueues = %d", i, got)
		}
	}
}

// TestEnqueue_invalid verifies validation errors are INVALID_INPUT.
func TestEnqueue_invalid(t *testing.T) {
	q, _, _ := createTestQueue(t)

	bad := createTestEvaluation(10)
	bad.Tasks[0].Rating = 9

	_, err := q.Enqueue(context.Background(), bad)
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("Enqueue() error = %v, want INVALID_INPUT", err)
	}
	if q.Count() != 0 {
		t.Error("invalid capture must not be queued")
	}
}

// TestEnqueue_storageFailure verifies write failures propagate and nothing is queued.
func TestEnqueue_storageFailure(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore("test"), fail: true}
	q := New(store.NewSecure(fs, obfuscate.MustNew("k")))

	_, err := q.Enqueue(context.Background(), createTestEvaluation(10))
	if !errors.Is(err, errors.ErrStorageWrite) {
		t.Fatalf("Enqueue() error = %v, want STORAGE_WRITE_FAILED", err)
	}
	if q.Count() != 0 {
		t.Errorf("Count() = %d, want 0", q.Count())
	}
}

// =====================================================
// MarkSynced Tests
// =====================================================

// TestMarkSynced_idempotent verifies a second call leaves the state unchanged.
func TestMarkSynced_idempotent(t *testing.T) {
	ctx := context.Background()
	q, _, _ := createTestQueue(t)

	tempID, _ := q.Enqueue(ctx, createTestEvaluation(10))
	_, _ = q.Enqueue(ctx, createTestEvaluation(11))

	if err := q.MarkSynced(tempID, 501); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	once := q.List()

	if err := q.MarkSynced(tempID, 501); err != nil {
		t.Fatalf("second MarkSynced() failed: %v", err)
	}
	if !reflect.DeepEqual(once, q.List()) {
		t.Error("second MarkSynced() changed the queue")
	}

	if q.Count() != 1 {
		t.Errorf("Count() = %d, want 1", q.Count())
	}
	if *once[0].ID != 501 || !once[0].IsSynced || once[0].SyncedAt == "" {
		t.Errorf("record not marked synced: %+v", once[0])
	}

	// Addressable by server id once synced
	if err := q.MarkSynced("501", 999); err != nil {
		t.Errorf("MarkSynced by server id failed: %v", err)
	}
	if *q.List()[0].ID != 501 {
		t.Error("synced record id must not change")
	}
}

// TestMarkSynced_unknown verifies unknown refs are NOT_FOUND.
func TestMarkSynced_unknown(t *testing.T) {
	q, _, _ := createTestQueue(t)
	if err := q.MarkSynced("offline_missing", 1); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("MarkSynced() error = %v, want NOT_FOUND", err)
	}
}

// =====================================================
// Persistence Tests
// =====================================================

// TestLoad_restoresState verifies a new queue sees persisted records.
func TestLoad_restoresState(t *testing.T) {
	ctx := context.Background()
	q, _, secure := createTestQueue(t)

	tempID, _ := q.Enqueue(ctx, createTestEvaluation(10))
	_, _ = q.Enqueue(ctx, createTestEvaluation(11))
	_ = q.MarkSynced(tempID, 7)
	if err := q.Persist(ctx); err != nil {
		t.Fatalf("Persist() failed: %v", err)
	}

	restored := New(secure)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !reflect.DeepEqual(q.List(), restored.List()) {
		t.Errorf("restored list differs:\n got %+v\nwant %+v", restored.List(), q.List())
	}
}

// TestLoad_recoversJournal verifies a capture whose list write was lost is recovered.
func TestLoad_recoversJournal(t *testing.T) {
	ctx := context.Background()
	q, _, secure := createTestQueue(t)

	_, _ = q.Enqueue(ctx, createTestEvaluation(10))
	orphan, _ := q.Enqueue(ctx, createTestEvaluation(11))

	// Simulate a crash after the journal write but before the list rewrite.
	var list []models.PendingEvaluation
	if !secure.GetJSON(ctx, store.KeyEvaluations, &list) {
		t.Fatal("list not persisted")
	}
	if err := secure.PutJSON(ctx, store.KeyEvaluations, list[:1]); err != nil {
		t.Fatal(err)
	}

	restored := New(secure)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if restored.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", restored.Count())
	}
	if got := restored.List()[1].TempID; got != orphan {
		t.Errorf("recovered tempID = %s, want %s", got, orphan)
	}

	// Recovery rewrites the list
	var rewritten []models.PendingEvaluation
	secure.GetJSON(ctx, store.KeyEvaluations, &rewritten)
	if len(rewritten) != 2 {
		t.Errorf("persisted list len = %d, want 2", len(rewritten))
	}
}

// TestLoad_skipsMalformedJournalKey verifies journal records whose key does
// not carry a generated temp id are not restored.
func TestLoad_skipsMalformedJournalKey(t *testing.T) {
	ctx := context.Background()
	q, _, secure := createTestQueue(t)
	_, _ = q.Enqueue(ctx, createTestEvaluation(10))

	stray := createTestEvaluation(11)
	stray.TempID = "bogus"
	if err := secure.PutJSON(ctx, store.PrefixOfflineChecklist+"bogus", &stray); err != nil {
		t.Fatal(err)
	}

	restored := New(secure)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if restored.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", restored.Count())
	}
	for _, e := range restored.List() {
		if e.TempID == "bogus" {
			t.Error("journal record with malformed temp id was restored")
		}
	}
}

// TestPersist_dropsSyncedJournal verifies journal records go away once synced.
func TestPersist_dropsSyncedJournal(t *testing.T) {
	ctx := context.Background()
	q, mem, _ := createTestQueue(t)

	synced, _ := q.Enqueue(ctx, createTestEvaluation(10))
	pending, _ := q.Enqueue(ctx, createTestEvaluation(11))
	_ = q.MarkSynced(synced, 1)
	_ = q.Persist(ctx)

	if _, ok := mem.Get(ctx, store.PrefixOfflineChecklist+synced); ok {
		t.Error("journal of synced record still present")
	}
	if _, ok := mem.Get(ctx, store.PrefixOfflineChecklist+pending); !ok {
		t.Error("journal of pending record removed")
	}
}

// TestClear verifies everything is removed.
func TestClear(t *testing.T) {
	ctx := context.Background()
	q, mem, _ := createTestQueue(t)

	_, _ = q.Enqueue(ctx, createTestEvaluation(10))
	_, _ = q.Enqueue(ctx, createTestEvaluation(11))

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	if q.Count() != 0 || mem.Len() != 0 {
		t.Errorf("Count()=%d store len=%d, want 0/0", q.Count(), mem.Len())
	}
}

// TestStats verifies counts.
func TestStats(t *testing.T) {
	ctx := context.Background()
	q, _, _ := createTestQueue(t)

	a, _ := q.Enqueue(ctx, createTestEvaluation(10))
	_, _ = q.Enqueue(ctx, createTestEvaluation(11))
	_, _ = q.Enqueue(ctx, createTestEvaluation(12))
	_ = q.MarkSynced(a, 5)

	want := Stats{Total: 3, Pending: 2, Synced: 1}
	if got := q.Stats(); got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}
