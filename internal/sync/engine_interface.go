// Package sync provides the adaptive sync engine that drains the capture
// queue to the evaluation server.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/evalsync/internal/models"
	"github.com/kimhsiao/evalsync/internal/sync/connectivity"
)

// SyncEngineInterface is what the scheduler and the local API need from the engine.
// This interface allows for mocking in tests.
type SyncEngineInterface interface {
	// Sync runs one cycle with the strategy of the current link quality.
	Sync(ctx context.Context) *Result

	// SyncNow runs one cycle with the good strategy and gives user feedback
	// when there is nothing to do.
	SyncNow(ctx context.Context) *Result

	// FlushBookkeeping persists queue state without contacting the server.
	FlushBookkeeping(ctx context.Context)

	// IsSyncing reports whether a cycle is running.
	IsSyncing() bool

	// LastResult returns the summary of the last cycle that ran, or nil.
	LastResult() *Result

	// LastSync returns when the last cycle finished, or nil.
	LastSync() *time.Time

	// Errors returns the recent per-item failures.
	Errors() []ErrorEntry
}

// Queue is the slice of the capture queue the engine drives.
type Queue interface {
	ListPending() []models.PendingEvaluation
	MarkSynced(ref string, serverID int64) error
	Persist(ctx context.Context) error
	Count() int
}

// Submitter posts one evaluation to the server. It returns the
// server-assigned id, or 0 when the server did not send one.
type Submitter interface {
	Submit(ctx context.Context, payload models.SubmissionPayload) (int64, error)
}

// QualitySource reports the current link state.
type QualitySource interface {
	IsOnline() bool
	Quality() connectivity.Quality
}

// NotificationLevel grades user-facing notifications.
type NotificationLevel string

const (
	NotifyInfo    NotificationLevel = "info"
	NotifyWarning NotificationLevel = "warning"
)

// Notification is a single user-facing message.
type Notification struct {
	Level   NotificationLevel `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	At      time.Time         `json:"at"`
}

// Notifier delivers notifications to the user.
type Notifier interface {
	Notify(n Notification)
}

// EventType identifies a sync lifecycle event.
type EventType string

const (
	EventStarted   EventType = "sync_started"
	EventCompleted EventType = "sync_completed"
)

// Event is published at the start and end of every cycle that runs.
type Event struct {
	Type   EventType `json:"type"`
	Result *Result   `json:"result,omitempty"`
}

// SyncEventHandler receives sync lifecycle events.
type SyncEventHandler func(Event)
