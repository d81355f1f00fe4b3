// Package models provides data model definitions for the evaluation sync core.
package models

import (
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"
)

const (
	// MaxRating is the upper bound of a task rating.
	MaxRating = 5
	// MaxEvaluationNotes bounds EvaluationNotes in runes.
	MaxEvaluationNotes = 2000
	// DateLayout is the calendar-date format used for ChecklistDate.
	DateLayout = "2006-01-02"
)

// Task is one checklist item result within an evaluation.
type Task struct {
	TemplateID     int64          `json:"templateId"`
	Completed      bool           `json:"completed"`
	Rating         int            `json:"rating"`
	Notes          string         `json:"notes,omitempty"`
	ItemComment    string         `json:"itemComment,omitempty"`
	SubTaskRatings map[string]int `json:"subTaskRatings,omitempty"`
}

// Validate checks the task's rating bounds.
func (t Task) Validate() error {
	if t.TemplateID <= 0 {
		return fmt.Errorf("task templateId must be positive, got %d", t.TemplateID)
	}
	if t.Rating < 0 || t.Rating > MaxRating {
		return fmt.Errorf("task %d rating %d outside 0-%d", t.TemplateID, t.Rating, MaxRating)
	}
	for name, r := range t.SubTaskRatings {
		if r < 0 || r > MaxRating {
			return fmt.Errorf("task %d sub-task %q rating %d outside 0-%d", t.TemplateID, name, r, MaxRating)
		}
	}
	return nil
}

// CompositeKey identifies "the same evaluation" across local and server copies.
type CompositeKey struct {
	LocationID    int64
	UserID        int64
	ChecklistDate string
}

// String returns a stable textual form of the key.
func (k CompositeKey) String() string {
	return fmt.Sprintf("%d-%d-%s", k.LocationID, k.UserID, k.ChecklistDate)
}

// PendingEvaluation is a locally captured assessment of one location on one
// date by one user. ID is nil until the server confirms the record.
type PendingEvaluation struct {
	ID              *int64 `json:"id,omitempty"`
	TempID          string `json:"tempId,omitempty"`
	LocationID      int64  `json:"locationId"`
	UserID          int64  `json:"userId"`
	CompanyID       int64  `json:"companyId"`
	ChecklistDate   string `json:"checklistDate"`
	Tasks           []Task `json:"tasks"`
	EvaluationNotes string `json:"evaluationNotes,omitempty"`
	CompletedAt     string `json:"completedAt,omitempty"`
	CreatedAt       string `json:"createdAt,omitempty"`
	SyncTimestamp   int64  `json:"syncTimestamp"`
	IsSynced        bool   `json:"isSynced"`
	IsEncrypted     bool   `json:"isEncrypted"`
	SyncedAt        string `json:"syncedAt,omitempty"`
}

// Validate checks the fields a capture must carry before it is queued.
func (e *PendingEvaluation) Validate() error {
	if e.LocationID <= 0 {
		return fmt.Errorf("locationId must be positive, got %d", e.LocationID)
	}
	if e.UserID <= 0 {
		return fmt.Errorf("userId must be positive, got %d", e.UserID)
	}
	if e.CompanyID <= 0 {
		return fmt.Errorf("companyId must be positive, got %d", e.CompanyID)
	}
	date, err := NormalizeDate(e.ChecklistDate)
	if err != nil {
		return err
	}
	e.ChecklistDate = date
	if n := utf8.RuneCountInString(e.EvaluationNotes); n > MaxEvaluationNotes {
		return fmt.Errorf("evaluationNotes has %d characters, max %d", n, MaxEvaluationNotes)
	}
	for _, t := range e.Tasks {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Key returns the composite natural key.
func (e *PendingEvaluation) Key() CompositeKey {
	return CompositeKey{LocationID: e.LocationID, UserID: e.UserID, ChecklistDate: e.ChecklistDate}
}

// Ref returns the identifier callers use to address the record: the temp id
// before sync, the server id afterwards.
func (e *PendingEvaluation) Ref() string {
	if e.TempID != "" {
		return e.TempID
	}
	if e.ID != nil {
		return strconv.FormatInt(*e.ID, 10)
	}
	return ""
}

// Matches reports whether ref addresses this record by temp id or server id.
func (e *PendingEvaluation) Matches(ref string) bool {
	if ref == "" {
		return false
	}
	if e.TempID == ref {
		return true
	}
	return e.ID != nil && strconv.FormatInt(*e.ID, 10) == ref
}

// FinalScore scales the mean task rating to 0-100, rounded to two decimals.
func (e *PendingEvaluation) FinalScore() float64 {
	return ScoreTasks(e.Tasks)
}

// ScoreTasks scales the mean task rating to 0-100, rounded to two decimals.
func ScoreTasks(tasks []Task) float64 {
	if len(tasks) == 0 {
		return 0
	}
	sum := 0
	for _, t := range tasks {
		sum += t.Rating
	}
	score := float64(sum) / float64(MaxRating*len(tasks)) * 100
	return math.Round(score*100) / 100
}

// SubmissionTask is the per-task shape accepted by the submission endpoint.
type SubmissionTask struct {
	TemplateID  int64  `json:"templateId"`
	Completed   bool   `json:"completed"`
	Rating      int    `json:"rating"`
	ItemComment string `json:"itemComment"`
	Notes       string `json:"notes"`
}

// SubmissionPayload is the JSON body POSTed to the evaluation endpoint.
type SubmissionPayload struct {
	OfflineID       string           `json:"offlineId"`
	LocationID      int64            `json:"locationId"`
	ChecklistDate   string           `json:"checklistDate"`
	Tasks           []SubmissionTask `json:"tasks"`
	EvaluationNotes string           `json:"evaluationNotes"`
	CompletedAt     string           `json:"completedAt"`
	SyncTimestamp   int64            `json:"syncTimestamp"`
	IsEncrypted     bool             `json:"isEncrypted"`
	CompanyID       int64            `json:"companyId"`
}

// ToPayload transforms the record into the submission wire shape.
func (e *PendingEvaluation) ToPayload() SubmissionPayload {
	tasks := make([]SubmissionTask, 0, len(e.Tasks))
	for _, t := range e.Tasks {
		tasks = append(tasks, SubmissionTask{
			TemplateID:  t.TemplateID,
			Completed:   t.Completed,
			Rating:      t.Rating,
			ItemComment: t.ItemComment,
			Notes:       t.Notes,
		})
	}

	completedAt := e.CompletedAt
	if completedAt == "" {
		completedAt = e.CreatedAt
	}

	return SubmissionPayload{
		OfflineID:       e.Ref(),
		LocationID:      e.LocationID,
		ChecklistDate:   e.ChecklistDate,
		Tasks:           tasks,
		EvaluationNotes: e.EvaluationNotes,
		CompletedAt:     completedAt,
		SyncTimestamp:   e.SyncTimestamp,
		IsEncrypted:     e.IsEncrypted,
		CompanyID:       e.CompanyID,
	}
}

// NormalizeDate accepts a calendar date or an RFC 3339 timestamp and returns
// the calendar date in DateLayout.
func NormalizeDate(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("date is empty")
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t.Format(DateLayout), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q", s)
	}
	return t.Format(DateLayout), nil
}
