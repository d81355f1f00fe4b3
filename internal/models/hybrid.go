package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Source tells where a HybridEvaluation came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceServer Source = "server"
)

// HybridEvaluation is the read-side projection merging local and server records.
type HybridEvaluation struct {
	ID               string            `json:"id"`
	LocationID       int64             `json:"locationId"`
	UserID           int64             `json:"userId"`
	CompanyID        int64             `json:"companyId"`
	ChecklistDate    string            `json:"checklistDate"`
	EvaluationDate   string            `json:"evaluationDate"`
	FinalScore       float64           `json:"finalScore"`
	EvaluationNotes  string            `json:"evaluationNotes"`
	Tasks            []Task            `json:"tasks"`
	CategoryComments map[string]string `json:"categoryComments,omitempty"`
	Synced           bool              `json:"synced"`
	Source           Source            `json:"source"`

	// syncTimestamp orders local duplicates; not part of the wire shape.
	syncTimestamp int64
}

// Key returns the composite natural key.
func (h *HybridEvaluation) Key() CompositeKey {
	return CompositeKey{LocationID: h.LocationID, UserID: h.UserID, ChecklistDate: h.ChecklistDate}
}

// SyncTimestamp returns the local capture time, zero for server records.
func (h *HybridEvaluation) SyncTimestamp() int64 {
	return h.syncTimestamp
}

// HybridFromPending projects a local record.
func HybridFromPending(e *PendingEvaluation) HybridEvaluation {
	evaluationDate := e.CompletedAt
	if evaluationDate == "" {
		evaluationDate = e.CreatedAt
	}
	return HybridEvaluation{
		ID:              e.Ref(),
		LocationID:      e.LocationID,
		UserID:          e.UserID,
		CompanyID:       e.CompanyID,
		ChecklistDate:   e.ChecklistDate,
		EvaluationDate:  evaluationDate,
		FinalScore:      e.FinalScore(),
		EvaluationNotes: e.EvaluationNotes,
		Tasks:           e.Tasks,
		Synced:          e.IsSynced,
		Source:          SourceLocal,
		syncTimestamp:   e.SyncTimestamp,
	}
}

// Score is a numeric field that servers may encode as a JSON number or a
// decimal string.
type Score float64

// UnmarshalJSON accepts 87.5, "87.50" and null.
func (s *Score) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if str == "" {
			*s = 0
			return nil
		}
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return fmt.Errorf("score %q is not numeric", str)
		}
		*s = Score(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*s = Score(f)
	return nil
}

// ServerEvaluation is a server-confirmed record as returned by the company
// evaluations endpoint.
type ServerEvaluation struct {
	ID               int64             `json:"id"`
	LocationID       int64             `json:"locationId"`
	UserID           int64             `json:"userId"`
	CompanyID        int64             `json:"companyId"`
	ChecklistDate    string            `json:"checklistDate"`
	EvaluationDate   string            `json:"evaluationDate,omitempty"`
	CompletedAt      string            `json:"completedAt,omitempty"`
	FinalScore       *Score            `json:"finalScore,omitempty"`
	EvaluationNotes  string            `json:"evaluationNotes,omitempty"`
	Tasks            []Task            `json:"tasks,omitempty"`
	CategoryComments map[string]string `json:"categoryComments,omitempty"`
}

// Validate checks the record has the fields the read path depends on and
// normalizes ChecklistDate to a calendar date.
func (s *ServerEvaluation) Validate() error {
	if s.ID <= 0 {
		return fmt.Errorf("server evaluation id must be positive, got %d", s.ID)
	}
	if s.LocationID <= 0 || s.UserID <= 0 {
		return fmt.Errorf("server evaluation %d missing locationId/userId", s.ID)
	}
	date, err := NormalizeDate(s.ChecklistDate)
	if err != nil {
		return fmt.Errorf("server evaluation %d: %w", s.ID, err)
	}
	s.ChecklistDate = date
	return nil
}

// Hybrid projects the server record.
func (s *ServerEvaluation) Hybrid() HybridEvaluation {
	evaluationDate := s.EvaluationDate
	if evaluationDate == "" {
		evaluationDate = s.CompletedAt
	}
	score := ScoreTasks(s.Tasks)
	if s.FinalScore != nil {
		score = float64(*s.FinalScore)
	}
	return HybridEvaluation{
		ID:               strconv.FormatInt(s.ID, 10),
		LocationID:       s.LocationID,
		UserID:           s.UserID,
		CompanyID:        s.CompanyID,
		ChecklistDate:    s.ChecklistDate,
		EvaluationDate:   evaluationDate,
		FinalScore:       score,
		EvaluationNotes:  s.EvaluationNotes,
		Tasks:            s.Tasks,
		CategoryComments: s.CategoryComments,
		Synced:           true,
		Source:           SourceServer,
	}
}

// Cached converts a server record read back from the local cache: still
// confirmed, but sourced locally.
func (s *ServerEvaluation) Cached() HybridEvaluation {
	h := s.Hybrid()
	h.Source = SourceLocal
	return h
}
