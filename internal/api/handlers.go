package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/kimhsiao/evalsync/internal/errors"
	"github.com/kimhsiao/evalsync/internal/logging"
	"github.com/kimhsiao/evalsync/internal/models"
	syncpkg "github.com/kimhsiao/evalsync/internal/sync"
	"github.com/kimhsiao/evalsync/internal/sync/connectivity"
	"github.com/kimhsiao/evalsync/internal/sync/queue"
	"github.com/kimhsiao/evalsync/internal/sync/reconcile"
	"github.com/kimhsiao/evalsync/internal/sync/scheduler"
)

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("API request failed", string(code), err)
	}
	writeJSON(w, status, errorResponse{Code: code, Message: errors.MessageOf(err)})
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrSyncInProgress, errors.ErrSyncOffline:
		return http.StatusConflict
	case errors.ErrAuthMissing:
		return http.StatusUnauthorized
	case errors.ErrStorageUnavailable, errors.ErrRemoteUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrSyncTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrRemoteRejected, errors.ErrInvalidResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Health handles GET /v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =====================================================
// Evaluations
// =====================================================

// captureRequest is the body of POST /v1/evaluations. Sync bookkeeping
// fields are assigned by the queue, never by the caller.
type captureRequest struct {
	LocationID      int64         `json:"locationId"`
	UserID          int64         `json:"userId"`
	CompanyID       int64         `json:"companyId"`
	ChecklistDate   string        `json:"checklistDate"`
	Tasks           []models.Task `json:"tasks"`
	EvaluationNotes string        `json:"evaluationNotes"`
	CompletedAt     string        `json:"completedAt"`
}

// CreateEvaluation handles POST /v1/evaluations
// Saves a capture locally and, when online, starts a sync in the background.
func (h *Handler) CreateEvaluation(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}

	tempID, err := h.queue.Enqueue(r.Context(), models.PendingEvaluation{
		LocationID:      req.LocationID,
		UserID:          req.UserID,
		CompanyID:       req.CompanyID,
		ChecklistDate:   req.ChecklistDate,
		Tasks:           req.Tasks,
		EvaluationNotes: req.EvaluationNotes,
		CompletedAt:     req.CompletedAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if h.monitor.IsOnline() {
		h.scheduler.TriggerSync(context.Background())
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"tempId":  tempID,
		"pending": h.queue.Count(),
	})
}

// ListEvaluations handles GET /v1/evaluations
// Query: start, end (YYYY-MM-DD), location (repeatable or comma separated), user, company.
func (h *Handler) ListEvaluations(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	records, err := h.evaluations.GetEvaluations(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []models.HybridEvaluation{}
	}
	writeJSON(w, http.StatusOK, records)
}

func parseFilter(r *http.Request) (reconcile.Filter, error) {
	q := r.URL.Query()
	filter := reconcile.Filter{
		StartDate: q.Get("start"),
		EndDate:   q.Get("end"),
	}

	for _, raw := range q["location"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			id, err := parseID("location", part)
			if err != nil {
				return filter, err
			}
			filter.LocationIDs = append(filter.LocationIDs, id)
		}
	}

	if v := q.Get("user"); v != "" {
		id, err := parseID("user", v)
		if err != nil {
			return filter, err
		}
		filter.UserID = &id
	}
	if v := q.Get("company"); v != "" {
		id, err := parseID("company", v)
		if err != nil {
			return filter, err
		}
		filter.CompanyID = &id
	}
	return filter, nil
}

func parseID(name, raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Newf(errors.ErrInvalid, "%s must be a positive integer, got %q", name, raw)
	}
	return id, nil
}

// =====================================================
// Sync
// =====================================================

// SyncNow handles POST /v1/sync
// Runs a manual cycle and returns its summary. Skipped cycles are still 200;
// the reason is in the summary and a notification has been sent.
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.SyncNow(r.Context()))
}

// statusResponse is the body of GET /v1/status.
type statusResponse struct {
	Scheduler  scheduler.SchedulerStatus `json:"scheduler"`
	Quality    connectivity.Quality      `json:"quality,omitempty"`
	RTTMillis  int64                     `json:"rttMs"`
	Queue      queue.Stats               `json:"queue"`
	LastResult *syncpkg.Result           `json:"lastResult,omitempty"`
	Errors     []syncpkg.ErrorEntry      `json:"errors"`
}

// Status handles GET /v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	errs := h.engine.Errors()
	if errs == nil {
		errs = []syncpkg.ErrorEntry{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Scheduler:  h.scheduler.GetStatus(),
		Quality:    h.monitor.Quality(),
		RTTMillis:  h.monitor.RTT().Milliseconds(),
		Queue:      h.queue.Stats(),
		LastResult: h.engine.LastResult(),
		Errors:     errs,
	})
}

// SetConnectivity handles POST /v1/connectivity
// Body: {"online": bool}, the platform's runtime connectivity signal.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}
	if req.Online == nil {
		writeError(w, errors.New(errors.ErrInvalid, "online is required"))
		return
	}

	h.monitor.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":  h.monitor.State(),
		"online": h.monitor.IsOnline(),
	})
}

// ClearData handles DELETE /v1/data
// Removes every locally stored record, e.g. on logout.
func (h *Handler) ClearData(w http.ResponseWriter, r *http.Request) {
	err := h.engine.RunExclusive(func() error {
		if err := h.secure.ClearAll(r.Context()); err != nil {
			return err
		}
		h.queue.Reset()
		h.engine.Reset()
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	logging.Info("Local data cleared")
	w.WriteHeader(http.StatusNoContent)
}

// Events handles GET /v1/events (WebSocket upgrade).
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeHTTP(w, r)
}
