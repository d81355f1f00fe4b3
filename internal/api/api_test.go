// Package api tests for the local REST endpoints and the event stream.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/evalsync/internal/models"
	"github.com/kimhsiao/evalsync/internal/obfuscate"
	"github.com/kimhsiao/evalsync/internal/store"
	syncpkg "github.com/kimhsiao/evalsync/internal/sync"
	"github.com/kimhsiao/evalsync/internal/sync/connectivity"
	"github.com/kimhsiao/evalsync/internal/sync/queue"
	"github.com/kimhsiao/evalsync/internal/sync/reconcile"
	"github.com/kimhsiao/evalsync/internal/sync/scheduler"
)

type fastProber struct{}

func (fastProber) Probe(context.Context) (time.Duration, error) {
	return 20 * time.Millisecond, nil
}

type recordingSubmitter struct {
	mu       stdsync.Mutex
	payloads []models.SubmissionPayload
	gate     func()
}

func (s *recordingSubmitter) Submit(_ context.Context, p models.SubmissionPayload) (int64, error) {
	if s.gate != nil {
		s.gate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	return int64(100 + len(s.payloads)), nil
}

type testAPI struct {
	server    *httptest.Server
	queue     *queue.EvaluationQueue
	secure    *store.Secure
	monitor   *connectivity.Monitor
	hub       *Hub
	engine    *syncpkg.SyncEngine
	submitter *recordingSubmitter
}

func createTestAPI(t *testing.T) *testAPI {
	t.Helper()

	secure := store.NewSecure(store.NewMemoryStore("test"), obfuscate.MustNew(obfuscate.DefaultPassphrase))
	q := queue.New(secure)
	require.NoError(t, q.Load(context.Background()))

	monitor := connectivity.NewMonitor(fastProber{}, connectivity.Config{
		SettleDelay:   time.Millisecond,
		ProbeTimeout:  time.Second,
		RetryInterval: 10 * time.Millisecond,
	})
	hub := NewHub()
	submitter := &recordingSubmitter{}
	engine := syncpkg.NewSyncEngine(q, submitter, monitor, secure, hub)
	engine.SetEventHandler(hub.HandleSyncEvent)
	sched := scheduler.NewScheduler(engine, monitor, q, scheduler.DefaultSchedulerConfig())

	handler := NewHandler(Deps{
		Secure:      secure,
		Queue:       q,
		Engine:      engine,
		Monitor:     monitor,
		Scheduler:   sched,
		Evaluations: reconcile.NewService(secure, nil, time.Second),
		Hub:         hub,
	})
	server := httptest.NewServer(NewRouter(handler))

	t.Cleanup(func() {
		server.Close()
		hub.Close()
		sched.Stop()
		monitor.Close()
	})

	return &testAPI{server: server, queue: q, secure: secure, monitor: monitor, hub: hub, engine: engine, submitter: submitter}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dest interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
}

func capture(locationID int64, date string) captureRequest {
	return captureRequest{
		LocationID:    locationID,
		UserID:        3,
		CompanyID:     1,
		ChecklistDate: date,
		Tasks:         []models.Task{{TemplateID: 1, Completed: true, Rating: 4}},
	}
}

// =====================================================
// Evaluation Endpoint Tests
// =====================================================

// TestCreateEvaluation verifies a capture is queued and its temp id returned.
func TestCreateEvaluation(t *testing.T) {
	a := createTestAPI(t)

	resp := a.do(t, http.MethodPost, "/v1/evaluations", capture(10, "2025-01-01"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		TempID  string `json:"tempId"`
		Pending int    `json:"pending"`
	}
	decode(t, resp, &body)
	assert.NotEmpty(t, body.TempID)
	assert.Equal(t, 1, body.Pending)
	assert.Equal(t, 1, a.queue.Count())
}

// TestCreateEvaluation_invalid verifies validation failures are 400 INVALID_INPUT.
func TestCreateEvaluation_invalid(t *testing.T) {
	a := createTestAPI(t)

	bad := capture(10, "2025-01-01")
	bad.Tasks[0].Rating = 9

	for name, body := range map[string]interface{}{
		"rating out of range": bad,
		"malformed json":      "{not json",
		"missing date":        capture(10, ""),
	} {
		resp := a.do(t, http.MethodPost, "/v1/evaluations", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)

		var e errorResponse
		decode(t, resp, &e)
		assert.Equal(t, "INVALID_INPUT", string(e.Code), name)
	}
	assert.Equal(t, 0, a.queue.Count())
}

// TestListEvaluations verifies filtering through query parameters.
func TestListEvaluations(t *testing.T) {
	a := createTestAPI(t)
	a.do(t, http.MethodPost, "/v1/evaluations", capture(10, "2025-01-01"))
	a.do(t, http.MethodPost, "/v1/evaluations", capture(11, "2025-01-05"))
	a.do(t, http.MethodPost, "/v1/evaluations", capture(12, "2025-03-01"))

	resp := a.do(t, http.MethodGet, "/v1/evaluations?start=2025-01-01&end=2025-01-31&location=10,11&user=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []models.HybridEvaluation
	decode(t, resp, &got)
	require.Len(t, got, 2)
	assert.Equal(t, int64(11), got[0].LocationID)
	assert.Equal(t, int64(10), got[1].LocationID)
	assert.Equal(t, models.SourceLocal, got[0].Source)
}

// TestListEvaluations_empty verifies an empty view is [] rather than null.
func TestListEvaluations_empty(t *testing.T) {
	a := createTestAPI(t)

	resp := a.do(t, http.MethodGet, "/v1/evaluations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw json.RawMessage
	decode(t, resp, &raw)
	assert.Equal(t, "[]", strings.TrimSpace(string(raw)))
}

// TestListEvaluations_badQuery verifies malformed filters are rejected.
func TestListEvaluations_badQuery(t *testing.T) {
	a := createTestAPI(t)

	for _, query := range []string{
		"location=abc",
		"user=-1",
		"company=x",
		"start=2025-02-01&end=2025-01-01",
	} {
		resp := a.do(t, http.MethodGet, "/v1/evaluations?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

// =====================================================
// Sync and Connectivity Tests
// =====================================================

// TestSyncNow_offline verifies a manual sync while offline is skipped.
func TestSyncNow_offline(t *testing.T) {
	a := createTestAPI(t)
	a.do(t, http.MethodPost, "/v1/evaluations", capture(10, "2025-01-01"))

	resp := a.do(t, http.MethodPost, "/v1/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result syncpkg.Result
	decode(t, resp, &result)
	assert.Equal(t, syncpkg.SkipOffline, result.Skipped)
	assert.True(t, result.Manual)
	assert.Empty(t, a.submitter.payloads)
}

// TestSyncNow_online verifies a manual sync drains the queue once online.
func TestSyncNow_online(t *testing.T) {
	a := createTestAPI(t)
	a.do(t, http.MethodPost, "/v1/evaluations", capture(10, "2025-01-01"))

	resp := a.do(t, http.MethodPost, "/v1/connectivity", map[string]bool{"online": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool {
		return a.monitor.State() == connectivity.StateOnlineExcellent
	}, 2*time.Second, 5*time.Millisecond)

	resp = a.do(t, http.MethodPost, "/v1/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result syncpkg.Result
	decode(t, resp, &result)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 0, a.queue.Count())
}

// TestSetConnectivity verifies the runtime signal drives the monitor.
func TestSetConnectivity(t *testing.T) {
	a := createTestAPI(t)

	resp := a.do(t, http.MethodPost, "/v1/connectivity", map[string]bool{"online": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, a.monitor.IsOnline())

	resp = a.do(t, http.MethodPost, "/v1/connectivity", map[string]bool{"online": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		State  connectivity.State `json:"state"`
		Online bool               `json:"online"`
	}
	decode(t, resp, &body)
	assert.Equal(t, connectivity.StateOffline, body.State)
	assert.False(t, body.Online)
}

// TestSetConnectivity_missingField verifies the online flag is required.
func TestSetConnectivity_missingField(t *testing.T) {
	a := createTestAPI(t)

	resp := a.do(t, http.MethodPost, "/v1/connectivity", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestStatus verifies the status snapshot.
func TestStatus(t *testing.T) {
	a := createTestAPI(t)
	a.do(t, http.MethodPost, "/v1/evaluations", capture(10, "2025-01-01"))
	a.do(t, http.MethodPost, "/v1/evaluations", capture(11, "2025-01-01"))

	resp := a.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body statusResponse
	decode(t, resp, &body)
	assert.Equal(t, 2, body.Queue.Pending)
	assert.Equal(t, 2, body.Scheduler.PendingItems)
	assert.Equal(t, connectivity.StateOffline, body.Scheduler.State)
	assert.Nil(t, body.LastResult)
	assert.Empty(t, body.Errors)
}

// TestClearData verifies every local record is removed.
func TestClearData(t *testing.T) {
	a := createTestAPI(t)
	ctx := context.Background()
	a.do(t, http.MethodPost, "/v1/evaluations", capture(10, "2025-01-01"))

	resp := a.do(t, http.MethodDelete, "/v1/data", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, 0, a.queue.Count())
	journal, err := a.secure.List(ctx, store.PrefixOfflineChecklist)
	require.NoError(t, err)
	assert.Empty(t, journal)
	var list []models.PendingEvaluation
	assert.False(t, a.secure.GetJSON(ctx, store.KeyEvaluations, &list))
}

// TestClearData_duringSync verifies a clear is refused with 409 while a
// cycle is submitting, and nothing is removed.
func TestClearData_duringSync(t *testing.T) {
	a := createTestAPI(t)
	a.do(t, http.MethodPost, "/v1/evaluations", capture(10, "2025-01-01"))

	release := make(chan struct{})
	started := make(chan struct{})
	var once stdsync.Once
	a.submitter.gate = func() {
		once.Do(func() { close(started) })
		<-release
	}

	a.monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		return a.monitor.State() == connectivity.StateOnlineExcellent
	}, 2*time.Second, 5*time.Millisecond)

	done := make(chan *syncpkg.Result, 1)
	go func() { done <- a.engine.Sync(context.Background()) }()
	<-started

	resp := a.do(t, http.MethodDelete, "/v1/data", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var e errorResponse
	decode(t, resp, &e)
	assert.Equal(t, "SYNC_IN_PROGRESS", string(e.Code))

	close(release)
	result := <-done
	assert.Equal(t, 1, result.Synced)

	resp = a.do(t, http.MethodDelete, "/v1/data", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// TestHealth verifies the liveness endpoint.
func TestHealth(t *testing.T) {
	a := createTestAPI(t)
	resp := a.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
