package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"task-processor/internal/observability/metrics"
	"task-processor/internal/task"
)

func newTestServer(t *testing.T) (*Server, *task.Service) {
	t.Helper()
	svc := task.NewService(nil, nil)
	t.Cleanup(func() { _ = svc.Close() })
	reg := metrics.NewRegistry()
	return NewServer(svc, Options{Version: "test", Metrics: reg}), svc
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndRoot(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, HealthResponse{Status: "healthy", Service: "task-processor", Version: "test"}, health)

	rec = doJSON(t, server.Handler(), http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "/api/tasks")
}

func TestCreateGetAndCancelTask(t *testing.T) {
	server, svc := newTestServer(t)
	h := server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/tasks", CreateTaskRequest{Name: "report", DurationMS: 5000, Priority: "high"})
	require.Equal(t, http.StatusOK, rec.Code)
	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, task.StatusPending, created.Status)
	require.Equal(t, task.PriorityHigh, created.Priority)
	require.Contains(t, rec.Body.String(), `"priority":"high"`)
	require.Contains(t, rec.Body.String(), `"status":"Pending"`)

	rec = doJSON(t, h, http.MethodGet, "/api/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/tasks/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled CancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	require.Equal(t, created.ID, cancelled.TaskID)

	rec = doJSON(t, h, http.MethodPost, "/api/tasks/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), string(task.CodeTaskInvalidState))

	stats := svc.Stats()
	require.EqualValues(t, 1, stats.TotalTasks)
	require.EqualValues(t, 1, stats.Cancelled)
}

func TestCreateTaskValidation(t *testing.T) {
	server, svc := newTestServer(t)
	h := server.Handler()

	cases := []struct {
		name string
		body any
	}{
		{"empty name", CreateTaskRequest{Name: "", DurationMS: 10}},
		{"zero duration", CreateTaskRequest{Name: "x", DurationMS: 0}},
		{"bad priority", CreateTaskRequest{Name: "x", DurationMS: 10, Priority: "urgent"}},
		{"negative duration", map[string]any{"name": "x", "duration_ms": -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/api/tasks", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), `"code":"TASK_VALIDATION_FAILED"`)
		})
	}
	require.Zero(t, svc.Stats().TotalTasks)
}

func TestCreateTaskDefaultsPriority(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodPost, "/api/tasks", map[string]any{"name": "x", "duration_ms": 10})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"priority":"medium"`)
}

func TestUnknownTask(t *testing.T) {
	server, _ := newTestServer(t)
	h := server.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/tasks/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/tasks/missing/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksWithFilters(t *testing.T) {
	server, svc := newTestServer(t)
	h := server.Handler()
	ctx := context.Background()

	for _, p := range []task.Priority{task.PriorityLow, task.PriorityHigh, task.PriorityHigh} {
		_, err := svc.Create(ctx, "job-"+string(p), 10, p)
		require.NoError(t, err)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 3)

	rec = doJSON(t, h, http.MethodGet, "/api/tasks?priority=high&status=pending&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var filtered []task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filtered))
	require.Len(t, filtered, 1)
	require.Equal(t, task.PriorityHigh, filtered[0].Priority)

	rec = doJSON(t, h, http.MethodGet, "/api/tasks?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/tasks?limit=-2", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsAndMetricsEndpoints(t *testing.T) {
	server, svc := newTestServer(t)
	h := server.Handler()
	_, err := svc.Create(context.Background(), "job", 10, task.PriorityLow)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats task.StatsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.EqualValues(t, 1, stats.TotalTasks)
	require.EqualValues(t, 1, stats.Pending)

	rec = doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `task_processor_http_requests_total{code="200",handler="/api/stats",method="GET"} 1`)
}

func TestWebSocketStreamsUpdates(t *testing.T) {
	server, svc := newTestServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return svc.Bus().SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	created, err := svc.Create(context.Background(), "stream", 10, task.PriorityMedium)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg UpdateMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "task_update", msg.Type)
	require.Equal(t, created.ID, msg.Task.ID)
	require.Equal(t, task.StatusPending, msg.Task.Status)

	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	require.NoError(t, conn.WriteControl(websocket.PingMessage, []byte("hi"), time.Now().Add(time.Second)))
	go func() { _, _, _ = conn.ReadMessage() }()
	select {
	case data := <-pong:
		require.Equal(t, "hi", data)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}

	server.closeWebSockets()
	require.Zero(t, server.ConnectionCount())
}
