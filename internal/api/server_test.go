package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildfix/internal/analyzer"
	"buildfix/internal/coordinator"
	"buildfix/internal/strategy"
	"buildfix/pkg/models"
)

type noopRunner struct{}

func (noopRunner) RunTask(context.Context, string) (string, error) { return "ok", nil }

func newTestServer(opts ...Option) (*Server, *coordinator.Coordinator) {
	return newTestServerWithRunner(noopRunner{}, opts...)
}

func newTestServerWithRunner(runner coordinator.TaskRunner, opts ...Option) (*Server, *coordinator.Coordinator) {
	gin.SetMode(gin.TestMode)

	coord := coordinator.New(120*time.Second,
		coordinator.NewLocalTransport(runner), nil)
	srv := New(
		analyzer.New(analyzer.WithFixability(strategy.Fixable)),
		analyzer.NewSampler(1000, 100),
		coord,
		nil,
		opts...,
	)
	return srv, coord
}

func doRequest(router *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAnalyzeEndpoint(t *testing.T) {
	srv, _ := newTestServer()
	router := srv.Router()

	body, _ := json.Marshal(analyzeRequest{
		Output: "App.cs(3,14): error CS0246: The type or namespace name 'Foo' could not be found\n" +
			"App.cs(9,1): error CS0246: The type or namespace name 'Bar' could not be found\n" +
			"Util.cs(2,5): error CS0101: The namespace already contains a definition for 'Util'\n",
	})
	w := doRequest(router, http.MethodPost, "/api/v1/analyze", body)
	require.Equal(t, http.StatusOK, w.Code)

	var report models.AnalysisReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))

	assert.Equal(t, "csharp", report.Language)
	assert.Equal(t, 3, report.TotalErrors)
	assert.False(t, report.SamplingEnabled)
	require.Contains(t, report.ErrorPatterns, "CS0246")
	assert.Equal(t, 2, report.ErrorPatterns["CS0246"].Count)
	assert.True(t, report.ErrorPatterns["CS0246"].Fixable)

	// CS0246 is bulk-fixable (0.92), CS0101 is not (0.60).
	assert.Equal(t, 2, report.EstimatedAutoFixable)
	require.NotEmpty(t, report.FixRecommendations)
	assert.Equal(t, models.StrategyAddImport, report.FixRecommendations[0].Kind)
}

func TestAnalyzeRequiresOutput(t *testing.T) {
	srv, _ := newTestServer()
	router := srv.Router()

	w := doRequest(router, http.MethodPost, "/api/v1/analyze", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_REQUEST", resp.Code)
}

func TestStatusEndpoint(t *testing.T) {
	srv, coord := newTestServer()
	router := srv.Router()

	coord.RegisterWorker("fixer-1", "local", 4, nil)
	_, err := coord.Distribute(context.Background(), []string{"fix CS0246"})
	require.NoError(t, err)
	coord.Drain()

	w := doRequest(router, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status struct {
		Service string `json:"service"`
		Workers struct {
			Total  int `json:"total"`
			Active int `json:"active"`
		} `json:"workers"`
		Tasks struct {
			Total  int                       `json:"total"`
			Counts map[models.TaskStatus]int `json:"counts"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "buildfix", status.Service)
	assert.Equal(t, 1, status.Workers.Total)
	assert.Equal(t, 1, status.Workers.Active)
	assert.Equal(t, 1, status.Tasks.Counts[models.TaskStatusCompleted])
}

func TestWorkersEndpoint(t *testing.T) {
	srv, coord := newTestServer()
	router := srv.Router()

	coord.RegisterWorker("fixer-1", "local", 4, []string{"csharp"})
	coord.RegisterWorker("fixer-2", "10.0.0.9", 8, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Workers []models.Worker `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Workers, 2)
	assert.Equal(t, "fixer-1", resp.Workers[0].Name)
	assert.Equal(t, []string{"csharp"}, resp.Workers[0].Tags)
}

func TestTasksGroupedByStatus(t *testing.T) {
	srv, coord := newTestServer()
	router := srv.Router()

	coord.RegisterWorker("fixer-1", "local", 4, nil)
	_, err := coord.Distribute(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	coord.Drain()

	w := doRequest(router, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tasks map[models.TaskStatus][]models.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Tasks[models.TaskStatusCompleted], 2)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer()
	w := doRequest(srv.Router(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer()
	router := srv.Router()

	// Drive one analysis so the engine collectors are registered.
	body, _ := json.Marshal(analyzeRequest{Output: "error CS0246: missing type"})
	doRequest(router, http.MethodPost, "/api/v1/analyze", body)

	w := doRequest(router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "buildfix_")
}

func TestRegisterAndHeartbeatEndpoints(t *testing.T) {
	srv, _ := newTestServer()
	router := srv.Router()

	body, _ := json.Marshal(registerWorkerRequest{Name: "fixer-1", Host: "local"})
	w := doRequest(router, http.MethodPost, "/api/v1/workers", body)
	require.Equal(t, http.StatusCreated, w.Code)

	var worker models.Worker
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &worker))
	assert.NotEmpty(t, worker.ID)
	assert.Equal(t, 4, worker.Capacity, "capacity defaults when omitted")

	w = doRequest(router, http.MethodPost, "/api/v1/workers/"+worker.ID+"/heartbeat",
		[]byte(`{"cpu_percent": 20.5, "memory_mb": 1024}`))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/workers/unknown/heartbeat", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDistributeEndpoint(t *testing.T) {
	srv, coord := newTestServer()
	router := srv.Router()

	// No workers yet.
	body, _ := json.Marshal(distributeRequest{Tasks: []string{"fix CS0246"}})
	w := doRequest(router, http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	coord.RegisterWorker("fixer-1", "local", 4, nil)
	w = doRequest(router, http.MethodPost, "/api/v1/tasks", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	var assignment coordinator.Assignment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &assignment))
	require.Len(t, assignment.Tasks, 1)
	assert.Equal(t, models.TaskStatusAssigned, assignment.Tasks[0].Status)
	coord.Drain()
}

type slowRunner struct {
	delay time.Duration
}

func (r slowRunner) RunTask(ctx context.Context, _ string) (string, error) {
	select {
	case <-time.After(r.delay):
		return "fixed", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestDistributedTaskOutlivesRequest(t *testing.T) {
	srv, coord := newTestServerWithRunner(slowRunner{delay: 100 * time.Millisecond})

	// A real listener, so the request context is canceled as soon as the
	// handler writes the 202 and returns.
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(distributeRequest{Tasks: []string{"fix CS0246 batch"}})
	coord.RegisterWorker("fixer-1", "local", 4, nil)

	resp, err := http.Post(ts.URL+"/api/v1/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	coord.Drain()
	tasks := coord.Tasks()
	require.Len(t, tasks[models.TaskStatusCompleted], 1,
		"task running past the handler's return must still complete")
	assert.Empty(t, tasks[models.TaskStatusFailed])
}

func TestRegisterWorkerUsesConfiguredDefaultCapacity(t *testing.T) {
	srv, _ := newTestServer(WithDefaultCapacity(8))
	router := srv.Router()

	body, _ := json.Marshal(registerWorkerRequest{Name: "fixer-1", Host: "local"})
	w := doRequest(router, http.MethodPost, "/api/v1/workers", body)
	require.Equal(t, http.StatusCreated, w.Code)

	var worker models.Worker
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &worker))
	assert.Equal(t, 8, worker.Capacity)
}

func TestRateLimitRejectsBursts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewIPRateLimiter(60, 3)

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		w := doRequest(router, http.MethodGet, "/ping", nil)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes, http.StatusTooManyRequests)
}
