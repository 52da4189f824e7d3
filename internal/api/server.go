// Package api exposes the engine's reporting surface over HTTP: analysis
// submission, worker and task views, health, metrics, and the websocket
// event stream.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"buildfix/internal/analyzer"
	"buildfix/internal/buildloop"
	"buildfix/internal/coordinator"
	"buildfix/internal/events"
	"buildfix/internal/logging"
	"buildfix/internal/metrics"
	"buildfix/internal/strategy"
	"buildfix/pkg/models"
)

// Server wires the engine components behind the HTTP surface.
type Server struct {
	analyzer        *analyzer.Analyzer
	sampler         *analyzer.Sampler
	coordinator     *coordinator.Coordinator
	hub             *events.Hub
	loop            *buildloop.Loop
	limiter         *IPRateLimiter
	defaultCapacity int
	startedAt       time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithValidateLoop exposes the validate/rollback cycle over the API.
func WithValidateLoop(l *buildloop.Loop) Option {
	return func(s *Server) { s.loop = l }
}

// WithDefaultCapacity sets the capacity assigned to workers registering
// without one.
func WithDefaultCapacity(capacity int) Option {
	return func(s *Server) {
		if capacity > 0 {
			s.defaultCapacity = capacity
		}
	}
}

// New creates a Server. hub may be nil when the event stream is disabled.
func New(a *analyzer.Analyzer, s *analyzer.Sampler, coord *coordinator.Coordinator, hub *events.Hub, opts ...Option) *Server {
	srv := &Server{
		analyzer:        a,
		sampler:         s,
		coordinator:     coord,
		hub:             hub,
		limiter:         NewIPRateLimiter(1000, 50),
		defaultCapacity: 4,
		startedAt:       time.Now(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(Recovery(), RequestID(), s.limiter.Middleware())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/analyze", s.handleAnalyze)
		v1.GET("/status", s.handleStatus)
		v1.GET("/workers", s.handleWorkers)
		v1.POST("/workers", s.handleRegisterWorker)
		v1.POST("/workers/:id/heartbeat", s.handleHeartbeat)
		v1.GET("/tasks", s.handleTasks)
		v1.POST("/tasks", s.handleDistribute)
		if s.loop != nil {
			v1.POST("/validate", s.handleValidate)
		}
	}

	if s.hub != nil {
		router.GET("/ws/events", s.hub.ServeWS)
	}
	return router
}

type analyzeRequest struct {
	Output   string `json:"output" binding:"required"`
	Language string `json:"language"`
}

func (s *Server) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "output field is required",
			Code:      "INVALID_REQUEST",
			Timestamp: time.Now().UTC(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	start := time.Now()
	result := s.analyzer.Analyze(req.Output, req.Language)
	result = s.sampler.Apply(result)

	m := metrics.Get()
	m.AnalysisRunsTotal.Inc()
	m.AnalysisDuration.Observe(time.Since(start).Seconds())
	m.ErrorsObserved.Add(float64(result.TotalErrors))
	if result.SamplingEnabled {
		m.SampledRunsTotal.Inc()
	}

	report := models.AnalysisReport{
		AnalysisTimestamp:    time.Now().UTC(),
		Language:             result.Language,
		TotalErrors:          result.TotalErrors,
		SamplingEnabled:      result.SamplingEnabled,
		ErrorPatterns:        make(map[string]models.ErrorPattern, len(result.Patterns)),
		FixRecommendations:   strategy.Recommend(result.Patterns),
		EstimatedAutoFixable: strategy.EstimatedAutoFixable(result.Patterns),
	}
	for _, p := range result.Patterns {
		report.ErrorPatterns[p.Code] = p
	}

	if s.hub != nil {
		s.hub.Publish("analysis_completed", map[string]interface{}{
			"language":         report.Language,
			"total_errors":     report.TotalErrors,
			"sampling_enabled": report.SamplingEnabled,
			"patterns":         len(report.ErrorPatterns),
		})
	}

	logging.L().Info("analysis completed",
		zap.String("language", report.Language),
		zap.Int("total_errors", report.TotalErrors),
		zap.Int("patterns", len(report.ErrorPatterns)),
		zap.Bool("sampled", report.SamplingEnabled))

	c.JSON(http.StatusOK, report)
}

func (s *Server) handleStatus(c *gin.Context) {
	workers := s.coordinator.Workers()
	tasks := s.coordinator.Tasks()

	workerCounts := make(map[models.WorkerStatus]int)
	for _, w := range workers {
		workerCounts[w.Status]++
	}
	taskCounts := make(map[models.TaskStatus]int, len(tasks))
	total := 0
	for status, ts := range tasks {
		taskCounts[status] = len(ts)
		total += len(ts)
	}

	status := gin.H{
		"service":        "buildfix",
		"status":         "running",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"workers": gin.H{
			"total":  len(workers),
			"active": workerCounts[models.WorkerStatusActive],
			"counts": workerCounts,
		},
		"tasks": gin.H{
			"total":  total,
			"counts": taskCounts,
		},
	}
	if s.hub != nil {
		status["event_clients"] = s.hub.ClientCount()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": s.coordinator.Workers()})
}

func (s *Server) handleTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.coordinator.Tasks()})
}

type registerWorkerRequest struct {
	Name     string   `json:"name" binding:"required"`
	Host     string   `json:"host"`
	Capacity int      `json:"capacity"`
	Tags     []string `json:"tags"`
}

func (s *Server) handleRegisterWorker(c *gin.Context) {
	var req registerWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "name field is required",
			Code:      "INVALID_REQUEST",
			Timestamp: time.Now().UTC(),
			RequestID: c.GetString("request_id"),
		})
		return
	}
	if req.Capacity <= 0 {
		req.Capacity = s.defaultCapacity
	}

	w := s.coordinator.RegisterWorker(req.Name, req.Host, req.Capacity, req.Tags)
	c.JSON(http.StatusCreated, w)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var res models.WorkerResources
	_ = c.ShouldBindJSON(&res)

	if err := s.coordinator.Heartbeat(c.Param("id"), res); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     err.Error(),
			Code:      "UNKNOWN_WORKER",
			Timestamp: time.Now().UTC(),
			RequestID: c.GetString("request_id"),
		})
		return
	}
	c.Status(http.StatusNoContent)
}

type distributeRequest struct {
	Tasks []string `json:"tasks" binding:"required"`
}

func (s *Server) handleDistribute(c *gin.Context) {
	var req distributeRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Tasks) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "tasks field is required",
			Code:      "INVALID_REQUEST",
			Timestamp: time.Now().UTC(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	assignment, err := s.coordinator.Distribute(c.Request.Context(), req.Tasks)
	if err != nil {
		if errors.Is(err, coordinator.ErrNoWorkersAvailable) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error:     err.Error(),
				Code:      "NO_WORKERS_AVAILABLE",
				Timestamp: time.Now().UTC(),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			Code:      "DISTRIBUTION_FAILED",
			Timestamp: time.Now().UTC(),
			RequestID: c.GetString("request_id"),
		})
		return
	}
	c.JSON(http.StatusAccepted, assignment)
}

type validateRequest struct {
	WorkDir      string `json:"work_dir" binding:"required"`
	Language     string `json:"language" binding:"required"`
	SnapshotKey  string `json:"snapshot_key"`
	ErrorsBefore int    `json:"errors_before"`
}

func (s *Server) handleValidate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "work_dir and language fields are required",
			Code:      "INVALID_REQUEST",
			Timestamp: time.Now().UTC(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	v, err := s.loop.Validate(c.Request.Context(), req.WorkDir, req.Language, req.SnapshotKey, req.ErrorsBefore)
	if err != nil {
		code := "VALIDATION_FAILED"
		status := http.StatusInternalServerError
		if errors.Is(err, buildloop.ErrBuildInfrastructure) {
			code = "BUILD_INFRASTRUCTURE_FAILURE"
			status = http.StatusBadGateway
		}
		c.JSON(status, ErrorResponse{
			Error:     err.Error(),
			Code:      code,
			Timestamp: time.Now().UTC(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	if s.hub != nil {
		s.hub.Publish("validation_outcome", v)
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}
