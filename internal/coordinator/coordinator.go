// Package coordinator registers local and remote fix workers, tracks
// their liveness through heartbeats, and assigns tasks round-robin
// across the active set. Coordination state lives in shared registries
// inspected by polling; there is no central scheduler.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"buildfix/internal/lock"
	"buildfix/internal/logging"
	"buildfix/internal/metrics"
	"buildfix/internal/store"
	"buildfix/pkg/models"
)

var (
	// ErrNoWorkersAvailable fails a distribution called with zero active
	// workers. The coordinator itself keeps running.
	ErrNoWorkersAvailable = errors.New("no workers available")

	// ErrRemoteDispatch marks a transport-level failure; the task is
	// failed immediately and not retried. Retry policy is a caller
	// concern layered on top.
	ErrRemoteDispatch = errors.New("remote dispatch failed")

	// ErrUnknownWorker is returned for heartbeats from unregistered ids.
	ErrUnknownWorker = errors.New("unknown worker")
)

// Publisher receives coordination events for external sinks. Nil-safe.
type Publisher interface {
	Publish(event string, data interface{})
}

// Assignment is the outcome of one distribution call.
type Assignment struct {
	Tasks []models.Task `json:"tasks"`
}

// Coordinator owns the worker and task registries.
type Coordinator struct {
	mu      sync.RWMutex
	workers map[string]*models.Worker
	order   []string // registration order, keeps round-robin deterministic
	tasks   map[string]*models.Task

	staleness time.Duration
	local     Transport
	remote    Transport

	registry *store.Store
	events   Publisher
	locks    *lock.Manager

	inflight sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRegistry persists workers and tasks to the given store.
func WithRegistry(s *store.Store) Option {
	return func(c *Coordinator) { c.registry = s }
}

// WithPublisher forwards task and worker events to an external sink.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.events = p }
}

// WithLockManager lets dead-worker cleanup release the worker's file locks.
func WithLockManager(m *lock.Manager) Option {
	return func(c *Coordinator) { c.locks = m }
}

// New creates a Coordinator. staleness is the heartbeat age beyond which
// a worker is demoted (reference: 120s).
func New(staleness time.Duration, local, remote Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		workers:   make(map[string]*models.Worker),
		tasks:     make(map[string]*models.Task),
		staleness: staleness,
		local:     local,
		remote:    remote,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterWorker adds a worker with initial status active.
func (c *Coordinator) RegisterWorker(name, host string, capacity int, tags []string) *models.Worker {
	now := time.Now()
	w := &models.Worker{
		ID:            uuid.NewString(),
		Name:          name,
		Host:          host,
		Capacity:      capacity,
		Tags:          tags,
		Status:        models.WorkerStatusActive,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}

	c.mu.Lock()
	c.workers[w.ID] = w
	c.order = append(c.order, w.ID)
	c.mu.Unlock()

	c.persistWorker(w)
	c.publish("worker_registered", *w)
	metrics.Get().ActiveWorkers.Inc()
	logging.L().Info("worker registered",
		zap.String("worker_id", w.ID),
		zap.String("name", name),
		zap.String("host", host),
		zap.Int("capacity", capacity))
	return copyWorker(w)
}

// Heartbeat records a fresh liveness signal and reactivates the worker
// regardless of its previous status.
func (c *Coordinator) Heartbeat(workerID string, res models.WorkerResources) error {
	c.mu.Lock()
	w, ok := c.workers[workerID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	wasInactive := w.Status != models.WorkerStatusActive
	w.Status = models.WorkerStatusActive
	w.LastHeartbeat = time.Now()
	w.Resources = res
	snapshot := copyWorker(w)
	c.mu.Unlock()

	if wasInactive {
		metrics.Get().ActiveWorkers.Inc()
		logging.L().Info("worker reactivated", zap.String("worker_id", workerID))
	}
	c.persistWorker(snapshot)
	return nil
}

// HeartbeatCheck demotes workers whose last heartbeat is older than the
// staleness threshold and probes remote workers that look alive. Local
// workers get their resource stats refreshed instead of a probe.
func (c *Coordinator) HeartbeatCheck(ctx context.Context) {
	now := time.Now()

	for _, w := range c.Workers() {
		switch {
		case now.Sub(w.LastHeartbeat) > c.staleness:
			demoted := models.WorkerStatusInactive
			if !w.Local() {
				demoted = models.WorkerStatusUnreachable
			}
			if c.setWorkerStatus(w.ID, demoted) {
				metrics.Get().HeartbeatFailures.Inc()
				metrics.Get().ActiveWorkers.Dec()
				c.publish("worker_demoted", map[string]string{
					"worker_id": w.ID,
					"status":    string(demoted),
				})
				logging.L().Warn("worker demoted on stale heartbeat",
					zap.String("worker_id", w.ID),
					zap.Duration("age", now.Sub(w.LastHeartbeat)))
			}

		case w.Local():
			if w.Status == models.WorkerStatusActive {
				c.refreshLocalResources(w.ID)
			}

		default:
			if w.Status != models.WorkerStatusActive {
				continue
			}
			if err := c.remote.Probe(ctx, w.Host); err != nil {
				if c.setWorkerStatus(w.ID, models.WorkerStatusUnreachable) {
					metrics.Get().HeartbeatFailures.Inc()
					metrics.Get().ActiveWorkers.Dec()
					logging.L().Warn("worker probe failed",
						zap.String("worker_id", w.ID),
						zap.String("host", w.Host),
						zap.Error(err))
				}
			}
		}
	}
}

// StartHeartbeatLoop runs HeartbeatCheck on the given interval until the
// context ends.
func (c *Coordinator) StartHeartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.HeartbeatCheck(ctx)
			}
		}
	}()
}

// Distribute assigns task contents round-robin across a snapshot of the
// active worker set taken before any assignment; registration during
// distribution affects only later calls. Dispatch is asynchronous; the
// returned assignment reflects the assigned state.
func (c *Coordinator) Distribute(ctx context.Context, contents []string) (*Assignment, error) {
	active := c.activeSnapshot()
	if len(active) == 0 {
		return nil, ErrNoWorkersAvailable
	}

	// Dispatch outlives the caller: a request-scoped ctx is canceled the
	// moment the handler returns, which must not fail in-flight tasks.
	// Values (trace ids) survive, cancellation does not.
	dispatchCtx := context.WithoutCancel(ctx)

	now := time.Now()
	assignment := &Assignment{Tasks: make([]models.Task, 0, len(contents))}

	for i, content := range contents {
		worker := active[i%len(active)]
		task := &models.Task{
			ID:         uuid.NewString(),
			WorkerID:   worker.ID,
			Content:    content,
			Status:     models.TaskStatusAssigned,
			CreatedAt:  now,
			AssignedAt: now,
		}

		c.mu.Lock()
		c.tasks[task.ID] = task
		c.mu.Unlock()

		c.persistTask(task)
		assignment.Tasks = append(assignment.Tasks, *task)

		c.inflight.Add(1)
		go func(t models.Task, w models.Worker) {
			defer c.inflight.Done()
			c.dispatch(dispatchCtx, t, w)
		}(*task, worker)
	}

	logging.L().Info("tasks distributed",
		zap.Int("tasks", len(contents)),
		zap.Int("workers", len(active)))
	return assignment, nil
}

// Drain blocks until every in-flight dispatch has finished.
func (c *Coordinator) Drain() {
	c.inflight.Wait()
}

func (c *Coordinator) dispatch(ctx context.Context, task models.Task, worker models.Worker) {
	transport := c.remote
	if worker.Local() {
		transport = c.local
	}

	c.setTaskStatus(task.ID, models.TaskStatusRunning, "", "")

	handle, err := transport.Send(ctx, Payload{
		TaskID:  task.ID,
		Host:    worker.Host,
		Content: task.Content,
	})
	if err != nil {
		c.setTaskStatus(task.ID, models.TaskStatusFailed, "",
			fmt.Errorf("%w: %v", ErrRemoteDispatch, err).Error())
		return
	}

	output, err := transport.Await(ctx, handle)
	if err != nil {
		c.setTaskStatus(task.ID, models.TaskStatusFailed, output, err.Error())
		return
	}
	c.setTaskStatus(task.ID, models.TaskStatusCompleted, output, "")
}

// CleanupDeadWorkers deletes workers stale beyond maxAge and releases
// any file locks they still hold.
func (c *Coordinator) CleanupDeadWorkers(maxAge time.Duration) int {
	now := time.Now()
	removed := 0

	for _, w := range c.Workers() {
		if now.Sub(w.LastHeartbeat) <= maxAge {
			continue
		}

		c.mu.Lock()
		delete(c.workers, w.ID)
		for i, id := range c.order {
			if id == w.ID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		c.mu.Unlock()

		if c.locks != nil {
			c.locks.ReleaseAll(w.ID)
		}
		if c.registry != nil {
			if err := c.registry.DeleteWorker(w.ID); err != nil {
				logging.L().Warn("failed to delete worker record",
					zap.String("worker_id", w.ID), zap.Error(err))
			}
		}
		removed++
		logging.L().Info("dead worker removed",
			zap.String("worker_id", w.ID),
			zap.Duration("last_seen", now.Sub(w.LastHeartbeat)))
	}
	return removed
}

// Workers returns a copy of every registered worker in registration order.
func (c *Coordinator) Workers() []models.Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Worker, 0, len(c.order))
	for _, id := range c.order {
		if w, ok := c.workers[id]; ok {
			out = append(out, *copyWorker(w))
		}
	}
	return out
}

// Tasks returns every task grouped by status.
func (c *Coordinator) Tasks() map[models.TaskStatus][]models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[models.TaskStatus][]models.Task)
	for _, t := range c.tasks {
		out[t.Status] = append(out[t.Status], *t)
	}
	return out
}

func (c *Coordinator) activeSnapshot() []models.Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Worker, 0, len(c.order))
	for _, id := range c.order {
		if w, ok := c.workers[id]; ok && w.Status == models.WorkerStatusActive {
			out = append(out, *copyWorker(w))
		}
	}
	return out
}

func (c *Coordinator) setWorkerStatus(workerID string, status models.WorkerStatus) bool {
	c.mu.Lock()
	w, ok := c.workers[workerID]
	if !ok || w.Status == status {
		c.mu.Unlock()
		return false
	}
	w.Status = status
	snapshot := copyWorker(w)
	c.mu.Unlock()

	c.persistWorker(snapshot)
	return true
}

func (c *Coordinator) setTaskStatus(taskID string, status models.TaskStatus, result, errMsg string) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok || t.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	t.Status = status
	if result != "" {
		t.Result = result
	}
	if errMsg != "" {
		t.Error = errMsg
	}
	if status.Terminal() {
		now := time.Now()
		t.CompletedAt = &now
	}
	snapshot := *t
	c.mu.Unlock()

	if status.Terminal() {
		metrics.Get().TasksTotal.WithLabelValues(string(status)).Inc()
	}
	c.persistTask(&snapshot)
	c.publish("task_status", snapshot)
}

func (c *Coordinator) refreshLocalResources(workerID string) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	c.mu.Lock()
	if w, ok := c.workers[workerID]; ok {
		w.Resources.MemoryMB = int64(ms.Sys / (1 << 20))
		w.Resources.CPUPercent = float64(runtime.NumGoroutine()) / float64(runtime.NumCPU())
	}
	c.mu.Unlock()
}

func (c *Coordinator) persistWorker(w *models.Worker) {
	if c.registry == nil {
		return
	}
	if err := c.registry.SaveWorker(*w); err != nil {
		logging.L().Warn("failed to persist worker",
			zap.String("worker_id", w.ID), zap.Error(err))
	}
}

func (c *Coordinator) persistTask(t *models.Task) {
	if c.registry == nil {
		return
	}
	if err := c.registry.SaveTask(*t); err != nil {
		logging.L().Warn("failed to persist task",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (c *Coordinator) publish(event string, data interface{}) {
	if c.events != nil {
		c.events.Publish(event, data)
	}
}

func copyWorker(w *models.Worker) *models.Worker {
	cp := *w
	cp.Tags = append([]string(nil), w.Tags...)
	return &cp
}
