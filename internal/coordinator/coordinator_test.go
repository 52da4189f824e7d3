package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildfix/pkg/models"
)

type echoRunner struct {
	mu    sync.Mutex
	runs  []string
	fail  bool
	delay time.Duration
}

func (r *echoRunner) RunTask(ctx context.Context, content string) (string, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return "", errors.New("agent exploded")
	}
	r.runs = append(r.runs, content)
	return "done: " + content, nil
}

type failingTransport struct{}

func (failingTransport) Send(context.Context, Payload) (*Handle, error) {
	return nil, errors.New("connection refused")
}
func (failingTransport) Await(context.Context, *Handle) (string, error) {
	return "", errors.New("unreachable")
}
func (failingTransport) Probe(context.Context, string) error {
	return errors.New("unreachable")
}

func newTestCoordinator(runner TaskRunner) *Coordinator {
	return New(120*time.Second, NewLocalTransport(runner), failingTransport{})
}

func TestRegisterWorkerInitiallyActive(t *testing.T) {
	c := newTestCoordinator(&echoRunner{})

	w := c.RegisterWorker("fixer-1", "local", 4, []string{"csharp"})

	assert.NotEmpty(t, w.ID)
	assert.Equal(t, models.WorkerStatusActive, w.Status)
	assert.True(t, w.Local())
	assert.WithinDuration(t, time.Now(), w.LastHeartbeat, time.Second)
}

func TestDistributeFailsWithNoWorkers(t *testing.T) {
	c := newTestCoordinator(&echoRunner{})

	_, err := c.Distribute(context.Background(), []string{"fix CS0246"})

	assert.ErrorIs(t, err, ErrNoWorkersAvailable)
}

func TestDistributeRoundRobin(t *testing.T) {
	runner := &echoRunner{}
	c := newTestCoordinator(runner)

	w1 := c.RegisterWorker("fixer-1", "local", 4, nil)
	w2 := c.RegisterWorker("fixer-2", "local", 4, nil)
	w3 := c.RegisterWorker("fixer-3", "local", 4, nil)

	var contents []string
	for i := 0; i < 7; i++ {
		contents = append(contents, fmt.Sprintf("task-%d", i))
	}

	assignment, err := c.Distribute(context.Background(), contents)
	require.NoError(t, err)
	require.Len(t, assignment.Tasks, 7)

	// Deterministic wrap across the snapshot in registration order.
	expected := []string{w1.ID, w2.ID, w3.ID, w1.ID, w2.ID, w3.ID, w1.ID}
	for i, task := range assignment.Tasks {
		assert.Equal(t, expected[i], task.WorkerID, "task %d", i)
	}

	c.Drain()
	tasks := c.Tasks()
	assert.Len(t, tasks[models.TaskStatusCompleted], 7)
}

func TestStaleWorkerExcludedAndReincluded(t *testing.T) {
	c := newTestCoordinator(&echoRunner{})

	w1 := c.RegisterWorker("fixer-1", "local", 4, nil)
	w2 := c.RegisterWorker("fixer-2", "local", 4, nil)
	stale := c.RegisterWorker("fixer-3", "local", 4, nil)

	// Backdate the third worker beyond the staleness threshold.
	c.mu.Lock()
	c.workers[stale.ID].LastHeartbeat = time.Now().Add(-130 * time.Second)
	c.mu.Unlock()

	c.HeartbeatCheck(context.Background())

	assignment, err := c.Distribute(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	// Only the two fresh workers participate, wrapping after the second.
	expected := []string{w1.ID, w2.ID, w1.ID}
	for i, task := range assignment.Tasks {
		assert.Equal(t, expected[i], task.WorkerID, "task %d", i)
	}

	// A fresh heartbeat re-includes it immediately.
	require.NoError(t, c.Heartbeat(stale.ID, models.WorkerResources{}))
	assignment, err = c.Distribute(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, stale.ID, assignment.Tasks[2].WorkerID)

	c.Drain()
}

func TestHeartbeatCheckDemotesByLocality(t *testing.T) {
	c := newTestCoordinator(&echoRunner{})

	local := c.RegisterWorker("local-1", "local", 4, nil)
	remote := c.RegisterWorker("remote-1", "10.0.0.9", 4, nil)

	c.mu.Lock()
	c.workers[local.ID].LastHeartbeat = time.Now().Add(-3 * time.Minute)
	c.workers[remote.ID].LastHeartbeat = time.Now().Add(-3 * time.Minute)
	c.mu.Unlock()

	c.HeartbeatCheck(context.Background())

	workers := c.Workers()
	byID := map[string]models.Worker{}
	for _, w := range workers {
		byID[w.ID] = w
	}
	assert.Equal(t, models.WorkerStatusInactive, byID[local.ID].Status)
	assert.Equal(t, models.WorkerStatusUnreachable, byID[remote.ID].Status)
}

func TestRemoteProbeFailureDemotes(t *testing.T) {
	c := newTestCoordinator(&echoRunner{})

	remote := c.RegisterWorker("remote-1", "10.0.0.9", 4, nil)

	// Fresh heartbeat, but the probe fails.
	c.HeartbeatCheck(context.Background())

	byID := map[string]models.Worker{}
	for _, w := range c.Workers() {
		byID[w.ID] = w
	}
	assert.Equal(t, models.WorkerStatusUnreachable, byID[remote.ID].Status)
}

func TestRemoteDispatchFailureFailsTaskWithoutRetry(t *testing.T) {
	c := newTestCoordinator(&echoRunner{})
	// Remote worker, failing transport, no probe demotion beforehand.
	c.RegisterWorker("remote-1", "10.0.0.9", 4, nil)

	assignment, err := c.Distribute(context.Background(), []string{"fix things"})
	require.NoError(t, err)
	require.Len(t, assignment.Tasks, 1)

	c.Drain()
	tasks := c.Tasks()
	require.Len(t, tasks[models.TaskStatusFailed], 1)
	failed := tasks[models.TaskStatusFailed][0]
	assert.Contains(t, failed.Error, "remote dispatch failed")
	assert.NotNil(t, failed.CompletedAt)
}

func TestLocalRunnerFailureFailsTask(t *testing.T) {
	c := newTestCoordinator(&echoRunner{fail: true})
	c.RegisterWorker("fixer-1", "local", 4, nil)

	_, err := c.Distribute(context.Background(), []string{"fix things"})
	require.NoError(t, err)
	c.Drain()

	tasks := c.Tasks()
	require.Len(t, tasks[models.TaskStatusFailed], 1)
	assert.Contains(t, tasks[models.TaskStatusFailed][0].Error, "agent exploded")
}

func TestDispatchSurvivesCallerContextCancel(t *testing.T) {
	c := newTestCoordinator(&echoRunner{delay: 50 * time.Millisecond})
	c.RegisterWorker("fixer-1", "local", 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.Distribute(ctx, []string{"slow fix"})
	require.NoError(t, err)

	// The caller's context goes away right after Distribute returns,
	// like an HTTP handler's request context does.
	cancel()

	c.Drain()
	tasks := c.Tasks()
	require.Len(t, tasks[models.TaskStatusCompleted], 1,
		"in-flight task must not fail when the distributing caller's context ends")
	assert.Empty(t, tasks[models.TaskStatusFailed])
}

func TestTerminalStatusesAbsorbing(t *testing.T) {
	c := newTestCoordinator(&echoRunner{})
	c.RegisterWorker("fixer-1", "local", 4, nil)

	assignment, err := c.Distribute(context.Background(), []string{"work"})
	require.NoError(t, err)
	c.Drain()

	taskID := assignment.Tasks[0].ID
	c.setTaskStatus(taskID, models.TaskStatusRunning, "", "")

	tasks := c.Tasks()
	assert.Len(t, tasks[models.TaskStatusCompleted], 1, "terminal state must not regress")
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	c := newTestCoordinator(&echoRunner{})
	assert.ErrorIs(t, c.Heartbeat("nope", models.WorkerResources{}), ErrUnknownWorker)
}

func TestCleanupDeadWorkersReleasesThem(t *testing.T) {
	c := newTestCoordinator(&echoRunner{})

	w := c.RegisterWorker("fixer-1", "local", 4, nil)
	c.mu.Lock()
	c.workers[w.ID].LastHeartbeat = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	assert.Equal(t, 1, c.CleanupDeadWorkers(10*time.Minute))
	assert.Empty(t, c.Workers())
}
