package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	e := New(5*time.Second, time.Second)

	res, err := e.Run(context.Background(), t.TempDir(), "sh", "-c", "echo out; echo err >&2; exit 3")

	require.NoError(t, err)
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestRunZeroExit(t *testing.T) {
	e := New(5*time.Second, time.Second)

	res, err := e.Run(context.Background(), t.TempDir(), "true")

	require.NoError(t, err)
	assert.Zero(t, res.ExitCode)
}

func TestRunTimesOut(t *testing.T) {
	e := New(200*time.Millisecond, 100*time.Millisecond)

	start := time.Now()
	res, err := e.Run(context.Background(), t.TempDir(), "sleep", "30")

	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, 124, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunMissingBinaryIsInfrastructureError(t *testing.T) {
	e := New(time.Second, time.Second)

	_, err := e.Run(context.Background(), t.TempDir(), "definitely-not-a-binary-1b2c3")

	assert.Error(t, err)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	e := New(time.Minute, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := e.Run(ctx, t.TempDir(), "sleep", "30")

	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 124, res.ExitCode)
}
