package buildloop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildfix/internal/analyzer"
	"buildfix/internal/executor"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		before  int
		after   int
		outcome Outcome
		delta   int
	}{
		{"reduction is success", 42, 10, OutcomeSuccess, 32},
		{"unchanged is neutral", 10, 10, OutcomeNeutral, 0},
		{"increase is regression", 10, 15, OutcomeRegressed, 5},
		{"clean build stays neutral", 0, 0, OutcomeNeutral, 0},
		{"full fix is success", 7, 0, OutcomeSuccess, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Classify(tt.before, tt.after)
			assert.Equal(t, tt.outcome, v.Outcome)
			assert.Equal(t, tt.delta, v.Delta)
			assert.Equal(t, tt.before, v.Before)
			assert.Equal(t, tt.after, v.After)
		})
	}
}

func TestBuildCommandTable(t *testing.T) {
	name, args, err := BuildCommand("csharp")
	require.NoError(t, err)
	assert.Equal(t, "dotnet", name)
	assert.Contains(t, args, "build")

	name, _, err = BuildCommand("TypeScript")
	require.NoError(t, err)
	assert.Equal(t, "npx", name)

	_, _, err = BuildCommand("cobol")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

// fakeBuild swaps the build command for a shell one-liner so tests do
// not need real toolchains installed.
func fakeBuild(script string) Option {
	return WithCommand(func(string) (string, []string, error) {
		return "sh", []string{"-c", script}, nil
	})
}

func newTestLoop(t *testing.T, snapshots SnapshotStore, opts ...Option) *Loop {
	t.Helper()
	exec := executor.New(30*time.Second, time.Second)
	return New(exec, analyzer.New(), snapshots, opts...)
}

func TestMeasureCountsErrors(t *testing.T) {
	l := newTestLoop(t, nil, fakeBuild(
		`printf 'App.cs(3,14): error CS0246: type not found\nApp.cs(9,1): error CS0246: type not found\n' >&2; exit 1`))

	count, result, err := l.Measure(context.Background(), t.TempDir(), "csharp")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.Len(t, result.Patterns, 1)
	assert.Equal(t, "CS0246", result.Patterns[0].Code)
}

func TestMeasureInfrastructureFailure(t *testing.T) {
	l := newTestLoop(t, nil, WithCommand(func(string) (string, []string, error) {
		return "/nonexistent/compiler-binary", nil, nil
	}))

	_, _, err := l.Measure(context.Background(), t.TempDir(), "csharp")
	assert.ErrorIs(t, err, ErrBuildInfrastructure)
}

func TestValidateSuccess(t *testing.T) {
	l := newTestLoop(t, nil, fakeBuild(`echo 'Build succeeded.'`))

	v, err := l.Validate(context.Background(), t.TempDir(), "csharp", "", 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, v.Outcome)
	assert.False(t, v.RolledBack)
}

func TestValidateRegressionRollsBack(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "App.cs"), []byte("original"), 0644))

	store, err := NewLocalSnapshotStore(t.TempDir())
	require.NoError(t, err)

	l := newTestLoop(t, store, fakeBuild(
		`printf 'App.cs(1,1): error CS0246: a\nApp.cs(2,1): error CS0246: b\nApp.cs(3,1): error CS0101: c\n' >&2; exit 1`))

	ctx := context.Background()
	require.NoError(t, l.Snapshot(ctx, "pre-fix", workDir))

	// A bad fix clobbers the file, and the rebuild reports more errors
	// than the baseline of 1.
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "App.cs"), []byte("broken"), 0644))

	v, err := l.Validate(ctx, workDir, "csharp", "pre-fix", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRegressed, v.Outcome)
	assert.Equal(t, 2, v.Delta)
	assert.True(t, v.RolledBack)

	content, err := os.ReadFile(filepath.Join(workDir, "App.cs"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(content))
}

func TestValidateNeutralDoesNotRollBack(t *testing.T) {
	store, err := NewLocalSnapshotStore(t.TempDir())
	require.NoError(t, err)

	l := newTestLoop(t, store, fakeBuild(
		`printf 'App.cs(1,1): error CS0246: a\n' >&2; exit 1`))

	v, err := l.Validate(context.Background(), t.TempDir(), "csharp", "pre-fix", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeutral, v.Outcome)
	assert.False(t, v.RolledBack)
}

func TestLocalSnapshotRoundTrip(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "src"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "src", "main.cs"), []byte("class Program {}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "app.csproj"), []byte("<Project/>"), 0644))

	store, err := NewLocalSnapshotStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "snap-1", workDir))

	require.NoError(t, os.WriteFile(filepath.Join(workDir, "src", "main.cs"), []byte("garbage"), 0644))
	require.NoError(t, os.Remove(filepath.Join(workDir, "app.csproj")))

	require.NoError(t, store.Restore(ctx, "snap-1", workDir))

	content, err := os.ReadFile(filepath.Join(workDir, "src", "main.cs"))
	require.NoError(t, err)
	assert.Equal(t, "class Program {}", string(content))
	_, err = os.Stat(filepath.Join(workDir, "app.csproj"))
	assert.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "snap-1"))
	assert.Error(t, store.Restore(ctx, "snap-1", workDir))
	// Deleting a missing snapshot is not an error.
	assert.NoError(t, store.Delete(ctx, "snap-1"))
}
