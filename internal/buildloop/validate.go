// Package buildloop closes the fix cycle: it measures error counts by
// rebuilding, classifies the outcome against the pre-fix baseline, and
// rolls the working tree back from a snapshot when a fix made things
// worse.
package buildloop

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"buildfix/internal/analyzer"
	"buildfix/internal/executor"
	"buildfix/internal/logging"
	"buildfix/internal/metrics"
	"buildfix/pkg/models"
)

// ErrBuildInfrastructure marks a build that could not run at all: the
// toolchain is missing or the process could not start. It is distinct
// from a build that ran and reported errors, and it aborts the cycle
// rather than counting as a regression.
var ErrBuildInfrastructure = errors.New("build infrastructure failure")

// ErrUnsupportedLanguage is returned when no build command exists for
// the requested language.
var ErrUnsupportedLanguage = errors.New("no build command for language")

// Outcome classifies one validation against its baseline.
type Outcome string

const (
	// OutcomeSuccess: the post-fix error count is strictly lower.
	OutcomeSuccess Outcome = "success"
	// OutcomeNeutral: the count is unchanged. Not a failure; the fix
	// simply had no measurable effect.
	OutcomeNeutral Outcome = "neutral"
	// OutcomeRegressed: the count went up and the tree should be
	// restored from the pre-fix snapshot.
	OutcomeRegressed Outcome = "regressed"
)

// Verdict is the classified result of comparing two error counts.
type Verdict struct {
	Outcome Outcome `json:"outcome"`
	Before  int     `json:"errors_before"`
	After   int     `json:"errors_after"`
	// Delta is the reduction on success or the increase on regression,
	// always non-negative. Zero for neutral.
	Delta int `json:"delta"`
}

// Classify compares error counts before and after a fix attempt.
func Classify(before, after int) Verdict {
	v := Verdict{Before: before, After: after}
	switch {
	case after < before:
		v.Outcome = OutcomeSuccess
		v.Delta = before - after
	case after > before:
		v.Outcome = OutcomeRegressed
		v.Delta = after - before
	default:
		v.Outcome = OutcomeNeutral
	}
	return v
}

// BuildCommand returns the compile command used to measure error counts
// for a language.
func BuildCommand(language string) (string, []string, error) {
	switch strings.ToLower(language) {
	case analyzer.LangCSharp, "cs":
		return "dotnet", []string{"build", "--no-incremental", "-clp:ErrorsOnly;Summary"}, nil
	case analyzer.LangTypeScript, "ts":
		return "npx", []string{"tsc", "--noEmit"}, nil
	case analyzer.LangGo, "golang":
		return "go", []string{"build", "./..."}, nil
	case analyzer.LangRust, "rs":
		return "cargo", []string{"check"}, nil
	case analyzer.LangPython, "py":
		return "python", []string{"-m", "compileall", "-q", "."}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
}

// Validation is the full result of one measure-and-classify pass.
type Validation struct {
	Verdict
	Analysis   *models.AnalysisResult `json:"analysis"`
	RolledBack bool                   `json:"rolled_back"`
}

// Loop runs builds, compares counts, and restores snapshots.
type Loop struct {
	exec      *executor.Executor
	analyzer  *analyzer.Analyzer
	snapshots SnapshotStore

	// command resolves the build command per language. Overridable in
	// tests; defaults to BuildCommand.
	command func(language string) (string, []string, error)
}

// Option configures a Loop.
type Option func(*Loop)

// WithCommand overrides build command resolution.
func WithCommand(f func(language string) (string, []string, error)) Option {
	return func(l *Loop) { l.command = f }
}

// New creates a Loop. snapshots may be nil, in which case regressions
// are reported but not rolled back.
func New(exec *executor.Executor, a *analyzer.Analyzer, snapshots SnapshotStore, opts ...Option) *Loop {
	l := &Loop{
		exec:      exec,
		analyzer:  a,
		snapshots: snapshots,
		command:   BuildCommand,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Measure rebuilds workDir and returns the analyzed error count. A build
// that runs and fails is a normal measurement; a build that cannot start
// is an ErrBuildInfrastructure.
func (l *Loop) Measure(ctx context.Context, workDir, language string) (int, *models.AnalysisResult, error) {
	name, args, err := l.command(language)
	if err != nil {
		return 0, nil, err
	}

	res, err := l.exec.Run(ctx, workDir, name, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrBuildInfrastructure, err)
	}

	output := string(res.Stderr)
	if output == "" {
		output = string(res.Stdout)
	}
	result := l.analyzer.Analyze(output, language)

	logging.L().Debug("build measured",
		zap.String("language", language),
		zap.Int("exit_code", res.ExitCode),
		zap.Int("total_errors", result.TotalErrors),
		zap.Duration("duration", res.Duration))
	return result.TotalErrors, result, nil
}

// Snapshot archives workDir under the given key so a later regression
// can be undone.
func (l *Loop) Snapshot(ctx context.Context, key, workDir string) error {
	if l.snapshots == nil {
		return nil
	}
	return l.snapshots.Save(ctx, key, workDir)
}

// Validate rebuilds after a fix attempt and classifies the result
// against the baseline count. On regression the workDir is restored
// from snapshotKey when a snapshot store is configured; the regressed
// verdict is still reported.
func (l *Loop) Validate(ctx context.Context, workDir, language, snapshotKey string, before int) (*Validation, error) {
	after, result, err := l.Measure(ctx, workDir, language)
	if err != nil {
		return nil, err
	}

	v := &Validation{
		Verdict:  Classify(before, after),
		Analysis: result,
	}
	metrics.Get().ValidationsTotal.WithLabelValues(string(v.Outcome)).Inc()

	switch v.Outcome {
	case OutcomeSuccess:
		logging.L().Info("fix validated",
			zap.Int("before", before),
			zap.Int("after", after),
			zap.Int("fixed", v.Delta))

	case OutcomeNeutral:
		logging.L().Info("fix had no effect",
			zap.Int("errors", after))

	case OutcomeRegressed:
		logging.L().Warn("fix regressed the build",
			zap.Int("before", before),
			zap.Int("after", after),
			zap.Int("introduced", v.Delta))
		if l.snapshots != nil && snapshotKey != "" {
			if err := l.snapshots.Restore(ctx, snapshotKey, workDir); err != nil {
				return v, fmt.Errorf("rollback after regression: %w", err)
			}
			v.RolledBack = true
		}
	}
	return v, nil
}

// Discard deletes a snapshot that is no longer needed, typically after
// a successful validation.
func (l *Loop) Discard(ctx context.Context, key string) error {
	if l.snapshots == nil {
		return nil
	}
	return l.snapshots.Delete(ctx, key)
}
