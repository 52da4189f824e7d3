// Package models holds the shared domain types of the build-fix
// orchestration engine: structured error intelligence produced by the
// analyzer, fix strategies, and the worker/task registry records exposed
// to external dashboards.
package models

import (
	"time"
)

// Severity of a single error record.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ErrorRecord is one structured error extracted from a matched line of
// raw build-tool output. Immutable once created.
type ErrorRecord struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	Severity Severity `json:"severity"`
	Raw      string   `json:"-"`
}

// ErrorPattern aggregates all records sharing one error code across a
// single analysis run.
type ErrorPattern struct {
	Code       string   `json:"code"`
	Count      int      `json:"count"`
	Percentage float64  `json:"percentage"`
	Examples   []string `json:"example_instances,omitempty"`
	Fixable    bool     `json:"fixable"`
}

// AnalysisResult is the raw output of the analyzer before strategy
// mapping: counts, records, and per-code patterns.
type AnalysisResult struct {
	Language        string         `json:"language"`
	TotalErrors     int            `json:"total_errors"`
	SamplingEnabled bool           `json:"sampling_enabled"`
	Records         []ErrorRecord  `json:"records,omitempty"`
	Patterns        []ErrorPattern `json:"patterns"`
}

// StrategyKind names a mechanical fix approach from the policy table.
type StrategyKind string

const (
	StrategyAddImport       StrategyKind = "add_import"
	StrategyDefineSymbol    StrategyKind = "define_symbol"
	StrategyImplementMember StrategyKind = "implement_member"
	StrategyNullGuard       StrategyKind = "null_guard"
	StrategyRemoveUnused    StrategyKind = "remove_unused"
	StrategyTypeConversion  StrategyKind = "type_conversion"
	StrategyRenameDuplicate StrategyKind = "rename_duplicate"
	StrategyAddAwait        StrategyKind = "add_await"
	StrategyManualReview    StrategyKind = "manual_review"
)

// FixStrategy is a candidate fix for one error pattern. BulkFix means the
// strategy is confident enough to apply without per-instance review.
type FixStrategy struct {
	PatternCode string       `json:"pattern_code"`
	Kind        StrategyKind `json:"strategy_kind"`
	Confidence  float64      `json:"confidence"`
	BulkFix     bool         `json:"bulk_fix"`
	Template    string       `json:"template,omitempty"`
}

// AnalysisReport is the hand-off contract to external reporting and
// notification collaborators.
type AnalysisReport struct {
	AnalysisTimestamp    time.Time               `json:"analysis_timestamp"`
	Language             string                  `json:"language"`
	TotalErrors          int                     `json:"total_errors"`
	SamplingEnabled      bool                    `json:"sampling_enabled"`
	ErrorPatterns        map[string]ErrorPattern `json:"error_patterns"`
	FixRecommendations   []FixStrategy           `json:"fix_recommendations"`
	EstimatedAutoFixable int                     `json:"estimated_auto_fixable"`
}

// WorkerStatus of a registered worker.
type WorkerStatus string

const (
	WorkerStatusActive      WorkerStatus = "active"
	WorkerStatusInactive    WorkerStatus = "inactive"
	WorkerStatusUnreachable WorkerStatus = "unreachable"
)

// WorkerResources is the last observed resource snapshot for a worker.
type WorkerResources struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   int64   `json:"memory_mb"`
	DiskFreeGB float64 `json:"disk_free_gb"`
}

// Worker is a registered fix worker, local or remote.
type Worker struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Host          string          `json:"host"`
	Capacity      int             `json:"capacity"`
	Tags          []string        `json:"tags,omitempty"`
	Status        WorkerStatus    `json:"status"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	Resources     WorkerResources `json:"resources"`
	RegisteredAt  time.Time       `json:"registered_at"`
}

// Local reports whether the worker executes in-process.
func (w *Worker) Local() bool {
	return w.Host == "" || w.Host == "local" || w.Host == "localhost"
}

// TaskStatus of a distributed task. Completed and failed are terminal.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is one unit of fix/analysis work assigned to a worker. Content is
// opaque to the coordinator.
type Task struct {
	ID          string     `json:"id"`
	WorkerID    string     `json:"worker_id,omitempty"`
	Content     string     `json:"content"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  time.Time  `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}
