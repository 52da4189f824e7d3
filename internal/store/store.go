// Package store persists the worker, task, and lock registries. Each
// record is independently readable and writable by a stable identifier;
// no cross-registry transactions are assumed.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"buildfix/pkg/models"
)

// Store wraps the GORM database instance.
type Store struct {
	db *gorm.DB
}

// WorkerRecord is the persisted form of a worker.
type WorkerRecord struct {
	ID            string `gorm:"primaryKey"`
	Name          string
	Host          string
	Capacity      int
	Tags          string // comma-separated
	Status        string `gorm:"index"`
	LastHeartbeat time.Time
	CPUPercent    float64
	MemoryMB      int64
	DiskFreeGB    float64
	RegisteredAt  time.Time
	UpdatedAt     time.Time
}

// TaskRecord is the persisted form of a task.
type TaskRecord struct {
	ID          string `gorm:"primaryKey"`
	WorkerID    string `gorm:"index"`
	Content     string
	Status      string `gorm:"index"`
	CreatedAt   time.Time
	AssignedAt  time.Time
	CompletedAt *time.Time
	Result      string
	Error       string
}

// LockRecord is the persisted form of a file lock.
type LockRecord struct {
	FilePath      string `gorm:"primaryKey"`
	HolderAgentID string `gorm:"index"`
	ClaimedAt     time.Time
}

// Open connects to the registry database. A postgres:// URL selects the
// postgres driver; anything else is treated as a sqlite file path.
func Open(databaseURL string) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(databaseURL), gormConfig)
	} else {
		db, err = gorm.Open(sqlite.Open(databaseURL), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&WorkerRecord{}, &TaskRecord{}, &LockRecord{}); err != nil {
		return nil, fmt.Errorf("registry migration failed: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveWorker upserts a worker record.
func (s *Store) SaveWorker(w models.Worker) error {
	rec := toWorkerRecord(w)
	return s.db.Save(&rec).Error
}

// DeleteWorker removes a worker record.
func (s *Store) DeleteWorker(id string) error {
	return s.db.Delete(&WorkerRecord{}, "id = ?", id).Error
}

// ListWorkers returns all persisted workers.
func (s *Store) ListWorkers() ([]models.Worker, error) {
	var recs []WorkerRecord
	if err := s.db.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	out := make([]models.Worker, 0, len(recs))
	for _, r := range recs {
		out = append(out, toWorkerDomain(r))
	}
	return out, nil
}

// SaveTask upserts a task record.
func (s *Store) SaveTask(t models.Task) error {
	rec := toTaskRecord(t)
	return s.db.Save(&rec).Error
}

// ListTasks returns all persisted tasks, newest first.
func (s *Store) ListTasks() ([]models.Task, error) {
	var recs []TaskRecord
	if err := s.db.Order("created_at desc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]models.Task, 0, len(recs))
	for _, r := range recs {
		out = append(out, toTaskDomain(r))
	}
	return out, nil
}

// CountTasksByStatus returns task counts grouped by status.
func (s *Store) CountTasksByStatus() (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := s.db.Model(&TaskRecord{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// SaveLock records a held file lock. Satisfies lock.Recorder.
func (s *Store) SaveLock(filePath, holderAgentID string, claimedAt time.Time) error {
	return s.db.Save(&LockRecord{
		FilePath:      filePath,
		HolderAgentID: holderAgentID,
		ClaimedAt:     claimedAt,
	}).Error
}

// DeleteLock removes a lock record.
func (s *Store) DeleteLock(filePath string) error {
	return s.db.Delete(&LockRecord{}, "file_path = ?", filePath).Error
}

// ListLocks returns all persisted locks.
func (s *Store) ListLocks() ([]LockRecord, error) {
	var recs []LockRecord
	if err := s.db.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	return recs, nil
}

func toWorkerRecord(w models.Worker) WorkerRecord {
	return WorkerRecord{
		ID:            w.ID,
		Name:          w.Name,
		Host:          w.Host,
		Capacity:      w.Capacity,
		Tags:          strings.Join(w.Tags, ","),
		Status:        string(w.Status),
		LastHeartbeat: w.LastHeartbeat,
		CPUPercent:    w.Resources.CPUPercent,
		MemoryMB:      w.Resources.MemoryMB,
		DiskFreeGB:    w.Resources.DiskFreeGB,
		RegisteredAt:  w.RegisteredAt,
	}
}

func toWorkerDomain(r WorkerRecord) models.Worker {
	var tags []string
	if r.Tags != "" {
		tags = strings.Split(r.Tags, ",")
	}
	return models.Worker{
		ID:            r.ID,
		Name:          r.Name,
		Host:          r.Host,
		Capacity:      r.Capacity,
		Tags:          tags,
		Status:        models.WorkerStatus(r.Status),
		LastHeartbeat: r.LastHeartbeat,
		Resources: models.WorkerResources{
			CPUPercent: r.CPUPercent,
			MemoryMB:   r.MemoryMB,
			DiskFreeGB: r.DiskFreeGB,
		},
		RegisteredAt: r.RegisteredAt,
	}
}

func toTaskRecord(t models.Task) TaskRecord {
	return TaskRecord{
		ID:          t.ID,
		WorkerID:    t.WorkerID,
		Content:     t.Content,
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt,
		AssignedAt:  t.AssignedAt,
		CompletedAt: t.CompletedAt,
		Result:      t.Result,
		Error:       t.Error,
	}
}

func toTaskDomain(r TaskRecord) models.Task {
	return models.Task{
		ID:          r.ID,
		WorkerID:    r.WorkerID,
		Content:     r.Content,
		Status:      models.TaskStatus(r.Status),
		CreatedAt:   r.CreatedAt,
		AssignedAt:  r.AssignedAt,
		CompletedAt: r.CompletedAt,
		Result:      r.Result,
		Error:       r.Error,
	}
}
