// Package lock grants mutually exclusive edit rights on individual files
// to agents. Claims do not queue: a denied caller retries or picks other
// work. Locks never expire; ReleaseAll exists for manual cleanup of a
// crashed holder.
package lock

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"buildfix/internal/logging"
	"buildfix/internal/metrics"
)

// Lock is one held file lock.
type Lock struct {
	FilePath      string    `json:"file_path"`
	HolderAgentID string    `json:"holder_agent_id"`
	ClaimedAt     time.Time `json:"claimed_at"`
}

// Recorder mirrors lock state to a persistent registry so dashboards and
// manual cleanup can see it. Nil-safe at the Manager level.
type Recorder interface {
	SaveLock(filePath, holderAgentID string, claimedAt time.Time) error
	DeleteLock(filePath string) error
}

// Manager is the in-process lock registry. The single mutex makes
// claim/release atomic, closing the check-then-write double-grant race.
type Manager struct {
	mu       sync.Mutex
	locks    map[string]Lock
	recorder Recorder
}

// NewManager creates a Manager. recorder may be nil.
func NewManager(recorder Recorder) *Manager {
	return &Manager{
		locks:    make(map[string]Lock),
		recorder: recorder,
	}
}

// Claim grants the lock on filePath to agentID. Re-claiming an already
// held lock is an idempotent grant; a lock held by another agent is
// denied.
func (m *Manager) Claim(agentID, filePath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.locks[filePath]; ok {
		if held.HolderAgentID == agentID {
			return true
		}
		metrics.Get().LockConflictsTotal.Inc()
		logging.L().Debug("lock claim denied",
			zap.String("file", filePath),
			zap.String("holder", held.HolderAgentID),
			zap.String("claimant", agentID))
		return false
	}

	l := Lock{FilePath: filePath, HolderAgentID: agentID, ClaimedAt: time.Now()}
	m.locks[filePath] = l
	m.record(l, true)
	return true
}

// Release releases the lock on filePath if agentID holds it. Releasing a
// missing lock or another agent's lock is denied.
func (m *Manager) Release(agentID, filePath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.locks[filePath]
	if !ok || held.HolderAgentID != agentID {
		return false
	}

	delete(m.locks, filePath)
	m.record(held, false)
	return true
}

// ReleaseAll releases every lock held by agentID and returns how many
// were released. Cleanup path for crashed holders.
func (m *Manager) ReleaseAll(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for path, held := range m.locks {
		if held.HolderAgentID == agentID {
			delete(m.locks, path)
			m.record(held, false)
			released++
		}
	}
	if released > 0 {
		logging.L().Info("released stale locks",
			zap.String("agent", agentID), zap.Int("count", released))
	}
	return released
}

// Holder returns the current holder of filePath.
func (m *Manager) Holder(filePath string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.locks[filePath]
	return held.HolderAgentID, ok
}

// Snapshot returns a copy of all held locks.
func (m *Manager) Snapshot() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Lock, 0, len(m.locks))
	for _, l := range m.locks {
		out = append(out, l)
	}
	return out
}

func (m *Manager) record(l Lock, save bool) {
	if m.recorder == nil {
		return
	}
	var err error
	if save {
		err = m.recorder.SaveLock(l.FilePath, l.HolderAgentID, l.ClaimedAt)
	} else {
		err = m.recorder.DeleteLock(l.FilePath)
	}
	if err != nil {
		logging.L().Warn("lock registry write failed",
			zap.String("file", l.FilePath), zap.Error(err))
	}
}
