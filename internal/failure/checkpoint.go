package failure

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/weave/internal/shared"
)

// ErrNoCheckpoint is returned by Rollback when nothing was checkpointed.
var ErrNoCheckpoint = errors.New("no checkpoint available")

// Checkpoint takes a snapshot of sc and keeps it for rollback. Only the
// newest MaxCheckpoints are retained.
func (m *Manager) Checkpoint(sc *shared.Context, label string) (shared.Snapshot, error) {
	snap, err := sc.Snapshot(label)
	if err != nil {
		return shared.Snapshot{}, fmt.Errorf("checkpoint %s: %w", label, err)
	}
	m.mu.Lock()
	m.checkpoints = append(m.checkpoints, snap)
	if over := len(m.checkpoints) - m.cfg.MaxCheckpoints; over > 0 {
		m.checkpoints = append([]shared.Snapshot(nil), m.checkpoints[over:]...)
	}
	m.mu.Unlock()
	m.logger.Debug("checkpoint taken", "checkpoint", snap.ID, "label", label, "bytes", len(snap.Data))
	return snap, nil
}

// Checkpoints returns the retained checkpoints, oldest first.
func (m *Manager) Checkpoints() []shared.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]shared.Snapshot(nil), m.checkpoints...)
}

// Rollback restores the newest checkpoint into sc.
func (m *Manager) Rollback(sc *shared.Context) (shared.Snapshot, error) {
	m.mu.Lock()
	if len(m.checkpoints) == 0 {
		m.mu.Unlock()
		return shared.Snapshot{}, ErrNoCheckpoint
	}
	snap := m.checkpoints[len(m.checkpoints)-1]
	m.mu.Unlock()
	return snap, m.restore(sc, snap)
}

// RollbackTo restores the checkpoint with the given id. Newer checkpoints
// are discarded.
func (m *Manager) RollbackTo(sc *shared.Context, id string) (shared.Snapshot, error) {
	m.mu.Lock()
	idx := -1
	for i, c := range m.checkpoints {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return shared.Snapshot{}, fmt.Errorf("rollback to %s: %w", id, ErrNoCheckpoint)
	}
	snap := m.checkpoints[idx]
	m.checkpoints = m.checkpoints[:idx+1]
	m.mu.Unlock()
	return snap, m.restore(sc, snap)
}

func (m *Manager) restore(sc *shared.Context, snap shared.Snapshot) error {
	if err := sc.Restore(snap); err != nil {
		return fmt.Errorf("rollback to %s: %w", snap.Label, err)
	}
	m.logger.Info("rolled back to checkpoint", "checkpoint", snap.ID, "label", snap.Label)
	return nil
}
