package internal_snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tkys/instantrec-sub000/pkg/commons"
	"github.com/tkys/instantrec-sub000/pkg/fsx"
)

const snapshotSuffix = ".snapshot.json"

// ErrPersist wraps snapshot write failures. A failed write is logged and
// retried on the next cycle; it never stops capture, because audio
// durability comes from finalized segment files, not from the snapshot.
var ErrPersist = errors.New("snapshot persist failed")

// Manager durably persists session snapshots on a fixed cadence and on
// demand (rotation, emergency). Writes are atomic: a reader sees either the
// previous snapshot or the new one, never a mix.
type Manager struct {
	logger   commons.Logger
	dir      string
	interval time.Duration
}

// NewManager creates the snapshot directory if needed. interval is the
// wall-clock cadence used by Run, independent of segment rotation.
func NewManager(logger commons.Logger, dir string, interval time.Duration) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Manager{logger: logger, dir: dir, interval: interval}, nil
}

// Dir returns the snapshot directory.
func (m *Manager) Dir() string { return m.dir }

// Path returns the snapshot file path for a session.
func (m *Manager) Path(sessionID string) string {
	return filepath.Join(m.dir, sessionID+snapshotSuffix)
}

// Write persists the snapshot atomically. Segment records whose files no
// longer exist are dropped before writing — a snapshot must never reference
// a missing file.
func (m *Manager) Write(snap Snapshot) error {
	snap.SchemaVersion = CurrentSchemaVersion
	snap.CapturedAt = time.Now()

	kept := snap.Segments[:0:0]
	for _, seg := range snap.Segments {
		if _, err := os.Stat(seg.FilePath); err != nil {
			m.logger.Warnw("Dropping vanished segment from snapshot",
				"session", snap.SessionID, "index", seg.Index, "path", seg.FilePath)
			continue
		}
		kept = append(kept, seg)
	}
	snap.Segments = kept

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrPersist, err)
	}
	if err := fsx.WriteFileAtomic(m.Path(snap.SessionID), payload, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	m.logger.Debugw("Wrote snapshot",
		"session", snap.SessionID,
		"state", snap.State,
		"segments", len(snap.Segments),
		"accumulated", snap.AccumulatedDuration.String(),
	)
	return nil
}

// Load reads one session's snapshot.
func (m *Manager) Load(sessionID string) (Snapshot, error) {
	return m.loadPath(m.Path(sessionID))
}

func (m *Manager) loadPath(path string) (Snapshot, error) {
	var snap Snapshot
	payload, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(payload, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

// List returns every persisted snapshot, skipping unreadable files with a
// warning so one corrupt snapshot cannot block recovery of the others.
func (m *Manager) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var snaps []Snapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapshotSuffix) {
			continue
		}
		snap, err := m.loadPath(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.Warnw("Skipping unreadable snapshot", "file", e.Name(), "error", err.Error())
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Delete removes a session's snapshot. Called when the session closes.
func (m *Manager) Delete(sessionID string) error {
	if err := os.Remove(m.Path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Run writes snapshots on the manager's wall-clock cadence until ctx is
// cancelled. provide returns the current snapshot; ok=false skips a cycle
// (session already closed). Long-segment configurations still get frequent
// durability through this timer even when rotations are rare.
func (m *Manager) Run(ctx context.Context, provide func() (Snapshot, bool)) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap, ok := provide()
			if !ok {
				continue
			}
			if err := m.Write(snap); err != nil {
				m.logger.Errorw("Periodic snapshot failed, retrying next cycle",
					"session", snap.SessionID, "error", err.Error())
			}
		}
	}
}
