package internal_recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	internal_audio "github.com/tkys/instantrec-sub000/internal/audio"
	internal_segment "github.com/tkys/instantrec-sub000/internal/segment"
	internal_session "github.com/tkys/instantrec-sub000/internal/session"
	internal_snapshot "github.com/tkys/instantrec-sub000/internal/snapshot"
	"github.com/tkys/instantrec-sub000/pkg/commons"
)

// Quality is a coarse completeness estimate for user communication only;
// nothing branches on it.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPartial   Quality = "partial"
	QualityMinimal   Quality = "minimal"
)

func qualityFor(ratio float64) Quality {
	switch {
	case ratio >= 0.97:
		return QualityExcellent
	case ratio >= 0.85:
		return QualityGood
	case ratio >= 0.5:
		return QualityPartial
	default:
		return QualityMinimal
	}
}

// Recoverable is one orphaned session offered for recovery.
type Recoverable struct {
	Snapshot          internal_snapshot.Snapshot
	ValidSegments     []internal_segment.Record
	DroppedSegments   int
	ValidatedDuration time.Duration
	Quality           Quality
}

// SessionID is the orphaned session's id.
func (r Recoverable) SessionID() string { return r.Snapshot.SessionID }

// Service discovers orphaned sessions at process start — those with a
// snapshot but no clean closed marker (a closed session deletes its
// snapshot) — and executes or declines their recovery. It must run before
// any new recording begins so it never races a live rotator.
type Service struct {
	logger    commons.Logger
	snapshots *internal_snapshot.Manager
	merger    *internal_segment.Merger
	outputDir string
	retention time.Duration
	clock     func() time.Time
}

// NewService builds a recovery service. retention is how long a declined
// session's segment files are kept before CleanupExpired removes them.
func NewService(
	logger commons.Logger,
	snapshots *internal_snapshot.Manager,
	merger *internal_segment.Merger,
	outputDir string,
	retention time.Duration,
) *Service {
	return &Service{
		logger:    logger,
		snapshots: snapshots,
		merger:    merger,
		outputDir: outputDir,
		retention: retention,
		clock:     time.Now,
	}
}

// Discover enumerates recoverable sessions. Referenced segment files that
// vanished or hold no audio are dropped into the completeness score instead
// of aborting the session's recovery; sessions with nothing valid left are
// silently cleaned up and never offered.
func (s *Service) Discover(ctx context.Context) ([]Recoverable, error) {
	snaps, err := s.snapshots.List()
	if err != nil {
		return nil, fmt.Errorf("discover sessions: %w", err)
	}

	var out []Recoverable
	for _, snap := range snaps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		switch internal_session.State(snap.State) {
		case internal_session.StateClosed, internal_session.StateAbandoned:
			// Closed sessions have no snapshot at all in the normal path;
			// abandoned ones wait for retention cleanup.
			continue
		}

		rec := s.validate(snap)
		if len(rec.ValidSegments) == 0 {
			s.logger.Infow("Cleaning up unrecoverable session",
				"session", snap.SessionID, "segments", len(snap.Segments))
			s.cleanup(snap)
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Snapshot.StartTime.Before(out[j].Snapshot.StartTime)
	})
	return out, nil
}

// validate checks every referenced segment file and scores completeness
// against the snapshot's accumulated duration.
func (s *Service) validate(snap internal_snapshot.Snapshot) Recoverable {
	rec := Recoverable{Snapshot: snap}
	for _, seg := range snap.Segments {
		if seg.Corrupt {
			rec.DroppedSegments++
			continue
		}
		if !segmentUsable(seg) {
			s.logger.Warnw("Dropping invalid segment from recovery",
				"session", snap.SessionID, "index", seg.Index, "path", seg.FilePath)
			rec.DroppedSegments++
			continue
		}
		rec.ValidSegments = append(rec.ValidSegments, seg)
		rec.ValidatedDuration += seg.Duration
	}

	ratio := 1.0
	if snap.AccumulatedDuration > 0 {
		ratio = float64(rec.ValidatedDuration) / float64(snap.AccumulatedDuration)
	}
	rec.Quality = qualityFor(ratio)
	return rec
}

func segmentUsable(seg internal_segment.Record) bool {
	info, err := os.Stat(seg.FilePath)
	if err != nil || info.Size() <= internal_audio.HeaderSize {
		return false
	}
	f, err := os.Open(seg.FilePath)
	if err != nil {
		return false
	}
	defer f.Close()
	_, dataLen, err := internal_audio.ParseHeader(f)
	return err == nil && dataLen > 0
}

// Recover merges the validated segments into the session's final artifact,
// marks the session closed (snapshot deleted) and removes the segment files.
func (s *Service) Recover(ctx context.Context, rec Recoverable) (internal_segment.Artifact, error) {
	outPath := filepath.Join(s.outputDir, rec.SessionID()+".wav")
	artifact, err := s.merger.Merge(ctx, rec.ValidSegments, outPath)
	if err != nil {
		// Segments and snapshot stay in place so recovery can be retried.
		return internal_segment.Artifact{}, fmt.Errorf("recover session %s: %w", rec.SessionID(), err)
	}

	if err := s.snapshots.Delete(rec.SessionID()); err != nil {
		s.logger.Warnw("Snapshot delete failed after recovery",
			"session", rec.SessionID(), "error", err.Error())
	}
	for _, seg := range rec.ValidSegments {
		if err := os.Remove(seg.FilePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warnw("Segment cleanup failed after recovery",
				"session", rec.SessionID(), "index", seg.Index, "error", err.Error())
		}
	}

	s.logger.Infow("Recovered session",
		"session", rec.SessionID(),
		"quality", string(rec.Quality),
		"duration", artifact.Duration.String(),
	)
	return artifact, nil
}

// Decline marks the session abandoned. Its segment files are kept for the
// retention window (manual export remains possible), then CleanupExpired
// removes them.
func (s *Service) Decline(rec Recoverable) error {
	snap := rec.Snapshot
	snap.State = string(internal_session.StateAbandoned)
	if err := s.snapshots.Write(snap); err != nil {
		return fmt.Errorf("decline session %s: %w", rec.SessionID(), err)
	}
	s.logger.Infow("Session recovery declined", "session", rec.SessionID())
	return nil
}

// CleanupExpired removes abandoned sessions whose retention window has
// passed. Returns how many sessions were removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	snaps, err := s.snapshots.List()
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	removed := 0
	for _, snap := range snaps {
		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}
		if internal_session.State(snap.State) != internal_session.StateAbandoned {
			continue
		}
		if s.clock().Sub(snap.CapturedAt) < s.retention {
			continue
		}
		s.cleanup(snap)
		removed++
	}
	return removed, nil
}

func (s *Service) cleanup(snap internal_snapshot.Snapshot) {
	for _, seg := range snap.Segments {
		if err := os.Remove(seg.FilePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warnw("Segment cleanup failed",
				"session", snap.SessionID, "index", seg.Index, "error", err.Error())
		}
	}
	if err := s.snapshots.Delete(snap.SessionID); err != nil {
		s.logger.Warnw("Snapshot cleanup failed", "session", snap.SessionID, "error", err.Error())
	}
}
