package internal_session

import (
	"time"

	"github.com/google/uuid"

	internal_segment "github.com/tkys/instantrec-sub000/internal/segment"
)

// State is the recording session lifecycle.
type State string

const (
	StateActive      State = "active"
	StateInterrupted State = "interrupted"
	StateFinalizing  State = "finalizing"
	StateClosed      State = "closed"
	StateAbandoned   State = "abandoned"
)

// RecordingSession is the bookkeeping for one capture session. It is mutated
// only by the recorder's controller goroutine (single-writer rule); every
// other component reads copies or communicates events to the recorder.
type RecordingSession struct {
	SessionID string
	StartTime time.Time
	State     State

	// Segments holds finalized segments in insertion order. Index is the
	// authoritative ordering, not array position.
	Segments []internal_segment.Record

	// AccumulatedDuration is the finalized total plus the open segment's
	// elapsed estimate as of the last snapshot.
	AccumulatedDuration time.Duration
}

// NewRecordingSession creates an active session with a fresh id.
func NewRecordingSession(clock func() time.Time) *RecordingSession {
	return &RecordingSession{
		SessionID: uuid.New().String(),
		StartTime: clock(),
		State:     StateActive,
	}
}

// FinalizedDuration sums the durations of finalized, non-corrupt segments.
func (s *RecordingSession) FinalizedDuration() time.Duration {
	var total time.Duration
	for _, seg := range s.Segments {
		if !seg.Corrupt {
			total += seg.Duration
		}
	}
	return total
}

// TimelineEnd is the end offset of the last finalized segment, corrupt or
// not — the next segment starts here.
func (s *RecordingSession) TimelineEnd() time.Duration {
	if len(s.Segments) == 0 {
		return 0
	}
	return s.Segments[len(s.Segments)-1].End()
}
