package internal_snapshot

import (
	"time"

	internal_segment "github.com/tkys/instantrec-sub000/internal/segment"
)

// CurrentSchemaVersion identifies the persisted snapshot schema.
const CurrentSchemaVersion = 1

// Snapshot is the durable projection of a recording session used to rebuild
// state after a crash. Only finalized segments are committed to it; the
// currently-open segment contributes a best-effort elapsed estimate, never a
// commitment. The file is overwritten on every cycle and deleted when the
// session closes.
type Snapshot struct {
	SchemaVersion int       `json:"schemaVersion"`
	CapturedAt    time.Time `json:"capturedAt"`

	SessionID           string                   `json:"sessionId"`
	StartTime           time.Time                `json:"startTime"`
	State               string                   `json:"state"`
	AccumulatedDuration time.Duration            `json:"accumulatedDuration"`
	Segments            []internal_segment.Record `json:"segments"`

	// OpenSegmentElapsed estimates how much audio the in-flight segment held
	// at capture time. Recovery reports it; it never drives control flow.
	OpenSegmentElapsed time.Duration `json:"openSegmentElapsed,omitempty"`
}

// FinalizedDuration sums the durations of non-corrupt finalized segments.
func (s Snapshot) FinalizedDuration() time.Duration {
	var total time.Duration
	for _, seg := range s.Segments {
		if !seg.Corrupt {
			total += seg.Duration
		}
	}
	return total
}
