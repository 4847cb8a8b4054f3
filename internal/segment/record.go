package internal_segment

import (
	"errors"
	"time"
)

var (
	// ErrStorageExhausted signals that the disk cannot hold a new segment
	// file (ENOSPC-class failures only). Surfaced upward so the recorder
	// can stop cleanly instead of silently dropping audio.
	ErrStorageExhausted = errors.New("segment storage exhausted")

	// ErrSegmentCorrupt marks a segment whose close/flush failed twice.
	// Corrupt segments stay on disk but are excluded from merge.
	ErrSegmentCorrupt = errors.New("segment corrupt")

	// ErrFormatMismatch is returned by the merger when segments disagree on
	// PCM format. Cannot happen by construction; validated defensively.
	ErrFormatMismatch = errors.New("segment format mismatch")

	// ErrMerge wraps merge failures. Source segments are always left intact.
	ErrMerge = errors.New("segment merge failed")
)

// Record is the metadata of one segment of a recording session. Index is the
// authoritative ordering, monotonically increasing within the session.
// Duration and ByteSize are only meaningful once the segment is finalized;
// after that the record is immutable except for cleanup deletion.
type Record struct {
	Index       int           `json:"index"`
	FilePath    string        `json:"filePath"`
	StartOffset time.Duration `json:"startOffset"`
	Duration    time.Duration `json:"duration"`
	ByteSize    int64         `json:"byteSize"`
	Corrupt     bool          `json:"corrupt,omitempty"`
}

// End returns the segment's end position on the session timeline.
func (r Record) End() time.Duration {
	return r.StartOffset + r.Duration
}

// Artifact is the single finished output of a session: the merged recording
// exposed to the transcription and backup collaborators.
type Artifact struct {
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration"`
	ByteSize int64         `json:"byteSize"`
}
