package internal_segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	internal_audio "github.com/tkys/instantrec-sub000/internal/audio"
	"github.com/tkys/instantrec-sub000/pkg/commons"
)

// Store owns the on-disk segment files of one recording session. It assigns
// deterministic paths ({sessionId}_{index}.wav), primes new segment files
// and finalizes their metadata on close.
type Store struct {
	logger    commons.Logger
	dir       string
	sessionID string
	cfg       internal_audio.Config
}

// NewStore creates the session's segment directory if needed.
func NewStore(logger commons.Logger, dir, sessionID string, cfg internal_audio.Config) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}
	return &Store{
		logger:    logger,
		dir:       dir,
		sessionID: sessionID,
		cfg:       cfg,
	}, nil
}

// Dir returns the segment directory.
func (s *Store) Dir() string { return s.dir }

// Config returns the session's PCM format.
func (s *Store) Config() internal_audio.Config { return s.cfg }

// SegmentPath returns the deterministic file path for a segment index.
// Recovery can reconstruct ordering from these names alone.
func (s *Store) SegmentPath(index int) string {
	return filepath.Join(s.dir, SegmentFileName(s.sessionID, index))
}

// SegmentFileName implements the {sessionId}_{index}.wav naming scheme.
func SegmentFileName(sessionID string, index int) string {
	return fmt.Sprintf("%s_%05d.wav", sessionID, index)
}

// OpenSegment is a segment file currently accepting PCM writes.
type OpenSegment struct {
	file   *os.File
	cfg    internal_audio.Config
	record Record
	closed bool
}

// Open allocates and primes the next segment file: the file exists with a
// valid (zero-length) WAV header before the previous segment stops accepting
// writes, so rotation has no allocation work on the hot path.
func (s *Store) Open(index int, startOffset time.Duration) (*OpenSegment, error) {
	path := s.SegmentPath(index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %d at %s: %w", index, path, classifyAllocError(err))
	}
	if _, err := f.Write(internal_audio.EncodeHeader(s.cfg, 0)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("prime segment %d: %w", index, classifyAllocError(err))
	}

	s.logger.Debugw("Opened segment", "session", s.sessionID, "index", index, "path", path)
	return &OpenSegment{
		file: f,
		cfg:  s.cfg,
		record: Record{
			Index:       index,
			FilePath:    path,
			StartOffset: startOffset,
		},
	}, nil
}

// classifyAllocError tags out-of-space failures with ErrStorageExhausted so
// the recorder's emergency-stop path fires only when the disk is actually
// full; permission and path problems stay ordinary rotation errors.
func classifyAllocError(err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%v: %w", err, ErrStorageExhausted)
	}
	return err
}

// Write appends PCM bytes to the open segment.
func (o *OpenSegment) Write(p []byte) (int, error) {
	if o.closed {
		return 0, fmt.Errorf("segment %d already closed", o.record.Index)
	}
	n, err := o.file.Write(p)
	o.record.ByteSize += int64(n)
	if err != nil {
		return n, fmt.Errorf("write segment %d: %w", o.record.Index, err)
	}
	return n, nil
}

// Index returns the segment's index.
func (o *OpenSegment) Index() int { return o.record.Index }

// Path returns the segment's file path.
func (o *OpenSegment) Path() string { return o.record.FilePath }

// StartOffset returns the segment's position on the session timeline.
func (o *OpenSegment) StartOffset() time.Duration { return o.record.StartOffset }

// Elapsed returns the duration of PCM written so far. This is the open
// segment's best-effort duration estimate used in snapshots.
func (o *OpenSegment) Elapsed() time.Duration {
	return o.cfg.BytesToDuration(o.record.ByteSize)
}

// Close flushes and finalizes the segment: header sizes patched, data
// fsynced, duration computed from the byte count. A failed finalize is
// retried once; after that the record is marked corrupt (the session
// continues, the merger skips it).
func (s *Store) Close(o *OpenSegment) (Record, error) {
	if o.closed {
		return o.record, nil
	}
	o.closed = true

	// Duration is derived from bytes written either way, so the session
	// timeline stays contiguous across a corrupt segment.
	o.record.Duration = o.cfg.BytesToDuration(o.record.ByteSize)

	err := finalize(o)
	if err != nil {
		s.logger.Warnw("Segment finalize failed, retrying once",
			"index", o.record.Index, "error", err.Error())
		err = finalize(o)
	}
	_ = o.file.Close()

	if err != nil {
		o.record.Corrupt = true
		s.logger.Errorw("Segment marked corrupt",
			"index", o.record.Index, "path", o.record.FilePath, "error", err.Error())
		return o.record, fmt.Errorf("finalize segment %d: %v: %w", o.record.Index, err, ErrSegmentCorrupt)
	}

	s.logger.Infow("Finalized segment",
		"session", s.sessionID,
		"index", o.record.Index,
		"bytes", o.record.ByteSize,
		"duration", o.record.Duration.String(),
	)
	return o.record, nil
}

func finalize(o *OpenSegment) error {
	if err := internal_audio.PatchHeaderSizes(o.file, o.record.ByteSize); err != nil {
		return err
	}
	if err := o.file.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	return nil
}

// Remove deletes a segment file during cleanup.
func (s *Store) Remove(r Record) error {
	if err := os.Remove(r.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove segment %d: %w", r.Index, err)
	}
	return nil
}
