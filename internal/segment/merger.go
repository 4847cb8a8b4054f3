package internal_segment

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	internal_audio "github.com/tkys/instantrec-sub000/internal/audio"
	"github.com/tkys/instantrec-sub000/pkg/commons"
)

// mergeCopyChunk is the granularity at which the merge loop checks for
// cancellation while streaming segment payloads.
const mergeCopyChunk = 256 * 1024

// Merger concatenates finalized segments into one continuous artifact.
// Output is staged in a temp file and renamed into place only on full
// success, so a cancelled or failed merge is never visible and the source
// segments are always left untouched.
type Merger struct {
	logger commons.Logger
}

// NewMerger creates a Merger.
func NewMerger(logger commons.Logger) *Merger {
	return &Merger{logger: logger}
}

// Merge concatenates the given records in strict index order into outPath.
// Corrupt records are skipped. All segments must share one PCM format;
// a mismatch aborts with ErrFormatMismatch before anything is written to the
// final path. Merging the same validated list twice produces identical output.
func (m *Merger) Merge(ctx context.Context, records []Record, outPath string) (Artifact, error) {
	usable := make([]Record, 0, len(records))
	last := -1
	for _, r := range records {
		if r.Corrupt {
			m.logger.Warnw("Skipping corrupt segment in merge", "index", r.Index)
			continue
		}
		if r.Index <= last {
			return Artifact{}, fmt.Errorf("%w: segment indices not strictly increasing at %d", ErrMerge, r.Index)
		}
		last = r.Index
		usable = append(usable, r)
	}
	if len(usable) == 0 {
		return Artifact{}, fmt.Errorf("%w: no usable segments", ErrMerge)
	}

	cfg, err := m.validateUniformFormat(usable)
	if err != nil {
		return Artifact{}, err
	}

	outDir := filepath.Dir(outPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("%w: create output dir: %v", ErrMerge, err)
	}
	tmp, err := os.CreateTemp(outDir, "."+filepath.Base(outPath)+".merge-*")
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: create temp output: %v", ErrMerge, err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(internal_audio.EncodeHeader(cfg, 0)); err != nil {
		return Artifact{}, fmt.Errorf("%w: write output header: %v", ErrMerge, err)
	}

	var totalPCM int64
	for _, r := range usable {
		n, err := m.appendSegment(ctx, tmp, r)
		if err != nil {
			return Artifact{}, err
		}
		totalPCM += n
	}

	if err := internal_audio.PatchHeaderSizes(tmp, totalPCM); err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrMerge, err)
	}
	if err := tmp.Sync(); err != nil {
		return Artifact{}, fmt.Errorf("%w: sync output: %v", ErrMerge, err)
	}
	if err := tmp.Close(); err != nil {
		return Artifact{}, fmt.Errorf("%w: close output: %v", ErrMerge, err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return Artifact{}, fmt.Errorf("%w: publish output: %v", ErrMerge, err)
	}
	cleanup = false

	artifact := Artifact{
		Path:     outPath,
		Duration: cfg.BytesToDuration(totalPCM),
		ByteSize: totalPCM + internal_audio.HeaderSize,
	}
	m.logger.Infow("Merged segments",
		"segments", len(usable),
		"output", outPath,
		"duration", artifact.Duration.String(),
		"bytes", artifact.ByteSize,
	)
	return artifact, nil
}

// validateUniformFormat parses every segment header and requires a single
// PCM format across the set.
func (m *Merger) validateUniformFormat(records []Record) (internal_audio.Config, error) {
	var cfg internal_audio.Config
	for i, r := range records {
		f, err := os.Open(r.FilePath)
		if err != nil {
			return cfg, fmt.Errorf("%w: open segment %d: %v", ErrMerge, r.Index, err)
		}
		segCfg, _, err := internal_audio.ParseHeader(f)
		_ = f.Close()
		if err != nil {
			return cfg, fmt.Errorf("%w: segment %d: %v", ErrMerge, r.Index, err)
		}
		if i == 0 {
			cfg = segCfg
			continue
		}
		if segCfg != cfg {
			return cfg, fmt.Errorf("%w: segment %d is %dHz/%dch, expected %dHz/%dch",
				ErrFormatMismatch, r.Index,
				segCfg.SampleRate, segCfg.Channels, cfg.SampleRate, cfg.Channels)
		}
	}
	return cfg, nil
}

// appendSegment streams one segment's PCM payload into the output, checking
// for cancellation between copy chunks.
func (m *Merger) appendSegment(ctx context.Context, dst io.Writer, r Record) (int64, error) {
	f, err := os.Open(r.FilePath)
	if err != nil {
		return 0, fmt.Errorf("%w: open segment %d: %v", ErrMerge, r.Index, err)
	}
	defer f.Close()

	if _, _, err := internal_audio.ParseHeader(f); err != nil {
		return 0, fmt.Errorf("%w: segment %d: %v", ErrMerge, r.Index, err)
	}

	var copied int64
	for {
		select {
		case <-ctx.Done():
			return copied, fmt.Errorf("%w: %w", ErrMerge, ctx.Err())
		default:
		}
		n, err := io.CopyN(dst, f, mergeCopyChunk)
		copied += n
		if err == io.EOF {
			return copied, nil
		}
		if err != nil {
			return copied, fmt.Errorf("%w: copy segment %d: %v", ErrMerge, r.Index, err)
		}
	}
}
