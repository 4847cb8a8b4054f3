package internal_session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/tkys/instantrec-sub000/internal/audio"
	internal_interruption "github.com/tkys/instantrec-sub000/internal/interruption"
	internal_resource "github.com/tkys/instantrec-sub000/internal/resource"
	internal_segment "github.com/tkys/instantrec-sub000/internal/segment"
	internal_snapshot "github.com/tkys/instantrec-sub000/internal/snapshot"
	"github.com/tkys/instantrec-sub000/pkg/commons"
)

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(
		commons.Name("test-session"),
		commons.Level("debug"),
	)
	require.NoError(t, err)
	return logger
}

// fakeSource emits a constant 10ms LINEAR16 frame every 2ms of wall time, so
// "audio time" runs five times faster than the test. restartErr makes every
// Start after the first fail; failReadsAfter makes ReadFrame fail permanently
// after that many successful reads. Both together model a lost device.
type fakeSource struct {
	frame []byte

	mu             sync.Mutex
	starts         int
	reads          int
	restartErr     error
	failReadsAfter int
}

func newFakeSource(cfg internal_audio.Config) *fakeSource {
	frame := make([]byte, cfg.DurationToBytes(10*time.Millisecond))
	for i := 0; i < len(frame); i += 2 {
		frame[i] = 0x10
	}
	return &fakeSource{frame: frame}
}

func (f *fakeSource) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.starts > 0 && f.restartErr != nil {
		return f.restartErr
	}
	f.starts++
	return nil
}

func (f *fakeSource) ReadFrame() ([]byte, error) {
	time.Sleep(2 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.failReadsAfter > 0 && f.reads > f.failReadsAfter {
		return nil, errors.New("input stream overflowed")
	}
	return f.frame, nil
}

func (f *fakeSource) Stop() error  { return nil }
func (f *fakeSource) Close() error { return nil }

type harness struct {
	recorder  *Recorder
	source    *fakeSource
	snapshots *internal_snapshot.Manager
	pressure  chan internal_resource.Level

	segmentDir string
	outputDir  string
}

func newHarness(t *testing.T, segmentInterval, minInterval time.Duration, adaptive bool) *harness {
	t.Helper()
	logger := newTestLogger(t)
	root := t.TempDir()
	segmentDir := filepath.Join(root, "segments")
	outputDir := filepath.Join(root, "out")

	snapshots, err := internal_snapshot.NewManager(logger, filepath.Join(root, "snapshots"), time.Hour)
	require.NoError(t, err)

	cfg := internal_audio.NewLinear16khzMonoConfig()
	source := newFakeSource(cfg)
	pressure := make(chan internal_resource.Level, 4)

	rec, err := NewRecorder(logger, Options{
		AudioConfig:        cfg,
		Source:             source,
		SegmentDir:         segmentDir,
		OutputDir:          outputDir,
		SegmentInterval:    segmentInterval,
		MinSegmentInterval: minInterval,
		Adaptive:           adaptive,
		Snapshots:          snapshots,
		Pressure:           pressure,
		Interruption: []internal_interruption.Option{
			internal_interruption.WithMaxRetries(3),
			internal_interruption.WithInitialBackoff(time.Millisecond),
			internal_interruption.WithMaxBackoff(5 * time.Millisecond),
		},
	})
	require.NoError(t, err)

	return &harness{
		recorder:   rec,
		source:     source,
		snapshots:  snapshots,
		pressure:   pressure,
		segmentDir: segmentDir,
		outputDir:  outputDir,
	}
}

func (h *harness) segmentCount() int {
	return len(h.recorder.Session().Segments)
}

func TestNewRecorderValidatesOptions(t *testing.T) {
	logger := newTestLogger(t)
	snapshots, err := internal_snapshot.NewManager(logger, t.TempDir(), time.Hour)
	require.NoError(t, err)
	cfg := internal_audio.NewLinear16khzMonoConfig()
	src := newFakeSource(cfg)

	_, err = NewRecorder(logger, Options{Snapshots: snapshots, SegmentInterval: time.Minute})
	assert.Error(t, err, "missing source")

	_, err = NewRecorder(logger, Options{Source: src, SegmentInterval: time.Minute})
	assert.Error(t, err, "missing snapshot manager")

	_, err = NewRecorder(logger, Options{Source: src, Snapshots: snapshots})
	assert.Error(t, err, "non-positive segment interval")
}

func TestRecorderRotatesAndFinalizes(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond, 10*time.Millisecond, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- h.recorder.Run(ctx) }()

	require.Eventually(t, func() bool { return h.segmentCount() >= 2 },
		5*time.Second, 10*time.Millisecond, "rotation never produced two segments")

	artifact, err := h.recorder.Stop(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-runDone)

	sess := h.recorder.Session()
	assert.Equal(t, StateClosed, sess.State)

	// Contiguous timeline: each segment starts where the previous ended.
	var offset time.Duration
	for _, seg := range sess.Segments {
		assert.Equal(t, offset, seg.StartOffset, "segment %d start offset", seg.Index)
		assert.False(t, seg.Corrupt, "segment %d corrupt", seg.Index)
		offset = seg.End()
	}
	assert.Equal(t, sess.FinalizedDuration(), artifact.Duration)

	// The artifact is a valid WAV holding every finalized byte.
	f, err := os.Open(artifact.Path)
	require.NoError(t, err)
	defer f.Close()
	_, dataLen, err := internal_audio.ParseHeader(f)
	require.NoError(t, err)
	var totalBytes int64
	for _, seg := range sess.Segments {
		totalBytes += seg.ByteSize
	}
	assert.Equal(t, totalBytes, dataLen)

	// Cleanup: snapshot gone, segment files gone.
	_, err = h.snapshots.Load(sess.SessionID)
	assert.Error(t, err)
	entries, err := os.ReadDir(h.segmentDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecorderStopAfterStopReturnsSameArtifact(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond, 10*time.Millisecond, false)

	go h.recorder.Run(context.Background())
	require.Eventually(t, func() bool { return h.segmentCount() >= 1 },
		5*time.Second, 10*time.Millisecond)

	first, err := h.recorder.Stop(context.Background())
	require.NoError(t, err)

	second, err := h.recorder.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRecorderCrashLeavesRecoverableState(t *testing.T) {
	h := newHarness(t, 80*time.Millisecond, 10*time.Millisecond, false)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.recorder.Run(ctx) }()

	require.Eventually(t, func() bool { return h.segmentCount() >= 2 },
		5*time.Second, 10*time.Millisecond)

	// Abnormal termination: no finalization of the in-flight segment.
	cancel()
	require.NoError(t, <-runDone)

	sess := h.recorder.Session()

	// The snapshot survives and commits only finalized segments.
	snap, err := h.snapshots.Load(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, string(StateActive), snap.State)
	assert.Len(t, snap.Segments, len(sess.Segments))
	assert.Equal(t, snap.FinalizedDuration()+snap.OpenSegmentElapsed, snap.AccumulatedDuration)

	// On disk: every finalized segment plus one unfinalized open segment
	// whose primed header still declares zero data bytes.
	entries, err := os.ReadDir(h.segmentDir)
	require.NoError(t, err)
	require.Len(t, entries, len(sess.Segments)+1)

	openPath := filepath.Join(h.segmentDir, internal_segment.SegmentFileName(sess.SessionID, len(sess.Segments)))
	f, err := os.Open(openPath)
	require.NoError(t, err)
	defer f.Close()
	_, dataLen, err := internal_audio.ParseHeader(f)
	require.NoError(t, err)
	assert.Zero(t, dataLen, "open segment header must not be finalized")

	// Stop after termination reports the session as unfinalized.
	_, err = h.recorder.Stop(context.Background())
	assert.Error(t, err)
}

func TestRecorderCriticalPressureShortensRotation(t *testing.T) {
	// Configured interval is far beyond the test window; only the shortened
	// interval (800ms/4 = 200ms) can produce a rotation here.
	h := newHarness(t, 800*time.Millisecond, 50*time.Millisecond, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.recorder.Run(ctx)

	h.pressure <- internal_resource.LevelCritical

	require.Eventually(t, func() bool { return h.segmentCount() >= 1 },
		600*time.Millisecond, 10*time.Millisecond,
		"shortened interval never rotated")

	h.pressure <- internal_resource.LevelNormal
	if _, err := h.recorder.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestRecorderCriticalPressureForcesSnapshot(t *testing.T) {
	h := newHarness(t, time.Hour, time.Minute, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- h.recorder.Run(ctx) }()

	sessionID := h.recorder.Session().SessionID
	var initial internal_snapshot.Snapshot
	require.Eventually(t, func() bool {
		snap, err := h.snapshots.Load(sessionID)
		initial = snap
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "startup snapshot missing")

	time.Sleep(5 * time.Millisecond)
	h.pressure <- internal_resource.LevelCritical

	require.Eventually(t, func() bool {
		snap, err := h.snapshots.Load(sessionID)
		return err == nil && snap.CapturedAt.After(initial.CapturedAt)
	}, 5*time.Second, 10*time.Millisecond, "no emergency snapshot after critical pressure")

	cancel()
	require.NoError(t, <-runDone)
}

func TestRecorderInterruptionPauseAndResume(t *testing.T) {
	h := newHarness(t, time.Hour, time.Minute, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.recorder.Run(ctx)

	require.Eventually(t, func() bool { return h.recorder.Level() > 0 },
		5*time.Second, 5*time.Millisecond, "capture never started")

	h.recorder.Interrupt(internal_interruption.Event{Kind: internal_interruption.EventBegin, Reason: "test"})
	require.Eventually(t, func() bool {
		return h.recorder.CaptureState() == internal_interruption.StatePaused
	}, 5*time.Second, 5*time.Millisecond)

	// The active segment was closed as a normal rotation, never torn.
	sess := h.recorder.Session()
	require.NotEmpty(t, sess.Segments)
	pausedCount := len(sess.Segments)
	for _, seg := range sess.Segments {
		assert.False(t, seg.Corrupt)
	}

	h.recorder.Interrupt(internal_interruption.Event{Kind: internal_interruption.EventEnd, Reason: "test"})
	require.Eventually(t, func() bool {
		return h.recorder.CaptureState() == internal_interruption.StateCapturing
	}, 5*time.Second, 5*time.Millisecond)

	artifact, err := h.recorder.Stop(context.Background())
	require.NoError(t, err)

	sess = h.recorder.Session()
	assert.Greater(t, len(sess.Segments), pausedCount, "resume must open a fresh segment")
	assert.Equal(t, StateClosed, sess.State)
	assert.Equal(t, sess.FinalizedDuration(), artifact.Duration)

	// Timeline stays contiguous across the interruption boundary.
	var offset time.Duration
	for _, seg := range sess.Segments {
		assert.Equal(t, offset, seg.StartOffset, "segment %d start offset", seg.Index)
		offset = seg.End()
	}
}

func TestRecorderResumeExhaustionMarksSessionInterrupted(t *testing.T) {
	h := newHarness(t, time.Hour, time.Minute, false)
	h.source.restartErr = errors.New("device gone")

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.recorder.Run(ctx) }()

	require.Eventually(t, func() bool { return h.recorder.Level() > 0 },
		5*time.Second, 5*time.Millisecond)

	h.recorder.Interrupt(internal_interruption.Event{Kind: internal_interruption.EventBegin})
	require.Eventually(t, func() bool {
		return h.recorder.CaptureState() == internal_interruption.StatePaused
	}, 5*time.Second, 5*time.Millisecond)

	h.recorder.Interrupt(internal_interruption.Event{Kind: internal_interruption.EventEnd})
	require.Eventually(t, func() bool {
		return h.recorder.Session().State == StateInterrupted
	}, 5*time.Second, 5*time.Millisecond, "exhausted resume must mark the session interrupted")
	assert.Equal(t, internal_interruption.StateFailed, h.recorder.CaptureState())

	// The forced snapshot records the interrupted state for recovery.
	snap, err := h.snapshots.Load(h.recorder.Session().SessionID)
	require.NoError(t, err)
	assert.Equal(t, string(StateInterrupted), snap.State)

	cancel()
	require.NoError(t, <-runDone)
}

func TestRecorderDeviceLossSurfacesAndStopsRotation(t *testing.T) {
	h := newHarness(t, 60*time.Millisecond, 10*time.Millisecond, false)
	// Reads fail for good after 5 frames and the stream cannot be restarted.
	h.source.failReadsAfter = 5
	h.source.restartErr = errors.New("device gone")

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.recorder.Run(ctx) }()

	// The failure must reach the session, not just the log.
	require.Eventually(t, func() bool {
		return h.recorder.Session().State == StateInterrupted
	}, 5*time.Second, 5*time.Millisecond, "device loss never surfaced to the session")
	assert.Equal(t, internal_interruption.StateFailed, h.recorder.CaptureState())

	// The forced snapshot records the interruption for recovery.
	snap, err := h.snapshots.Load(h.recorder.Session().SessionID)
	require.NoError(t, err)
	assert.Equal(t, string(StateInterrupted), snap.State)

	// Rotation halts: no empty-segment churn after the device is gone.
	count := len(h.recorder.Session().Segments)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, count, len(h.recorder.Session().Segments),
		"rotator kept producing segments after device loss")

	cancel()
	require.NoError(t, <-runDone)
}

func TestInterruptQueueKeepsNewestEvent(t *testing.T) {
	h := newHarness(t, time.Hour, time.Minute, false)

	// Flood the queue past capacity while the control loop is not draining.
	for i := 0; i < cap(h.recorder.events)+4; i++ {
		h.recorder.Interrupt(internal_interruption.Event{Kind: internal_interruption.EventBegin})
	}
	h.recorder.Interrupt(internal_interruption.Event{Kind: internal_interruption.EventEnd})

	var last internal_interruption.Event
drain:
	for {
		select {
		case ev := <-h.recorder.events:
			last = ev
		default:
			break drain
		}
	}
	assert.Equal(t, internal_interruption.EventEnd, last.Kind,
		"the newest event must survive a full queue")
}

func TestSessionTimelineEnd(t *testing.T) {
	sess := &RecordingSession{}
	assert.Zero(t, sess.TimelineEnd())

	sess.Segments = []internal_segment.Record{
		{Index: 0, StartOffset: 0, Duration: 20 * time.Second},
		{Index: 1, StartOffset: 20 * time.Second, Duration: 15 * time.Second, Corrupt: true},
	}
	// Corrupt segments still occupy their slice of the timeline.
	assert.Equal(t, 35*time.Second, sess.TimelineEnd())
	assert.Equal(t, 20*time.Second, sess.FinalizedDuration())
}
