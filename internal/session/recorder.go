package internal_session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	internal_audio "github.com/tkys/instantrec-sub000/internal/audio"
	internal_capture "github.com/tkys/instantrec-sub000/internal/capture"
	internal_interruption "github.com/tkys/instantrec-sub000/internal/interruption"
	internal_resource "github.com/tkys/instantrec-sub000/internal/resource"
	internal_segment "github.com/tkys/instantrec-sub000/internal/segment"
	internal_snapshot "github.com/tkys/instantrec-sub000/internal/snapshot"
	"github.com/tkys/instantrec-sub000/pkg/commons"
)

// DefaultMinSegmentInterval floors the pressure-shortened rotation interval.
const DefaultMinSegmentInterval = 30 * time.Second

// Options wires a Recorder. Everything is dependency-injected; the recorder
// never reaches for process-wide singletons, so tests can run several
// recorders side by side with fake sources and clocks.
type Options struct {
	AudioConfig internal_audio.Config
	Source      internal_capture.Source

	// SegmentDir holds the session's segment files; it is exclusively owned
	// by the active session. OutputDir receives the merged artifact.
	SegmentDir string
	OutputDir  string

	// SegmentInterval is the configured rotation cadence; it bounds the
	// worst-case audio loss on a crash. MinSegmentInterval floors how far
	// critical pressure may shorten it (DefaultMinSegmentInterval if zero).
	SegmentInterval    time.Duration
	MinSegmentInterval time.Duration

	// Adaptive enables pressure-driven rotation shortening.
	Adaptive bool

	Snapshots *internal_snapshot.Manager

	// Pressure receives resource level transitions (may be nil).
	Pressure <-chan internal_resource.Level

	// Clock is injectable for testing; defaults to time.Now.
	Clock func() time.Time

	Interruption []internal_interruption.Option
}

type stopResult struct {
	artifact internal_segment.Artifact
	err      error
}

type stopRequest struct {
	ctx  context.Context
	done chan stopResult
}

// Recorder is the segment rotation controller and the single writer of the
// RecordingSession. Timers and asynchronous events (interruption begin/end,
// pressure transitions, stop requests) all funnel into one control loop, so
// session mutation needs no locking beyond the mutex that lets the snapshot
// goroutine take consistent reads.
type Recorder struct {
	logger commons.Logger
	opts   Options

	sink      internal_capture.Sink
	store     *internal_segment.Store
	merger    *internal_segment.Merger
	snapshots *internal_snapshot.Manager
	coord     *internal_interruption.Coordinator
	clock     func() time.Time

	events chan internal_interruption.Event
	stopCh chan *stopRequest
	done   chan struct{}

	mu        sync.Mutex
	sess      *RecordingSession
	active    *internal_segment.OpenSegment
	nextIndex int
	interval  time.Duration
	result    stopResult
}

// NewRecorder creates a recorder and its session. Capture does not start
// until Run.
func NewRecorder(logger commons.Logger, opts Options) (*Recorder, error) {
	if opts.Source == nil {
		return nil, errors.New("recorder: source is required")
	}
	if opts.Snapshots == nil {
		return nil, errors.New("recorder: snapshot manager is required")
	}
	if opts.SegmentInterval <= 0 {
		return nil, errors.New("recorder: segment interval must be positive")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MinSegmentInterval <= 0 {
		opts.MinSegmentInterval = DefaultMinSegmentInterval
	}

	sess := NewRecordingSession(opts.Clock)
	store, err := internal_segment.NewStore(logger, opts.SegmentDir, sess.SessionID, opts.AudioConfig)
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		logger:    logger,
		opts:      opts,
		sink:      internal_capture.NewSink(logger, opts.Source, opts.AudioConfig),
		store:     store,
		merger:    internal_segment.NewMerger(logger),
		snapshots: opts.Snapshots,
		clock:     opts.Clock,
		events:    make(chan internal_interruption.Event, 8),
		stopCh:    make(chan *stopRequest),
		done:      make(chan struct{}),
		sess:      sess,
		interval:  opts.SegmentInterval,
	}
	r.coord = internal_interruption.NewCoordinator(logger, r, opts.Interruption...)
	return r, nil
}

// Session returns a copy of the current session bookkeeping.
func (r *Recorder) Session() RecordingSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	copySess := *r.sess
	copySess.Segments = append([]internal_segment.Record(nil), r.sess.Segments...)
	return copySess
}

// Level reports the sink's instantaneous input level in [0, 1].
func (r *Recorder) Level() float64 { return r.sink.Level() }

// CaptureState returns the interruption coordinator's state.
func (r *Recorder) CaptureState() internal_interruption.State { return r.coord.State() }

// Interrupt delivers an interruption event to the control loop. A full queue
// sheds the oldest event instead of the new one, so the most recent begin/end
// is never lost — dropping an end would strand the session paused.
func (r *Recorder) Interrupt(ev internal_interruption.Event) {
	for {
		select {
		case r.events <- ev:
			return
		default:
		}
		select {
		case stale := <-r.events:
			r.logger.Warnw("Interruption event queue full, dropping oldest event", "kind", string(stale.Kind))
		default:
		}
	}
}

// Run captures until Stop is called or ctx is cancelled. Cancelling ctx
// models abnormal termination: the in-flight segment is deliberately left
// unfinalized and the last snapshot stands, which is exactly what recovery
// reconstructs from.
func (r *Recorder) Run(ctx context.Context) error {
	first, err := r.store.Open(0, 0)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.active = first
	r.nextIndex = 1
	r.mu.Unlock()
	r.persistSnapshot()

	r.logger.Infow("Recording session started",
		"session", r.sess.SessionID,
		"segmentInterval", r.opts.SegmentInterval.String(),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return ignoreCanceled(r.sink.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(r.snapshots.Run(gctx, r.snapshotState))
	})
	g.Go(func() error {
		err := r.controlLoop(gctx)
		cancel()
		return err
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// controlLoop is the single-writer event loop: frame writes, rotation,
// pressure reactions and interruption handling are serialized here. A stop
// request arriving mid-rotation naturally waits for the in-flight close,
// because both run on this goroutine.
func (r *Recorder) controlLoop(ctx context.Context) error {
	defer close(r.done)

	timer := time.NewTimer(r.currentInterval())
	defer timer.Stop()

	frames := r.sink.Frames()
	readErrs := r.sink.Errors()
	pressure := r.opts.Pressure

	for {
		select {
		case <-ctx.Done():
			// Abnormal termination path: finalize nothing.
			return nil

		case req := <-r.stopCh:
			res := r.finish(req.ctx)
			r.mu.Lock()
			r.result = res
			r.mu.Unlock()
			req.done <- res
			return nil

		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			r.writeFrame(frame)

		case err, ok := <-readErrs:
			if !ok {
				readErrs = nil
				continue
			}
			r.handleReadError(ctx, err)

		case <-timer.C:
			if err := r.rotateTick(); err != nil {
				if errors.Is(err, internal_segment.ErrStorageExhausted) {
					// Stop early rather than silently dropping audio.
					r.logger.Errorw("Storage exhausted, forcing early stop",
						"session", r.sess.SessionID, "error", err.Error())
					r.persistSnapshot()
					res := r.finish(context.Background())
					r.mu.Lock()
					r.result = res
					r.mu.Unlock()
					return nil
				}
				r.logger.Errorw("Rotation failed", "error", err.Error())
			}
			timer.Reset(r.currentInterval())

		case lvl, ok := <-pressure:
			if !ok {
				pressure = nil
				continue
			}
			r.handlePressure(lvl, timer)

		case ev := <-r.events:
			r.handleEvent(ctx, ev)
		}
	}
}

// Stop finalizes the session: close the active segment, merge everything
// into one artifact, mark the session closed and delete its snapshot. If ctx
// is cancelled mid-merge the temp output is discarded, the segments stay
// untouched and the snapshot remains, so the merge can be retried (recovery
// picks the session up if the process exits instead).
func (r *Recorder) Stop(ctx context.Context) (internal_segment.Artifact, error) {
	req := &stopRequest{ctx: ctx, done: make(chan stopResult, 1)}
	select {
	case r.stopCh <- req:
		select {
		case res := <-req.done:
			return res.artifact, res.err
		case <-ctx.Done():
			return internal_segment.Artifact{}, ctx.Err()
		}
	case <-r.done:
		r.mu.Lock()
		res := r.result
		r.mu.Unlock()
		if res.err == nil && res.artifact.Path == "" {
			res.err = errors.New("recorder: session terminated without finalizing")
		}
		return res.artifact, res.err
	case <-ctx.Done():
		return internal_segment.Artifact{}, ctx.Err()
	}
}

// writeFrame appends one PCM frame to the active segment. A write error is
// local to the segment (it will be retried/corrupt-marked at close); the
// session continues.
func (r *Recorder) writeFrame(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		// Paused or between segments; the sink should not be producing.
		r.logger.Warnw("Dropping frame with no active segment", "bytes", len(frame))
		return
	}
	if _, err := r.active.Write(frame); err != nil {
		r.logger.Errorw("Segment write failed", "index", r.active.Index(), "error", err.Error())
	}
}

// drainFramesLocked moves every buffered frame into the active segment.
// Called before closing a segment so buffered audio lands on the correct
// side of the rotation boundary.
func (r *Recorder) drainFramesLocked() {
	for {
		select {
		case frame, ok := <-r.sink.Frames():
			if !ok {
				return
			}
			if r.active != nil {
				if _, err := r.active.Write(frame); err != nil {
					r.logger.Errorw("Segment write failed during drain",
						"index", r.active.Index(), "error", err.Error())
				}
			}
		default:
			return
		}
	}
}

// rotateTick runs a scheduled rotation unless capture is paused.
func (r *Recorder) rotateTick() error {
	if r.coord.State() != internal_interruption.StateCapturing {
		return nil
	}
	if err := r.rotate(); err != nil {
		return err
	}
	r.persistSnapshot()
	return nil
}

// rotate closes the current segment and opens the next with no capture gap:
// the next file is opened and primed first, the old segment is finalized,
// and only then does the new segment accept bytes — frames captured in
// between wait in the sink's buffer. Segment finalization therefore
// happens-before the next segment's first byte.
func (r *Recorder) rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}

	r.drainFramesLocked()

	startOffset := r.active.StartOffset() + r.active.Elapsed()
	next, err := r.store.Open(r.nextIndex, startOffset)
	if err != nil {
		return err
	}

	old := r.active
	r.active = nil
	rec, cerr := r.store.Close(old)
	if cerr != nil {
		// Record is corrupt-marked and excluded from merge; the session
		// itself continues.
		r.logger.Errorw("Segment close failed", "index", rec.Index, "error", cerr.Error())
	}
	r.sess.Segments = append(r.sess.Segments, rec)
	r.active = next
	r.nextIndex++
	return nil
}

// PauseCapture implements interruption.Controller: the active segment is
// closed as a normal rotation (never torn), then the device stream stops.
func (r *Recorder) PauseCapture() error {
	if err := r.sink.Pause(); err != nil {
		return err
	}
	r.mu.Lock()
	r.drainFramesLocked()
	if r.active != nil {
		old := r.active
		r.active = nil
		rec, cerr := r.store.Close(old)
		if cerr != nil {
			r.logger.Errorw("Segment close failed on pause", "index", rec.Index, "error", cerr.Error())
		}
		r.sess.Segments = append(r.sess.Segments, rec)
	}
	r.mu.Unlock()
	r.persistSnapshot()
	return nil
}

// ResumeCapture implements interruption.Controller: reopen the capture
// handle, then a fresh segment at the end of the timeline.
func (r *Recorder) ResumeCapture() error {
	if err := r.sink.Resume(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil
	}
	next, err := r.store.Open(r.nextIndex, r.sess.TimelineEnd())
	if err != nil {
		_ = r.sink.Pause()
		return err
	}
	r.active = next
	r.nextIndex++
	return nil
}

// handleReadError routes a device read failure through the interruption
// machinery: the self-paused sink's active segment is closed as a clean
// rotation, then the bounded-retry resume runs. Exhausted retries mark the
// session interrupted like any other unrecoverable interruption, so the
// failure is never silent and the rotator stops producing empty segments.
func (r *Recorder) handleReadError(ctx context.Context, readErr error) {
	r.logger.Errorw("Capture device read failed",
		"session", r.sess.SessionID, "error", readErr.Error())
	r.handleEvent(ctx, internal_interruption.Event{
		Kind:   internal_interruption.EventBegin,
		Reason: readErr.Error(),
	})
	if r.coord.State() != internal_interruption.StatePaused {
		return
	}
	r.handleEvent(ctx, internal_interruption.Event{
		Kind:   internal_interruption.EventEnd,
		Reason: readErr.Error(),
	})
}

func (r *Recorder) handleEvent(ctx context.Context, ev internal_interruption.Event) {
	err := r.coord.Handle(ctx, ev)
	if err == nil {
		return
	}
	if errors.Is(err, internal_interruption.ErrRetriesExhausted) || r.coord.State() == internal_interruption.StateFailed {
		r.mu.Lock()
		r.sess.State = StateInterrupted
		r.mu.Unlock()
		r.persistSnapshot()
		r.logger.Errorw("Capture could not be resumed, session marked interrupted",
			"session", r.sess.SessionID, "error", err.Error())
		return
	}
	r.logger.Errorw("Interruption handling failed", "kind", string(ev.Kind), "error", err.Error())
}

// handlePressure shortens the rotation interval under critical pressure to
// shrink the audio-at-risk window, and forces an emergency snapshot.
func (r *Recorder) handlePressure(lvl internal_resource.Level, timer *time.Timer) {
	switch lvl {
	case internal_resource.LevelCritical:
		r.persistSnapshot()
		if !r.opts.Adaptive {
			return
		}
		shortened := r.opts.SegmentInterval / 4
		if shortened < r.opts.MinSegmentInterval {
			shortened = r.opts.MinSegmentInterval
		}
		if shortened > r.opts.SegmentInterval {
			shortened = r.opts.SegmentInterval
		}
		r.setInterval(shortened)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(shortened)
		r.logger.Warnw("Critical pressure: rotation interval shortened",
			"interval", shortened.String())

	case internal_resource.LevelNormal:
		if r.opts.Adaptive && r.currentInterval() != r.opts.SegmentInterval {
			r.setInterval(r.opts.SegmentInterval)
			r.logger.Infow("Pressure normal: rotation interval restored",
				"interval", r.opts.SegmentInterval.String())
		}

	default:
		r.logger.Warnw("Resource pressure warning", "level", string(lvl))
	}
}

func (r *Recorder) currentInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

func (r *Recorder) setInterval(d time.Duration) {
	r.mu.Lock()
	r.interval = d
	r.mu.Unlock()
}

// finish performs the normal-stop sequence.
func (r *Recorder) finish(ctx context.Context) stopResult {
	r.mu.Lock()
	r.sess.State = StateFinalizing
	r.mu.Unlock()

	_ = r.sink.Stop()
	// The sink closes its frame channel once the pump loop drains.
	for frame := range r.sink.Frames() {
		r.writeFrame(frame)
	}

	r.mu.Lock()
	if r.active != nil {
		old := r.active
		r.active = nil
		rec, cerr := r.store.Close(old)
		if cerr != nil {
			r.logger.Errorw("Final segment close failed", "index", rec.Index, "error", cerr.Error())
		}
		r.sess.Segments = append(r.sess.Segments, rec)
	}
	records := append([]internal_segment.Record(nil), r.sess.Segments...)
	sessionID := r.sess.SessionID
	r.mu.Unlock()

	// Durable finalizing state before the merge: if the merge is cancelled
	// or the process dies, recovery finds the full segment list.
	r.persistSnapshot()

	outPath := filepath.Join(r.opts.OutputDir, sessionID+".wav")
	artifact, err := r.merger.Merge(ctx, records, outPath)
	if err != nil {
		return stopResult{err: fmt.Errorf("finalize session %s: %w", sessionID, err)}
	}

	r.mu.Lock()
	r.sess.State = StateClosed
	r.sess.AccumulatedDuration = r.sess.FinalizedDuration()
	r.mu.Unlock()

	if err := r.snapshots.Delete(sessionID); err != nil {
		r.logger.Warnw("Snapshot delete failed", "session", sessionID, "error", err.Error())
	}
	for _, rec := range records {
		if err := r.store.Remove(rec); err != nil {
			r.logger.Warnw("Segment cleanup failed", "index", rec.Index, "error", err.Error())
		}
	}

	r.logger.Infow("Recording session closed",
		"session", sessionID,
		"artifact", artifact.Path,
		"duration", artifact.Duration.String(),
	)
	return stopResult{artifact: artifact}
}

// snapshotState provides the snapshot manager's periodic view.
func (r *Recorder) snapshotState() (internal_snapshot.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess.State == StateClosed {
		return internal_snapshot.Snapshot{}, false
	}
	return r.buildSnapshotLocked(), true
}

func (r *Recorder) buildSnapshotLocked() internal_snapshot.Snapshot {
	var openElapsed time.Duration
	if r.active != nil {
		openElapsed = r.active.Elapsed()
	}
	r.sess.AccumulatedDuration = r.sess.FinalizedDuration() + openElapsed
	return internal_snapshot.Snapshot{
		SessionID:           r.sess.SessionID,
		StartTime:           r.sess.StartTime,
		State:               string(r.sess.State),
		AccumulatedDuration: r.sess.AccumulatedDuration,
		Segments:            append([]internal_segment.Record(nil), r.sess.Segments...),
		OpenSegmentElapsed:  openElapsed,
	}
}

// persistSnapshot writes a snapshot now (rotation, emergency, state change).
// Failure is logged and retried on the next cycle; audio durability never
// depends on it.
func (r *Recorder) persistSnapshot() {
	r.mu.Lock()
	snap := r.buildSnapshotLocked()
	r.mu.Unlock()
	if err := r.snapshots.Write(snap); err != nil {
		r.logger.Errorw("Snapshot write failed", "session", snap.SessionID, "error", err.Error())
	}
}
