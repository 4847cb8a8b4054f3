package internal_capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	internal_audio "github.com/tkys/instantrec-sub000/internal/audio"
	"github.com/tkys/instantrec-sub000/pkg/commons"
)

// DefaultFrameChannelSize buffers roughly two seconds of 20ms frames so the
// writer can fall behind briefly (segment rotation, snapshot fsync) without
// the capture loop ever blocking long enough to drop device buffers.
const DefaultFrameChannelSize = 100

// ErrSinkClosed is returned from lifecycle calls after Stop.
var ErrSinkClosed = errors.New("capture sink is closed")

// Source is one open capture handle on an audio input device. Start may fail
// (device busy, no input route) and is retried by the interruption
// coordinator with backoff.
type Source interface {
	// Start opens/starts the underlying device stream.
	Start() error
	// ReadFrame blocks until the next PCM frame is available and returns it.
	// The returned slice is only valid until the next call.
	ReadFrame() ([]byte, error)
	// Stop stops the device stream; Start may be called again afterwards.
	Stop() error
	// Close releases the device entirely.
	Close() error
}

// Sink wraps a Source and turns it into a buffered stream of encoded PCM
// frames with pause/resume and instantaneous level metering.
type Sink interface {
	// Run pumps frames from the source until ctx is cancelled or Stop is
	// called. It returns after the source has been stopped.
	Run(ctx context.Context) error
	// Frames is the ordered stream of captured PCM frames.
	Frames() <-chan []byte
	// Pause stops the device stream without closing the frame channel.
	Pause() error
	// Resume reopens the device stream after a Pause. It is the retryable
	// step of interruption recovery: a failure here means the capture handle
	// could not be reacquired yet.
	Resume() error
	// Stop terminates the sink; the frame channel is closed once the pump
	// loop drains.
	Stop() error
	// Level reports the most recent frame's RMS level in [0, 1].
	Level() float64
	// Errors surfaces device read failures. The sink pauses itself on a
	// read error; the consumer decides whether to resume (interruption
	// path) or stop.
	Errors() <-chan error
}

type pcmSink struct {
	logger commons.Logger
	source Source
	cfg    internal_audio.Config

	ctx    context.Context
	cancel context.CancelFunc

	frames chan []byte
	errs   chan error

	mu      sync.Mutex
	paused  bool
	resume  chan struct{}
	stopped bool

	// levelBits holds math.Float64bits of the last frame's RMS.
	levelBits atomic.Uint64
}

// NewSink builds a Sink over the given source. The sink owns its own cancel
// context so teardown is never short-circuited by the caller's context.
func NewSink(logger commons.Logger, source Source, cfg internal_audio.Config) Sink {
	ctx, cancel := context.WithCancel(context.Background())
	return &pcmSink{
		logger: logger,
		source: source,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		frames: make(chan []byte, DefaultFrameChannelSize),
		errs:   make(chan error, 1),
		resume: make(chan struct{}),
	}
}

func (s *pcmSink) Frames() <-chan []byte { return s.frames }

func (s *pcmSink) Errors() <-chan error { return s.errs }

func (s *pcmSink) Level() float64 {
	return math.Float64frombits(s.levelBits.Load())
}

// Run starts the source and pumps frames until cancellation. A read error
// from the device pauses the sink and surfaces the error; the caller decides
// whether to resume (interruption path) or stop.
func (s *pcmSink) Run(ctx context.Context) error {
	if err := s.source.Start(); err != nil {
		return fmt.Errorf("start capture source: %w", err)
	}
	defer close(s.frames)
	defer close(s.errs)
	defer s.source.Close()

	for {
		select {
		case <-ctx.Done():
			_ = s.source.Stop()
			return ctx.Err()
		case <-s.ctx.Done():
			_ = s.source.Stop()
			return nil
		default:
		}

		if s.waitWhilePaused(ctx) {
			continue
		}

		data, err := s.source.ReadFrame()
		if err != nil {
			s.logger.Errorw("Capture read failed, pausing sink", "error", err.Error())
			s.pauseLocked(false)
			// Best effort: the device may already be gone. Resume restarts it.
			_ = s.source.Stop()
			select {
			case s.errs <- err:
			default:
			}
			continue
		}
		if len(data) == 0 {
			continue
		}

		s.levelBits.Store(math.Float64bits(rmsLevel(data)))

		// Copy: the source reuses its buffer.
		frame := make([]byte, len(data))
		copy(frame, data)

		select {
		case s.frames <- frame:
		case <-ctx.Done():
			_ = s.source.Stop()
			return ctx.Err()
		case <-s.ctx.Done():
			_ = s.source.Stop()
			return nil
		}
	}
}

// waitWhilePaused blocks while the sink is paused. Returns true if it waited
// (so the pump loop re-checks cancellation before reading).
func (s *pcmSink) waitWhilePaused(ctx context.Context) bool {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return false
	}
	resume := s.resume
	s.mu.Unlock()

	select {
	case <-resume:
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	return true
}

// Pause stops the device stream. Frames already buffered stay in the channel.
func (s *pcmSink) Pause() error {
	return s.pauseLocked(true)
}

func (s *pcmSink) pauseLocked(stopSource bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSinkClosed
	}
	if s.paused {
		return nil
	}
	s.paused = true
	s.resume = make(chan struct{})
	s.levelBits.Store(0)
	if stopSource {
		if err := s.source.Stop(); err != nil {
			return fmt.Errorf("stop capture source: %w", err)
		}
	}
	return nil
}

// Resume restarts the device stream. On failure the sink stays paused so the
// caller can retry.
func (s *pcmSink) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSinkClosed
	}
	if !s.paused {
		return nil
	}
	if err := s.source.Start(); err != nil {
		return fmt.Errorf("reopen capture source: %w", err)
	}
	s.paused = false
	close(s.resume)
	return nil
}

// Stop terminates the pump loop. Idempotent.
func (s *pcmSink) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.paused {
		// Unblock a paused pump loop so it can observe cancellation.
		close(s.resume)
		s.paused = false
	}
	s.mu.Unlock()
	s.cancel()
	return nil
}

// rmsLevel computes the normalized RMS of a LINEAR16 little-endian frame.
func rmsLevel(frame []byte) float64 {
	n := len(frame) / internal_audio.BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
		v := float64(sample) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
