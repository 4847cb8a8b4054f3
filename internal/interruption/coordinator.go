package internal_interruption

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tkys/instantrec-sub000/pkg/commons"
)

// State is the coordinator's capture state machine.
type State string

const (
	StateCapturing State = "capturing"
	StatePaused    State = "paused"
	StateResuming  State = "resuming"
	StateFailed    State = "failed"
)

// EventKind classifies capture-interrupting events. Platform notification
// callbacks (route changes, competing audio sessions, OS suspension) are
// translated into these by whoever owns the platform integration; the
// coordinator itself is platform-agnostic.
type EventKind string

const (
	// EventBegin: an interruption started; capture must pause cleanly.
	EventBegin EventKind = "begin"
	// EventEnd: the interruption ended; capture should resume.
	EventEnd EventKind = "end"
	// EventDeviceLost: unrecoverable capture-device error (no input route).
	EventDeviceLost EventKind = "device_lost"
)

// Event is one interruption signal delivered over the event channel.
type Event struct {
	Kind   EventKind
	Reason string
}

// ErrRetriesExhausted is returned when resume attempts run out. The session
// is never silently dropped: the caller marks it interrupted, forces a
// snapshot and decides whether to stop or keep retrying at lower frequency.
var ErrRetriesExhausted = errors.New("interruption resume retries exhausted")

// Controller is the capture side the coordinator drives. The recorder
// implements it; both calls run on the recorder's single-writer goroutine.
type Controller interface {
	// PauseCapture closes the active segment as a normal rotation (so no
	// torn segment ever exists) and pauses the sink.
	PauseCapture() error
	// ResumeCapture reopens the capture handle and a fresh segment. A
	// failure means the device is still unavailable; the coordinator
	// retries it with backoff.
	ResumeCapture() error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxRetries bounds resume attempts after an interruption ends.
func WithMaxRetries(n uint64) Option {
	return func(c *Coordinator) { c.maxRetries = n }
}

// WithInitialBackoff sets the delay before the second resume attempt.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Coordinator) { c.initialBackoff = d }
}

// WithMaxBackoff caps the delay between resume attempts.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Coordinator) { c.maxBackoff = d }
}

// Coordinator reacts to interruption events by pausing the capture side
// safely and resuming it with bounded exponential backoff.
type Coordinator struct {
	logger     commons.Logger
	controller Controller

	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu    sync.Mutex
	state State
}

// NewCoordinator builds a Coordinator in the capturing state.
func NewCoordinator(logger commons.Logger, controller Controller, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:         logger,
		controller:     controller,
		maxRetries:     4,
		initialBackoff: 250 * time.Millisecond,
		maxBackoff:     5 * time.Second,
		state:          StateCapturing,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current machine state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Handle dispatches one event.
func (c *Coordinator) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventBegin:
		return c.handleBegin(ev)
	case EventEnd:
		return c.handleEnd(ctx, ev)
	case EventDeviceLost:
		c.logger.Errorw("Capture device lost", "reason", ev.Reason)
		c.setState(StateFailed)
		return fmt.Errorf("capture device lost: %s", ev.Reason)
	default:
		return fmt.Errorf("unknown interruption event %q", ev.Kind)
	}
}

// handleBegin transitions capturing → paused. The active segment is closed
// as a normal rotation, so recovery never reasons about a half-written
// segment from an interruption.
func (c *Coordinator) handleBegin(ev Event) error {
	if st := c.State(); st != StateCapturing {
		c.logger.Debugw("Ignoring interruption begin", "state", string(st), "reason", ev.Reason)
		return nil
	}
	c.logger.Infow("Interruption began, pausing capture", "reason", ev.Reason)
	if err := c.controller.PauseCapture(); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("pause capture: %w", err)
	}
	c.setState(StatePaused)
	return nil
}

// handleEnd transitions paused → resuming → capturing, retrying the reopen
// with exponential backoff. Exhausting the budget transitions to failed and
// returns ErrRetriesExhausted.
func (c *Coordinator) handleEnd(ctx context.Context, ev Event) error {
	if st := c.State(); st != StatePaused {
		c.logger.Debugw("Ignoring interruption end", "state", string(st), "reason", ev.Reason)
		return nil
	}
	c.setState(StateResuming)
	c.logger.Infow("Interruption ended, resuming capture", "reason", ev.Reason)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.initialBackoff
	expo.MaxInterval = c.maxBackoff
	expo.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			return c.controller.ResumeCapture()
		},
		backoff.WithContext(backoff.WithMaxRetries(expo, c.maxRetries), ctx),
		func(err error, next time.Duration) {
			c.logger.Warnw("Resume attempt failed",
				"attempt", attempt, "retryIn", next.String(), "error", err.Error())
		},
	)
	if err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}

	c.setState(StateCapturing)
	c.logger.Infow("Capture resumed", "attempts", attempt)
	return nil
}
