package internal_interruption

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkys/instantrec-sub000/pkg/commons"
)

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(
		commons.Name("test-interruption"),
		commons.Level("debug"),
	)
	require.NoError(t, err)
	return logger
}

// fakeController counts calls and can fail resume a configured number of
// times before succeeding.
type fakeController struct {
	pauseCalls  int
	resumeCalls int

	pauseErr         error
	resumeFailsFirst int
}

func (f *fakeController) PauseCapture() error {
	f.pauseCalls++
	return f.pauseErr
}

func (f *fakeController) ResumeCapture() error {
	f.resumeCalls++
	if f.resumeCalls <= f.resumeFailsFirst {
		return errors.New("device busy")
	}
	return nil
}

func fastOpts() []Option {
	return []Option{
		WithMaxRetries(3),
		WithInitialBackoff(time.Millisecond),
		WithMaxBackoff(5 * time.Millisecond),
	}
}

func TestBeginPausesCapture(t *testing.T) {
	ctrl := &fakeController{}
	c := NewCoordinator(newTestLogger(t), ctrl, fastOpts()...)

	require.NoError(t, c.Handle(context.Background(), Event{Kind: EventBegin, Reason: "phone call"}))
	assert.Equal(t, StatePaused, c.State())
	assert.Equal(t, 1, ctrl.pauseCalls)
}

func TestBeginWhilePausedIsIgnored(t *testing.T) {
	ctrl := &fakeController{}
	c := NewCoordinator(newTestLogger(t), ctrl, fastOpts()...)

	require.NoError(t, c.Handle(context.Background(), Event{Kind: EventBegin}))
	require.NoError(t, c.Handle(context.Background(), Event{Kind: EventBegin}))
	assert.Equal(t, 1, ctrl.pauseCalls, "duplicate begin must not pause twice")
	assert.Equal(t, StatePaused, c.State())
}

func TestBeginPauseFailureTransitionsToFailed(t *testing.T) {
	ctrl := &fakeController{pauseErr: errors.New("sink already stopped")}
	c := NewCoordinator(newTestLogger(t), ctrl, fastOpts()...)

	err := c.Handle(context.Background(), Event{Kind: EventBegin})
	assert.Error(t, err)
	assert.Equal(t, StateFailed, c.State())
}

func TestEndResumesImmediately(t *testing.T) {
	ctrl := &fakeController{}
	c := NewCoordinator(newTestLogger(t), ctrl, fastOpts()...)
	require.NoError(t, c.Handle(context.Background(), Event{Kind: EventBegin}))

	require.NoError(t, c.Handle(context.Background(), Event{Kind: EventEnd}))
	assert.Equal(t, StateCapturing, c.State())
	assert.Equal(t, 1, ctrl.resumeCalls)
}

func TestEndRetriesWithinBudget(t *testing.T) {
	ctrl := &fakeController{resumeFailsFirst: 2}
	c := NewCoordinator(newTestLogger(t), ctrl, fastOpts()...)
	require.NoError(t, c.Handle(context.Background(), Event{Kind: EventBegin}))

	require.NoError(t, c.Handle(context.Background(), Event{Kind: EventEnd}))
	assert.Equal(t, StateCapturing, c.State())
	assert.Equal(t, 3, ctrl.resumeCalls, "two failures then success")
}

func TestEndExhaustsRetries(t *testing.T) {
	// 1 initial attempt + 3 retries, all failing.
	ctrl := &fakeController{resumeFailsFirst: 10}
	c := NewCoordinator(newTestLogger(t), ctrl, fastOpts()...)
	require.NoError(t, c.Handle(context.Background(), Event{Kind: EventBegin}))

	err := c.Handle(context.Background(), Event{Kind: EventEnd})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 4, ctrl.resumeCalls)
}

func TestEndWithoutBeginIsIgnored(t *testing.T) {
	ctrl := &fakeController{}
	c := NewCoordinator(newTestLogger(t), ctrl, fastOpts()...)

	require.NoError(t, c.Handle(context.Background(), Event{Kind: EventEnd}))
	assert.Equal(t, StateCapturing, c.State())
	assert.Zero(t, ctrl.resumeCalls)
}

func TestDeviceLostFailsImmediately(t *testing.T) {
	ctrl := &fakeController{}
	c := NewCoordinator(newTestLogger(t), ctrl, fastOpts()...)

	err := c.Handle(context.Background(), Event{Kind: EventDeviceLost, Reason: "input route removed"})
	assert.Error(t, err)
	assert.Equal(t, StateFailed, c.State())
	assert.Zero(t, ctrl.pauseCalls)
	assert.Zero(t, ctrl.resumeCalls)
}

func TestUnknownEventKind(t *testing.T) {
	c := NewCoordinator(newTestLogger(t), &fakeController{}, fastOpts()...)
	assert.Error(t, c.Handle(context.Background(), Event{Kind: EventKind("bogus")}))
}

func TestEndCancelledContextStopsRetrying(t *testing.T) {
	ctrl := &fakeController{resumeFailsFirst: 100}
	c := NewCoordinator(newTestLogger(t), ctrl,
		WithMaxRetries(50),
		WithInitialBackoff(20*time.Millisecond),
		WithMaxBackoff(20*time.Millisecond),
	)
	require.NoError(t, c.Handle(context.Background(), Event{Kind: EventBegin}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Handle(ctx, Event{Kind: EventEnd})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateFailed, c.State())
	assert.Less(t, ctrl.resumeCalls, 10, "cancellation must cut the retry loop short")
}
