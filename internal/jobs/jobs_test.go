package jobs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

type recordedEvent struct {
	jobID, description, state, details string
}

type memRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *memRecorder) LogJobEvent(jobID, description, state, details string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{jobID, description, state, details})
	return nil
}

func (r *memRecorder) states(jobID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.jobID == jobID {
			out = append(out, e.state)
		}
	}
	return out
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunSucceeds(t *testing.T) {
	quietLogger(t)
	rec := &memRecorder{}
	m := NewManager(rec, nil)
	defer m.Close(context.Background())

	job := m.Run("Restart server", func(ctx context.Context, progress Progress) error {
		progress(50, "halfway")
		return nil
	})
	require.NotEmpty(t, job.ID())
	require.NoError(t, job.Wait(waitCtx(t)))

	snap := job.Snapshot()
	assert.Equal(t, "succeeded", snap.State)
	assert.Equal(t, 100, snap.Percent)
	assert.Equal(t, "Restart server", snap.Description)
	assert.False(t, snap.FinishedAt.IsZero())
	assert.Equal(t, []string{"pending", "running", "succeeded"}, rec.states(job.ID()))
}

func TestRunFails(t *testing.T) {
	quietLogger(t)
	m := NewManager(nil, nil)
	defer m.Close(context.Background())

	boom := errors.New("boom")
	job := m.Run("Stop server", func(ctx context.Context, progress Progress) error { return boom })

	err := job.Wait(waitCtx(t))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Failed, job.State())
	assert.Equal(t, "boom", job.Snapshot().Error)
}

func TestRunRecoversPanic(t *testing.T) {
	quietLogger(t)
	m := NewManager(nil, nil)
	defer m.Close(context.Background())

	job := m.Run("Bad", func(ctx context.Context, progress Progress) error { panic("oops") })
	err := job.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
	assert.Equal(t, Failed, job.State())
}

func TestCancel(t *testing.T) {
	quietLogger(t)
	m := NewManager(nil, nil)
	defer m.Close(context.Background())

	started := make(chan struct{})
	job := m.Run("Slow", func(ctx context.Context, progress Progress) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	require.NoError(t, m.Cancel(job.ID()))
	assert.ErrorIs(t, job.Wait(waitCtx(t)), context.Canceled)
	assert.Equal(t, Cancelled, job.State())

	assert.ErrorIs(t, m.Cancel("missing"), ErrNotFound)
}

func TestGetAndList(t *testing.T) {
	quietLogger(t)
	m := NewManager(nil, nil)
	defer m.Close(context.Background())

	a := m.Run("first", func(ctx context.Context, progress Progress) error { return nil })
	b := m.Run("second", func(ctx context.Context, progress Progress) error { return nil })
	a.Wait(waitCtx(t))
	b.Wait(waitCtx(t))

	got, err := m.Get(b.ID())
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = m.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Description)
	assert.Equal(t, "second", list[1].Description)
}

func TestRetention(t *testing.T) {
	quietLogger(t)
	m := NewManager(nil, nil)
	defer m.Close(context.Background())
	m.SetRetention(2)

	var last *Job
	for range 4 {
		last = m.Run("job", func(ctx context.Context, progress Progress) error { return nil })
		last.Wait(waitCtx(t))
	}

	// prune runs after Done is closed
	require.Eventually(t, func() bool { return len(m.List()) == 2 }, 2*time.Second, 10*time.Millisecond)
	_, err := m.Get(last.ID())
	assert.NoError(t, err)
}

func TestProgressClamped(t *testing.T) {
	quietLogger(t)
	m := NewManager(nil, nil)
	defer m.Close(context.Background())

	reported := make(chan struct{})
	release := make(chan struct{})
	job := m.Run("progress", func(ctx context.Context, progress Progress) error {
		progress(250, "overshoot")
		close(reported)
		<-release
		return nil
	})
	<-reported
	snap := job.Snapshot()
	assert.Equal(t, 100, snap.Percent)
	assert.Equal(t, "overshoot", snap.Stage)
	assert.Equal(t, "running", snap.State)
	close(release)
	job.Wait(waitCtx(t))
}

func TestCloseCancelsAndRejects(t *testing.T) {
	quietLogger(t)
	m := NewManager(nil, nil)

	job := m.Run("Slow", func(ctx context.Context, progress Progress) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.NoError(t, m.Close(waitCtx(t)))
	assert.Equal(t, Cancelled, job.State())

	late := m.Run("late", func(ctx context.Context, progress Progress) error {
		t.Error("work must not run after Close")
		return nil
	})
	assert.ErrorIs(t, late.Err(), ErrClosed)
	select {
	case <-late.Done():
	default:
		t.Error("rejected job should already be done")
	}
}

func TestCloseTimesOut(t *testing.T) {
	quietLogger(t)
	m := NewManager(nil, nil)
	release := make(chan struct{})
	defer close(release)

	m.Run("Ignores cancel", func(ctx context.Context, progress Progress) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Close(ctx), context.DeadlineExceeded)
}
