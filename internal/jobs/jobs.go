// Package jobs runs long operations (start, stop, restart, swap) in the background so chat
// handlers and socket commands return immediately.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.olrik.dev/warden/internal/metrics"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrClosed   = errors.New("job manager closed")
)

// DefaultRetention is how many finished jobs are kept for listing
const DefaultRetention = 100

type State int

const (
	Pending State = iota
	Running
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Finished reports whether the state is terminal
func (s State) Finished() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Progress reports completion in percent with a short stage description
type Progress func(percent int, stage string)

// Work is the body of a job. It must return promptly once ctx is cancelled.
type Work func(ctx context.Context, progress Progress) error

// Recorder persists job state changes. *db.DB satisfies it.
type Recorder interface {
	LogJobEvent(jobID, description, state, details string) error
}

// Snapshot is a point-in-time copy of a job
type Snapshot struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	Percent     int       `json:"percent"`
	Stage       string    `json:"stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

// Job is one background operation
type Job struct {
	id          string
	description string
	cancel      context.CancelFunc
	done        chan struct{}

	mu         sync.Mutex
	state      State
	percent    int
	stage      string
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

func (j *Job) ID() string          { return j.id }
func (j *Job) Description() string { return j.description }

// Done is closed when the job has finished
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel asks the work to stop
func (j *Job) Cancel() { j.cancel() }

// Wait blocks until the job finishes or ctx is done and returns the job's error
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is the work's error once finished
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		ID:          j.id,
		Description: j.description,
		State:       j.state.String(),
		Percent:     j.percent,
		Stage:       j.stage,
		StartedAt:   j.startedAt,
		FinishedAt:  j.finishedAt,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

func (j *Job) report(percent int, stage string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Finished() {
		return
	}
	j.percent = max(0, min(100, percent))
	j.stage = stage
}

// Manager runs jobs and remembers recent ones
type Manager struct {
	recorder  Recorder
	collector metrics.Collector
	retention int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*Job
	order  []string
	closed bool
}

// NewManager creates a manager. recorder and collector may be nil.
func NewManager(recorder Recorder, collector metrics.Collector) *Manager {
	if collector == nil {
		collector = metrics.NewNoop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		recorder:  recorder,
		collector: collector,
		retention: DefaultRetention,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*Job),
	}
}

// SetRetention changes how many finished jobs are kept
func (m *Manager) SetRetention(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retention = max(1, n)
}

// Run starts work in the background. After Close the returned job has already failed
// with ErrClosed.
func (m *Manager) Run(description string, work Work) *Job {
	ctx, cancel := context.WithCancel(m.ctx)
	j := &Job{
		id:          uuid.New().String(),
		description: description,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       Pending,
		startedAt:   time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		j.state = Failed
		j.err = ErrClosed
		j.finishedAt = j.startedAt
		close(j.done)
		return j
	}
	m.jobs[j.id] = j
	m.order = append(m.order, j.id)
	m.wg.Add(1)
	m.mu.Unlock()

	m.record(j, Pending, "")
	go m.execute(ctx, j, work)
	return j
}

func (m *Manager) execute(ctx context.Context, j *Job, work Work) {
	defer m.wg.Done()
	defer j.cancel()

	j.mu.Lock()
	j.state = Running
	j.mu.Unlock()
	m.record(j, Running, "")
	slog.Debug("Job started", "job", j.id, "description", j.description)

	err := runWork(ctx, work, j.report)

	state := Succeeded
	switch {
	case err == nil:
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		state = Cancelled
	default:
		state = Failed
	}

	j.mu.Lock()
	j.state = state
	j.err = err
	j.finishedAt = time.Now()
	if state == Succeeded {
		j.percent = 100
	}
	duration := j.finishedAt.Sub(j.startedAt)
	j.mu.Unlock()

	details := ""
	if err != nil {
		details = err.Error()
		slog.Warn("Job did not succeed", "job", j.id, "description", j.description, "state", state, "error", err)
	} else {
		slog.Info("Job finished", "job", j.id, "description", j.description, "duration", duration)
	}
	m.record(j, state, details)
	m.collector.JobFinished(state.String(), duration)
	close(j.done)
	m.prune()
}

func runWork(ctx context.Context, work Work, progress Progress) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return work(ctx, progress)
}

func (m *Manager) record(j *Job, state State, details string) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.LogJobEvent(j.id, j.description, state.String(), details); err != nil {
		slog.Warn("Failed to record job event", "job", j.id, "error", err)
	}
}

// prune drops the oldest finished jobs beyond the retention limit
func (m *Manager) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	finished := 0
	for _, id := range m.order {
		if m.jobs[id].State().Finished() {
			finished++
		}
	}
	for i := 0; i < len(m.order) && finished > m.retention; {
		id := m.order[i]
		if m.jobs[id].State().Finished() {
			delete(m.jobs, id)
			m.order = slices.Delete(m.order, i, i+1)
			finished--
			continue
		}
		i++
	}
}

// Get returns the job with id
func (m *Manager) Get(id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, nil
}

// List returns snapshots of all known jobs, oldest first
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.order))
	for _, id := range m.order {
		jobs = append(jobs, m.jobs[id])
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	return out
}

// Cancel cancels the job with id
func (m *Manager) Cancel(id string) error {
	j, err := m.Get(id)
	if err != nil {
		return err
	}
	j.Cancel()
	return nil
}

// Close cancels every running job and waits for them until ctx is done
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}
