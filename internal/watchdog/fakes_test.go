package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.olrik.dev/warden/internal/chat"
	"go.olrik.dev/warden/internal/dmb"
	"go.olrik.dev/warden/internal/host"
	"go.olrik.dev/warden/internal/jobs"
	"go.olrik.dev/warden/internal/session"
	"go.olrik.dev/warden/internal/topic"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// fakeController is an in-memory game server
type fakeController struct {
	info    session.ReattachInfo
	factory *fakeFactory

	exited   chan struct{}
	once     sync.Once
	code     atomic.Int64
	detached atomic.Bool
	silent   atomic.Bool
	graceful atomic.Int32
	killed   atomic.Int32
}

func (c *fakeController) PID() int                                   { return c.info.PID }
func (c *fakeController) Slot() session.Slot                         { return c.info.Slot }
func (c *fakeController) Port() int                                  { return c.info.Port }
func (c *fakeController) AccessToken() string                        { return c.info.AccessToken }
func (c *fakeController) LaunchParameters() session.LaunchParameters { return c.info.Launch.Clone() }
func (c *fakeController) Exited() <-chan struct{}                    { return c.exited }
func (c *fakeController) ReattachInfo() session.ReattachInfo         { return c.info.Clone() }
func (c *fakeController) Detach()                                    { c.detached.Store(true) }

func (c *fakeController) IsAlive() bool {
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

func (c *fakeController) ExitCode() (int, bool) {
	if c.IsAlive() {
		return 0, false
	}
	return int(c.code.Load()), true
}

func (c *fakeController) Terminate(ctx context.Context, graceful bool) error {
	if c.detached.Load() {
		return session.ErrDetached
	}
	if graceful {
		c.graceful.Add(1)
	} else {
		c.killed.Add(1)
	}
	c.exit(0)
	return nil
}

func (c *fakeController) SendCommand(ctx context.Context, command string) (topic.Response, error) {
	if c.silent.Load() {
		return topic.Response{}, fmt.Errorf("query %q: %w", command, topic.ErrTimeout)
	}
	return topic.Response{Code: topic.CodeOK, Text: "ack " + command}, nil
}

// exit simulates the process ending with code
func (c *fakeController) exit(code int) {
	c.once.Do(func() {
		c.code.Store(int64(code))
		c.factory.markDead(c.info.PID)
		close(c.exited)
	})
}

type launchHook func(ctx context.Context, slot session.Slot) error

// fakeFactory launches fakeControllers and tracks how many are alive at once
type fakeFactory struct {
	mu       sync.Mutex
	nextPID  int
	launches int
	alive    map[int]*fakeController
	all      []*fakeController
	maxAlive int
	hook     launchHook
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{nextPID: 1000, alive: make(map[int]*fakeController)}
}

func (f *fakeFactory) setHook(h launchHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = h
}

func (f *fakeFactory) LaunchNew(ctx context.Context, params session.LaunchParameters, deployment dmb.Provider, slot session.Slot) (session.Controller, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, slot); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.launches++
	pid := f.nextPID
	c := &fakeController{
		factory: f,
		exited:  make(chan struct{}),
		info: session.ReattachInfo{
			InstanceID:  "main",
			PID:         pid,
			CreateTime:  int64(pid) * 10,
			Port:        params.PortFor(slot),
			AccessToken: fmt.Sprintf("token-%d", pid),
			Launch:      params.Clone(),
			Slot:        slot,
			Revision:    deployment.Revision(),
			Directory:   slot.Directory(deployment),
			DmbPath:     slot.DmbPath(deployment),
			StartedAt:   time.Now(),
		},
	}
	f.alive[pid] = c
	f.all = append(f.all, c)
	f.maxAlive = max(f.maxAlive, len(f.alive))
	return c, nil
}

func (f *fakeFactory) Reattach(ctx context.Context, info session.ReattachInfo) (session.Controller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.alive[info.PID]
	if !ok {
		return nil, fmt.Errorf("%w: process %d is not running", session.ErrReattachFailed, info.PID)
	}
	if c.info.AccessToken != info.AccessToken {
		return nil, fmt.Errorf("%w: token rejected", session.ErrReattachFailed)
	}
	c.detached.Store(false)
	return c, nil
}

func (f *fakeFactory) markDead(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
}

func (f *fakeFactory) last() *fakeController {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all[len(f.all)-1]
}

func (f *fakeFactory) byPID(pid int) *fakeController {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.all {
		if c.info.PID == pid {
			return c
		}
	}
	return nil
}

func (f *fakeFactory) stats() (launches, alive, maxAlive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches, len(f.alive), f.maxAlive
}

// blockingHook makes launches into slot hang until cancelled, signalling entered first
func blockingHook(slot session.Slot, entered chan<- struct{}) launchHook {
	return func(ctx context.Context, s session.Slot) error {
		if s != slot {
			return nil
		}
		entered <- struct{}{}
		<-ctx.Done()
		return fmt.Errorf("launch cancelled: %w", ctx.Err())
	}
}

// gatedHook holds launches into slot until release is closed
func gatedHook(slot session.Slot, entered chan<- struct{}, release <-chan struct{}) launchHook {
	return func(ctx context.Context, s session.Slot) error {
		if s != slot {
			return nil
		}
		entered <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("launch cancelled: %w", ctx.Err())
		}
	}
}

// memStore is an in-memory reattach store with failure injection
type memStore struct {
	mu      sync.Mutex
	records map[string]session.ReattachInfo
	saveErr error
	onClear func()
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]session.ReattachInfo)}
}

func (s *memStore) Save(ctx context.Context, info session.ReattachInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.records[info.InstanceID] = info.Clone()
	return nil
}

func (s *memStore) Load(ctx context.Context, instanceID string) (*session.ReattachInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.records[instanceID]
	if !ok {
		return nil, nil
	}
	c := info.Clone()
	return &c, nil
}

func (s *memStore) Clear(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	hook := s.onClear
	delete(s.records, instanceID)
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (s *memStore) get(instanceID string) *session.ReattachInfo {
	info, _ := s.Load(context.Background(), instanceID)
	return info
}

func (s *memStore) setSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *memStore) setOnClear(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClear = f
}

// fakeChat records broadcasts and the registered handler
type fakeChat struct {
	mu       sync.Mutex
	handlers []chat.CommandHandler
	disposed int
	messages []string
}

type fakeRegistration struct {
	once    sync.Once
	dispose func()
}

func (r *fakeRegistration) Dispose() { r.once.Do(r.dispose) }

func (c *fakeChat) RegisterCommandHandler(h chat.CommandHandler) chat.Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
	return &fakeRegistration{dispose: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.disposed++
	}}
}

func (c *fakeChat) Broadcast(ctx context.Context, sel chat.Selector, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
	return nil
}

func (c *fakeChat) handler() chat.CommandHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[len(c.handlers)-1]
}

func (c *fakeChat) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func (c *fakeChat) waitFor(t *testing.T, substr string) {
	t.Helper()
	eventually(t, func() bool {
		for _, m := range c.sent() {
			if strings.Contains(m, substr) {
				return true
			}
		}
		return false
	}, fmt.Sprintf("chat message %q", substr))
}

func (c *fakeChat) registrations() (registered, disposed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers), c.disposed
}

// fakeDeployments serves one revision at a time
type fakeDeployments struct {
	mu       sync.Mutex
	revision string
	err      error
}

func (d *fakeDeployments) Current() (dmb.Provider, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return dmb.NewDeployment("game", d.revision, "/srv/"+d.revision+"/A", "/srv/"+d.revision+"/B"), nil
}

func (d *fakeDeployments) set(revision string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revision = revision
}

type harness struct {
	t       *testing.T
	factory *fakeFactory
	store   *memStore
	chat    *fakeChat
	deploy  *fakeDeployments
	jobs    *jobs.Manager
	host    *host.Control
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	quietLogger(t)
	h := &harness{
		t:       t,
		factory: newFakeFactory(),
		store:   newMemStore(),
		chat:    &fakeChat{},
		deploy:  &fakeDeployments{revision: "r1"},
		jobs:    jobs.NewManager(nil, nil),
		host:    host.NewControl(),
	}
	t.Cleanup(func() { h.jobs.Close(context.Background()) })
	return h
}

func testParams(t *testing.T) session.LaunchParameters {
	t.Helper()
	p, err := session.NewLaunchParameters(4000, 0, session.Safe, session.Public, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (h *harness) config() Config {
	return Config{
		InstanceID:           "main",
		Launch:               testParams(h.t),
		Factory:              h.factory,
		Deployments:          h.deploy,
		Store:                h.store,
		Chat:                 h.chat,
		Jobs:                 h.jobs,
		Host:                 h.host,
		PersistRetryInterval: time.Hour,
	}
}

func (h *harness) newWatchdog(modify func(*Config)) *Watchdog {
	h.t.Helper()
	cfg := h.config()
	if modify != nil {
		modify(&cfg)
	}
	w, err := New(cfg)
	if err != nil {
		h.t.Fatalf("New failed: %v", err)
	}
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Close(ctx)
	})
	return w
}
