// Package watchdog supervises one game server instance: it starts, stops, restarts and
// swaps the server, reacts to crashes and keeps the reattach record so a restarted manager
// can take over the running server instead of killing it.
//
// All state transitions run on a single loop goroutine. Requests queue in arrival order;
// process exit notifications are drained before any queued request. Launches run outside
// the loop so a stop can cancel them.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.olrik.dev/warden/internal/chat"
	"go.olrik.dev/warden/internal/dmb"
	"go.olrik.dev/warden/internal/host"
	"go.olrik.dev/warden/internal/metrics"
	"go.olrik.dev/warden/internal/session"
	"go.olrik.dev/warden/internal/topic"
)

type requestKind int

const (
	reqStart requestKind = iota
	reqStop
	reqRestart
	reqSwap
	reqReboot
	reqResume
	reqLive
)

type request struct {
	kind  requestKind
	ctx   context.Context
	reply chan error
	live  chan session.Controller
}

// Watchdog supervises one instance
type Watchdog struct {
	cfg      Config
	instance string
	metrics  metrics.Collector
	notifier *notifier

	mu          sync.Mutex
	params      session.LaunchParameters
	autoRestart bool

	requests chan request
	exits    chan session.Controller
	launched chan *launch
	quit     chan struct{}
	done     chan struct{}

	base       context.Context
	cancelBase context.CancelFunc
	watchers   sync.WaitGroup
	closeOnce  sync.Once

	chatReg chat.Registration
	hostReg host.Registration

	status atomic.Pointer[Status]
	health atomic.Value

	// Owned by the loop goroutine
	state    State
	slot     slot
	lastExit *int
	desired  *session.ReattachInfo
	dirty    bool
	pending  []request
}

// New validates cfg, registers the chat command handler and the restart handler and starts
// the transition loop. Nothing runs when cfg is invalid.
func New(cfg Config) (*Watchdog, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoop()
	}
	if cfg.Notify == nil {
		cfg.Notify = chat.AllChannels
	}
	if cfg.PersistRetryInterval == 0 {
		cfg.PersistRetryInterval = DefaultPersistRetryInterval
	}

	base, cancel := context.WithCancel(context.Background())
	w := &Watchdog{
		cfg:         cfg,
		instance:    cfg.InstanceID,
		metrics:     cfg.Metrics,
		notifier:    newNotifier(cfg.Chat, cfg.Notify),
		params:      cfg.Launch.Clone(),
		autoRestart: cfg.AutoRestart,
		requests:    make(chan request),
		exits:       make(chan session.Controller),
		launched:    make(chan *launch),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		base:        base,
		cancelBase:  cancel,
		state:       Offline,
		slot:        emptySlot{},
	}
	w.health.Store("")
	w.publish()

	go w.notifier.run()
	go w.run()

	w.chatReg = cfg.Chat.RegisterCommandHandler(w.handleChatCommand)
	w.hostReg = cfg.Host.RegisterForRestart(w.HandleRestart)

	if cfg.Updates != nil {
		w.watchers.Add(1)
		go w.watchDeployments(cfg.Updates)
	}

	slog.Debug("Watchdog created", "instance", w.instance, "auto_start", cfg.AutoStart, "auto_restart", cfg.AutoRestart)
	return w, nil
}

// Resume reattaches to the server named by the stored reattach record. Without a record it
// starts the server when auto start is configured. A failed reattach leaves the instance
// Offline and never starts a new server.
func (w *Watchdog) Resume(ctx context.Context) error {
	return w.submit(ctx, reqResume)
}

// Start launches the server and waits until it is Running. Cancelling ctx aborts the
// launch and leaves the instance Offline.
func (w *Watchdog) Start(ctx context.Context) error {
	return w.submit(ctx, reqStart)
}

// Stop terminates the server gracefully, or cancels an in-flight launch. Cancelling ctx
// escalates to a forceful kill.
func (w *Watchdog) Stop(ctx context.Context) error {
	return w.submit(ctx, reqStop)
}

// Restart terminates the server gracefully and starts a fresh one. An Offline instance is
// simply started.
func (w *Watchdog) Restart(ctx context.Context) error {
	return w.submit(ctx, reqRestart)
}

// Swap starts the current deployment in the other slot while the live server keeps
// serving, then promotes it and terminates the old server. A failed swap leaves the live
// server untouched.
func (w *Watchdog) Swap(ctx context.Context) error {
	return w.submit(ctx, reqSwap)
}

// HandleRestart is the host restart callback: it persists the reattach record and detaches
// from the server without stopping it. Every later request fails with ErrRebooting.
func (w *Watchdog) HandleRestart(ctx context.Context) error {
	err := w.submit(ctx, reqReboot)
	if ferr := w.notifier.flush(ctx); ferr != nil {
		slog.Warn("Chat notifications not flushed before restart", "instance", w.instance, "error", ferr)
	}
	return err
}

// SendCommand sends text to the live server over topic. A timeout only marks the health
// unknown; it is never treated as a crash.
func (w *Watchdog) SendCommand(ctx context.Context, text string) (topic.Response, error) {
	ctrl, err := w.liveController(ctx)
	if err != nil {
		return topic.Response{}, err
	}

	resp, err := ctrl.SendCommand(ctx, text)
	w.metrics.TopicQuery(text, err)
	if err != nil {
		if errors.Is(err, topic.ErrTimeout) {
			w.health.Store(HealthUnknown)
			slog.Warn("Game server did not answer, status unknown", "instance", w.instance, "pid", ctrl.PID(), "command", text)
		} else {
			slog.Warn("Topic command failed", "instance", w.instance, "pid", ctrl.PID(), "command", text, "error", err)
		}
		return resp, err
	}
	w.health.Store(HealthOK)
	return resp, nil
}

// Status returns the current snapshot without blocking
func (w *Watchdog) Status() Status {
	st := *w.status.Load()
	if st.State == Running {
		st.Health, _ = w.health.Load().(string)
	}
	return st
}

// LaunchParameters returns the parameters the next session will use
func (w *Watchdog) LaunchParameters() session.LaunchParameters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.params.Clone()
}

// SetLaunchParameters changes the parameters for the next session. The running session
// keeps the parameters it was started with.
func (w *Watchdog) SetLaunchParameters(p session.LaunchParameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.params.Equal(p) {
		slog.Info("Launch parameters changed, applying to the next session", "instance", w.instance)
	}
	w.params = p.Clone()
	return nil
}

func (w *Watchdog) SetAutoRestart(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.autoRestart = enabled
}

func (w *Watchdog) autoRestartEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.autoRestart
}

// Close disposes the chat and restart registrations, stops the server unless the watchdog
// already detached for a reboot, and ends the loop.
func (w *Watchdog) Close(ctx context.Context) error {
	var err error
	w.closeOnce.Do(func() {
		w.chatReg.Dispose()
		w.hostReg.Dispose()

		if st := w.Status().State; st != Offline && st != Rebooting {
			if err = w.Stop(ctx); err != nil {
				slog.Error("Failed to stop game server on close", "instance", w.instance, "error", err)
			}
		}

		close(w.quit)
		<-w.done
		w.cancelBase()
		w.watchers.Wait()

		if ferr := w.notifier.close(ctx); ferr != nil {
			slog.Warn("Chat notifications not delivered before close", "instance", w.instance, "error", ferr)
		}
		slog.Debug("Watchdog closed", "instance", w.instance)
	})
	return err
}

func (w *Watchdog) submit(ctx context.Context, kind requestKind) error {
	req := request{kind: kind, ctx: ctx, reply: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrClosed
	}
}

func (w *Watchdog) liveController(ctx context.Context) (session.Controller, error) {
	req := request{kind: reqLive, ctx: ctx, reply: make(chan error, 1), live: make(chan session.Controller, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case err := <-req.reply:
		return nil, err
	case ctrl := <-req.live:
		return ctrl, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Watchdog) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PersistRetryInterval)
	defer ticker.Stop()

	for {
		w.drainExits()
		w.drainPending()

		select {
		case ctrl := <-w.exits:
			w.retryPersistence()
			w.handleExit(ctrl)
		case l := <-w.launched:
			w.retryPersistence()
			w.handleLaunched(l)
		case req := <-w.requests:
			w.drainExits()
			w.retryPersistence()
			w.accept(req)
		case <-ticker.C:
			w.retryPersistence()
		case <-w.quit:
			w.shutdown()
			return
		}
	}
}

// drainExits handles every pending exit notification so requests never act on a dead
// session
func (w *Watchdog) drainExits() {
	for {
		select {
		case ctrl := <-w.exits:
			w.handleExit(ctrl)
		default:
			return
		}
	}
}

// watch forwards the controller's exit to the loop
func (w *Watchdog) watch(ctrl session.Controller) {
	go func() {
		select {
		case <-ctrl.Exited():
			select {
			case w.exits <- ctrl:
			case <-w.quit:
			}
		case <-w.quit:
		}
	}()
}

// beginLaunch starts LaunchNew, or Reattach when info is set, outside the loop
func (w *Watchdog) beginLaunch(ctx context.Context, slot session.Slot, deployment dmb.Provider, info *session.ReattachInfo) *launch {
	lctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(w.base, cancel)

	l := &launch{
		slot:      slot,
		reattach:  info,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	params := w.LaunchParameters()

	go func() {
		defer stop()
		if info != nil {
			l.ctrl, l.err = w.cfg.Factory.Reattach(lctx, *info)
		} else {
			l.ctrl, l.err = w.cfg.Factory.LaunchNew(lctx, params, deployment, slot)
		}
		cancel()
		close(l.done)

		select {
		case w.launched <- l:
		case <-w.quit:
		}
	}()
	return l
}

// abortLaunch cancels l, waits for it and disposes of whatever it produced. Detach keeps a
// reattached server running.
func (w *Watchdog) abortLaunch(l *launch, reason error, detach bool) {
	l.cancel()
	<-l.done
	l.handled = true

	if l.ctrl != nil {
		if detach && l.reattach != nil {
			l.ctrl.Detach()
		} else if err := l.ctrl.Terminate(context.Background(), false); err != nil {
			slog.Error("Failed to kill aborted game server", "instance", w.instance, "pid", l.ctrl.PID(), "error", err)
		}
	}
	l.resolve(reason)
}

// shutdown aborts launches still in flight when the loop ends
func (w *Watchdog) shutdown() {
	switch s := w.slot.(type) {
	case startingSlot:
		w.abortLaunch(s.launch, ErrClosed, true)
		w.slot = emptySlot{}
	case swappingSlot:
		w.abortLaunch(s.staging, ErrClosed, false)
		w.slot = runningSlot{live: s.live}
	}
	w.failPending(ErrClosed)
	if err := w.flushPersistence(); err != nil {
		slog.Error("Reattach record not persisted at shutdown", "instance", w.instance, "error", err)
	}
}

func (w *Watchdog) setState(s State, details string) {
	from := w.state
	w.state = s
	w.publish()
	if from == s {
		return
	}

	w.metrics.StateTransition(w.instance, from.String(), s.String())
	slog.Info("Watchdog state changed", "instance", w.instance, "from", from, "to", s)
	w.recordEvent(strings.ToLower(s.String()), details)
}

func (w *Watchdog) recordEvent(eventType, details string) {
	if w.cfg.Events == nil {
		return
	}
	if err := w.cfg.Events.LogInstanceEvent(w.instance, eventType, details); err != nil {
		slog.Warn("Failed to record instance event", "instance", w.instance, "event", eventType, "error", err)
	}
}

func (w *Watchdog) notify(format string, args ...any) {
	w.notifier.send(fmt.Sprintf(format, args...))
}

func (w *Watchdog) publish() {
	st := Status{
		Instance:           w.instance,
		State:              w.state,
		LastExitCode:       w.lastExit,
		PersistencePending: w.dirty,
		Queued:             len(w.pending),
	}

	var live session.Controller
	switch s := w.slot.(type) {
	case runningSlot:
		live = s.live
	case swappingSlot:
		live = s.live
		st.Swapping = true
	case stoppingSlot:
		live = s.live
	}
	if live != nil {
		info := live.ReattachInfo()
		st.PID = info.PID
		st.Port = info.Port
		st.Slot = info.Slot.String()
		st.Revision = info.Revision
		st.StartedAt = info.StartedAt
	}
	w.status.Store(&st)
}

// commitReattach sets the record the store should hold, nil meaning none, and writes it.
// A failed write is kept pending and retried on later transitions and on the ticker.
func (w *Watchdog) commitReattach(info *session.ReattachInfo) error {
	if info != nil {
		c := info.Clone()
		info = &c
	}
	w.desired = info
	w.dirty = true
	return w.flushPersistence()
}

func (w *Watchdog) retryPersistence() {
	if w.dirty {
		w.flushPersistence()
	}
}

func (w *Watchdog) flushPersistence() error {
	if !w.dirty {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	op := "save"
	var err error
	if w.desired == nil {
		op = "clear"
		err = w.cfg.Store.Clear(ctx, w.instance)
	} else {
		err = w.cfg.Store.Save(ctx, *w.desired)
	}
	if err != nil {
		w.metrics.PersistenceFailure(w.instance, op)
		slog.Error("Failed to persist reattach record, will retry", "instance", w.instance, "op", op, "error", err)
		w.publish()
		return err
	}

	w.dirty = false
	w.publish()
	return nil
}

// watchDeployments turns deployment updates into swap jobs while the server is Running.
// Otherwise the next start picks the new deployment up.
func (w *Watchdog) watchDeployments(updates <-chan dmb.Provider) {
	defer w.watchers.Done()
	for {
		select {
		case p, ok := <-updates:
			if !ok {
				return
			}
			st := w.Status()
			if st.State != Running || st.Swapping {
				slog.Info("New deployment will be used at the next start", "instance", w.instance, "revision", p.Revision(), "state", st.State)
				continue
			}
			if st.Revision == p.Revision() {
				continue
			}
			job := w.SwapJob()
			slog.Info("New deployment activated, swapping", "instance", w.instance, "revision", p.Revision(), "job", job.ID())
		case <-w.quit:
			return
		}
	}
}
