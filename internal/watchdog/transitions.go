package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.olrik.dev/warden/internal/session"
)

// accept keeps requests behind parked ones so they apply in arrival order. Stop and
// reboot act at once and supersede whatever is parked.
func (w *Watchdog) accept(req request) {
	switch req.kind {
	case reqStart, reqRestart, reqSwap:
		if len(w.pending) > 0 && w.state != Rebooting {
			w.park(req)
			return
		}
	}
	w.handleRequest(req)
}

// park holds req until the transition in flight resolves
func (w *Watchdog) park(req request) {
	w.pending = append(w.pending, req)
	w.publish()
	slog.Debug("Request queued behind transition in flight", "instance", w.instance, "queued", len(w.pending))
}

func (w *Watchdog) inFlight() bool {
	switch w.slot.(type) {
	case startingSlot, swappingSlot:
		return true
	}
	return false
}

// drainPending applies parked requests in order until one of them starts a new transition
func (w *Watchdog) drainPending() {
	if len(w.pending) == 0 {
		return
	}
	for len(w.pending) > 0 && !w.inFlight() {
		req := w.pending[0]
		w.pending = w.pending[1:]
		if err := req.ctx.Err(); err != nil {
			req.reply <- err
			continue
		}
		w.handleRequest(req)
	}
	if len(w.pending) == 0 {
		w.pending = nil
	}
	w.publish()
}

func (w *Watchdog) failPending(err error) {
	if len(w.pending) == 0 {
		return
	}
	for _, req := range w.pending {
		req.reply <- err
	}
	w.pending = nil
	w.publish()
}

func (w *Watchdog) handleRequest(req request) {
	if req.kind == reqLive {
		w.replyLive(req)
		return
	}
	if w.state == Rebooting {
		req.reply <- ErrRebooting
		return
	}

	switch req.kind {
	case reqStart:
		w.doStart(req)
	case reqStop:
		w.doStop(req)
	case reqRestart:
		w.doRestart(req)
	case reqSwap:
		w.doSwap(req)
	case reqReboot:
		w.doReboot(req)
	case reqResume:
		w.doResume(req)
	}
}

func (w *Watchdog) replyLive(req request) {
	if w.state == Rebooting {
		req.reply <- ErrRebooting
		return
	}
	switch s := w.slot.(type) {
	case runningSlot:
		req.live <- s.live
	case swappingSlot:
		req.live <- s.live
	default:
		req.reply <- ErrNotRunning
	}
}

func (w *Watchdog) doStart(req request) {
	switch s := w.slot.(type) {
	case emptySlot:
		if err := w.startLaunch(req.ctx, session.Primary, req.reply); err != nil {
			req.reply <- err
		}
	case startingSlot:
		s.launch.addWaiter(req.reply)
	default:
		req.reply <- ErrAlreadyRunning
	}
}

// startLaunch launches the current deployment and moves to Starting
func (w *Watchdog) startLaunch(ctx context.Context, slot session.Slot, reply chan error) error {
	deployment, err := w.cfg.Deployments.Current()
	if err != nil {
		slog.Error("No deployment to launch", "instance", w.instance, "error", err)
		w.slot = emptySlot{}
		w.setState(Offline, err.Error())
		return fmt.Errorf("resolve deployment: %w", err)
	}

	l := w.beginLaunch(ctx, slot, deployment, nil)
	l.addWaiter(reply)
	w.slot = startingSlot{launch: l}
	w.setState(Starting, fmt.Sprintf("revision=%s slot=%s", deployment.Revision(), slot))
	return nil
}

func (w *Watchdog) doStop(req request) {
	switch s := w.slot.(type) {
	case emptySlot:
		if w.state != Offline {
			w.setState(Offline, "")
		}
		req.reply <- nil
	case startingSlot:
		w.setState(Stopping, "launch cancelled")
		w.abortLaunch(s.launch, ErrAborted, false)
		w.slot = emptySlot{}
		w.commitReattach(nil)
		w.setState(Offline, "stopped")
		req.reply <- nil
	case runningSlot:
		req.reply <- w.stopLive(req.ctx, s.live)
	case swappingSlot:
		w.abortLaunch(s.staging, ErrAborted, false)
		req.reply <- w.stopLive(req.ctx, s.live)
	default:
		req.reply <- ErrBusy
	}
	w.failPending(ErrAborted)
}

// stopLive terminates live gracefully and clears the record. The pending record is written
// first so nothing unpersisted is lost if the manager dies mid-stop.
func (w *Watchdog) stopLive(ctx context.Context, live session.Controller) error {
	w.flushPersistence()
	w.slot = stoppingSlot{live: live}
	w.setState(Stopping, "")

	err := live.Terminate(ctx, true)
	if err != nil {
		slog.Error("Game server did not terminate cleanly", "instance", w.instance, "pid", live.PID(), "error", err)
	}
	if code, ok := live.ExitCode(); ok {
		w.lastExit = &code
	}

	w.slot = emptySlot{}
	w.commitReattach(nil)
	w.setState(Offline, "stopped")
	w.notify("Server stopped")
	return err
}

func (w *Watchdog) doRestart(req request) {
	switch s := w.slot.(type) {
	case emptySlot:
		w.doStart(req)
	case runningSlot:
		w.flushPersistence()
		w.slot = stoppingSlot{live: s.live}
		w.setState(Restarting, "")
		w.notify("Server restarting")

		if err := s.live.Terminate(req.ctx, true); err != nil {
			slog.Error("Game server did not terminate cleanly for restart", "instance", w.instance, "pid", s.live.PID(), "error", err)
		}
		w.slot = emptySlot{}
		w.commitReattach(nil)

		if err := w.startLaunch(req.ctx, session.Primary, req.reply); err != nil {
			req.reply <- err
		}
	case startingSlot, swappingSlot:
		w.park(req)
	default:
		req.reply <- ErrBusy
	}
}

func (w *Watchdog) doSwap(req request) {
	var s runningSlot
	switch cur := w.slot.(type) {
	case runningSlot:
		s = cur
	case emptySlot:
		req.reply <- ErrNotRunning
		return
	case startingSlot, swappingSlot:
		w.park(req)
		return
	default:
		req.reply <- ErrBusy
		return
	}

	deployment, err := w.cfg.Deployments.Current()
	if err != nil {
		req.reply <- fmt.Errorf("resolve deployment: %w", err)
		return
	}

	target := s.live.Slot().Other()
	slog.Info("Starting deployment swap", "instance", w.instance, "revision", deployment.Revision(), "slot", target)
	l := w.beginLaunch(req.ctx, target, deployment, nil)
	l.addWaiter(req.reply)
	w.slot = swappingSlot{live: s.live, staging: l}
	w.publish()
}

func (w *Watchdog) doReboot(req request) {
	var err error
	switch s := w.slot.(type) {
	case startingSlot:
		// A reattach in flight keeps its record; a fresh launch is killed
		w.abortLaunch(s.launch, ErrRebooting, true)
		if s.launch.reattach == nil {
			w.commitReattach(nil)
		}
	case swappingSlot:
		w.abortLaunch(s.staging, ErrRebooting, false)
		err = w.detachLive(s.live)
	case runningSlot:
		err = w.detachLive(s.live)
	}
	w.slot = emptySlot{}
	w.setState(Rebooting, "")
	w.failPending(ErrRebooting)
	req.reply <- err
}

// detachLive persists the live record, then lets go of the server without stopping it
func (w *Watchdog) detachLive(live session.Controller) error {
	info := live.ReattachInfo()
	if err := w.commitReattach(&info); err != nil {
		// One more attempt, there is no later opportunity
		if err = w.flushPersistence(); err != nil {
			live.Detach()
			return fmt.Errorf("persist reattach record before restart: %w", err)
		}
	}
	live.Detach()
	slog.Info("Detached from game server for manager restart", "instance", w.instance, "pid", info.PID)
	w.notify("Manager restarting, server stays online")
	return nil
}

func (w *Watchdog) doResume(req request) {
	if _, empty := w.slot.(emptySlot); !empty || w.state != Offline {
		req.reply <- nil
		return
	}

	info, err := w.cfg.Store.Load(req.ctx, w.instance)
	if err != nil {
		w.metrics.PersistenceFailure(w.instance, "load")
		slog.Error("Could not load reattach record, not starting", "instance", w.instance, "error", err)
		req.reply <- fmt.Errorf("load reattach record: %w", err)
		return
	}

	if info != nil {
		slog.Info("Found reattach record", "instance", w.instance, "pid", info.PID, "slot", info.Slot, "revision", info.Revision)
		l := w.beginLaunch(req.ctx, info.Slot, nil, info)
		l.addWaiter(req.reply)
		w.slot = startingSlot{launch: l}
		w.setState(ReattachPending, fmt.Sprintf("pid=%d", info.PID))
		return
	}

	if !w.cfg.AutoStart {
		req.reply <- nil
		return
	}
	if err := w.startLaunch(req.ctx, session.Primary, req.reply); err != nil {
		req.reply <- err
	}
}

func (w *Watchdog) handleLaunched(l *launch) {
	if l.handled {
		return
	}
	l.handled = true

	switch s := w.slot.(type) {
	case startingSlot:
		if s.launch == l {
			w.finishStart(l)
			return
		}
	case swappingSlot:
		if s.staging == l {
			w.finishSwap(s.live, l)
			return
		}
	}

	if l.ctrl != nil {
		slog.Warn("Discarding unexpected game server", "instance", w.instance, "pid", l.ctrl.PID())
		l.ctrl.Terminate(context.Background(), false)
	}
	l.resolve(ErrAborted)
}

func (w *Watchdog) finishStart(l *launch) {
	w.slot = emptySlot{}

	if l.reattach != nil {
		w.finishReattach(l)
		return
	}
	w.metrics.Launch(w.instance, l.slot.String(), time.Since(l.startedAt), l.err)

	if l.err != nil {
		if errors.Is(l.err, context.Canceled) {
			slog.Info("Game server launch cancelled", "instance", w.instance)
			w.setState(Offline, "launch cancelled")
			l.resolve(l.err)
			return
		}

		slog.Error("Game server failed to start", "instance", w.instance, "error", l.err)
		w.commitReattach(nil)
		w.setState(Crashed, l.err.Error())
		w.notify("Server failed to start: %s", UserMessage(l.err))
		w.setState(Offline, "")
		l.resolve(l.err)
		return
	}

	w.promote(l.ctrl)
	w.setState(Running, fmt.Sprintf("pid=%d", l.ctrl.PID()))
	info := l.ctrl.ReattachInfo()
	w.notify("Server online (revision %s)", info.Revision)
	l.resolve(nil)
}

// finishReattach resolves ReattachPending. Failure clears the stale record and leaves the
// instance Offline: the old server is most likely gone and a silent relaunch could clash
// with whatever holds its port now.
func (w *Watchdog) finishReattach(l *launch) {
	persisted := *l.reattach

	if l.err != nil {
		if errors.Is(l.err, context.Canceled) {
			w.setState(Offline, "reattach cancelled")
			l.resolve(l.err)
			return
		}
		slog.Warn("Reattach failed, the instance needs a manual start", "instance", w.instance, "pid", persisted.PID, "error", l.err)
		w.commitReattach(nil)
		w.setState(Offline, "reattach failed")
		l.resolve(l.err)
		return
	}

	info := l.ctrl.ReattachInfo()
	if drift := persisted.Drift(info); len(drift) > 0 {
		slog.Warn("Reattached session differs from the stored record", "instance", w.instance, "fields", drift)
	}
	if !info.Launch.Equal(w.LaunchParameters()) {
		slog.Warn("Reattached session runs with other launch parameters, new ones apply at the next start", "instance", w.instance)
	}

	w.promote(l.ctrl)
	w.setState(Running, fmt.Sprintf("reattached pid=%d", info.PID))
	w.notify("Server online (reattached, revision %s)", info.Revision)
	l.resolve(nil)
}

// promote makes ctrl the live session and persists its record
func (w *Watchdog) promote(ctrl session.Controller) {
	info := ctrl.ReattachInfo()
	w.slot = runningSlot{live: ctrl}
	w.health.Store(HealthOK)
	w.watch(ctrl)
	w.commitReattach(&info)
}

func (w *Watchdog) finishSwap(live session.Controller, l *launch) {
	w.metrics.Launch(w.instance, l.slot.String(), time.Since(l.startedAt), l.err)

	if l.err != nil {
		w.slot = runningSlot{live: live}
		w.publish()
		w.metrics.Swap(w.instance, l.err)
		slog.Warn("Deployment swap failed, live server untouched", "instance", w.instance, "error", l.err)
		w.recordEvent("swap_failed", l.err.Error())
		w.notify("Deployment swap failed: %s", UserMessage(l.err))
		l.resolve(l.err)
		return
	}

	staging := l.ctrl
	w.promote(staging)
	w.publish()
	info := staging.ReattachInfo()
	slog.Info("Deployment swapped", "instance", w.instance, "revision", info.Revision, "pid", info.PID, "slot", info.Slot)
	w.recordEvent("swapped", fmt.Sprintf("revision=%s pid=%d", info.Revision, info.PID))
	w.notify("Deployment %s is now live", info.Revision)

	if err := live.Terminate(w.base, true); err != nil {
		slog.Error("Previous game server did not terminate cleanly", "instance", w.instance, "pid", live.PID(), "error", err)
	}

	w.metrics.Swap(w.instance, nil)
	l.resolve(nil)
}

func (w *Watchdog) handleExit(ctrl session.Controller) {
	switch s := w.slot.(type) {
	case runningSlot:
		if s.live != ctrl {
			return
		}
	case swappingSlot:
		if s.live != ctrl {
			return
		}
		// The staging server is not ready; abandon the swap
		w.abortLaunch(s.staging, ErrAborted, false)
	default:
		return
	}

	code, _ := ctrl.ExitCode()
	w.lastExit = &code
	w.slot = emptySlot{}
	w.metrics.Crash(w.instance, code)
	slog.Error("Game server exited unexpectedly", "instance", w.instance, "pid", ctrl.PID(), "code", code)

	// Cleared before the crash is reported
	w.commitReattach(nil)
	w.setState(Crashed, fmt.Sprintf("exit code %d", code))

	if w.autoRestartEnabled() {
		w.notify("Server crashed, exit code %d, restarting", code)
		// A failed relaunch leaves the instance Offline
		w.startLaunch(w.base, session.Primary, nil)
		return
	}
	w.notify("Server crashed, exit code %d", code)
	w.setState(Offline, "")
}
