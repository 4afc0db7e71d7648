package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"go.olrik.dev/warden/internal/dmb"
	"go.olrik.dev/warden/internal/testutil/gameserver"
	"go.olrik.dev/warden/internal/topic"
)

// The test binary doubles as the fake game server when spawned by a Launcher
func TestMain(m *testing.M) {
	if os.Getenv(gameserver.EnvChild) == "1" {
		os.Exit(gameserver.RunProcess(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

func testLauncher(t *testing.T, mode string, extraEnv ...string) *Launcher {
	t.Helper()
	env := append([]string{
		gameserver.EnvChild + "=1",
		gameserver.EnvMode + "=" + mode,
	}, extraEnv...)
	return &Launcher{
		InstanceID:      "test",
		Executable:      os.Args[0],
		Env:             env,
		LogDir:          t.TempDir(),
		Sender:          topic.NewSender(500 * time.Millisecond),
		GracefulTimeout: 2 * time.Second,
		PingInterval:    50 * time.Millisecond,
	}
}

func testParams(t *testing.T, startup time.Duration) LaunchParameters {
	t.Helper()
	p, err := NewLaunchParameters(gameserver.FreePort(t), gameserver.FreePort(t), Safe, Public, startup, []string{"-close"})
	if err != nil {
		t.Fatalf("NewLaunchParameters: %v", err)
	}
	return p
}

func testDeployment(t *testing.T) dmb.Provider {
	t.Helper()
	return dmb.NewDeployment("game", "r1", t.TempDir(), t.TempDir())
}

// killOnCleanup makes sure a test never leaks a child
func killOnCleanup(t *testing.T, c Controller) {
	t.Cleanup(func() {
		if c.IsAlive() {
			unix.Kill(c.PID(), unix.SIGKILL)
		}
	})
}

func gameLog(t *testing.T, l *Launcher, slot Slot) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(l.LogDir, "test-"+slot.String()+".log"))
	if err != nil {
		t.Fatalf("read game log: %v", err)
	}
	return string(data)
}

func processGone(pid int) bool {
	return errors.Is(unix.Kill(pid, 0), unix.ESRCH)
}

func TestLaunchNewReady(t *testing.T) {
	quietLogger(t)
	l := testLauncher(t, gameserver.ModeReady)
	params := testParams(t, 5*time.Second)
	dep := testDeployment(t)

	c, err := l.LaunchNew(context.Background(), params, dep, Primary)
	if err != nil {
		t.Fatalf("LaunchNew failed: %v", err)
	}
	killOnCleanup(t, c)

	if c.PID() <= 0 || !c.IsAlive() {
		t.Fatalf("Expected a live process, pid=%d alive=%v", c.PID(), c.IsAlive())
	}
	if c.Port() != params.Port || c.Slot() != Primary {
		t.Errorf("Unexpected port/slot %d/%s", c.Port(), c.Slot())
	}
	if len(c.AccessToken()) != 64 {
		t.Errorf("Expected 64 hex char token, got %q", c.AccessToken())
	}
	if !c.LaunchParameters().Equal(params) {
		t.Error("Controller should keep the parameters it was launched with")
	}

	info := c.ReattachInfo()
	if info.PID != c.PID() || info.Revision != "r1" || info.CreateTime == 0 {
		t.Errorf("Unexpected reattach info %+v", info)
	}
	if info.DmbPath != filepath.Join(dep.PrimaryDirectory(), "game.dmb") {
		t.Errorf("Unexpected dmb path %q", info.DmbPath)
	}

	resp, err := c.SendCommand(context.Background(), "status")
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if resp.Text != "running players=0" {
		t.Errorf("Unexpected status reply %q", resp.Text)
	}

	if err := c.Terminate(context.Background(), true); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if c.IsAlive() {
		t.Fatal("Expected process to be gone after Terminate")
	}
	if code, ok := c.ExitCode(); !ok || code != 0 {
		t.Errorf("Expected clean exit 0, got %d (%v)", code, ok)
	}

	if log := gameLog(t, l, Primary); !strings.Contains(log, "serving") {
		t.Errorf("Expected server output in log, got %q", log)
	}
}

func TestLaunchNewSecondarySlot(t *testing.T) {
	quietLogger(t)
	l := testLauncher(t, gameserver.ModeReady)
	params := testParams(t, 5*time.Second)
	dep := testDeployment(t)

	c, err := l.LaunchNew(context.Background(), params, dep, Secondary)
	if err != nil {
		t.Fatalf("LaunchNew failed: %v", err)
	}
	killOnCleanup(t, c)
	defer c.Terminate(context.Background(), false)

	if c.Port() != params.SecondaryPort {
		t.Errorf("Expected secondary port %d, got %d", params.SecondaryPort, c.Port())
	}
	if c.ReattachInfo().Directory != dep.SecondaryDirectory() {
		t.Errorf("Expected secondary directory, got %q", c.ReattachInfo().Directory)
	}
}

func TestLaunchNewValidationSpawnsNothing(t *testing.T) {
	quietLogger(t)
	l := testLauncher(t, gameserver.ModeReady)
	l.Executable = "/nonexistent/game-server"

	params := testParams(t, time.Second)
	params.AdditionalArgs = []string{"ok", "  "}
	params.StartupTimeout = 0

	_, err := l.LaunchNew(context.Background(), params, testDeployment(t), Primary)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Expected ErrValidation, got %v", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || len(verr.Problems) != 2 {
		t.Errorf("Expected two aggregated problems, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(l.LogDir, "test-primary.log")); statErr == nil {
		t.Error("Validation failure should happen before any launch work")
	}
}

func TestLaunchNewStartupTimeoutKillsProcess(t *testing.T) {
	quietLogger(t)
	l := testLauncher(t, gameserver.ModeSilent)

	start := time.Now()
	_, err := l.LaunchNew(context.Background(), testParams(t, 300*time.Millisecond), testDeployment(t), Primary)
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("Expected ErrStartupTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Startup timeout took %v", elapsed)
	}

	pid, ok := gameserver.PIDFromLog(gameLog(t, l, Primary))
	if !ok {
		t.Fatal("Child never started")
	}
	if !processGone(pid) {
		unix.Kill(pid, unix.SIGKILL)
		t.Errorf("Partially started process %d was left running", pid)
	}
}

func TestLaunchNewEarlyExit(t *testing.T) {
	quietLogger(t)
	l := testLauncher(t, gameserver.ModeExit, gameserver.EnvExitCode+"=3")

	_, err := l.LaunchNew(context.Background(), testParams(t, 5*time.Second), testDeployment(t), Primary)
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("Expected ErrStartupTimeout, got %v", err)
	}
	var exitErr *ProcessExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Expected ProcessExitError in chain, got %v", err)
	}
	if exitErr.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", exitErr.ExitCode)
	}
}

func TestLaunchNewCancelled(t *testing.T) {
	quietLogger(t)
	l := testLauncher(t, gameserver.ModeSilent)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := l.LaunchNew(ctx, testParams(t, 30*time.Second), testDeployment(t), Primary)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrStartupTimeout) {
		t.Error("Cancellation must not be reported as a startup timeout")
	}

	if pid, ok := gameserver.PIDFromLog(gameLog(t, l, Primary)); ok && !processGone(pid) {
		unix.Kill(pid, unix.SIGKILL)
		t.Errorf("Cancelled launch left process %d running", pid)
	}
}

func TestCrashIsObserved(t *testing.T) {
	quietLogger(t)
	l := testLauncher(t, gameserver.ModeReady)

	c, err := l.LaunchNew(context.Background(), testParams(t, 5*time.Second), testDeployment(t), Primary)
	if err != nil {
		t.Fatalf("LaunchNew failed: %v", err)
	}
	killOnCleanup(t, c)

	if _, err := c.SendCommand(context.Background(), "crash"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}

	select {
	case <-c.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("Exit was not observed")
	}
	if code, ok := c.ExitCode(); !ok || code != 7 {
		t.Errorf("Expected exit code 7, got %d (%v)", code, ok)
	}

	var exitErr *ProcessExitError
	if _, err := c.SendCommand(context.Background(), "ping"); !errors.As(err, &exitErr) {
		t.Errorf("Expected ProcessExitError after exit, got %v", err)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	quietLogger(t)
	l := testLauncher(t, gameserver.ModeStubborn)
	l.GracefulTimeout = 200 * time.Millisecond

	c, err := l.LaunchNew(context.Background(), testParams(t, 5*time.Second), testDeployment(t), Primary)
	if err != nil {
		t.Fatalf("LaunchNew failed: %v", err)
	}
	killOnCleanup(t, c)

	if err := c.Terminate(context.Background(), true); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if c.IsAlive() {
		t.Fatal("Stubborn process survived Terminate")
	}
	if code, _ := c.ExitCode(); code != -1 {
		t.Errorf("Expected signalled exit (-1), got %d", code)
	}
}

func TestTerminateContextEscalates(t *testing.T) {
	quietLogger(t)
	l := testLauncher(t, gameserver.ModeStubborn)
	l.GracefulTimeout = 30 * time.Second

	c, err := l.LaunchNew(context.Background(), testParams(t, 5*time.Second), testDeployment(t), Primary)
	if err != nil {
		t.Fatalf("LaunchNew failed: %v", err)
	}
	killOnCleanup(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := c.Terminate(ctx, true); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Cancelled terminate took %v, expected immediate kill", elapsed)
	}
	if c.IsAlive() {
		t.Fatal("Process survived cancelled Terminate")
	}
}

func TestReattach(t *testing.T) {
	quietLogger(t)
	l := testLauncher(t, gameserver.ModeReady)

	c, err := l.LaunchNew(context.Background(), testParams(t, 5*time.Second), testDeployment(t), Primary)
	if err != nil {
		t.Fatalf("LaunchNew failed: %v", err)
	}
	killOnCleanup(t, c)

	info := c.ReattachInfo()
	c.Detach()
	if err := c.Terminate(context.Background(), true); !errors.Is(err, ErrDetached) {
		t.Errorf("Expected ErrDetached from detached controller, got %v", err)
	}
	if !c.IsAlive() {
		t.Fatal("Detach must not stop the process")
	}

	// A fresh launcher stands in for the restarted manager
	l2 := testLauncher(t, gameserver.ModeReady)
	r, err := l2.Reattach(context.Background(), info)
	if err != nil {
		t.Fatalf("Reattach failed: %v", err)
	}
	if r.PID() != info.PID || !r.ReattachInfo().Equal(info) {
		t.Errorf("Reattached controller does not match persisted info")
	}

	resp, err := r.SendCommand(context.Background(), "ping")
	if err != nil || resp.Text != "pong" {
		t.Fatalf("Ping after reattach: %q %v", resp.Text, err)
	}

	if err := r.Terminate(context.Background(), true); err != nil {
		t.Fatalf("Terminate after reattach failed: %v", err)
	}
	select {
	case <-r.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("Exit of reattached process was not observed")
	}
	if code, ok := r.ExitCode(); !ok || code != -1 {
		t.Errorf("Expected unknown exit code for foreign process, got %d (%v)", code, ok)
	}
}

func TestReattachRejects(t *testing.T) {
	quietLogger(t)
	l := testLauncher(t, gameserver.ModeReady)

	c, err := l.LaunchNew(context.Background(), testParams(t, 5*time.Second), testDeployment(t), Primary)
	if err != nil {
		t.Fatalf("LaunchNew failed: %v", err)
	}
	killOnCleanup(t, c)
	good := c.ReattachInfo()

	tests := []struct {
		name   string
		mutate func(*ReattachInfo)
	}{
		{"wrong token", func(i *ReattachInfo) { i.AccessToken = strings.Repeat("0", 64) }},
		{"reused pid", func(i *ReattachInfo) { i.CreateTime += 1000 }},
		{"other artifact", func(i *ReattachInfo) { i.DmbPath = "/elsewhere/other.dmb" }},
		{"missing token", func(i *ReattachInfo) { i.AccessToken = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := good.Clone()
			tt.mutate(&info)
			if _, err := l.Reattach(context.Background(), info); !errors.Is(err, ErrReattachFailed) {
				t.Errorf("Expected ErrReattachFailed, got %v", err)
			}
		})
	}

	if !c.IsAlive() {
		t.Error("Failed reattach attempts must not touch the process")
	}

	c.Terminate(context.Background(), false)
	if _, err := l.Reattach(context.Background(), good); !errors.Is(err, ErrReattachFailed) {
		t.Errorf("Expected ErrReattachFailed for dead process, got %v", err)
	}
}
