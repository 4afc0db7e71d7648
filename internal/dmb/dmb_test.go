package dmb

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger(t *testing.T) {
	t.Helper()
	original := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(original) })
}

// makeRevision creates <root>/<rev>/A/<name>.dmb and optionally B/
func makeRevision(t *testing.T, root, rev, name string, withB bool) {
	t.Helper()
	a := filepath.Join(root, rev, PrimaryDirName)
	if err := os.MkdirAll(a, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(a, name+Extension), []byte("dmb"), 0644); err != nil {
		t.Fatal(err)
	}
	if withB {
		if err := os.MkdirAll(filepath.Join(root, rev, SecondaryDirName), 0755); err != nil {
			t.Fatal(err)
		}
	}
}

// activate replaces ACTIVE atomically the way a deployer does
func activate(t *testing.T, root, rev string) {
	t.Helper()
	tmp := filepath.Join(root, ".ACTIVE.tmp")
	if err := os.WriteFile(tmp, []byte(rev+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, filepath.Join(root, ActiveFileName)); err != nil {
		t.Fatal(err)
	}
}

func TestNewFactoryValidation(t *testing.T) {
	if _, err := NewFactory(t.TempDir(), ""); err == nil {
		t.Error("Expected error for empty dmb name")
	}
	if _, err := NewFactory(filepath.Join(t.TempDir(), "missing"), "game"); err == nil {
		t.Error("Expected error for missing root")
	}
}

func TestCurrent(t *testing.T) {
	root := t.TempDir()
	f, err := NewFactory(root, "tgstation")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.Current(); !errors.Is(err, ErrNoDeployment) {
		t.Fatalf("Expected ErrNoDeployment without ACTIVE, got %v", err)
	}

	makeRevision(t, root, "r1", "tgstation", false)
	activate(t, root, "r1")

	p, err := f.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if p.Revision() != "r1" || p.DmbName() != "tgstation" {
		t.Errorf("Unexpected provider %s/%s", p.Revision(), p.DmbName())
	}
	if p.PrimaryDirectory() != filepath.Join(root, "r1", "A") {
		t.Errorf("Unexpected primary dir %q", p.PrimaryDirectory())
	}
	if p.SecondaryDirectory() != p.PrimaryDirectory() {
		t.Errorf("Expected secondary to fall back to primary without B, got %q", p.SecondaryDirectory())
	}

	makeRevision(t, root, "r2", "tgstation", true)
	activate(t, root, "r2")
	p, err = f.Current()
	if err != nil {
		t.Fatal(err)
	}
	if p.SecondaryDirectory() != filepath.Join(root, "r2", "B") {
		t.Errorf("Expected B directory, got %q", p.SecondaryDirectory())
	}
}

func TestCurrentRejectsBadRevision(t *testing.T) {
	root := t.TempDir()
	f, _ := NewFactory(root, "game")

	for _, rev := range []string{"", "..", "../etc", "missing"} {
		activate(t, root, rev)
		if _, err := f.Current(); !errors.Is(err, ErrNoDeployment) {
			t.Errorf("Revision %q: expected ErrNoDeployment, got %v", rev, err)
		}
	}
}

func TestWatchPublishesNewRevision(t *testing.T) {
	quietLogger(t)

	root := t.TempDir()
	makeRevision(t, root, "r1", "game", false)
	activate(t, root, "r1")

	f, _ := NewFactory(root, "game")
	f.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	makeRevision(t, root, "r2", "game", false)
	activate(t, root, "r2")

	select {
	case p := <-f.Updates():
		if p.Revision() != "r2" {
			t.Errorf("Expected r2, got %s", p.Revision())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("No update published")
	}

	// Re-activating the same revision publishes nothing
	activate(t, root, "r2")
	select {
	case p := <-f.Updates():
		t.Errorf("Unexpected update %s", p.Revision())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewDeployment(t *testing.T) {
	d := NewDeployment("game", "r9", "/a", "")
	if d.SecondaryDirectory() != "/a" {
		t.Errorf("Expected secondary to default to primary, got %q", d.SecondaryDirectory())
	}
}
