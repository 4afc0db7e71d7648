// Package dmb locates compiled game deployments on disk and watches for new ones.
//
// A deployments root looks like:
//
//	<root>/ACTIVE               name of the active revision, replaced atomically by the deployer
//	<root>/<revision>/A/<name>.dmb
//	<root>/<revision>/B/        optional copy used by the secondary slot during a swap
package dmb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	ActiveFileName   = "ACTIVE"
	PrimaryDirName   = "A"
	SecondaryDirName = "B"
	Extension        = ".dmb"
)

// DefaultDebounce is how long the watcher waits after the last change before publishing
const DefaultDebounce = 500 * time.Millisecond

// ErrNoDeployment is returned when the root has no usable active deployment
var ErrNoDeployment = errors.New("no active deployment")

// Provider describes one compiled deployment
type Provider interface {
	// DmbName is the artifact base name without extension
	DmbName() string
	PrimaryDirectory() string
	// SecondaryDirectory falls back to the primary directory when no B copy exists
	SecondaryDirectory() string
	Revision() string
}

// Deployment is the on-disk Provider
type Deployment struct {
	name      string
	revision  string
	primary   string
	secondary string
}

func (d *Deployment) DmbName() string            { return d.name }
func (d *Deployment) PrimaryDirectory() string   { return d.primary }
func (d *Deployment) SecondaryDirectory() string { return d.secondary }
func (d *Deployment) Revision() string           { return d.revision }

// NewDeployment builds a Provider directly, mostly useful for tests and static setups
func NewDeployment(name, revision, primary, secondary string) *Deployment {
	if secondary == "" {
		secondary = primary
	}
	return &Deployment{name: name, revision: revision, primary: primary, secondary: secondary}
}

// Source is something that can hand out the current deployment
type Source interface {
	Current() (Provider, error)
}

// Factory resolves the active deployment under a root directory
type Factory struct {
	root     string
	name     string
	debounce time.Duration

	updates chan Provider

	mu   sync.Mutex
	last string // revision last published
}

// NewFactory returns a Factory for root. The root must exist.
func NewFactory(root, dmbName string) (*Factory, error) {
	if dmbName == "" {
		return nil, errors.New("dmb name is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("deployments root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("deployments root %s is not a directory", root)
	}
	return &Factory{
		root:     root,
		name:     dmbName,
		debounce: DefaultDebounce,
		updates:  make(chan Provider, 1),
	}, nil
}

// SetDebounce overrides the watch debounce interval
func (f *Factory) SetDebounce(d time.Duration) {
	f.debounce = d
}

// Root returns the deployments root directory
func (f *Factory) Root() string {
	return f.root
}

// Current reads ACTIVE and returns the deployment it names
func (f *Factory) Current() (Provider, error) {
	data, err := os.ReadFile(filepath.Join(f.root, ActiveFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoDeployment
		}
		return nil, fmt.Errorf("read %s: %w", ActiveFileName, err)
	}

	revision := strings.TrimSpace(string(data))
	if revision == "" || strings.ContainsAny(revision, `/\`) || revision == "." || revision == ".." {
		return nil, fmt.Errorf("%w: invalid revision %q", ErrNoDeployment, revision)
	}

	base := filepath.Join(f.root, revision)
	primary := filepath.Join(base, PrimaryDirName)
	if _, err := os.Stat(filepath.Join(primary, f.name+Extension)); err != nil {
		return nil, fmt.Errorf("%w: revision %s: %v", ErrNoDeployment, revision, err)
	}

	secondary := filepath.Join(base, SecondaryDirName)
	if info, err := os.Stat(secondary); err != nil || !info.IsDir() {
		secondary = primary
	}

	return &Deployment{
		name:      f.name,
		revision:  revision,
		primary:   primary,
		secondary: secondary,
	}, nil
}

// Updates delivers a Provider each time a new revision becomes active. Only the newest
// pending update is kept.
func (f *Factory) Updates() <-chan Provider {
	return f.updates
}

// Watch watches the root for ACTIVE changes until ctx is done
func (f *Factory) Watch(ctx context.Context) error {
	if p, err := f.Current(); err == nil {
		f.mu.Lock()
		f.last = p.Revision()
		f.mu.Unlock()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create deployment watcher: %w", err)
	}
	// Watch the directory, ACTIVE is replaced by rename
	if err := watcher.Add(f.root); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", f.root, err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != ActiveFileName {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				slog.Debug("Deployment marker changed", "event", event.Op.String(), "file", event.Name)

				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(f.debounce, f.publish)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Deployment watcher error", "error", err)
			}
		}
	}()

	return nil
}

func (f *Factory) publish() {
	p, err := f.Current()
	if err != nil {
		slog.Warn("Ignoring deployment change", "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if p.Revision() == f.last {
		return
	}
	f.last = p.Revision()

	slog.Info("New deployment available", "revision", p.Revision())

	// Replace a stale pending update; mu makes this the only writer
	select {
	case <-f.updates:
	default:
	}
	f.updates <- p
}
