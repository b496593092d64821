// Package template maintains the shared base project under
// <dataDir>/_template and stamps out per-project copies from it. Cloning a
// warm template takes filesystem-copy time instead of a full dependency
// install.
package template

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/omniflow/preview/internal/deps"
	"github.com/omniflow/preview/internal/scaffold"
)

// State is the template lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// templateDirName is the reserved directory under the data root. Project
// ids never collide with it because the leading underscore is outside the
// project-id alphabet.
const templateDirName = "_template"

// Options configures a Manager.
type Options struct {
	DataDir string

	// PrebuiltDir is an optional image-baked template copied in on first
	// initialisation. Empty or missing means scaffold from scratch.
	PrebuiltDir string

	// Scaffold settings for the slow path and for per-clone config
	// regeneration.
	PublicHost  string
	PublicHTTPS bool
	PublicPort  int
	TaggerDep   string
}

// Manager owns the template directory.
type Manager struct {
	opts   Options
	deps   *deps.Manager
	logger *zap.Logger

	mu    sync.Mutex
	state State

	inflight singleflight.Group
}

// NewManager creates a Manager. Initialize must be called before the first
// clone; CreateFromTemplate does so lazily.
func NewManager(opts Options, depManager *deps.Manager, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:   opts,
		deps:   depManager,
		logger: logger,
		state:  StateUninitialized,
	}
}

// Dir returns the template directory path.
func (m *Manager) Dir() string {
	return filepath.Join(m.opts.DataDir, templateDirName)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Initialize makes the template directory ready. Concurrent callers share
// one initialisation; a failed attempt leaves no partial directory behind,
// so the next call retries from scratch.
func (m *Manager) Initialize(ctx context.Context) error {
	_, err, _ := m.inflight.Do("init", func() (interface{}, error) {
		return nil, m.initialize(ctx)
	})
	return err
}

func (m *Manager) initialize(ctx context.Context) error {
	dir := m.Dir()

	// Fast path: a previous run left a warm template behind.
	if dirExists(filepath.Join(dir, "node_modules")) {
		m.setState(StateReady)
		return nil
	}

	m.setState(StateInitializing)
	start := time.Now()

	if err := os.MkdirAll(m.opts.DataDir, 0755); err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("create data dir: %w", err)
	}

	// Prebuilt path: the deploy image carries a fully installed template.
	if m.opts.PrebuiltDir != "" && dirExists(filepath.Join(m.opts.PrebuiltDir, "node_modules")) {
		if err := copyTree(ctx, m.opts.PrebuiltDir, dir); err != nil {
			os.RemoveAll(dir)
			m.setState(StateFailed)
			return fmt.Errorf("copy prebuilt template: %w", err)
		}
		m.setState(StateReady)
		m.logger.Info("template ready from prebuilt copy",
			zap.Duration("duration", time.Since(start)))
		return nil
	}

	// Slow path: scaffold and install.
	if err := m.scaffoldTemplate(ctx, dir); err != nil {
		os.RemoveAll(dir)
		m.setState(StateFailed)
		return err
	}

	m.setState(StateReady)
	m.logger.Info("template ready from scaffold",
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (m *Manager) scaffoldTemplate(ctx context.Context, dir string) error {
	files, err := scaffold.Files(scaffold.Config{
		ProjectID:   templateDirName,
		ProjectName: "Preview Template",
		PublicHost:  m.opts.PublicHost,
		PublicHTTPS: m.opts.PublicHTTPS,
		PublicPort:  m.opts.PublicPort,
		TaggerDep:   m.opts.TaggerDep,
	})
	if err != nil {
		return fmt.Errorf("scaffold template: %w", err)
	}

	for _, f := range files {
		path := filepath.Join(dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(f.Path), err)
		}
		if err := os.WriteFile(path, []byte(f.Content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}

	if result := m.deps.Ensure(ctx, dir); !result.Success {
		return fmt.Errorf("template install failed: %s", strings.Join(result.Logs, "; "))
	}
	return nil
}

// CreateFromTemplate clones the template into a project directory and
// regenerates its bundler config for the project's id. A stale destination
// directory is replaced.
func (m *Manager) CreateFromTemplate(ctx context.Context, projectID, dest string) error {
	// The template can vanish underneath us (volume wipe); re-initialise
	// on demand.
	if !dirExists(m.Dir()) {
		m.setState(StateUninitialized)
	}
	if m.State() != StateReady {
		if err := m.Initialize(ctx); err != nil {
			return fmt.Errorf("template not ready: %w", err)
		}
	}

	if dirExists(dest) {
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("remove stale project dir: %w", err)
		}
	}

	start := time.Now()
	if err := copyTree(ctx, m.Dir(), dest); err != nil {
		os.RemoveAll(dest)
		return fmt.Errorf("clone template for %s: %w", projectID, err)
	}

	config, err := scaffold.ViteConfig(scaffold.Config{
		ProjectID:   projectID,
		PublicHost:  m.opts.PublicHost,
		PublicHTTPS: m.opts.PublicHTTPS,
		PublicPort:  m.opts.PublicPort,
	})
	if err != nil {
		return fmt.Errorf("generate vite.config.ts for %s: %w", projectID, err)
	}
	if err := os.WriteFile(filepath.Join(dest, "vite.config.ts"), []byte(config), 0644); err != nil {
		return fmt.Errorf("write vite.config.ts: %w", err)
	}

	m.logger.Info("project cloned from template",
		zap.String("project", projectID),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// copyTree copies a directory recursively. cp -R beats a file-by-file Go
// walk by a wide margin on node_modules-sized trees.
func copyTree(ctx context.Context, src, dest string) error {
	cmd := exec.CommandContext(ctx, "cp", "-R", src, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp -R: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
