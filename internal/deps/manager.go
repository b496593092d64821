// Package deps wraps the external package-manager binary used to install
// project dependencies. All operations return a Result value rather than an
// error: a failed install is data, not an exception.
package deps

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Result captures the outcome of one package-manager invocation.
type Result struct {
	Success  bool          `json:"success"`
	Duration time.Duration `json:"durationMs"`
	Logs     []string      `json:"logs"`
}

// Manager runs the package manager in project directories. Install calls
// for the same directory are single-flighted: concurrent callers share one
// running process and observe the same Result.
type Manager struct {
	binary   string
	logger   *zap.Logger
	inflight singleflight.Group
}

// NewManager creates a Manager that invokes the given binary ("bun" when
// empty).
func NewManager(binary string, logger *zap.Logger) *Manager {
	if binary == "" {
		binary = "bun"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{binary: binary, logger: logger}
}

// Binary returns the package-manager binary path.
func (m *Manager) Binary() string { return m.binary }

// Install installs dependencies in dir, skipping the work entirely when a
// node_modules directory is already present.
func (m *Manager) Install(ctx context.Context, dir string) Result {
	v, _, _ := m.inflight.Do(dir, func() (interface{}, error) {
		if _, err := os.Stat(filepath.Join(dir, "node_modules")); err == nil {
			return Result{
				Success: true,
				Logs:    []string{"node_modules already present, skipping install"},
			}, nil
		}
		return m.run(ctx, dir, "install"), nil
	})
	return v.(Result)
}

// Ensure always runs the package manager, healing partial or broken trees.
func (m *Manager) Ensure(ctx context.Context, dir string) Result {
	v, _, _ := m.inflight.Do(dir, func() (interface{}, error) {
		return m.run(ctx, dir, "install"), nil
	})
	return v.(Result)
}

// Reinstall deletes node_modules and installs from scratch.
func (m *Manager) Reinstall(ctx context.Context, dir string) Result {
	start := time.Now()
	if err := os.RemoveAll(filepath.Join(dir, "node_modules")); err != nil {
		return Result{
			Success:  false,
			Duration: time.Since(start),
			Logs:     []string{fmt.Sprintf("failed to remove node_modules: %v", err)},
		}
	}
	result := m.Ensure(ctx, dir)
	result.Duration = time.Since(start)
	return result
}

// Add installs a single package, optionally as a dev dependency.
func (m *Manager) Add(ctx context.Context, dir, pkg string, dev bool) Result {
	args := []string{"add", pkg}
	if dev {
		args = append(args, "--dev")
	}
	return m.run(ctx, dir, args...)
}

// Remove uninstalls a single package.
func (m *Manager) Remove(ctx context.Context, dir, pkg string) Result {
	return m.run(ctx, dir, "remove", pkg)
}

// run spawns the package manager and captures its combined output. Spawn
// failures and non-zero exits both surface as Success=false.
func (m *Manager) run(ctx context.Context, dir string, args ...string) Result {
	start := time.Now()

	cmd := exec.CommandContext(ctx, m.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CI=true", "NO_COLOR=1")

	out, err := cmd.CombinedOutput()
	result := Result{
		Success:  err == nil,
		Duration: time.Since(start),
	}
	if len(out) > 0 {
		result.Logs = append(result.Logs, string(out))
	}
	if err != nil {
		result.Logs = append(result.Logs, err.Error())
		m.logger.Warn("package manager failed",
			zap.String("dir", dir),
			zap.Strings("args", args),
			zap.Error(err),
		)
	} else {
		m.logger.Debug("package manager finished",
			zap.String("dir", dir),
			zap.Strings("args", args),
			zap.Duration("duration", result.Duration),
		)
	}
	return result
}
