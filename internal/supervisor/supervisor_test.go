package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omniflow/preview/internal/deps"
)

// writeScript drops an executable stub used in place of the real runner.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bun")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

// writeProject creates a directory that passes pre-flight untouched.
func writeProject(t *testing.T, projectID string) string {
	t.Helper()
	dir := t.TempDir()

	manifest := `{
  "name": "test",
  "devDependencies": {
    "vite-plugin-jsx-tagger": "file:/tmp/tagger"
  }
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0644))

	viteConfig := `import jsxTagger from "vite-plugin-jsx-tagger";
export default defineConfig({
  base: "/p/` + projectID + `/",
  plugins: [jsxTagger()],
  server: { hmr: {} },
});
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vite.config.ts"), []byte(viteConfig), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "node_modules"), 0755))
	return dir
}

func newTestSupervisor(t *testing.T, bun string, opts Options) *Supervisor {
	t.Helper()
	if opts.BasePort == 0 {
		opts.BasePort = 42000
	}
	if opts.MaxInstances == 0 {
		opts.MaxInstances = 4
	}
	if opts.StartupTimeout == 0 {
		opts.StartupTimeout = 5 * time.Second
	}
	opts.BunBinary = bun
	opts.PollInterval = 10 * time.Millisecond

	s := New(opts, deps.NewManager(bun, zap.NewNop()), zap.NewNop())
	s.checkReady = func(context.Context, int) bool { return true }
	t.Cleanup(func() { s.Destroy() })
	return s
}

const longRunner = `trap 'exit 0' TERM INT
while :; do sleep 0.05; done
`

func TestStartStopLifecycle(t *testing.T) {
	bun := writeScript(t, longRunner)
	s := newTestSupervisor(t, bun, Options{})
	dir := writeProject(t, "proj-1")

	inst, err := s.Start(context.Background(), "proj-1", dir)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", inst.ProjectID)
	assert.Equal(t, 42000, inst.Port)
	assert.Equal(t, StatusRunning, inst.Status)

	got, ok := s.Get("proj-1")
	require.True(t, ok)
	assert.Equal(t, inst.Port, got.Port)
	assert.Equal(t, 1, s.RunningCount())
	assert.Equal(t, 3, s.Available())

	require.NoError(t, s.Stop("proj-1"))
	_, ok = s.Get("proj-1")
	assert.False(t, ok)
	assert.Equal(t, 4, s.Available())
}

func TestStartIsIdempotent(t *testing.T) {
	bun := writeScript(t, longRunner)
	s := newTestSupervisor(t, bun, Options{})
	dir := writeProject(t, "proj-1")

	first, err := s.Start(context.Background(), "proj-1", dir)
	require.NoError(t, err)
	second, err := s.Start(context.Background(), "proj-1", dir)
	require.NoError(t, err)

	assert.Equal(t, first.Port, second.Port)
	assert.Equal(t, 1, s.RunningCount())
}

func TestCapacityExhausted(t *testing.T) {
	bun := writeScript(t, longRunner)
	s := newTestSupervisor(t, bun, Options{MaxInstances: 1})

	_, err := s.Start(context.Background(), "proj-1", writeProject(t, "proj-1"))
	require.NoError(t, err)

	_, err = s.Start(context.Background(), "proj-2", writeProject(t, "proj-2"))
	require.ErrorIs(t, err, ErrNoCapacity)

	// Stopping the first frees the slot.
	require.NoError(t, s.Stop("proj-1"))
	_, err = s.Start(context.Background(), "proj-2", writeProject(t, "proj-2"))
	require.NoError(t, err)
}

func TestCrashReleasesSlot(t *testing.T) {
	bun := writeScript(t, "sleep 0.2\nexit 3\n")
	s := newTestSupervisor(t, bun, Options{})
	dir := writeProject(t, "proj-1")

	events, cancel := s.Subscribe()
	defer cancel()

	_, err := s.Start(context.Background(), "proj-1", dir)
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == EventExit {
				assert.Equal(t, 3, evt.ExitCode)
				goto exited
			}
		case <-deadline:
			t.Fatal("timed out waiting for exit event")
		}
	}
exited:
	// Cleanup races the event publish by a hair.
	require.Eventually(t, func() bool {
		_, ok := s.Get("proj-1")
		return !ok && s.Available() == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleSweep(t *testing.T) {
	bun := writeScript(t, longRunner)
	s := newTestSupervisor(t, bun, Options{
		IdleTimeout:   50 * time.Millisecond,
		SweepInterval: 25 * time.Millisecond,
	})

	_, err := s.Start(context.Background(), "proj-1", writeProject(t, "proj-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := s.Get("proj-1")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMarkActiveDefersSweep(t *testing.T) {
	bun := writeScript(t, longRunner)
	s := newTestSupervisor(t, bun, Options{
		IdleTimeout:   250 * time.Millisecond,
		SweepInterval: 50 * time.Millisecond,
	})

	_, err := s.Start(context.Background(), "proj-1", writeProject(t, "proj-1"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		s.MarkActive("proj-1")
	}
	_, ok := s.Get("proj-1")
	assert.True(t, ok, "active instance must survive the sweeper")
}

func TestStartupFailure(t *testing.T) {
	bun := writeScript(t, "exit 1\n")
	s := newTestSupervisor(t, bun, Options{})
	s.checkReady = func(context.Context, int) bool { return false }
	dir := writeProject(t, "proj-1")

	_, err := s.Start(context.Background(), "proj-1", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.Equal(t, 4, s.Available())
}

func TestStartupTimeout(t *testing.T) {
	bun := writeScript(t, longRunner)
	s := newTestSupervisor(t, bun, Options{StartupTimeout: 150 * time.Millisecond})
	s.checkReady = func(context.Context, int) bool { return false }
	dir := writeProject(t, "proj-1")

	_, err := s.Start(context.Background(), "proj-1", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not answer")
	assert.Equal(t, 4, s.Available())
}

func TestStopDuringStartupWaitsForLaunch(t *testing.T) {
	// A slow install keeps the launch in pre-flight with no child spawned
	// yet; a Stop landing in that window must not free the port early.
	bun := writeScript(t, `if [ "$1" = "install" ]; then
  sleep 0.5
  mkdir -p node_modules
  exit 0
fi
`+longRunner)
	s := newTestSupervisor(t, bun, Options{})

	dir := writeProject(t, "proj-1")
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "node_modules")))

	startErr := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), "proj-1", dir)
		startErr <- err
	}()

	require.Eventually(t, func() bool {
		inst, ok := s.Get("proj-1")
		return ok && inst.Status == StatusStarting
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop("proj-1"))

	// By the time Stop returns the launch has settled.
	select {
	case err := <-startErr:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stopped during startup")
	case <-time.After(200 * time.Millisecond):
		t.Fatal("stop returned while the launch was still in flight")
	}
	_, ok := s.Get("proj-1")
	assert.False(t, ok)
	assert.Equal(t, 4, s.Available())

	// The freed slot is genuinely reusable.
	inst, err := s.Start(context.Background(), "proj-2", writeProject(t, "proj-2"))
	require.NoError(t, err)
	assert.Equal(t, 42000, inst.Port)
}

func TestPortPool(t *testing.T) {
	pool := newPortPool(5200, 3)
	assert.Equal(t, 3, pool.available())

	a, err := pool.acquire("a")
	require.NoError(t, err)
	assert.Equal(t, 5200, a)
	b, err := pool.acquire("b")
	require.NoError(t, err)
	assert.Equal(t, 5201, b)
	c, err := pool.acquire("c")
	require.NoError(t, err)
	assert.Equal(t, 5202, c)

	_, err = pool.acquire("d")
	assert.Error(t, err)

	pool.release(b)
	got, err := pool.acquire("d")
	require.NoError(t, err)
	assert.Equal(t, 5201, got)

	// Double release must not duplicate the port.
	pool.release(a)
	pool.release(a)
	assert.Equal(t, 1, pool.available())
}

func TestEventBus(t *testing.T) {
	bus := newEventBus()
	ch, cancel := bus.subscribe()

	bus.publish(Event{Type: EventStarted, ProjectID: "p"})
	evt := <-ch
	assert.Equal(t, EventStarted, evt.Type)
	assert.False(t, evt.Time.IsZero())

	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Cancelling twice is safe.
	cancel()
}

func TestEnsureTaggerDepHealsManifest(t *testing.T) {
	bun := writeScript(t, longRunner)
	s := newTestSupervisor(t, bun, Options{TaggerDep: "file:/opt/tagger"})

	dir := t.TempDir()
	manifest := `{"name": "broken", "dependencies": {"react": "^18.3.1"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0644))

	healed, err := s.ensureTaggerDep(dir)
	require.NoError(t, err)
	assert.True(t, healed)

	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	var parsed struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, "file:/opt/tagger", parsed.DevDependencies[taggerPackage])
	assert.Equal(t, "^18.3.1", parsed.Dependencies["react"], "existing sections survive")

	// A healed manifest is not healed twice.
	healed, err = s.ensureTaggerDep(dir)
	require.NoError(t, err)
	assert.False(t, healed)
}

func TestEnsureViteConfigRegenerates(t *testing.T) {
	bun := writeScript(t, longRunner)
	s := newTestSupervisor(t, bun, Options{PublicHost: "preview.example.dev", PublicPort: 3000})

	dir := t.TempDir()
	broken := `import { defineConfig } from "vite";
import react from "@vitejs/plugin-react";
import svgr from "vite-plugin-svgr";

export default defineConfig({
  plugins: [react(), svgr()],
  resolve: {
    alias: { "@": "/src" },
  },
});
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vite.config.ts"), []byte(broken), 0644))

	require.NoError(t, s.ensureViteConfig(dir, "abcdef123456"))

	raw, err := os.ReadFile(filepath.Join(dir, "vite.config.ts"))
	require.NoError(t, err)
	config := string(raw)

	assert.Contains(t, config, `base: "/p/abcdef123456/"`)
	assert.Contains(t, config, "jsxTagger(")
	assert.Contains(t, config, "hmr")
	assert.Contains(t, config, `import svgr from "vite-plugin-svgr";`, "user import carried forward")
	assert.Contains(t, config, `alias: { "@": "/src" }`, "user alias carried forward")
}

func TestEnsureViteConfigLeavesIntactAlone(t *testing.T) {
	bun := writeScript(t, longRunner)
	s := newTestSupervisor(t, bun, Options{})

	dir := writeProject(t, "proj-9")
	before, err := os.ReadFile(filepath.Join(dir, "vite.config.ts"))
	require.NoError(t, err)

	require.NoError(t, s.ensureViteConfig(dir, "proj-9"))

	after, err := os.ReadFile(filepath.Join(dir, "vite.config.ts"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}
