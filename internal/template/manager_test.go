package template

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omniflow/preview/internal/deps"
)

// fakeInstaller is a stand-in package manager that materialises
// node_modules in its working directory.
func fakeInstaller(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bun")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func newTestManager(t *testing.T, installerBody string) (*Manager, string) {
	t.Helper()
	dataDir := t.TempDir()
	bin := fakeInstaller(t, installerBody)
	m := NewManager(Options{
		DataDir:    dataDir,
		PublicHost: "preview.example.dev",
		PublicPort: 3000,
	}, deps.NewManager(bin, zap.NewNop()), zap.NewNop())
	return m, dataDir
}

func TestInitializeScaffolds(t *testing.T) {
	m, dataDir := newTestManager(t, "mkdir -p node_modules\n")

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, StateReady, m.State())

	templateDir := filepath.Join(dataDir, "_template")
	assert.FileExists(t, filepath.Join(templateDir, "package.json"))
	assert.FileExists(t, filepath.Join(templateDir, "vite.config.ts"))
	assert.FileExists(t, filepath.Join(templateDir, "src/App.tsx"))
	assert.DirExists(t, filepath.Join(templateDir, "node_modules"))
}

func TestInitializeFastPath(t *testing.T) {
	// A failing installer proves the warm template short-circuits install.
	m, dataDir := newTestManager(t, "exit 1\n")
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "_template", "node_modules"), 0755))

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, StateReady, m.State())
}

func TestInitializePrebuilt(t *testing.T) {
	m, dataDir := newTestManager(t, "exit 1\n")

	prebuilt := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(prebuilt, "node_modules"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(prebuilt, "package.json"), []byte("{}"), 0644))
	m.opts.PrebuiltDir = prebuilt

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, StateReady, m.State())
	assert.FileExists(t, filepath.Join(dataDir, "_template", "package.json"))
}

func TestInitializeFailureCleansUp(t *testing.T) {
	m, dataDir := newTestManager(t, "exit 1\n")

	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.State())
	assert.NoDirExists(t, filepath.Join(dataDir, "_template"))
}

func TestInitializeSingleFlight(t *testing.T) {
	m, _ := newTestManager(t, "sleep 0.3\nmkdir -p node_modules\n")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Initialize(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, StateReady, m.State())
}

func TestCreateFromTemplate(t *testing.T) {
	m, dataDir := newTestManager(t, "mkdir -p node_modules\n")
	require.NoError(t, m.Initialize(context.Background()))

	dest := filepath.Join(dataDir, "proj-abc123def")
	require.NoError(t, m.CreateFromTemplate(context.Background(), "proj-abc123def", dest))

	assert.FileExists(t, filepath.Join(dest, "package.json"))
	assert.DirExists(t, filepath.Join(dest, "node_modules"))

	raw, err := os.ReadFile(filepath.Join(dest, "vite.config.ts"))
	require.NoError(t, err)
	config := string(raw)
	assert.Contains(t, config, `base: "/p/proj-abc123def/"`)
	assert.Contains(t, config, `path: "/hmr/proj-abc123def"`)
	assert.Contains(t, config, `idPrefix: "proj-abc"`)
}

func TestCreateReplacesStaleDestination(t *testing.T) {
	m, dataDir := newTestManager(t, "mkdir -p node_modules\n")
	require.NoError(t, m.Initialize(context.Background()))

	dest := filepath.Join(dataDir, "proj-1")
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "stale.txt"), []byte("old"), 0644))

	require.NoError(t, m.CreateFromTemplate(context.Background(), "proj-1", dest))
	assert.NoFileExists(t, filepath.Join(dest, "stale.txt"))
	assert.FileExists(t, filepath.Join(dest, "package.json"))
}

func TestCreateReinitializesWhenTemplateVanished(t *testing.T) {
	m, dataDir := newTestManager(t, "mkdir -p node_modules\n")
	require.NoError(t, m.Initialize(context.Background()))

	// Simulate a volume wipe between deploys.
	require.NoError(t, os.RemoveAll(filepath.Join(dataDir, "_template")))

	dest := filepath.Join(dataDir, "proj-2")
	require.NoError(t, m.CreateFromTemplate(context.Background(), "proj-2", dest))
	assert.FileExists(t, filepath.Join(dest, "package.json"))
	assert.Equal(t, StateReady, m.State())
}
