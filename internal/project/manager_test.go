package project

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omniflow/preview/internal/deps"
	"github.com/omniflow/preview/internal/supervisor"
	"github.com/omniflow/preview/internal/template"
)

type fakeController struct {
	running  map[string]supervisor.Instance
	starts   int
	stops    int
	actives  int
	startErr error
}

func newFakeController() *fakeController {
	return &fakeController{running: make(map[string]supervisor.Instance)}
}

func (f *fakeController) Start(_ context.Context, projectID, dir string) (supervisor.Instance, error) {
	f.starts++
	if f.startErr != nil {
		return supervisor.Instance{}, f.startErr
	}
	inst := supervisor.Instance{ProjectID: projectID, Port: 5200, Status: supervisor.StatusRunning}
	f.running[projectID] = inst
	return inst, nil
}

func (f *fakeController) Stop(projectID string) error {
	f.stops++
	delete(f.running, projectID)
	return nil
}

func (f *fakeController) Get(projectID string) (supervisor.Instance, bool) {
	inst, ok := f.running[projectID]
	return inst, ok
}

func (f *fakeController) MarkActive(string) { f.actives++ }

func newTestManager(t *testing.T) (*Manager, *fakeController, string) {
	t.Helper()
	dataDir := t.TempDir()

	installer := filepath.Join(t.TempDir(), "bun")
	require.NoError(t, os.WriteFile(installer,
		[]byte("#!/bin/sh\nmkdir -p node_modules\n"), 0755))

	depManager := deps.NewManager(installer, zap.NewNop())
	tpl := template.NewManager(template.Options{
		DataDir:    dataDir,
		PublicHost: "preview.example.dev",
		PublicPort: 3000,
	}, depManager, zap.NewNop())

	ctrl := newFakeController()
	m := NewManager(Options{
		DataDir:    dataDir,
		PublicHost: "preview.example.dev",
		PublicPort: 3000,
	}, tpl, depManager, ctrl, zap.NewNop())
	return m, ctrl, dataDir
}

func TestSanitizeID(t *testing.T) {
	got, err := SanitizeID("proj-123_abc")
	require.NoError(t, err)
	assert.Equal(t, "proj-123_abc", got)

	got, err = SanitizeID("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "etcpasswd", got)

	got, err = SanitizeID("_template")
	require.NoError(t, err)
	assert.Equal(t, "template", got, "reserved prefix is stripped")

	_, err = SanitizeID("!!!")
	assert.Error(t, err)
	_, err = SanitizeID("")
	assert.Error(t, err)
}

func TestCreateFromTemplate(t *testing.T) {
	m, ctrl, dataDir := newTestManager(t)

	result, err := m.Create(context.Background(), CreateRequest{
		ProjectID:   "proj-1",
		ProjectName: "Demo",
		Files: []FileUpdate{
			{Path: "src/App.tsx", Content: "export default () => null;"},
			{Path: "package.json", Content: `{"dependencies":{"lodash":"^4.17.21"}}`},
			{Path: "vite.config.ts", Content: "sabotage"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dataDir, "proj-1"), result.Dir)
	assert.Equal(t, 5200, result.Port)
	assert.Equal(t, "http://preview.example.dev:3000/p/proj-1/", result.PreviewURL)
	assert.Equal(t, "ws://preview.example.dev:3000/hmr/proj-1", result.HMRURL)
	assert.Equal(t, 1, ctrl.starts)

	// User source lands, template-owned configs survive.
	app, err := os.ReadFile(filepath.Join(result.Dir, "src/App.tsx"))
	require.NoError(t, err)
	assert.Equal(t, "export default () => null;", string(app))

	vite, err := os.ReadFile(filepath.Join(result.Dir, "vite.config.ts"))
	require.NoError(t, err)
	assert.NotEqual(t, "sabotage", string(vite))
	assert.Contains(t, string(vite), `base: "/p/proj-1/"`)

	// The extra dependency is merged into the cloned manifest.
	raw, err := os.ReadFile(filepath.Join(result.Dir, "package.json"))
	require.NoError(t, err)
	var manifest struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Equal(t, "^4.17.21", manifest.Dependencies["lodash"])
	assert.Equal(t, "^18.3.1", manifest.Dependencies["react"], "template deps survive the merge")
}

func TestCreateRejectsTraversal(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Create(context.Background(), CreateRequest{
		ProjectID: "proj-1",
		Files:     []FileUpdate{{Path: "../outside.txt", Content: "x"}},
	})
	assert.Error(t, err)
}

func TestUpdateFiles(t *testing.T) {
	m, ctrl, _ := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{ProjectID: "proj-1"})
	require.NoError(t, err)
	activesBefore := ctrl.actives

	err = m.UpdateFiles("proj-1", []FileUpdate{
		{Path: "src/New.tsx", Content: "new", Operation: "create"},
		{Path: "src/App.tsx", Content: "changed"},
		{Path: "src/main.tsx", Operation: "delete"},
		{Path: "missing.txt", Operation: "delete"},
	})
	require.NoError(t, err)

	dir, _ := m.Path("proj-1")
	assert.FileExists(t, filepath.Join(dir, "src/New.tsx"))
	changed, _ := os.ReadFile(filepath.Join(dir, "src/App.tsx"))
	assert.Equal(t, "changed", string(changed))
	assert.NoFileExists(t, filepath.Join(dir, "src/main.tsx"))
	assert.Greater(t, ctrl.actives, activesBefore, "file updates refresh the idle clock")
}

func TestUpdateFilesUnknownProject(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.UpdateFiles("ghost", []FileUpdate{{Path: "a.txt", Content: "x"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateFilesBadOperation(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	err = m.UpdateFiles("proj-1", []FileUpdate{{Path: "a.txt", Operation: "rename"}})
	assert.Error(t, err)
}

func TestGetStatus(t *testing.T) {
	m, ctrl, _ := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	status, err := m.GetStatus("proj-1")
	require.NoError(t, err)
	assert.True(t, status.Exists)
	assert.True(t, status.DevServerRunning)
	assert.Equal(t, 5200, status.Port)
	assert.Positive(t, status.FileCount)
	assert.NotNil(t, status.LastModified)

	ctrl.Stop("proj-1")
	status, err = m.GetStatus("proj-1")
	require.NoError(t, err)
	assert.False(t, status.DevServerRunning)

	status, err = m.GetStatus("ghost")
	require.NoError(t, err)
	assert.False(t, status.Exists)
}

func TestListFilesPrunesDependencies(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	files, err := m.ListFiles("proj-1")
	require.NoError(t, err)
	assert.Contains(t, files, "package.json")
	assert.Contains(t, files, "src/App.tsx")
	for _, f := range files {
		assert.NotContains(t, f, "node_modules")
	}
}

func TestReadFile(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	raw, err := m.ReadFile("proj-1", "package.json")
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	_, err = m.ReadFile("proj-1", "no-such-file.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.ReadFile("proj-1", "../../../etc/passwd")
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	m, ctrl, _ := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{ProjectID: "proj-1"})
	require.NoError(t, err)
	dir, _ := m.Path("proj-1")

	require.NoError(t, m.Delete("proj-1"))
	assert.NoDirExists(t, dir)
	assert.Equal(t, 1, ctrl.stops)
}

func TestStartPreviewUnknownProject(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.StartPreview(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReinstallDependencies(t *testing.T) {
	m, ctrl, _ := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	inst, err := m.ReinstallDependencies(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StatusRunning, inst.Status)
	assert.Equal(t, 1, ctrl.stops)
	assert.Equal(t, 2, ctrl.starts)
}

func TestURLsHTTPS(t *testing.T) {
	m := NewManager(Options{
		PublicHost:  "preview.fly.dev",
		PublicHTTPS: true,
		PublicPort:  3000,
	}, nil, nil, newFakeController(), zap.NewNop())

	assert.Equal(t, "https://preview.fly.dev/p/proj-1/", m.PreviewURL("proj-1"))
	assert.Equal(t, "wss://preview.fly.dev/hmr/proj-1", m.HMRURL("proj-1"))
}
