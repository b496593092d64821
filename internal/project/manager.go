// Package project implements the project lifecycle: creation from the warm
// template or from scratch, file updates, preview start/stop, and deletion.
// It is the layer between the control-plane API and the supervisor.
package project

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omniflow/preview/internal/deps"
	"github.com/omniflow/preview/internal/scaffold"
	"github.com/omniflow/preview/internal/supervisor"
	"github.com/omniflow/preview/internal/template"
)

// ErrNotFound is returned for operations on projects with no directory.
var ErrNotFound = fmt.Errorf("project not found")

// instanceController is the slice of the supervisor the manager drives.
type instanceController interface {
	Start(ctx context.Context, projectID, dir string) (supervisor.Instance, error)
	Stop(projectID string) error
	Get(projectID string) (supervisor.Instance, bool)
	MarkActive(projectID string)
}

// Options configures a Manager.
type Options struct {
	DataDir string

	PublicHost  string
	PublicHTTPS bool
	PublicPort  int
	TaggerDep   string
}

// Manager owns the project directories under DataDir.
type Manager struct {
	opts      Options
	template  *template.Manager
	deps      *deps.Manager
	instances instanceController
	logger    *zap.Logger
}

// NewManager creates a Manager.
func NewManager(opts Options, tpl *template.Manager, depManager *deps.Manager,
	instances instanceController, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:      opts,
		template:  tpl,
		deps:      depManager,
		instances: instances,
		logger:    logger,
	}
}

// FileUpdate is one entry in a create or update batch.
type FileUpdate struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Operation string `json:"operation,omitempty"` // create, update, delete
}

// CreateRequest describes a new project.
type CreateRequest struct {
	ProjectID   string       `json:"projectId"`
	ProjectName string       `json:"projectName"`
	Description string       `json:"description,omitempty"`
	Files       []FileUpdate `json:"files,omitempty"`
}

// CreateResult is returned from Create.
type CreateResult struct {
	Dir        string `json:"dir"`
	Port       int    `json:"port"`
	PreviewURL string `json:"previewUrl"`
	HMRURL     string `json:"hmrUrl"`
}

// Status describes a project's current state.
type Status struct {
	Exists           bool       `json:"exists"`
	DevServerRunning bool       `json:"devServerRunning"`
	Port             int        `json:"port,omitempty"`
	FileCount        int        `json:"fileCount"`
	LastModified     *time.Time `json:"lastModified,omitempty"`
}

// configSkipList holds template-owned files that user uploads never
// overwrite: the resolved dependency set and tooling configs must stay
// consistent with the installed node_modules.
var configSkipList = map[string]bool{
	"package.json":        true,
	"vite.config.ts":      true,
	"vite.config.js":      true,
	"bun.lock":            true,
	"bun.lockb":           true,
	"package-lock.json":   true,
	"yarn.lock":           true,
	"pnpm-lock.yaml":      true,
	"tailwind.config.js":  true,
	"tailwind.config.ts":  true,
	"tailwind.config.cjs": true,
	"postcss.config.js":   true,
	"postcss.config.ts":   true,
	"postcss.config.cjs":  true,
	"tsconfig.json":       true,
	"tsconfig.node.json":  true,
}

var idStripPattern = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeID reduces a project id to the safe alphabet. Leading
// underscores are stripped so ids can never collide with the reserved
// template directory.
func SanitizeID(id string) (string, error) {
	clean := idStripPattern.ReplaceAllString(id, "")
	clean = strings.TrimLeft(clean, "_-")
	if clean == "" {
		return "", fmt.Errorf("invalid project id %q", id)
	}
	return clean, nil
}

// Path resolves a project id to its directory.
func (m *Manager) Path(id string) (string, error) {
	clean, err := SanitizeID(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.opts.DataDir, clean), nil
}

// Exists reports whether the project directory is present.
func (m *Manager) Exists(id string) bool {
	dir, err := m.Path(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Create provisions a project directory, writes the user's files, installs
// any extra dependencies, and starts the dev server.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	dir, err := m.Path(req.ProjectID)
	if err != nil {
		return CreateResult{}, err
	}

	if err := m.template.CreateFromTemplate(ctx, req.ProjectID, dir); err != nil {
		m.logger.Warn("template clone failed, scaffolding from scratch",
			zap.String("project", req.ProjectID), zap.Error(err))
		if err := m.scaffoldProject(ctx, req, dir); err != nil {
			return CreateResult{}, err
		}
	} else if err := m.populateFromTemplate(ctx, req, dir); err != nil {
		return CreateResult{}, err
	}

	inst, err := m.instances.Start(ctx, req.ProjectID, dir)
	if err != nil {
		return CreateResult{}, fmt.Errorf("start dev server: %w", err)
	}

	return CreateResult{
		Dir:        dir,
		Port:       inst.Port,
		PreviewURL: m.PreviewURL(req.ProjectID),
		HMRURL:     m.HMRURL(req.ProjectID),
	}, nil
}

// populateFromTemplate writes the user files over a template clone and
// installs the dependency delta between the user's manifest and the
// template's.
func (m *Manager) populateFromTemplate(ctx context.Context, req CreateRequest, dir string) error {
	var userManifest []byte
	for _, f := range req.Files {
		rel, err := safeRelPath(f.Path)
		if err != nil {
			return err
		}
		if configSkipList[rel] {
			if rel == "package.json" {
				userManifest = []byte(f.Content)
			}
			continue
		}
		if err := writeProjectFile(dir, rel, f.Content); err != nil {
			return err
		}
	}

	if userManifest == nil {
		return nil
	}
	added, err := mergeDependencies(filepath.Join(dir, "package.json"), userManifest)
	if err != nil {
		m.logger.Warn("dependency merge failed", zap.Error(err))
		return nil
	}
	if added > 0 {
		m.logger.Info("installing extra dependencies",
			zap.String("project", req.ProjectID), zap.Int("count", added))
		if result := m.deps.Ensure(ctx, dir); !result.Success {
			return fmt.Errorf("extra dependency install failed: %s",
				strings.Join(result.Logs, "; "))
		}
	}
	return nil
}

// scaffoldProject is the slow path used when the template is unavailable.
func (m *Manager) scaffoldProject(ctx context.Context, req CreateRequest, dir string) error {
	files, err := scaffold.Files(scaffold.Config{
		ProjectID:   req.ProjectID,
		ProjectName: req.ProjectName,
		Description: req.Description,
		PublicHost:  m.opts.PublicHost,
		PublicHTTPS: m.opts.PublicHTTPS,
		PublicPort:  m.opts.PublicPort,
		TaggerDep:   m.opts.TaggerDep,
	})
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := writeProjectFile(dir, f.Path, f.Content); err != nil {
			return err
		}
	}
	for _, f := range req.Files {
		rel, err := safeRelPath(f.Path)
		if err != nil {
			return err
		}
		if configSkipList[rel] {
			continue
		}
		if err := writeProjectFile(dir, rel, f.Content); err != nil {
			return err
		}
	}
	if result := m.deps.Install(ctx, dir); !result.Success {
		return fmt.Errorf("dependency install failed: %s", strings.Join(result.Logs, "; "))
	}
	return nil
}

// mergeDependencies copies dependencies present in the user manifest but
// absent from the project manifest. Returns how many were added.
func mergeDependencies(manifestPath string, userManifest []byte) (int, error) {
	var user struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(userManifest, &user); err != nil {
		return 0, fmt.Errorf("parse user manifest: %w", err)
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return 0, err
	}
	var manifest map[string]json.RawMessage
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return 0, err
	}

	added := 0
	merge := func(section string, extra map[string]string) error {
		if len(extra) == 0 {
			return nil
		}
		current := map[string]string{}
		if rawSection, ok := manifest[section]; ok {
			json.Unmarshal(rawSection, &current)
		}
		for name, version := range extra {
			if _, ok := current[name]; !ok {
				current[name] = version
				added++
			}
		}
		encoded, err := json.Marshal(current)
		if err != nil {
			return err
		}
		manifest[section] = encoded
		return nil
	}
	if err := merge("dependencies", user.Dependencies); err != nil {
		return 0, err
	}
	if err := merge("devDependencies", user.DevDependencies); err != nil {
		return 0, err
	}

	if added == 0 {
		return 0, nil
	}
	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return 0, err
	}
	return added, os.WriteFile(manifestPath, append(out, '\n'), 0644)
}

// GetStatus reports a project's state.
func (m *Manager) GetStatus(id string) (Status, error) {
	dir, err := m.Path(id)
	if err != nil {
		return Status{}, err
	}
	if _, err := os.Stat(dir); err != nil {
		return Status{Exists: false}, nil
	}

	status := Status{Exists: true}
	if inst, ok := m.instances.Get(id); ok && inst.Status == supervisor.StatusRunning {
		status.DevServerRunning = true
		status.Port = inst.Port
	}

	var lastModified time.Time
	walkProject(dir, func(path string, info fs.FileInfo) {
		status.FileCount++
		if info.ModTime().After(lastModified) {
			lastModified = info.ModTime()
		}
	})
	if !lastModified.IsZero() {
		status.LastModified = &lastModified
	}
	return status, nil
}

// UpdateFiles applies a batch of file operations and refreshes the idle
// clock so an actively edited project is not swept.
func (m *Manager) UpdateFiles(id string, updates []FileUpdate) error {
	dir, err := m.Path(id)
	if err != nil {
		return err
	}
	if !m.Exists(id) {
		return ErrNotFound
	}

	for _, u := range updates {
		rel, err := safeRelPath(u.Path)
		if err != nil {
			return err
		}
		op := u.Operation
		if op == "" {
			op = "update"
		}
		switch op {
		case "create", "update":
			if err := writeProjectFile(dir, rel, u.Content); err != nil {
				return err
			}
		case "delete":
			if err := os.Remove(filepath.Join(dir, rel)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete %s: %w", rel, err)
			}
		default:
			return fmt.Errorf("unknown operation %q for %s", u.Operation, rel)
		}
	}

	m.instances.MarkActive(id)
	return nil
}

// ReadFile returns one project file's content.
func (m *Manager) ReadFile(id, path string) ([]byte, error) {
	dir, err := m.Path(id)
	if err != nil {
		return nil, err
	}
	rel, err := safeRelPath(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, rel))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return raw, err
}

// ListFiles returns the project's file paths, pruning dependency and VCS
// trees.
func (m *Manager) ListFiles(id string) ([]string, error) {
	dir, err := m.Path(id)
	if err != nil {
		return nil, err
	}
	if !m.Exists(id) {
		return nil, ErrNotFound
	}

	var files []string
	walkProject(dir, func(path string, info fs.FileInfo) {
		if rel, err := filepath.Rel(dir, path); err == nil {
			files = append(files, filepath.ToSlash(rel))
		}
	})
	return files, nil
}

// StartPreview ensures dependencies and starts the dev server.
func (m *Manager) StartPreview(ctx context.Context, id string) (supervisor.Instance, error) {
	dir, err := m.Path(id)
	if err != nil {
		return supervisor.Instance{}, err
	}
	if !m.Exists(id) {
		return supervisor.Instance{}, ErrNotFound
	}
	return m.instances.Start(ctx, id, dir)
}

// StopPreview stops the dev server.
func (m *Manager) StopPreview(id string) error {
	return m.instances.Stop(id)
}

// Delete stops the instance and removes the project directory.
func (m *Manager) Delete(id string) error {
	dir, err := m.Path(id)
	if err != nil {
		return err
	}
	if err := m.instances.Stop(id); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove project dir: %w", err)
	}
	m.logger.Info("project deleted", zap.String("project", id))
	return nil
}

// ReinstallDependencies stops the instance, reinstalls from scratch, and
// restarts.
func (m *Manager) ReinstallDependencies(ctx context.Context, id string) (supervisor.Instance, error) {
	dir, err := m.Path(id)
	if err != nil {
		return supervisor.Instance{}, err
	}
	if !m.Exists(id) {
		return supervisor.Instance{}, ErrNotFound
	}
	if err := m.instances.Stop(id); err != nil {
		return supervisor.Instance{}, err
	}
	if result := m.deps.Reinstall(ctx, dir); !result.Success {
		return supervisor.Instance{}, fmt.Errorf("reinstall failed: %s",
			strings.Join(result.Logs, "; "))
	}
	return m.instances.Start(ctx, id, dir)
}

// AddDependency installs one package into the project.
func (m *Manager) AddDependency(ctx context.Context, id, pkg string, dev bool) (deps.Result, error) {
	dir, err := m.Path(id)
	if err != nil {
		return deps.Result{}, err
	}
	if !m.Exists(id) {
		return deps.Result{}, ErrNotFound
	}
	return m.deps.Add(ctx, dir, pkg, dev), nil
}

// RemoveDependency uninstalls one package from the project.
func (m *Manager) RemoveDependency(ctx context.Context, id, pkg string) (deps.Result, error) {
	dir, err := m.Path(id)
	if err != nil {
		return deps.Result{}, err
	}
	if !m.Exists(id) {
		return deps.Result{}, ErrNotFound
	}
	return m.deps.Remove(ctx, dir, pkg), nil
}

// Instance implements the proxy backend.
func (m *Manager) Instance(id string) (supervisor.Instance, bool) {
	return m.instances.Get(id)
}

// EnsureRunning implements the proxy backend's auto-start.
func (m *Manager) EnsureRunning(ctx context.Context, id string) (supervisor.Instance, error) {
	return m.StartPreview(ctx, id)
}

// MarkActive refreshes the project's idle clock.
func (m *Manager) MarkActive(id string) {
	m.instances.MarkActive(id)
}

// PreviewURL is the public URL serving the project.
func (m *Manager) PreviewURL(id string) string {
	scheme := "http"
	if m.opts.PublicHTTPS {
		return fmt.Sprintf("https://%s/p/%s/", m.opts.PublicHost, id)
	}
	return fmt.Sprintf("%s://%s:%d/p/%s/", scheme, m.opts.PublicHost, m.opts.PublicPort, id)
}

// HMRURL is the public WebSocket URL for the project's HMR channel.
func (m *Manager) HMRURL(id string) string {
	if m.opts.PublicHTTPS {
		return fmt.Sprintf("wss://%s/hmr/%s", m.opts.PublicHost, id)
	}
	return fmt.Sprintf("ws://%s:%d/hmr/%s", m.opts.PublicHost, m.opts.PublicPort, id)
}

// safeRelPath validates a user-supplied relative path.
func safeRelPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty file path")
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if filepath.IsAbs(path) || strings.HasPrefix(clean, "../") || clean == ".." || clean == "." {
		return "", fmt.Errorf("unsafe file path %q", path)
	}
	return clean, nil
}

func writeProjectFile(dir, rel, content string) error {
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(rel), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// walkProject visits every regular file, pruning node_modules and .git.
func walkProject(dir string, visit func(path string, info fs.FileInfo)) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == "node_modules" || name == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err == nil {
			visit(path, info)
		}
		return nil
	})
}
