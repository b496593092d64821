// Package scaffold generates the initial file set for a new project:
// package manifest, bundler config, type configs, HTML entry, and a default
// component. Generation is pure; callers decide where the files land.
package scaffold

import (
	"embed"
	"fmt"
	"html"
	"regexp"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// DefaultTaggerDep is the specifier written into generated manifests for
// the tagger plugin when no override is configured.
const DefaultTaggerDep = "file:/app/packages/vite-plugin-jsx-tagger"

// Config drives file generation for one project.
type Config struct {
	ProjectID   string
	ProjectName string
	Description string

	// PublicHost and PublicHTTPS shape the HMR client configuration baked
	// into the bundler config.
	PublicHost  string
	PublicHTTPS bool
	PublicPort  int

	// TaggerDep overrides the tagger plugin specifier in package.json.
	TaggerDep string

	// IDPrefix is the id prefix handed to the tagger plugin. Empty means
	// the first 8 characters of the project id.
	IDPrefix string
}

// File is one generated project file.
type File struct {
	Path    string
	Content string
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases a project name and collapses every non-alphanumeric
// run into a single hyphen, for use as an npm package name.
func Slugify(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "preview-project"
	}
	return slug
}

// Files generates the complete initial file set for a project.
func Files(cfg Config) ([]File, error) {
	data, err := templateData(cfg)
	if err != nil {
		return nil, err
	}

	layout := []struct {
		path string
		tmpl string
	}{
		{"package.json", "package.json.tmpl"},
		{"vite.config.ts", "vite.config.ts.tmpl"},
		{"tsconfig.json", "tsconfig.json.tmpl"},
		{"tsconfig.node.json", "tsconfig.node.json.tmpl"},
		{"tailwind.config.js", "tailwind.config.js.tmpl"},
		{"postcss.config.js", "postcss.config.js.tmpl"},
		{"index.html", "index.html.tmpl"},
		{"src/index.css", "index.css.tmpl"},
		{"src/main.tsx", "main.tsx.tmpl"},
		{"src/App.tsx", "App.tsx.tmpl"},
	}

	files := make([]File, 0, len(layout))
	for _, entry := range layout {
		content, err := render(entry.tmpl, data)
		if err != nil {
			return nil, fmt.Errorf("scaffold %s: %w", entry.path, err)
		}
		files = append(files, File{Path: entry.path, Content: content})
	}
	return files, nil
}

// ViteConfig regenerates only the bundler config for a project. The
// template manager calls this when cloning, and the supervisor's pre-flight
// uses it to heal configs that lost the base, hmr, or tagger sections.
func ViteConfig(cfg Config) (string, error) {
	data, err := templateData(cfg)
	if err != nil {
		return "", err
	}
	return render("vite.config.ts.tmpl", data)
}

type renderData struct {
	ProjectID     string
	Slug          string
	Title         string
	Description   string
	TaggerDep     string
	IDPrefix      string
	PublicHost    string
	HMRProtocol   string
	HMRClientPort int
}

func templateData(cfg Config) (renderData, error) {
	if cfg.ProjectID == "" {
		return renderData{}, fmt.Errorf("scaffold: project id is required")
	}

	name := cfg.ProjectName
	if name == "" {
		name = cfg.ProjectID
	}
	description := cfg.Description
	if description == "" {
		description = "AI-generated web project"
	}

	taggerDep := cfg.TaggerDep
	if taggerDep == "" {
		taggerDep = DefaultTaggerDep
	}

	idPrefix := cfg.IDPrefix
	if idPrefix == "" {
		idPrefix = cfg.ProjectID
		if len(idPrefix) > 8 {
			idPrefix = idPrefix[:8]
		}
	}

	protocol := "ws"
	clientPort := cfg.PublicPort
	if cfg.PublicHTTPS {
		protocol = "wss"
		clientPort = 443
	}
	if clientPort == 0 {
		clientPort = 3000
	}

	return renderData{
		ProjectID:   cfg.ProjectID,
		Slug:        Slugify(name),
		// User-controlled fields are escaped before interpolation into HTML.
		Title:         html.EscapeString(name),
		Description:   html.EscapeString(description),
		TaggerDep:     taggerDep,
		IDPrefix:      idPrefix,
		PublicHost:    cfg.PublicHost,
		HMRProtocol:   protocol,
		HMRClientPort: clientPort,
	}, nil
}

func render(name string, data renderData) (string, error) {
	content, err := templatesFS.ReadFile("templates/" + name)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
