// Package proxy forwards /p/<projectId>/* traffic to the owning dev-server
// instance, starting one on demand, and injects the base tag and
// visual-edit probe into served HTML documents.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omniflow/preview/internal/supervisor"
	"github.com/omniflow/preview/internal/web/response"
)

// Backend is what the proxy needs from the project layer.
type Backend interface {
	// Instance returns the live instance for a project, if any.
	Instance(projectID string) (supervisor.Instance, bool)
	// EnsureRunning starts the project's dev server when it is not up.
	EnsureRunning(ctx context.Context, projectID string) (supervisor.Instance, error)
	// Exists reports whether the project directory is present on disk.
	Exists(projectID string) bool
	// MarkActive refreshes the project's idle clock.
	MarkActive(projectID string)
}

// VisualEditScriptPath is where the front door serves the probe script; the
// injector references it absolutely so the base tag does not reroute it.
const VisualEditScriptPath = "/static/visual-edit-script.js"

var headPattern = regexp.MustCompile(`(?i)<head[^>]*>`)

// Proxy serves the /p/ path family.
type Proxy struct {
	backend Backend
	logger  *zap.Logger
	client  *http.Client
}

// New creates a Proxy.
func New(backend Backend, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{
		backend: backend,
		logger:  logger,
		client: &http.Client{
			// Dev servers can be slow on cold transforms; cap generously.
			Timeout: 2 * time.Minute,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ServeHTTP handles /p/<projectId> and /p/<projectId>/*.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID, tail, ok := splitProjectPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	// Bare /p/<id> confuses relative asset URLs; redirect to the slash form.
	if tail == "" {
		target := "/p/" + projectID + "/"
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
		return
	}

	inst, running := p.backend.Instance(projectID)
	if !running || inst.Status != supervisor.StatusRunning {
		started, err := p.backend.EnsureRunning(r.Context(), projectID)
		if err != nil {
			if !p.backend.Exists(projectID) {
				response.ErrorWithCode(w, http.StatusNotFound, "Project not found", "PROJECT_NOT_FOUND")
				return
			}
			p.logger.Error("auto-start failed",
				zap.String("project", projectID), zap.Error(err))
			response.Error(w, http.StatusInternalServerError, "Failed to start dev server")
			return
		}
		inst = started
	}
	p.backend.MarkActive(projectID)

	p.forward(w, r, projectID, tail, inst.Port)
}

// splitProjectPath decomposes /p/<id>[/<tail>].
func splitProjectPath(path string) (projectID, tail string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/p/")
	if trimmed == path || trimmed == "" {
		return "", "", false
	}
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[:idx], trimmed[idx:], true
	}
	return trimmed, "", true
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, projectID, tail string, port int) {
	// Tagger middleware endpoints are registered at the child's root, not
	// under the base path.
	forwardPath := r.URL.Path
	if strings.HasPrefix(tail, "/__jsx-") {
		forwardPath = tail
	}

	target := fmt.Sprintf("http://127.0.0.1:%d%s", port, forwardPath)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		response.Error(w, http.StatusBadGateway, "Proxy error")
		return
	}

	injectable := p.injectable(tail)

	// Local Host/Origin bypass the child's allowed-hosts check.
	req.Host = fmt.Sprintf("localhost:%d", port)
	req.Header.Set("Origin", fmt.Sprintf("http://localhost:%d", port))
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	if encoding := r.Header.Get("Accept-Encoding"); encoding != "" && !injectable {
		req.Header.Set("Accept-Encoding", encoding)
	}
	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("upstream request failed",
			zap.String("project", projectID), zap.Error(err))
		response.Error(w, http.StatusBadGateway, "Proxy error")
		return
	}
	defer resp.Body.Close()

	headers := w.Header()
	for key, values := range resp.Header {
		// The relay neither re-encodes nor re-measures the body.
		if strings.EqualFold(key, "Content-Encoding") || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, v := range values {
			headers.Add(key, v)
		}
	}

	if injectable && strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		p.relayInjected(w, resp, projectID)
		return
	}

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// injectable reports whether a tail path serves the document we instrument.
func (p *Proxy) injectable(tail string) bool {
	return tail == "/" || tail == "/index.html"
}

// relayInjected buffers the HTML document and inserts the base tag and
// probe script right after the opening head tag.
func (p *Proxy) relayInjected(w http.ResponseWriter, resp *http.Response, projectID string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		response.Error(w, http.StatusBadGateway, "Proxy error")
		return
	}

	injection := fmt.Sprintf("\n<base href=\"/p/%s/\">\n<script type=\"module\" src=\"%s\"></script>",
		projectID, VisualEditScriptPath)

	html := string(body)
	if loc := headPattern.FindStringIndex(html); loc != nil {
		html = html[:loc[1]] + injection + html[loc[1]:]
	}

	w.WriteHeader(resp.StatusCode)
	io.WriteString(w, html)
}
