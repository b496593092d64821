// Package server is the front door: one public listener composing the
// control-plane API, the preview proxy, the HMR splicer, static assets,
// and health routes.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/omniflow/preview/internal/api"
	"github.com/omniflow/preview/internal/auth"
	"github.com/omniflow/preview/internal/cli/config"
	"github.com/omniflow/preview/internal/deps"
	"github.com/omniflow/preview/internal/hmr"
	"github.com/omniflow/preview/internal/project"
	"github.com/omniflow/preview/internal/proxy"
	"github.com/omniflow/preview/internal/supervisor"
	"github.com/omniflow/preview/internal/template"
	"github.com/omniflow/preview/internal/web/middleware"
)

//go:embed assets/visual-edit-script.js
var assets embed.FS

// Server wires every component behind a single listener.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	template   *template.Manager
	supervisor *supervisor.Supervisor
	projects   *project.Manager
	proxy      *proxy.Proxy
	splicer    *hmr.Splicer

	http    *http.Server
	version string
}

// New assembles a Server from configuration.
func New(cfg *config.Config, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	depManager := deps.NewManager(cfg.BunBinary, logger)

	tpl := template.NewManager(template.Options{
		DataDir:     cfg.DataDir,
		PrebuiltDir: cfg.PrebuiltTemplateDir,
		PublicHost:  cfg.PublicHost,
		PublicHTTPS: cfg.PublicHTTPS,
		PublicPort:  cfg.Port,
		TaggerDep:   cfg.TaggerDep,
	}, depManager, logger)

	sup := supervisor.New(supervisor.Options{
		BasePort:     cfg.BasePort,
		MaxInstances: cfg.MaxInstances,
		IdleTimeout:  cfg.IdleTimeout,
		BunBinary:    cfg.BunBinary,
		TaggerDep:    cfg.TaggerDep,
		PublicHost:   cfg.PublicHost,
		PublicHTTPS:  cfg.PublicHTTPS,
		PublicPort:   cfg.Port,
	}, depManager, logger)

	projects := project.NewManager(project.Options{
		DataDir:     cfg.DataDir,
		PublicHost:  cfg.PublicHost,
		PublicHTTPS: cfg.PublicHTTPS,
		PublicPort:  cfg.Port,
		TaggerDep:   cfg.TaggerDep,
	}, tpl, depManager, sup, logger)

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		template:   tpl,
		supervisor: sup,
		projects:   projects,
		proxy:      proxy.New(projects, logger),
		splicer:    hmr.New(sup, logger),
		version:    version,
	}
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Handler(),
		// No write timeout: proxied dev-server responses and spliced
		// sockets are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the demuxing root handler. HMR upgrade paths bypass the
// middleware chain because the splice needs a hijackable connection.
func (s *Server) Handler() http.Handler {
	creds := auth.Credentials{Key: s.cfg.APIKey, Secret: s.cfg.APISecret}

	health := api.NewHealth(api.HealthOptions{
		Instances:     s.supervisor,
		TemplateState: s.template.State,
		DevMode:       creds.DevMode(),
		Version:       s.version,
	})

	r := chi.NewRouter()
	r.Mount("/projects", api.Routes(s.projects, creds, s.logger))
	r.Mount("/health", health.Routes())
	r.Get("/metrics", health.Metrics)
	r.Get("/static/visual-edit-script.js", serveProbeScript)
	r.Handle("/p/*", s.proxy)
	r.Handle("/p/{id}", s.proxy)
	r.Get("/", s.serveWelcome)

	chain := middleware.Chain(
		middleware.RequestID(),
		middleware.Recovery(s.logger),
		middleware.Logging(s.logger, "/p/", "/health"),
		middleware.CORS(),
	)(r)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Upgrades on preview paths carry the HMR socket even without an
		// /hmr segment (legacy clients).
		if hmr.IsUpgrade(r) && (s.splicer.Matches(r.URL.Path) || strings.HasPrefix(r.URL.Path, "/p/")) {
			s.splicer.ServeHTTP(w, r)
			return
		}
		if s.splicer.Matches(r.URL.Path) {
			s.splicer.ServeHTTP(w, r)
			return
		}
		chain.ServeHTTP(w, r)
	})
}

func serveProbeScript(w http.ResponseWriter, _ *http.Request) {
	script, err := assets.ReadFile("assets/visual-edit-script.js")
	if err != nil {
		http.Error(w, "asset missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(script)
}

const welcomePage = `<!doctype html>
<html>
<head><title>Preview Orchestrator</title></head>
<body style="font-family: system-ui, sans-serif; max-width: 40rem; margin: 4rem auto;">
<h1>Preview Orchestrator</h1>
<p>This server hosts live previews of generated web projects.</p>
<p>%d instance(s) running, %d slot(s) free.</p>
<ul>
<li><code>/p/&lt;projectId&gt;/</code> &mdash; project preview</li>
<li><code>/health</code> &mdash; service health</li>
</ul>
</body>
</html>
`

func (s *Server) serveWelcome(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, welcomePage, s.supervisor.RunningCount(), s.supervisor.Available())
}

// logEvents relays supervisor lifecycle events into the process log. Child
// output goes to debug so a noisy bundler does not flood production logs.
func (s *Server) logEvents(events <-chan supervisor.Event) {
	for evt := range events {
		switch evt.Type {
		case supervisor.EventLog:
			s.logger.Debug("instance output",
				zap.String("project", evt.ProjectID),
				zap.String("stream", evt.Stream),
				zap.String("line", evt.Message),
			)
		case supervisor.EventExit:
			s.logger.Info("instance exited",
				zap.String("project", evt.ProjectID),
				zap.Int("exitCode", evt.ExitCode),
			)
		}
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully: stop
// accepting, close HMR sockets, stop every instance.
func (s *Server) Run(ctx context.Context) error {
	// Warm the template in the background; creates fall back to the slow
	// path until it is ready.
	go func() {
		if err := s.template.Initialize(context.Background()); err != nil {
			s.logger.Warn("template initialisation failed", zap.Error(err))
		}
	}()

	events, cancelEvents := s.supervisor.Subscribe()
	defer cancelEvents()
	go s.logEvents(events)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening",
			zap.Int("port", s.cfg.Port),
			zap.String("dataDir", s.cfg.DataDir),
			zap.Bool("devMode", s.cfg.DevMode()),
		)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.splicer.Close()
	if err := s.supervisor.Destroy(); err != nil {
		s.logger.Warn("instance shutdown", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
