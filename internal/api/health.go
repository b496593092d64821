package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omniflow/preview/internal/supervisor"
	"github.com/omniflow/preview/internal/template"
	"github.com/omniflow/preview/internal/web/response"
)

// StatusSource is the supervisor surface the health routes read.
type StatusSource interface {
	List() []supervisor.Instance
	RunningCount() int
	Available() int
}

// HealthOptions wires the health router's data sources.
type HealthOptions struct {
	Instances     StatusSource
	TemplateState func() template.State
	DevMode       bool
	Version       string
}

// Health serves the unauthenticated liveness, readiness, and metrics
// endpoints. Metrics is a plain handler so the front door can mount it at
// both /health/metrics and /metrics.
type Health struct {
	opts    HealthOptions
	started time.Time
}

// NewHealth creates the health surface; uptime counts from here.
func NewHealth(opts HealthOptions) *Health {
	return &Health{opts: opts, started: time.Now()}
}

// Routes builds the /health router.
func (h *Health) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.status)
	r.Get("/live", h.live)
	r.Get("/ready", h.ready)
	r.Get("/metrics", h.Metrics)
	r.Get("/debug/instances", h.debugInstances)
	return r
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (h *Health) status(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, map[string]interface{}{
		"status":    "ok",
		"version":   h.opts.Version,
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"devMode":   h.opts.DevMode,
		"timestamp": timestamp(),
	})
}

func (h *Health) live(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, map[string]string{"status": "alive", "timestamp": timestamp()})
}

// Ready means the template can serve clones; a failed template still
// allows slow-path creates, so only "initialising" blocks readiness.
func (h *Health) ready(w http.ResponseWriter, _ *http.Request) {
	state := h.opts.TemplateState()
	if state == template.StateInitializing {
		response.Error(w, http.StatusServiceUnavailable, "template initialising")
		return
	}
	response.OK(w, map[string]interface{}{
		"status":    "ready",
		"template":  state,
		"timestamp": timestamp(),
	})
}

// Metrics reports instance status counts, per-instance snapshots, uptime,
// and process memory.
func (h *Health) Metrics(w http.ResponseWriter, _ *http.Request) {
	instances := h.opts.Instances.List()
	if instances == nil {
		instances = []supervisor.Instance{}
	}
	counts := map[string]int{
		"running":  0,
		"starting": 0,
		"error":    0,
		"total":    len(instances),
	}
	for _, inst := range instances {
		switch inst.Status {
		case supervisor.StatusRunning:
			counts["running"]++
		case supervisor.StatusStarting:
			counts["starting"]++
		default:
			counts["error"]++
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	response.OK(w, map[string]interface{}{
		"vite":      counts,
		"instances": instances,
		"uptime":    int(time.Since(h.started).Seconds()),
		"memory": map[string]interface{}{
			"heapAllocBytes": mem.HeapAlloc,
			"heapSysBytes":   mem.HeapSys,
			"goroutines":     runtime.NumGoroutine(),
		},
		"timestamp": timestamp(),
	})
}

func (h *Health) debugInstances(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, map[string]interface{}{"instances": h.opts.Instances.List()})
}
