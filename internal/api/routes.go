// Package api exposes the authenticated control-plane routes used by the
// platform backend to provision and manage preview projects.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/omniflow/preview/internal/auth"
	"github.com/omniflow/preview/internal/deps"
	"github.com/omniflow/preview/internal/project"
	"github.com/omniflow/preview/internal/supervisor"
	"github.com/omniflow/preview/internal/web/response"
)

// ProjectService is the project-manager surface the API drives.
type ProjectService interface {
	Create(ctx context.Context, req project.CreateRequest) (project.CreateResult, error)
	GetStatus(id string) (project.Status, error)
	Delete(id string) error
	UpdateFiles(id string, updates []project.FileUpdate) error
	ListFiles(id string) ([]string, error)
	ReadFile(id, path string) ([]byte, error)
	StartPreview(ctx context.Context, id string) (supervisor.Instance, error)
	StopPreview(id string) error
	ReinstallDependencies(ctx context.Context, id string) (supervisor.Instance, error)
	AddDependency(ctx context.Context, id, pkg string, dev bool) (deps.Result, error)
	RemoveDependency(ctx context.Context, id, pkg string) (deps.Result, error)
	PreviewURL(id string) string
	HMRURL(id string) string
}

type handler struct {
	projects ProjectService
	logger   *zap.Logger
}

// Routes builds the /projects router behind the auth middleware.
func Routes(projects ProjectService, creds auth.Credentials, logger *zap.Logger) chi.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{projects: projects, logger: logger}

	r := chi.NewRouter()
	r.Use(AuthMiddleware(creds, logger))

	r.Post("/", h.create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.status)
		r.Delete("/", h.delete)
		r.Put("/files", h.updateFiles)
		r.Get("/files", h.listFiles)
		r.Get("/files/*", h.readFile)
		r.Post("/preview/start", h.startPreview)
		r.Post("/preview/stop", h.stopPreview)
		r.Post("/reinstall", h.reinstall)
		r.Post("/dependencies", h.addDependency)
		r.Delete("/dependencies/{package}", h.removeDependency)
	})
	return r
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var req project.CreateRequest
	if err := json.Unmarshal(RawBody(r), &req); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.ProjectID == "" || req.ProjectName == "" {
		response.Error(w, http.StatusBadRequest, "projectId and projectName are required")
		return
	}

	result, err := h.projects.Create(r.Context(), req)
	if err != nil {
		h.logger.Error("project create failed",
			zap.String("project", req.ProjectID), zap.Error(err))
		response.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.Created(w, result)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.projects.GetStatus(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	response.OK(w, status)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.projects.Delete(chi.URLParam(r, "id")); err != nil {
		response.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.OK(w, map[string]bool{"deleted": true})
}

func (h *handler) updateFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Updates []project.FileUpdate `json:"updates"`
	}
	if err := json.Unmarshal(RawBody(r), &req); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.Updates) == 0 {
		response.Error(w, http.StatusBadRequest, "updates must not be empty")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.projects.UpdateFiles(id, req.Updates); err != nil {
		h.writeProjectError(w, err)
		return
	}
	response.OK(w, map[string]int{"updated": len(req.Updates)})
}

func (h *handler) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.projects.ListFiles(chi.URLParam(r, "id"))
	if err != nil {
		h.writeProjectError(w, err)
		return
	}
	response.OK(w, map[string]interface{}{"files": files})
}

func (h *handler) readFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path := chi.URLParam(r, "*")

	content, err := h.projects.ReadFile(id, path)
	if err != nil {
		h.writeProjectError(w, err)
		return
	}
	response.OK(w, map[string]string{"path": path, "content": string(content)})
}

func (h *handler) startPreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := h.projects.StartPreview(r.Context(), id)
	if err != nil {
		h.writeProjectError(w, err)
		return
	}
	response.OK(w, map[string]interface{}{
		"port":       inst.Port,
		"previewUrl": h.projects.PreviewURL(id),
		"hmrUrl":     h.projects.HMRURL(id),
	})
}

func (h *handler) stopPreview(w http.ResponseWriter, r *http.Request) {
	if err := h.projects.StopPreview(chi.URLParam(r, "id")); err != nil {
		response.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.OK(w, map[string]bool{"stopped": true})
}

func (h *handler) reinstall(w http.ResponseWriter, r *http.Request) {
	inst, err := h.projects.ReinstallDependencies(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeProjectError(w, err)
		return
	}
	response.OK(w, map[string]int{"port": inst.Port})
}

func (h *handler) addDependency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Package string `json:"package"`
		Dev     bool   `json:"dev,omitempty"`
	}
	if err := json.Unmarshal(RawBody(r), &req); err != nil || req.Package == "" {
		response.Error(w, http.StatusBadRequest, "package is required")
		return
	}

	result, err := h.projects.AddDependency(r.Context(), chi.URLParam(r, "id"), req.Package, req.Dev)
	if err != nil {
		h.writeProjectError(w, err)
		return
	}
	if !result.Success {
		response.JSON(w, http.StatusInternalServerError,
			response.Envelope{Success: false, Error: "Failed to add dependency", Data: result})
		return
	}
	response.OK(w, result)
}

func (h *handler) removeDependency(w http.ResponseWriter, r *http.Request) {
	result, err := h.projects.RemoveDependency(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "package"))
	if err != nil {
		h.writeProjectError(w, err)
		return
	}
	if !result.Success {
		response.JSON(w, http.StatusInternalServerError,
			response.Envelope{Success: false, Error: "Failed to remove dependency", Data: result})
		return
	}
	response.OK(w, result)
}

func (h *handler) writeProjectError(w http.ResponseWriter, err error) {
	if errors.Is(err, project.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "Project not found")
		return
	}
	response.Error(w, http.StatusInternalServerError, err.Error())
}
