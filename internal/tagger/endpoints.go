package tagger

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omniflow/preview/internal/web/middleware"
	"github.com/omniflow/preview/internal/web/response"
)

// Handler serves the id-to-location query endpoints backed by the given
// source map. All three routes are CORS-open; the visual-edit probe calls
// them from the editor origin.
//
//	GET /__jsx-source-map          entire map
//	GET /__jsx-locate?id=<id>      one entry or 404
//	GET /__jsx-by-file?file=<path> all entries for a file
func Handler(m *SourceMap) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS())

	r.Get("/__jsx-source-map", func(w http.ResponseWriter, req *http.Request) {
		response.JSON(w, http.StatusOK, m.Snapshot())
	})

	r.Get("/__jsx-locate", func(w http.ResponseWriter, req *http.Request) {
		id := req.URL.Query().Get("id")
		if id == "" {
			response.Error(w, http.StatusBadRequest, "missing id parameter")
			return
		}
		entry, ok := m.Lookup(id)
		if !ok {
			response.Error(w, http.StatusNotFound, "id not found")
			return
		}
		response.JSON(w, http.StatusOK, entry)
	})

	r.Get("/__jsx-by-file", func(w http.ResponseWriter, req *http.Request) {
		file := req.URL.Query().Get("file")
		if file == "" {
			response.Error(w, http.StatusBadRequest, "missing file parameter")
			return
		}
		entries := m.ByFile(file)
		if entries == nil {
			entries = []Entry{}
		}
		response.JSON(w, http.StatusOK, entries)
	})

	return r
}
