// Package api provides HTTP handlers for the see-spot server.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/see-spot/server/internal/service"
	"github.com/see-spot/server/internal/session"
	"github.com/see-spot/server/internal/spots"
	"github.com/see-spot/server/internal/viewer"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Spots          *service.Spots
	Sessions       *session.Manager
	Datasets       []string
	DefaultDataset string
	CORSOrigins    []string
	ViewerBaseURL  string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global endpoints (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg))
	r.Get("/api/store/health", storeHealthHandler(cfg.Spots))
	r.Post("/api/viewer-link", viewerLinkHandler(cfg.ViewerBaseURL))

	// Session endpoints
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", sessionCreateHandler(cfg.Sessions, cfg.DefaultDataset))
		r.Get("/", sessionListHandler(cfg.Sessions))
		r.Get("/{session_id}", sessionGetHandler(cfg.Sessions))
		r.Put("/{session_id}/dataset", sessionDatasetHandler(cfg.Sessions, cfg.Datasets))
	})

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Datasets))

		r.Route("/api", func(r chi.Router) {
			r.Get("/spots", spotsHandler(cfg.Spots))
			r.Get("/flow", flowHandler(cfg.Spots))
		})
	})

	return r
}

// datasetMiddleware rejects dataset names outside the configured list. An
// empty list accepts any name (the store lookup still 404s unknown ones).
func datasetMiddleware(datasets []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(datasets))
	for _, ds := range datasets {
		allowed[ds] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ds := chi.URLParam(r, "dataset")
			if ds == "" || (len(allowed) > 0 && !allowed[ds]) {
				http.Error(w, "dataset not found: "+ds, http.StatusNotFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// errorStatus maps pipeline errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, spots.ErrManifestNotFound),
		errors.Is(err, spots.ErrNoObjects),
		errors.Is(err, spots.ErrInputFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, spots.ErrManifestParse),
		errors.Is(err, spots.ErrDownloadFailed),
		errors.Is(err, spots.ErrDeserialize):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"default":  cfg.DefaultDataset,
			"datasets": cfg.Datasets,
		})
	}
}

func storeHealthHandler(svc *service.Spots) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.StoreHealth(r.Context())
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"reachable": false,
				"error":     err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"reachable":   true,
			"sample_keys": n,
		})
	}
}

func spotsHandler(svc *service.Spots) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds := chi.URLParam(r, "dataset")
		q := service.SpotsQuery{
			SampleSize:   queryInt(r, "sample_size"),
			ForceRefresh: queryBool(r, "force_refresh"),
			ValidOnly:    queryBool(r, "valid_only"),
			Seed:         int64(queryInt(r, "seed")),
		}

		data, err := svc.SpotsJSON(r.Context(), ds, q)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func flowHandler(svc *service.Spots) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds := chi.URLParam(r, "dataset")
		flow, err := svc.Flow(r.Context(), ds, queryBool(r, "force_refresh"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, flow)
	}
}

func viewerLinkHandler(baseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req viewer.LinkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		url, err := viewer.BuildURL(&req, baseURL)
		if err != nil {
			status := http.StatusBadRequest
			if !errors.Is(err, viewer.ErrBadChannelPath) && req.Validate() == nil {
				status = http.StatusInternalServerError
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

// Session handlers

type sessionCreateRequest struct {
	Username string `json:"username"`
	Dataset  string `json:"dataset"`
}

func sessionCreateHandler(mgr *session.Manager, defaultDataset string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mgr == nil {
			http.Error(w, "sessions not configured", http.StatusNotImplemented)
			return
		}
		var req sessionCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.Username = strings.TrimSpace(req.Username)
		if req.Username == "" {
			http.Error(w, "username is required", http.StatusBadRequest)
			return
		}
		if req.Dataset == "" {
			req.Dataset = defaultDataset
		}

		s, err := mgr.Create(req.Username, req.Dataset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, s)
	}
}

func sessionGetHandler(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mgr == nil {
			http.Error(w, "sessions not configured", http.StatusNotImplemented)
			return
		}
		s, err := mgr.Get(chi.URLParam(r, "session_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if s == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func sessionListHandler(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mgr == nil {
			http.Error(w, "sessions not configured", http.StatusNotImplemented)
			return
		}
		sessions, err := mgr.List()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": sessions,
			"total":    len(sessions),
		})
	}
}

type sessionDatasetRequest struct {
	Dataset string `json:"dataset"`
}

func sessionDatasetHandler(mgr *session.Manager, datasets []string) http.HandlerFunc {
	allowed := make(map[string]bool, len(datasets))
	for _, ds := range datasets {
		allowed[ds] = true
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if mgr == nil {
			http.Error(w, "sessions not configured", http.StatusNotImplemented)
			return
		}
		var req sessionDatasetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Dataset == "" {
			http.Error(w, "dataset is required", http.StatusBadRequest)
			return
		}
		if len(allowed) > 0 && !allowed[req.Dataset] {
			http.Error(w, "dataset not found: "+req.Dataset, http.StatusNotFound)
			return
		}

		id := chi.URLParam(r, "session_id")
		ok, err := mgr.SetDataset(id, req.Dataset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": id,
			"dataset":    req.Dataset,
			"updated_at": time.Now().UTC(),
		})
	}
}

// Query helpers

func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(name)))
	if err != nil {
		return 0
	}
	return v
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(name)))
	if err != nil {
		return false
	}
	return v
}
