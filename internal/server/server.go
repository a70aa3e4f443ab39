// Package server exposes the HTTP surface: streamed schema generation,
// the project manifest CRUD, renderer bundle info, and static bundle
// files.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/user/schemaforge/internal/bundle"
	"github.com/user/schemaforge/internal/contract"
	"github.com/user/schemaforge/internal/relay"
	"github.com/user/schemaforge/internal/state"
)

// Server routes HTTP requests to the relay, resolvers, and project store.
type Server struct {
	relay    *relay.Relay
	projects *state.ProjectStore
	versions *contract.VersionResolver
	bundles  *bundle.Resolver
	sem      *semaphore.Weighted
	mux      *http.ServeMux
}

// NewServer creates a Server with the given collaborators. maxConcurrent
// caps simultaneous generation streams.
func NewServer(rl *relay.Relay, projects *state.ProjectStore, versions *contract.VersionResolver, bundles *bundle.Resolver, bundleDir string, maxConcurrent int64) *Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	s := &Server{
		relay:    rl,
		projects: projects,
		versions: versions,
		bundles:  bundles,
		sem:      semaphore.NewWeighted(maxConcurrent),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/generate", s.handleGenerate)
	s.mux.HandleFunc("GET /api/projects", s.handleListProjects)
	s.mux.HandleFunc("POST /api/projects", s.handleSaveProject)
	s.mux.HandleFunc("GET /api/projects/", s.handleGetProject)
	s.mux.HandleFunc("DELETE /api/projects/", s.handleDeleteProject)
	s.mux.HandleFunc("GET /api/renderer", s.handleRenderer)
	s.mux.Handle("GET /bundles/", http.StripPrefix("/bundles/", http.FileServer(http.Dir(bundleDir))))
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req relay.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
		return
	}

	if !s.sem.TryAcquire(1) {
		http.Error(w, `{"error":"too many concurrent generations"}`, http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	sess, err := s.relay.Run(r.Context(), w, req)
	if err != nil {
		// Nothing has been written yet on these paths.
		switch {
		case errors.Is(err, relay.ErrEmptyPrompt):
			http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
		case errors.Is(err, contract.ErrContextUnavailable):
			slog.Error("generation rejected, no contract document", "error", err)
			http.Error(w, `{"error":"generation context unavailable"}`, http.StatusServiceUnavailable)
		default:
			slog.Error("generation failed", "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		}
		return
	}

	slog.Info("generation stream finished",
		"session_id", sess.ID,
		"terminal", string(sess.Terminal),
		"bytes", sess.BytesForwarded,
	)
}

// saveProjectRequest is the JSON body for POST /api/projects.
type saveProjectRequest struct {
	Name   string          `json:"name"`
	Prompt string          `json:"prompt"`
	Schema json.RawMessage `json:"schema"`
}

func (s *Server) handleSaveProject(w http.ResponseWriter, r *http.Request) {
	var req saveProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if len(req.Schema) == 0 || !json.Valid(req.Schema) {
		http.Error(w, `{"error":"schema must be a JSON document"}`, http.StatusBadRequest)
		return
	}

	project, err := s.projects.Save(req.Name, req.Prompt, req.Schema)
	if err != nil {
		slog.Error("save project failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.projects.List()
	if err != nil {
		slog.Error("list projects failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	if hash == "" {
		http.Error(w, `{"error":"project hash required"}`, http.StatusBadRequest)
		return
	}

	project, err := s.projects.Get(hash)
	if err != nil {
		http.Error(w, `{"error":"project not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	if hash == "" {
		http.Error(w, `{"error":"project hash required"}`, http.StatusBadRequest)
		return
	}

	if err := s.projects.Remove(hash); err != nil {
		http.Error(w, `{"error":"project not found"}`, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// rendererResponse reports the resolved renderer version and whether its
// bundle pair is materialized locally.
type rendererResponse struct {
	Version    string `json:"version"`
	Present    bool   `json:"present"`
	ScriptPath string `json:"script_path,omitempty"`
	StylePath  string `json:"style_path,omitempty"`
}

func (s *Server) handleRenderer(w http.ResponseWriter, r *http.Request) {
	version := s.versions.Version(r.Context())
	resp := rendererResponse{Version: version}
	if s.bundles.Present(version) {
		pair := s.bundles.Paths(version)
		resp.Present = true
		resp.ScriptPath = pair.ScriptPath
		resp.StylePath = pair.StylePath
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
