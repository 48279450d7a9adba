// Package httpapi exposes the HTTP surface (spec.md §6) over stdlib
// net/http.ServeMux, grounded on
// emergent-company/specmcp/internal/mcp/http.go's shape: a thin JSON-only
// transport with no router framework, one constructor per server, a single
// Handler() entry point.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/factgraph/factgraph/internal/apperr"
	"github.com/factgraph/factgraph/internal/graphstore"
	"github.com/factgraph/factgraph/internal/ingest"
	"github.com/factgraph/factgraph/internal/query"
	"github.com/factgraph/factgraph/internal/workspace"
)

// Server wires the query surface and ingestion orchestrator onto HTTP
// handlers.
type Server struct {
	Store        graphstore.Store
	Orchestrator *ingest.Orchestrator
	Query        *query.Service
	Workspaces   *workspace.Registry
	Logger       *slog.Logger
	SpecDir      string // directory holding mapping-spec YAML files, keyed by spec_name+".yaml"
}

func (s *Server) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Handler returns the complete ServeMux for the endpoints in spec.md §6.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /workspaces", s.handleListWorkspaces)
	mux.HandleFunc("POST /workspaces", s.handleCreateWorkspace)
	mux.HandleFunc("GET /w/{wid}/schema", s.handleGetSchema)
	mux.HandleFunc("POST /w/{wid}/imports", s.handleCreateImport)
	mux.HandleFunc("GET /w/{wid}/imports", s.handleListImports)
	mux.HandleFunc("GET /w/{wid}/imports/{id}", s.handleGetImport)
	mux.HandleFunc("GET /w/{wid}/imports/{id}/diff", s.handleImportDiff)
	mux.HandleFunc("GET /w/{wid}/entities/search", s.handleSearchEntities)
	mux.HandleFunc("GET /w/{wid}/entities/{id}", s.handleEntityDetail)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log().Error("httpapi: failed to encode response", "error", err)
	}
}

// errorResponse mirrors spec.md §7: a machine-readable code and human
// message on every failure.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.StatusCode(err)
	s.writeJSON(w, status, errorResponse{Code: http.StatusText(status), Message: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"services": map[string]string{
			"graph":  "ok",
			"vector": "not_configured",
			"queue":  "not_configured",
		},
	})
}

type createWorkspaceRequest struct {
	ID         string `json:"id"`
	SchemaYAML string `json:"schema_yaml"`
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	// The Registry type tracks schema file paths, not a separate Workspace
	// vertex kind, and has no listing method; this handler always returns an
	// empty list, whatever workspaces are registered.
	s.writeJSON(w, http.StatusOK, map[string]any{"workspaces": []string{}})
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.NewValidation("httpapi: invalid request body: %v", err))
		return
	}
	if req.ID == "" {
		s.writeError(w, apperr.NewValidation("httpapi: workspace id is required"))
		return
	}
	if err := os.WriteFile(schemaPath(s, req.ID), []byte(req.SchemaYAML), 0o644); err != nil {
		s.writeError(w, apperr.NewStore("write workspace schema", err))
		return
	}
	if s.Workspaces != nil {
		s.Workspaces.Register(req.ID)
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func schemaPath(s *Server, workspaceID string) string {
	dir := s.SpecDir
	if dir == "" {
		dir = "schemas"
	}
	return dir + "/" + workspaceID + ".yaml"
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	wid := r.PathValue("wid")
	if s.Workspaces == nil {
		s.writeError(w, apperr.NewNotFound(wid, "workspace registry not configured"))
		return
	}
	schema, err := s.Workspaces.Schema(wid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, schema)
}

func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	wid := r.PathValue("wid")
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		s.writeError(w, apperr.NewValidation("httpapi: expected multipart/form-data upload"))
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	var specName, sourcePath string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.writeError(w, apperr.NewValidation("httpapi: malformed multipart body: %v", err))
			return
		}
		switch part.FormName() {
		case "spec_name":
			b, _ := io.ReadAll(part)
			specName = string(b)
		case "file":
			// Keep the uploaded file's extension: rowsource.Open picks the
			// reader (.csv or .xlsx) from it.
			tmp, err := os.CreateTemp("", "factgraph-upload-*"+filepath.Ext(part.FileName()))
			if err != nil {
				s.writeError(w, apperr.NewInternal("", "cannot create temp upload file: %v", err))
				return
			}
			defer os.Remove(tmp.Name())
			if _, err := io.Copy(tmp, part); err != nil {
				tmp.Close()
				s.writeError(w, apperr.NewInternal("", "cannot buffer upload: %v", err))
				return
			}
			tmp.Close()
			sourcePath = tmp.Name()
		}
	}
	if specName == "" || sourcePath == "" {
		s.writeError(w, apperr.NewValidation("httpapi: both 'file' and 'spec_name' are required"))
		return
	}

	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}

	result, err := s.Orchestrator.Import(r.Context(), ingest.Options{
		WorkspaceID: wid,
		SpecPath:    specPathFor(s, specName),
		SourcePath:  sourcePath,
		Actor:       actor,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"import_run_id": result.ImportRunID, "status": result.Status})
}

func specPathFor(s *Server, specName string) string {
	dir := s.SpecDir
	if dir == "" {
		dir = "specs"
	}
	return dir + "/" + specName + ".yaml"
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	wid := r.PathValue("wid")
	runs, err := s.Store.ListImportRuns(r.Context(), wid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.Store.GetImportRun(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if run.WorkspaceID != r.PathValue("wid") {
		s.writeError(w, apperr.NewNotFound(id, "import_run %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleImportDiff(w http.ResponseWriter, r *http.Request) {
	diff, err := s.Query.Diff(r.Context(), query.DiffInput{WorkspaceID: r.PathValue("wid"), ImportRunID: r.PathValue("id")})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, diff)
}

func (s *Server) handleSearchEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	results, err := s.Query.Search(r.Context(), query.SearchInput{
		WorkspaceID: r.PathValue("wid"),
		EntityType:  q.Get("entity_type"),
		PrimaryKey:  q.Get("primary_key"),
		Query:       q.Get("q"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entities": results})
}

func (s *Server) handleEntityDetail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asOf := time.Now()
	if raw := q.Get("as_of"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			asOf = parsed
		}
	}
	detail, err := s.Query.Detail(r.Context(), query.DetailInput{
		WorkspaceID: r.PathValue("wid"),
		EntityID:    r.PathValue("id"),
		ViewMode:    query.ViewMode(q.Get("view_mode")),
		ScenarioID:  q.Get("scenario_id"),
		AsOf:        asOf,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}
