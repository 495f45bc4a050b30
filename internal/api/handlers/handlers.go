// Package handlers exposes a repository directory as a remote repository
// over HTTP, with a queryable artifact index.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/adapters/index"
	"github.com/foundry/depot/internal/util/hashing"
)

// Handler holds the HTTP handlers and their dependencies.
type Handler struct {
	repoDir string
	idx     *index.SQLiteIndex
	tokens  map[string]bool
	logger  zerolog.Logger
}

// New creates a Handler serving repoDir. Tokens authorize deployments;
// reads are unauthenticated.
func New(repoDir string, idx *index.SQLiteIndex, tokens []string, logger zerolog.Logger) *Handler {
	m := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		m[t] = true
	}
	return &Handler{repoDir: repoDir, idx: idx, tokens: m, logger: logger}
}

// Router returns the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.loggingMiddleware)

	r.Method(http.MethodGet, "/repo/*", http.HandlerFunc(h.ServeArtifact))
	r.Method(http.MethodHead, "/repo/*", http.HandlerFunc(h.ServeArtifact))
	r.With(h.authMiddleware).Method(http.MethodPut, "/repo/*", http.HandlerFunc(h.PutArtifact))

	r.Get("/api/v1/artifacts", h.SearchArtifacts)
	r.Get("/api/v1/artifacts/{group}/{artifact}", h.ListVersions)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// loggingMiddleware logs each request.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Int64("size", rw.written).
			Dur("latency", time.Since(start)).
			Msg("request")
	})
}

// authMiddleware validates the bearer token.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization header")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if !h.tokens[token] {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeArtifact handles GET/HEAD /repo/*
func (h *Handler) ServeArtifact(w http.ResponseWriter, r *http.Request) {
	rel, ok := h.repoPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	file := filepath.Join(h.repoDir, filepath.FromSlash(rel))
	fi, err := os.Stat(file)
	if err != nil || !fi.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	http.ServeFile(w, r, file)
}

// PutArtifact handles PUT /repo/*
func (h *Handler) PutArtifact(w http.ResponseWriter, r *http.Request) {
	rel, ok := h.repoPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	file := filepath.Join(h.repoDir, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		h.logger.Error().Err(err).Str("path", rel).Msg("creating deploy directory")
		writeError(w, http.StatusInternalServerError, "storing artifact")
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(file), filepath.Base(file)+".*.tmp")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storing artifact")
		return
	}
	tmpPath := tmp.Name()
	size, err := io.Copy(tmp, r.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpPath, file)
	}
	if err != nil {
		os.Remove(tmpPath)
		h.logger.Error().Err(err).Str("path", rel).Msg("writing deployed file")
		writeError(w, http.StatusInternalServerError, "storing artifact")
		return
	}

	h.record(rel, file, size)
	w.WriteHeader(http.StatusCreated)
}

// record indexes a deployed artifact file; checksum sidecars and files
// outside the coordinate layout are skipped.
func (h *Handler) record(rel, file string, size int64) {
	if h.idx == nil || strings.HasSuffix(rel, ".sha256") {
		return
	}
	parts := strings.Split(rel, "/")
	if len(parts) < 4 {
		return
	}
	version := parts[len(parts)-2]
	artifactID := parts[len(parts)-3]
	groupID := strings.Join(parts[:len(parts)-3], ".")

	sum, err := hashing.FileSHA256(file)
	if err != nil {
		h.logger.Error().Err(err).Str("path", rel).Msg("hashing deployed file")
		return
	}
	if err := h.idx.Record(groupID, artifactID, version, rel, size, sum); err != nil {
		h.logger.Error().Err(err).Str("path", rel).Msg("indexing deployed file")
	}
}

// SearchArtifacts handles GET /api/v1/artifacts?q=
func (h *Handler) SearchArtifacts(w http.ResponseWriter, r *http.Request) {
	entries, err := h.idx.Search(r.URL.Query().Get("q"))
	if err != nil {
		h.logger.Error().Err(err).Msg("searching index")
		writeError(w, http.StatusInternalServerError, "searching index")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListVersions handles GET /api/v1/artifacts/{group}/{artifact}
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.idx.Versions(chi.URLParam(r, "group"), chi.URLParam(r, "artifact"))
	if err != nil {
		h.logger.Error().Err(err).Msg("listing versions")
		writeError(w, http.StatusInternalServerError, "listing versions")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// repoPath extracts and sanitizes the repository-relative path.
func (h *Handler) repoPath(r *http.Request) (string, bool) {
	rel := strings.TrimPrefix(r.URL.Path, "/repo/")
	rel = path.Clean("/" + rel)[1:]
	if rel == "" || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return rel, true
}

type responseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(p)
	rw.written += int64(n)
	return n, err
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
