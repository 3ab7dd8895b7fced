// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP surface around the relay and the
// persistence store.
//
// Endpoints:
//   - POST   /api/chat                      - relay to the upstream model API
//   - POST   /api/uploads                   - normalize a multipart file batch
//   - GET    /api/conversations             - all conversations keyed by id
//   - POST   /api/conversations             - save one conversation
//   - DELETE /api/conversations/{id}        - delete a conversation
//   - GET    /api/system-config             - global directives and cache context
//   - POST   /api/system-config             - update global configuration
//   - GET    /api/conversations/{id}/cache  - per-conversation pinned context
//   - POST   /api/conversations/{id}/cache  - update pinned context
//   - GET    /health                        - health check with datastore status
//
// Everything outside /api and /health serves static assets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/jeranaias/chatrelay/internal/message"
	"github.com/jeranaias/chatrelay/internal/normalize"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/session"
	"github.com/jeranaias/chatrelay/internal/store"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultPort is the default listen port.
	DefaultPort = 3000

	// MaxControlBodySize caps the persistence endpoints' request bodies.
	// The chat endpoint has its own, much larger ceiling.
	MaxControlBodySize = 10 << 20 // 10MB

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second
)

// =============================================================================
// SERVER
// =============================================================================

// Config holds the server wiring.
type Config struct {
	Host      string
	Port      int
	StaticDir string

	// MaxFileBytes caps one uploaded file; MaxUploadBytes caps a whole
	// batch. Zero means unlimited.
	MaxFileBytes   int64
	MaxUploadBytes int64

	Store *store.Store
	Relay *relay.Handler
}

// Server is the HTTP front end.
type Server struct {
	cfg        Config
	httpServer *http.Server
}

// New creates the server and its route table.
func New(cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.Handle("POST /api/chat", cfg.Relay)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations", s.handleSaveConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /api/conversations/{id}/cache", s.handleGetCache)
	mux.HandleFunc("POST /api/conversations/{id}/cache", s.handleSaveCache)
	mux.HandleFunc("POST /api/uploads", s.handleUploads)
	mux.HandleFunc("GET /api/system-config", s.handleGetSystemConfig)
	mux.HandleFunc("POST /api/system-config", s.handleSaveSystemConfig)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/api/", s.handleNotFound)
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	} else {
		mux.HandleFunc("/", s.handleNotFound)
	}

	handler := Chain(mux,
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(),
		RateLimitMiddleware(NewRateLimiter(DefaultRequestsPerSecond, DefaultBurst)),
	)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler chain, mainly so tests can mount
// the server without binding a port.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start blocks serving HTTP until Shutdown or a listener failure.
func (s *Server) Start() error {
	log.Printf("[server] listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("[server] shutting down")
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// CONVERSATION HANDLERS
// =============================================================================

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	byID, order, err := s.cfg.Store.Conversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversations")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Conversations map[string][]message.Message `json:"conversations"`
		Order         []string                     `json:"order"`
	}{byID, order})
}

func (s *Server) handleSaveConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       string            `json:"id"`
		Messages []message.Message `json:"messages"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ID == "" {
		writeError(w, http.StatusBadRequest, "conversation id is required")
		return
	}
	if err := s.cfg.Store.SaveConversation(r.Context(), body.ID, body.Messages); err != nil {
		if errors.Is(err, store.ErrStaleConversation) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to save conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Store.DeleteConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// =============================================================================
// UPLOAD HANDLER
// =============================================================================

// UploadResponse carries the normalized batch plus per-file failures.
type UploadResponse struct {
	Files  []*message.NormalizedFile `json:"files"`
	Errors []string                  `json:"errors,omitempty"`
}

// handleUploads normalizes a multipart batch. Set the pdf_to_text form
// field to "true" to extract PDF text instead of attaching native bytes.
// Failures are scoped to their file; the batch continues.
func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxUploadBytes > 0 {
		// Slack for multipart framing on top of the payload ceiling.
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+(1<<20))
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds the %d byte limit", s.cfg.MaxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var files []normalize.File
	for _, fh := range r.MultipartForm.File["files"] {
		part, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable file part: "+fh.Filename)
			return
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable file part: "+fh.Filename)
			return
		}
		files = append(files, normalize.File{
			Name:     fh.Filename,
			MIMEType: fh.Header.Get("Content-Type"),
			Data:     data,
		})
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return
	}

	normalized, errs := session.ProcessUploads(files, r.FormValue("pdf_to_text") == "true", session.UploadLimits{
		MaxFileBytes:   s.cfg.MaxFileBytes,
		MaxUploadBytes: s.cfg.MaxUploadBytes,
	})

	resp := UploadResponse{Files: normalized}
	for _, err := range errs {
		resp.Errors = append(resp.Errors, err.Error())
	}
	if resp.Files == nil {
		resp.Files = []*message.NormalizedFile{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// CACHE AND CONFIG HANDLERS
// =============================================================================

func (s *Server) handleGetCache(w http.ResponseWriter, r *http.Request) {
	cache, err := s.cfg.Store.ConversationCache(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation cache")
		return
	}
	writeJSON(w, http.StatusOK, cache)
}

func (s *Server) handleSaveCache(w http.ResponseWriter, r *http.Request) {
	var cache store.ConversationCache
	if !decodeBody(w, r, &cache) {
		return
	}
	if err := s.cfg.Store.SaveConversationCache(r.Context(), r.PathValue("id"), cache); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save conversation cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetSystemConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.cfg.Store.SystemConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load system config")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSaveSystemConfig(w http.ResponseWriter, r *http.Request) {
	var cfg store.SystemConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := s.cfg.Store.SaveSystemConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save system config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// =============================================================================
// HEALTH
// =============================================================================

// HealthResponse reports server and datastore status.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.cfg.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Database: "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Database: "connected"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxControlBodySize)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg},
	})
}
