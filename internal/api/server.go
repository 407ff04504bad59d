// Package api exposes the HTTP interface for the bookmark service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mangamark/mangamark/internal/bookmarks"
	"github.com/mangamark/mangamark/internal/dispatcher"
	"github.com/mangamark/mangamark/internal/identity"
	"github.com/mangamark/mangamark/internal/metrics"
	"github.com/mangamark/mangamark/internal/scrape"
)

// TokenValidator exchanges an API token for a user id.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (int64, error)
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router     chi.Router
	store      bookmarks.Store
	taskStore  bookmarks.TaskStore
	dispatcher *dispatcher.Dispatcher
	resolver   *scrape.Resolver
	thumbs     bookmarks.ThumbnailStore
	tokens     TokenValidator
	idGen      bookmarks.IDGenerator
	clock      bookmarks.Clock
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store bookmarks.Store,
	taskStore bookmarks.TaskStore,
	dispatcher *dispatcher.Dispatcher,
	resolver *scrape.Resolver,
	thumbs bookmarks.ThumbnailStore,
	tokens TokenValidator,
	idGen bookmarks.IDGenerator,
	clock bookmarks.Clock,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      store,
		taskStore:  taskStore,
		dispatcher: dispatcher,
		resolver:   resolver,
		thumbs:     thumbs,
		tokens:     tokens,
		idGen:      idGen,
		clock:      clock,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/supported-sites", s.listSupportedSites)
		r.Route("/bookmarks", func(r chi.Router) {
			r.Post("/", s.submitBookmark)
			r.Get("/", s.listBookmarks)
			r.Route("/{bookmark_id}", func(r chi.Router) {
				r.Get("/", s.getBookmark)
				r.Delete("/", s.deleteBookmark)
				r.Post("/refresh", s.refreshBookmark)
			})
		})
		r.Get("/tasks/{task_id}", s.getTask)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListActiveSites(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URL string `json:"url"`
}

// submitBookmark accepts a URL and either returns the bookmark that already
// holds its canonical form, or queues a scrape task for it.
func (s *Server) submitBookmark(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	scraper, err := s.resolver.Resolve(req.URL)
	if errors.Is(err, scrape.ErrUnsupportedSite) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "unsupported site",
			"supported_domains": s.resolver.Domains(),
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	canonical := scraper.Canonicalize(req.URL)
	if existing, found, err := s.store.FindBookmarkByURL(r.Context(), userID, canonical); err == nil && found {
		writeJSON(w, http.StatusOK, map[string]any{"bookmark": s.present(existing)})
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	taskID, err := s.enqueueTask(r.Context(), userID, req.URL, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) listBookmarks(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	list, err := s.store.ListBookmarks(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	out := make([]bookmarks.Bookmark, 0, len(list))
	for _, b := range list {
		out = append(out, s.present(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookmarks": out})
}

func (s *Server) getBookmark(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	b, err := s.store.GetBookmark(r.Context(), chi.URLParam(r, "bookmark_id"), userID)
	if errors.Is(err, bookmarks.ErrBookmarkNotFound) {
		writeError(w, http.StatusNotFound, "bookmark not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookmark": s.present(b)})
}

func (s *Server) deleteBookmark(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	b, err := s.store.DeleteBookmark(r.Context(), chi.URLParam(r, "bookmark_id"), userID)
	if errors.Is(err, bookmarks.ErrBookmarkNotFound) {
		writeError(w, http.StatusNotFound, "bookmark not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if b.ThumbnailPath != "" {
		if err := s.thumbs.Delete(r.Context(), b.ThumbnailPath); err != nil {
			s.logger.Warn("could not delete thumbnail",
				zap.String("path", b.ThumbnailPath), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// refreshBookmark queues a re-scrape of an existing bookmark using its stored
// URL.
func (s *Server) refreshBookmark(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	bookmarkID := chi.URLParam(r, "bookmark_id")

	b, err := s.store.GetBookmark(r.Context(), bookmarkID, userID)
	if errors.Is(err, bookmarks.ErrBookmarkNotFound) {
		writeError(w, http.StatusNotFound, "bookmark not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	taskID, err := s.enqueueTask(r.Context(), userID, b.URL, bookmarkID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	task, err := s.taskStore.GetTask(r.Context(), chi.URLParam(r, "task_id"))
	if errors.Is(err, bookmarks.ErrTaskNotFound) || (err == nil && task.UserID != userID) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) listSupportedSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.ListActiveSites(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domains": s.resolver.Domains(),
		"sites":   sites,
	})
}

func (s *Server) enqueueTask(ctx context.Context, userID int64, url, bookmarkID string) (string, error) {
	taskID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	now := s.clock.Now()
	if err := s.taskStore.CreateTask(ctx, bookmarks.Task{
		ID:        taskID,
		UserID:    userID,
		Status:    bookmarks.TaskStatusQueued,
		Submitted: now,
	}); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := bookmarks.TaskItem{
		TaskID:     taskID,
		UserID:     userID,
		URL:        url,
		BookmarkID: bookmarkID,
		Submitted:  now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return taskID, nil
}

// present resolves the stored thumbnail path to a client-facing URL.
func (s *Server) present(b bookmarks.Bookmark) bookmarks.Bookmark {
	if b.ThumbnailPath != "" {
		b.ThumbnailPath = s.thumbs.URL(b.ThumbnailPath)
	}
	return b
}

type contextKey struct{ name string }

var (
	requestIDKey = contextKey{"request_id"}
	userIDKey    = contextKey{"user_id"}
)

func userIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

// authMiddleware validates the "Authorization: Token <t>" header and stores
// the resolved user id on the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Token ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		userID, err := s.tokens.Validate(r.Context(), token)
		if errors.Is(err, identity.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if err != nil {
			s.logger.Error("token validation failed", zap.Error(err))
			writeError(w, http.StatusBadGateway, "identity service unavailable")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
