package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"ltoc/collab/internal/logging"
	"ltoc/collab/internal/metrics"
)

type HTTPOptions struct {
	// Signal serves the websocket relay on /signal.
	Signal     http.Handler
	CORSOrigin string
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

type HTTPServer struct {
	service *Service
	opts    HTTPOptions
	logger  *zap.Logger
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	return &HTTPServer{service: service, opts: opts, logger: logging.OrNop(opts.Logger)}
}

func (s *HTTPServer) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(s.observe)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(s.opts.CORSOrigin),
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	router.Get("/api/health", s.handleHealth)
	router.Head("/api/health", s.handleHealth)
	router.Get("/api/ready", s.handleReady)
	router.Head("/api/ready", s.handleReady)

	if s.opts.Signal != nil {
		router.Get("/signal", s.opts.Signal.ServeHTTP)
	}
	if s.opts.Metrics != nil {
		router.Handle("/metrics", s.opts.Metrics.Handler())
	}

	router.Route("/api/rooms", func(r chi.Router) {
		r.Get("/", s.handleListRooms)
		r.Post("/", s.handleCreateRoom)
		r.Get("/{room}", s.handleGetRoom)
	})
	router.Get("/api/search", s.handleSearch)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return router
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready, checks := s.service.Ready(ctx)
	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListRooms(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.service.ListRooms(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *HTTPServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.service.CreateRoom()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (s *HTTPServer) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetRoom(r.Context(), chi.URLParam(r, "room"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 20)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.service.Search(r.Context(), r.URL.Query().Get("q"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("http: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

// observe logs every request and records it by route pattern.
func (s *HTTPServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		writer := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		if requestID := chimiddleware.GetReqID(r.Context()); requestID != "" {
			writer.Header().Set("X-Request-ID", requestID)
		}

		next.ServeHTTP(writer, r)

		status := writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		if s.opts.Metrics != nil {
			s.opts.Metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			s.opts.Metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		}
		s.logger.Info("http request",
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
		)
	})
}

func corsOrigins(origin string) []string {
	var origins []string
	for _, part := range strings.Split(origin, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("%s must be a non-negative integer", key), nil)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}
