package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/cyclenlu/internal/config"
	"github.com/antoniostano/cyclenlu/internal/observability"
	"github.com/antoniostano/cyclenlu/internal/pipeline"
	"github.com/antoniostano/cyclenlu/internal/reliability"
)

const maxBodyBytes = 1 << 20

// Processor runs one message through the NLU pipeline.
type Processor interface {
	ProcessInput(ctx context.Context, userID, message string) (pipeline.Response, error)
}

// RuntimeInfo is reported on the health endpoints.
type RuntimeInfo struct {
	StoreMode      string
	ClassifierMode string
	CachedContexts func() int
}

type Server struct {
	cfg       config.Config
	processor Processor
	metrics   *observability.Metrics
	logger    *slog.Logger
	info      RuntimeInfo
	validate  *validator.Validate
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, processor Processor, metrics *observability.Metrics, logger *slog.Logger, info RuntimeInfo) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		processor: processor,
		metrics:   metrics,
		logger:    logger.With("component", "httpapi"),
		info:      info,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleLegacyHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/api/nlu", func(r chi.Router) {
		r.Post("/process", s.handleProcess)
		r.Get("/ws", s.handleWS)
	})

	return r
}

func (s *Server) handleLegacyHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "UP", "service": "NLU"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.statusBody("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.processor == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "pipeline not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.statusBody("ready"))
}

func (s *Server) statusBody(status string) map[string]any {
	body := map[string]any{
		"status":          status,
		"store_mode":      s.info.StoreMode,
		"classifier_mode": s.info.ClassifierMode,
	}
	if s.info.CachedContexts != nil {
		body["cached_contexts"] = s.info.CachedContexts()
	}
	return body
}

type processRequest struct {
	UserID  string `json:"userId" validate:"required"`
	Message string `json:"message" validate:"required"`
}

type processError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req processRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondJSON(w, http.StatusBadRequest, processError{Error: "Invalid request body", Message: err.Error()})
		return
	}
	// Only missing or empty values are rejected; ids are used verbatim.
	if err := s.validate.Struct(req); err != nil {
		respondJSON(w, http.StatusBadRequest, processError{Error: "Missing required fields"})
		return
	}

	res, err := s.processor.ProcessInput(r.Context(), req.UserID, req.Message)
	if err != nil {
		status := http.StatusInternalServerError
		if reliability.IsTransient(err) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("process request failed",
			"user_id", req.UserID,
			"status", status,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		respondJSON(w, status, processError{Error: "Failed to process input", Message: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(started),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
