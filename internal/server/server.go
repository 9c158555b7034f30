package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ziadkadry99/turnkeeper/internal/blackboard"
	"github.com/ziadkadry99/turnkeeper/internal/changestream"
	"github.com/ziadkadry99/turnkeeper/internal/db"
	"github.com/ziadkadry99/turnkeeper/internal/kv"
)

// Config holds server configuration.
type Config struct {
	Port     int
	AllowAll bool // allow all CORS origins (dev mode)
}

// RouteRegistrar mounts additional routes, such as the websocket gateway.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Server is the HTTP and WebSocket front of turnkeeper.
type Server struct {
	cfg        Config
	db         *db.DB
	store      kv.Store
	boards     *blackboard.Store
	publisher  *changestream.Publisher
	log        *zap.Logger
	router     chi.Router
	httpServer *http.Server
}

// New creates a server. Every registrar gets the root router.
func New(cfg Config, database *db.DB, store kv.Store, boards *blackboard.Store, publisher *changestream.Publisher, log *zap.Logger, registrars ...RouteRegistrar) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		db:        database,
		store:     store,
		boards:    boards,
		publisher: publisher,
		log:       log,
	}
	s.router = s.buildRouter(registrars)
	return s
}

// buildRouter creates and configures the chi router with all routes.
func (s *Server) buildRouter(registrars []RouteRegistrar) chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// CORS
	corsOpts := cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.cfg.AllowAll {
		corsOpts.AllowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(corsOpts))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/sessions/{sessionID}", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/state", s.handleState)
		r.Get("/blackboard", s.handleBlackboard)
	})

	for _, reg := range registrars {
		reg.RegisterRoutes(r)
	}

	return r
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if err := s.db.PingContext(r.Context()); err != nil {
		status["status"] = "unavailable"
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil && code == http.StatusOK {
			status["status"] = "degraded"
			status["store"] = err.Error()
		}
	}
	writeJSON(w, code, status)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "sessionID")
	st, ok, err := s.publisher.Latest(r.Context(), session)
	if err != nil {
		s.log.Error("reading latest state", zap.String("session", session), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read state")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no state for session %s", session))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleBlackboard(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "sessionID")
	b, err := s.boards.Get(r.Context(), session)
	if err != nil {
		s.log.Error("reading blackboard", zap.String("session", session), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read blackboard")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start begins listening on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.log.Info("turnkeeper server listening", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
