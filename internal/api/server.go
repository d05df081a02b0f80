// Package api is the HTTP/JSON gateway: a REST mirror of the binary command
// set, plus health, stats and prometheus endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ilikepi63/iggy/internal/metrics"
	"github.com/ilikepi63/iggy/internal/streaming"
)

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the gateway defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":3000",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the HTTP gateway over the engine.
type Server struct {
	sys        *streaming.System
	httpServer *http.Server
	router     *chi.Mux
	log        *slog.Logger
	met        *metrics.Metrics
}

// NewServer builds the gateway and registers its routes.
func NewServer(sys *streaming.System, cfg ServerConfig, log *slog.Logger, met *metrics.Metrics) *Server {
	r := chi.NewRouter()
	s := &Server{
		sys:    sys,
		router: r,
		log:    log,
		met:    met,
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observeMiddleware)
	r.Use(middleware.Recoverer)

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.Get("/ping", s.handlePing)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/stats", s.handleStats)
	if s.met != nil {
		s.router.Handle("/metrics", s.met.Handler())
	}

	s.router.Route("/streams", func(r chi.Router) {
		r.Post("/", s.createStream)
		r.Get("/", s.listStreams)

		r.Route("/{streamID}", func(r chi.Router) {
			r.Get("/", s.getStream)
			r.Put("/", s.updateStream)
			r.Delete("/", s.deleteStream)

			r.Route("/topics", func(r chi.Router) {
				r.Post("/", s.createTopic)
				r.Get("/", s.listTopics)

				r.Route("/{topicID}", func(r chi.Router) {
					r.Get("/", s.getTopic)
					r.Put("/", s.updateTopic)
					r.Delete("/", s.deleteTopic)

					r.Post("/messages", s.sendMessages)
					r.Get("/messages", s.pollMessages)
					r.Get("/messages/flush/{partitionID}/{fsync}", s.flushUnsavedBuffer)

					r.Post("/partitions", s.createPartitions)
					r.Delete("/partitions", s.deletePartitions)

					r.Route("/consumer-groups", func(r chi.Router) {
						r.Post("/", s.createConsumerGroup)
						r.Get("/", s.listConsumerGroups)

						r.Route("/{groupID}", func(r chi.Router) {
							r.Get("/", s.getConsumerGroup)
							r.Delete("/", s.deleteConsumerGroup)
							r.Post("/join", s.joinConsumerGroup)
							r.Post("/leave", s.leaveConsumerGroup)
						})
					})

					r.Get("/consumer-offsets", s.getConsumerOffset)
					r.Put("/consumer-offsets", s.storeConsumerOffset)
				})
			})
		})
	})
}

// observeMiddleware logs every request and records its duration.
func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		elapsed := time.Since(start)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", elapsed.String(),
		)
		if s.met != nil {
			s.met.HTTPRequestDuration.
				WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).
				Observe(elapsed.Seconds())
		}
	})
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start begins listening in the background.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server stopping")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.sys.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"process_id":       stats.ProcessID,
		"start_time":       stats.StartTime.UTC().Format(time.RFC3339),
		"uptime":           time.Since(stats.StartTime).String(),
		"streams":          stats.StreamsCount,
		"topics":           stats.TopicsCount,
		"partitions":       stats.PartitionsCount,
		"segments":         stats.SegmentsCount,
		"consumer_groups":  stats.GroupsCount,
		"messages":         stats.MessagesCount,
		"total_size_bytes": stats.TotalSizeBytes,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps a taxonomy error to its HTTP status and a JSON body
// carrying the stable wire code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, streaming.HTTPStatus(err), map[string]any{
		"error": err.Error(),
		"code":  streaming.ErrorCode(err),
	})
}

// pathIdentifier resolves a chi URL parameter to an identifier.
func pathIdentifier(r *http.Request, name string) (streaming.Identifier, error) {
	return streaming.ParseIdentifier(chi.URLParam(r, name))
}

func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func pathUint32(r *http.Request, name string) (uint32, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return uint32(v), nil
}

func queryUint32(r *http.Request, name string) (uint32, error) {
	v, err := strconv.ParseUint(r.URL.Query().Get(name), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return uint32(v), nil
}

// queryUint32Named parses the first of the given parameter names that is
// present. An absent parameter is zero, not an error.
func queryUint32Named(r *http.Request, names ...string) (uint32, error) {
	q := r.URL.Query()
	for _, name := range names {
		if q.Get(name) != "" {
			return queryUint32(r, name)
		}
	}
	return 0, nil
}
