// Package http exposes the ledger as a JSON API.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"splitledger/internal/log"
	"splitledger/internal/services"
)

// Options configures optional server behaviour.
type Options struct {
	// ReadyCheck reports whether the backing store is reachable (default: always ready).
	ReadyCheck func(ctx context.Context) error
	// WritesPerMinute limits mutating requests per client IP (default: 60, negative disables).
	WritesPerMinute int
	Logger          *log.Logger
}

type Server struct {
	http.Server
	expenses    *services.ExpenseService
	conversions *services.ConversionService
	ready       func(ctx context.Context) error
	limiter     *rateLimiter
	logger      *log.Logger

	shutdownOnce sync.Once
}

// NewServer configures routes, returning a ready-to-run http.Server.
func NewServer(addr string, expenses *services.ExpenseService, conversions *services.ConversionService, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
		},
		expenses:    expenses,
		conversions: conversions,
		ready:       opts.ReadyCheck,
		logger:      logger.WithComponent(log.ComponentHTTP),
	}
	if opts.WritesPerMinute >= 0 {
		s.limiter = newRateLimiter(opts.WritesPerMinute)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(log.Middleware(logger, requestID, extractClientIP))
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.limitWrites)

		r.Route("/expenses", func(r chi.Router) {
			r.Get("/", s.handleListExpenses)
			r.Post("/", s.handleCreateExpense)
			r.Get("/{id}", s.handleGetExpense)
			r.Put("/{id}", s.handleEditExpense)
			r.Delete("/{id}", s.handleDeleteExpense)
		})
		r.Route("/conversions", func(r chi.Router) {
			r.Post("/", s.handleCreateConversion)
			r.Get("/{id}", s.handleGetConversion)
			r.Put("/{id}", s.handleEditConversion)
		})
		r.Get("/users/{id}/balances", s.handleBalances)
		r.Post("/scopes/recalculate", s.handleRecalculate)
	})

	s.Handler = r
	return s
}

// Shutdown gracefully shuts down the server and the rate limiter cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.limiter != nil {
			s.limiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Readiness check failed", log.FieldError, err.Error())
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestID(r *http.Request) string {
	return chimiddleware.GetReqID(r.Context())
}
