// Package emulator serves a small local imitation of a Supabase backend: an
// execute-sql edge function, the execute_sql and exec_sql RPC procedures and
// plain PostgREST table reads and inserts, all backed by SQLite. It exists so
// the fallback chain can be exercised end to end without a real project.
package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markb/sbexec/internal/auth"
	"github.com/markb/sbexec/internal/log"
	"github.com/markb/sbexec/internal/transport"
)

// Server is the emulated backend.
type Server struct {
	store  *Store
	keys   *auth.Keys
	router *chi.Mux
	logger *slog.Logger

	functionName string
	procedures   map[string]procedure

	mu       sync.RWMutex
	disabled map[transport.ChannelID]bool
	delays   map[transport.ChannelID]time.Duration

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for request logs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEdgeFunction renames the SQL edge function.
func WithEdgeFunction(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.functionName = name
		}
	}
}

// procedure is an exec procedure and the channel that calls it.
type procedure struct {
	param   string
	channel transport.ChannelID
}

// WithProcedure replaces the procedure served for an RPC channel. An empty
// name removes it, as on a backend that never defined it.
func WithProcedure(id transport.ChannelID, p transport.Procedure) Option {
	return func(s *Server) {
		for name, proc := range s.procedures {
			if proc.channel == id {
				delete(s.procedures, name)
			}
		}
		if p.Name != "" {
			s.procedures[p.Name] = procedure{param: p.Param, channel: id}
		}
	}
}

// WithDisabled makes the server refuse the given channels from the start.
func WithDisabled(ids ...transport.ChannelID) Option {
	return func(s *Server) {
		for _, id := range ids {
			s.disabled[id] = true
		}
	}
}

// New creates a server over store. Requests must carry an API key signed by
// keys.
func New(store *Store, keys *auth.Keys, opts ...Option) *Server {
	s := &Server{
		store:        store,
		keys:         keys,
		router:       chi.NewRouter(),
		logger:       log.Logger(),
		functionName: transport.DefaultEdgeFunction,
		procedures: map[string]procedure{
			transport.DefaultProcedureA: {param: transport.DefaultParamA, channel: transport.RPCVariantA},
			transport.DefaultProcedureB: {param: transport.DefaultParamB, channel: transport.RPCVariantB},
		},
		disabled: map[transport.ChannelID]bool{},
		delays:   map[transport.ChannelID]time.Duration{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS", "HEAD"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(log.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.SetHeader("Content-Type", "application/json"))

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/functions/v1", func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)
		r.Post("/{name}", s.handleFunction)
	})

	s.router.Route("/rest/v1", func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)
		r.Post("/rpc/{name}", s.handleRPC)
		r.Get("/{table}", s.handleSelect)
		r.Head("/{table}", s.handleSelect)
		r.Post("/{table}", s.handleInsert)
	})
}

// ServeHTTP makes the server usable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Disable makes the server refuse channel id until Enable is called.
//
// edge-function answers 503 from the function endpoint, rpc-variant-a and
// rpc-variant-b hide their procedure (which also breaks direct-rest when it
// shares the procedure), and direct-rest rejects RPC calls made without the
// schema profile headers the PostgREST client always sends.
func (s *Server) Disable(id transport.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[id] = true
}

// Enable undoes Disable.
func (s *Server) Enable(id transport.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.disabled, id)
}

// SetDelay makes every request for channel id wait d before it is handled.
func (s *Server) SetDelay(id transport.ChannelID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		delete(s.delays, id)
		return
	}
	s.delays[id] = d
}

// gate applies the disabled flag and delay configured for id. It returns
// false when the request was cancelled while waiting.
func (s *Server) gate(ctx context.Context, id transport.ChannelID) (disabled, ok bool) {
	s.mu.RLock()
	disabled = s.disabled[id]
	delay := s.delays[id]
	s.mu.RUnlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return disabled, false
		}
	}
	return disabled, true
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()
	s.logger.Info("emulator listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	<-errCh
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// apiKeyMiddleware validates the apikey header (or bearer token) and stores
// the key's role on the request context.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("apikey")
		if key == "" {
			key, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		role, err := s.keys.Validate(key)
		if err != nil {
			s.logger.Debug("rejected api key", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "PGRST301", "Invalid API key", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithRole(r.Context(), role)))
	})
}

// requireServiceRole rejects callers whose key is not service_role.
func requireServiceRole(w http.ResponseWriter, r *http.Request) bool {
	if role, _ := auth.RoleFrom(r.Context()); role != auth.RoleServiceRole {
		writeError(w, http.StatusForbidden, "42501", "permission denied: SQL execution requires the service_role key", "")
		return false
	}
	return true
}

// writeError writes a PostgREST-compatible error response.
func writeError(w http.ResponseWriter, status int, code, message, hint string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"message": message,
		"details": nil,
		"hint":    nullable(hint),
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
