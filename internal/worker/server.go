package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/warden/internal/config"
	"github.com/mattjoyce/warden/internal/dispatch"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/plugins"
)

// Ephemeral port probe range for dynamic binding.
const (
	dynamicPortMin = 9000
	dynamicPortMax = 65535
)

// allowedCORSHeaders is the fixed header allowlist for browser callers.
const allowedCORSHeaders = "Content-Type, Content-Length, X-Content-Length, Access-Control-Allow-Origin, User-Agent, Authorization"

// Envelope is the executeCommand response body.
type Envelope struct {
	StatusCode    int    `json:"statusCode"`
	OperationType string `json:"operationType,omitempty"`
	Result        any    `json:"result"`
}

// ErrorBody carries a raised error inside a 500 envelope.
type ErrorBody struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// Server is the worker-side HTTP surface.
type Server struct {
	cfg        config.WorkerConfig
	loader     *plugins.Loader
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	shuttingDown atomic.Bool
}

// NewServer creates the HTTP surface for one worker.
func NewServer(cfg config.WorkerConfig, loader *plugins.Loader, dispatcher *dispatch.Dispatcher) *Server {
	return &Server{
		cfg:        cfg,
		loader:     loader,
		dispatcher: dispatcher,
		logger:     log.WithComponent("worker"),
	}
}

// SetShuttingDown flips the request-rejection flag.
func (s *Server) SetShuttingDown() {
	s.shuttingDown.Store(true)
}

// Listen binds the configured address. When the configured port is taken and
// the dynamic-port policy allows it, random ephemeral ports are probed until
// one binds or the attempt budget runs out.
func (s *Server) Listen() (net.Listener, int, error) {
	host := s.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, s.cfg.Port))
	if err == nil {
		return ln, boundPort(ln), nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) || !s.cfg.DynamicPort.Enabled {
		return nil, 0, fmt.Errorf("bind %s:%d: %w", host, s.cfg.Port, err)
	}

	s.logger.Warn("configured port in use, probing dynamic ports", "port", s.cfg.Port)

	remaining := s.cfg.DynamicPort.Attempts
	for {
		port := dynamicPortMin + rand.Intn(dynamicPortMax-dynamicPortMin)
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			return ln, boundPort(ln), nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, fmt.Errorf("bind %s:%d: %w", host, port, err)
		}
		if s.cfg.DynamicPort.Attempts > 0 {
			remaining--
			if remaining <= 0 {
				return nil, 0, fmt.Errorf("no free dynamic port after %d attempts: %w", s.cfg.DynamicPort.Attempts, err)
			}
		}
	}
}

func boundPort(ln net.Listener) int {
	return ln.Addr().(*net.TCPAddr).Port
}

// Routes configures the HTTP router.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.rejectDuringShutdown)
	r.Use(s.corsMiddleware)

	prefix := "/" + strings.Trim(s.cfg.URLPrefix, "/")
	r.Route(prefix, func(r chi.Router) {
		r.Put("/executeCommand", s.handleExecuteCommand)
		r.Get("/ready", s.handleReady)
		r.Get("/getPublicMethods/{pluginName}", s.handleGetPublicMethods)
	})

	return r
}

// URL returns the externally visible base URL for the bound port.
func (s *Server) URL(port int) string {
	host := s.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d/%s", host, port, strings.Trim(s.cfg.URLPrefix, "/"))
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// rejectDuringShutdown returns 503 once graceful termination has begun.
func (s *Server) rejectDuringShutdown(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware mirrors the request origin and answers preflights.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = r.Host
		}
		if origin == "" {
			origin = "*"
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Headers", allowedCORSHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleExecuteCommand dispatches one command and writes the classified
// envelope.
func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var cmd dispatch.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.respondJSON(w, http.StatusBadRequest, Envelope{StatusCode: http.StatusBadRequest, Result: "Invalid body"})
		return
	}

	result, err := s.dispatcher.ExecuteCommand(cmd)
	if err != nil {
		var cmdErr *dispatch.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Kind == dispatch.KindBadCommand {
			s.respondJSON(w, http.StatusBadRequest, Envelope{StatusCode: http.StatusBadRequest, Result: cmdErr.Message})
			return
		}
		s.respondJSON(w, http.StatusInternalServerError, Envelope{
			StatusCode: http.StatusInternalServerError,
			Result:     ErrorBody{Message: err.Error(), Stack: string(debug.Stack())},
		})
		return
	}

	s.respondJSON(w, http.StatusOK, Envelope{
		StatusCode:    http.StatusOK,
		OperationType: result.OperationType,
		Result:        result.Result,
	})
}

// handleReady reports initialization state.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.loader.IsInitialized() || s.loader.IsRestarting() {
		s.respondJSON(w, http.StatusOK, "not-ready")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleGetPublicMethods lists a plugin's externally callable operations.
func (s *Server) handleGetPublicMethods(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "pluginName")
	if name == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "plugin name is required"})
		return
	}

	plug, ok := s.loader.Get(name)
	if !ok {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("plugin %q not found", name)})
		return
	}

	methods, err := plug.PublicMethods()
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, methods)
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
