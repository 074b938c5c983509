// Package api serves the node's HTTP admin interface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shizukutanaka/kadnode/internal/dht"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
	"github.com/shizukutanaka/kadnode/internal/lookup"
	"github.com/shizukutanaka/kadnode/internal/routing"
)

// Node is the DHT node as seen by the API.
type Node interface {
	Status() dht.Status
	Buckets() []routing.BucketInfo
	Contacts() []kademlia.Contact
	FindNode(ctx context.Context, id kademlia.KeyID) (lookup.Result, error)
	Get(ctx context.Context, key kademlia.KeyID) ([]byte, lookup.Result, error)
	Put(ctx context.Context, key kademlia.KeyID, value []byte) (int, error)
}

// Config defines API server configuration
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	// APIKey, when set, is required on every request except /health.
	APIKey string `yaml:"api_key"`
	// RateLimit is the number of requests per second allowed per client IP.
	// Zero disables limiting.
	RateLimit int `yaml:"rate_limit"`
	RateBurst int `yaml:"rate_burst"`
	// LookupTimeout bounds lookups started by a request.
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// DefaultConfig returns the API defaults. The API listens on loopback only.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		ListenAddr:    "127.0.0.1:8420",
		RateLimit:     20,
		RateBurst:     40,
		LookupTimeout: 30 * time.Second,
	}
}

// Response represents API response format
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// Server provides the HTTP API.
type Server struct {
	logger  *zap.Logger
	config  Config
	node    Node
	metrics http.Handler
	router  *mux.Router
	limiter *RateLimiter
	server  *http.Server
}

// NewServer creates a server. metrics may be nil.
func NewServer(config Config, logger *zap.Logger, node Node, metrics http.Handler) (*Server, error) {
	if !config.Enabled {
		return nil, fmt.Errorf("API server disabled")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.LookupTimeout <= 0 {
		config.LookupTimeout = DefaultConfig().LookupTimeout
	}

	s := &Server{
		logger:  logger,
		config:  config,
		node:    node,
		metrics: metrics,
	}
	if config.RateLimit > 0 {
		s.limiter = NewRateLimiter(config.RateLimit, config.RateBurst)
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		api.Use(s.limiter.Middleware)
	}
	if s.config.APIKey != "" {
		api.Use(AuthMiddleware(s.config.APIKey))
	}

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/routing/buckets", s.handleBuckets).Methods(http.MethodGet)
	api.HandleFunc("/routing/contacts", s.handleContacts).Methods(http.MethodGet)
	api.HandleFunc("/lookup/node/{id}", s.handleLookupNode).Methods(http.MethodGet)
	api.HandleFunc("/values/{key}", s.handleGetValue).Methods(http.MethodGet)
	api.HandleFunc("/values/{key}", s.handlePutValue).Methods(http.MethodPut)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.LookupTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("Starting API server", zap.String("listen_addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	}
}

// Shutdown gracefully stops the API server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.logger.Info("Shutting down API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("API request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) sendData(w http.ResponseWriter, data interface{}) {
	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: data, Time: time.Now()})
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{Success: false, Error: message, Time: time.Now()})
}
