package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/arcflow/apexgate/internal/config"
)

// Server runs one http.Server per configured listener, plus an optional
// admin server, and coordinates graceful shutdown across all of them.
type Server struct {
	gateway   *Gateway
	config    *config.Config
	listeners []*http.Server
	admin     *http.Server

	mu sync.Mutex
}

// NewServer builds a gateway and an http.Server per listener in cfg.
func NewServer(cfg *config.Config) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{gateway: gw, config: cfg}

	handler := gw.Handler()
	for _, l := range cfg.Listeners {
		srv := &http.Server{
			Addr:              l.Address,
			Handler:           handler,
			ReadTimeout:       l.ReadTimeout,
			WriteTimeout:      l.WriteTimeout,
			IdleTimeout:       l.IdleTimeout,
			ReadHeaderTimeout: l.ReadHeaderTimeout,
			MaxHeaderBytes:    l.MaxHeaderBytes,
		}
		s.listeners = append(s.listeners, srv)
	}

	if cfg.Admin.Enabled {
		s.admin = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Start launches every listener and the admin server, if any, each in its
// own goroutine, and returns once they have had a moment to bind.
func (s *Server) Start() error {
	errCh := make(chan error, len(s.listeners)+1)

	for _, srv := range s.listeners {
		srv := srv
		go func() {
			log.Printf("gateway: listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("listener %s: %w", srv.Addr, err)
			}
		}()
	}

	if s.admin != nil {
		go func() {
			log.Printf("gateway: admin API listening on %s", s.admin.Addr)
			if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

// Run starts the server and blocks until SIGINT/SIGTERM, then shuts down
// gracefully within the configured drain timeout.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("gateway: shutting down")

	drain := s.config.Shutdown.DrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}
	return s.Shutdown(drain)
}

// Shutdown drains every listener and the admin server within timeout, then
// closes the gateway's background goroutines.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range s.listeners {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				log.Printf("gateway: listener %s shutdown error: %v", srv.Addr, err)
			}
		}(srv)
	}
	if s.admin != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.admin.Shutdown(ctx); err != nil {
				log.Printf("gateway: admin server shutdown error: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := s.gateway.Close(); err != nil {
		log.Printf("gateway: close error: %v", err)
		return err
	}

	log.Println("gateway: shutdown complete")
	return nil
}

// Gateway returns the underlying gateway.
func (s *Server) Gateway() *Gateway { return s.gateway }

// adminHandler builds the admin API: health, readiness, route table,
// backend health, and circuit breaker status, plus API key management
// when key auth is configured.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/backends", s.handleBackends)
	mux.HandleFunc("/circuit-breakers", s.handleCircuitBreakers)

	if s.gateway.GetAPIKeyAuth() != nil {
		mux.HandleFunc("/admin/keys", s.handleAdminKeys)
	}

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	stats := s.gateway.GetStats()
	w.Header().Set("Content-Type", "application/json")

	if stats.HealthyRoutes > 0 || stats.Routes == 0 {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ready", "routes": stats.Routes, "healthy_routes": stats.HealthyRoutes,
		})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "not_ready", "routes": stats.Routes, "healthy_routes": stats.HealthyRoutes,
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	routes := s.gateway.GetRouter().GetRoutes()

	type routeInfo struct {
		ID         string   `json:"id"`
		Path       string   `json:"path"`
		PathPrefix bool     `json:"path_prefix"`
		Backends   int      `json:"backends"`
		Methods    []string `json:"methods,omitempty"`
	}

	result := make([]routeInfo, 0, len(routes))
	for _, route := range routes {
		info := routeInfo{
			ID:         route.ID,
			Path:       route.Path,
			PathPrefix: route.PathPrefix,
			Backends:   len(route.Backends),
		}
		for method := range route.Methods {
			info.Methods = append(info.Methods, method)
		}
		result = append(result, info)
	}

	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	results := s.gateway.GetHealthChecker().GetAllStatus()

	type backendStatus struct {
		URL       string `json:"url"`
		Status    string `json:"status"`
		Latency   string `json:"latency,omitempty"`
		LastCheck string `json:"last_check,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	backends := make([]backendStatus, 0, len(results))
	for _, result := range results {
		bs := backendStatus{
			URL:       result.URL,
			Status:    string(result.Status),
			Latency:   result.Latency.String(),
			LastCheck: result.Timestamp.Format(time.RFC3339),
		}
		if result.Error != nil {
			bs.Error = result.Error.Error()
		}
		backends = append(backends, bs)
	}

	json.NewEncoder(w).Encode(backends)
}

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.gateway.GetCircuitBreakers().Snapshots())
}

func (s *Server) handleAdminKeys(w http.ResponseWriter, r *http.Request) {
	s.gateway.GetAPIKeyAuth().HandleAdminKeys(w, r)
}
