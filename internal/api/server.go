// Package api provides the HTTP surface of the video service.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/vod-pipeline/internal/auth"
	"github.com/amillerrr/vod-pipeline/internal/config"
	"github.com/amillerrr/vod-pipeline/internal/health"
	"github.com/amillerrr/vod-pipeline/internal/storage"
)

// Server configuration constants
const (
	ReadHeaderTimeout = 10 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer  *http.Server
	cfg         *config.Config
	log         *slog.Logger
	rateLimiter *auth.RateLimiter
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Videos        VideoService
	Catalog       storage.Catalog
	Streamer      Streamer
	JWTService    *auth.JWTService
	RateLimiter   *auth.RateLimiter
	HealthChecker *health.Checker
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.JWTService == nil {
		return nil, errors.New("api: JWT service is required")
	}

	// Uploads are encoded before the response is written, so the write
	// deadline has to cover a full encode.
	writeTimeout := cfg.Config.Media.EncodeTimeout + 5*time.Minute

	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.API.Port,
		Handler:           NewRouter(cfg),
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer:  httpServer,
		cfg:         cfg.Config,
		log:         cfg.Logger,
		rateLimiter: cfg.RateLimiter,
	}, nil
}

// NewRouter builds the route table wrapped in the server middleware.
func NewRouter(cfg *ServerConfig) http.Handler {
	h := NewHandlers(&HandlersConfig{
		Config:   cfg.Config,
		Logger:   cfg.Logger,
		Videos:   cfg.Videos,
		Catalog:  cfg.Catalog,
		Streamer: cfg.Streamer,
	})
	authed := cfg.JWTService.Middleware(cfg.RateLimiter)

	r := mux.NewRouter()
	r.Use(metricsMiddleware, loggingMiddleware(cfg.Logger))

	// Operational endpoints
	if cfg.HealthChecker != nil {
		r.HandleFunc("/health", cfg.HealthChecker.Handler()).Methods(http.MethodGet)
		r.HandleFunc("/health/deep", cfg.HealthChecker.DeepHandler()).Methods(http.MethodGet)
	}
	r.Handle("/metrics", internalOnlyMiddleware(promhttp.Handler())).Methods(http.MethodGet)

	// Fixed paths are registered before /video/{id} so they are not taken as ids.
	r.HandleFunc("/video", h.ListVideosHandler).Methods(http.MethodGet)
	r.HandleFunc("/video/upload", authed(h.UploadHandler)).Methods(http.MethodPost)
	r.HandleFunc("/video/status/{id}", h.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/video/watch/{key}", h.WatchHandler).Methods(http.MethodGet)
	r.HandleFunc("/video/my-videos", authed(h.MyVideosHandler)).Methods(http.MethodGet)
	r.HandleFunc("/video/{id}/view", authed(h.ViewHandler)).Methods(http.MethodPost)
	r.HandleFunc("/video/{id}/update", authed(h.UpdateHandler)).Methods(http.MethodPost)
	r.HandleFunc("/video/{id}", h.GetVideoHandler).Methods(http.MethodGet)
	r.HandleFunc("/video/{id}", authed(h.DeleteHandler)).Methods(http.MethodDelete)

	// Thumbnails and other published artifacts
	static := cfg.Config.API.StaticPrefix + "/"
	r.PathPrefix(static).Handler(http.StripPrefix(static, staticFiles(cfg.Config.Media.VideosRoot)))

	return CORSMiddleware(cfg.Config.CORS.AllowedOrigins)(r)
}

// staticFiles serves files under root without directory listings.
func staticFiles(root string) http.Handler {
	fs := http.FileServer(http.Dir(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// Private networks for internal-only middleware
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Requests relayed by the load balancer carry X-Forwarded-For.
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// isInternalRequest checks if the request is from an internal network.
func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
