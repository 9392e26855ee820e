package server

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tagstream/pkg/command"
	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/export"
	"github.com/nicktill/tagstream/pkg/httpx"
	"github.com/nicktill/tagstream/pkg/ingest"
	"github.com/nicktill/tagstream/pkg/query"
	"github.com/nicktill/tagstream/pkg/server/monitor"
	"github.com/nicktill/tagstream/pkg/storage"
)

// Version is reported by /v1/health. Overridden at build time with -ldflags.
var Version = "dev"

var startTime = time.Now()

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string                       `json:"status"`
	Version   string                       `json:"version"`
	Uptime    string                       `json:"uptime"`
	Jobs      map[string]monitor.JobStatus `json:"jobs"`
	Storage   *monitor.StorageUsage        `json:"storage,omitempty"`
	Stats     *storage.Stats               `json:"stats,omitempty"`
	Clients   int                          `json:"websocket_clients"`
	Transport string                       `json:"transport"`
}

// handleHealth reports 503 while any scheduled job is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !s.jobs.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:    status,
		Version:   Version,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Jobs:      s.jobs.Status(),
		Clients:   s.hub.Clients(),
		Transport: "disabled",
	}
	if s.transport != nil {
		resp.Transport = "mqtt"
	}

	if s.storageMonitor != nil {
		usage, err := s.storageMonitor.Usage()
		if err != nil {
			s.logger.Warn("storage usage unavailable", "error", err)
		} else {
			resp.Storage = &usage
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn("storage stats unavailable", "error", err)
	} else {
		resp.Stats = stats
	}

	httpx.RespondJSON(w, code, resp)
}

// Handler builds the HTTP API.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.logger), middleware.Recoverer)

	query.NewHandler(s.query).Routes(router)

	// Full paths on the root router so a method mismatch is a 405
	router.HandleFunc("/v1/ingest", ingest.NewHandler(s.pipeline).HandleIngest).Methods(http.MethodPost)
	router.HandleFunc("/v1/devices/{ref}/command", command.NewHandler(s.dispatcher).HandleCommand).Methods(http.MethodPost)
	router.HandleFunc("/v1/export", export.NewHandler(s.query, s.logger.With("component", "export")).HandleExport).Methods(http.MethodGet)
	router.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v1/ws", s.hub.ServeWS).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Outside the router so preflight requests never hit method matching
	return corsMiddleware(s.cfg.HTTP.Port)(router)
}

// requestLogger logs one line per request at debug level, tagged with the
// chi request id.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"took", time.Since(start).Round(time.Microsecond),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

// corsMiddleware allows browser dashboards served from localhost.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := []string{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if slices.Contains(allowedOrigins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
