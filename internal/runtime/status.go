package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
)

// httpServers owns the status listener started with the bus.
type httpServers struct {
	server *http.Server
	logger loggingpkg.ServiceLogger
}

// StatusHandler serves /metrics, /api/handlers and /api/stats for the bus.
func (b *Bus) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	if b.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/api/handlers", b.serveJSON(func() any { return b.Handlers() }))
	mux.HandleFunc("/api/stats", b.serveJSON(func() any {
		return struct {
			Stats   StatsSnapshot      `json:"stats"`
			Metrics BusMetricsSnapshot `json:"metrics"`
		}{
			Stats:   b.HandlerStats(),
			Metrics: b.metrics.Snapshot(b.correlator.Pending()),
		}
	}))
	return mux
}

func (b *Bus) serveJSON(body func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := b.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := jsoncodec.Encode(w, body()); err != nil {
			b.logger.Error("Failed to encode status response", err, loggingpkg.LogFields{"path": r.URL.Path})
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}

func (b *Bus) allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	for _, allowed := range b.conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

// startHTTPServers returns nil when the status endpoint is disabled.
func (b *Bus) startHTTPServers() *httpServers {
	if !b.conf.MetricsEnabled || b.conf.MetricsPort <= 0 {
		return nil
	}
	addr := fmt.Sprintf(":%d", b.conf.MetricsPort)
	srv := &httpServers{
		server: &http.Server{
			Addr:              addr,
			Handler:           b.StatusHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: b.logger,
	}
	b.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
	go func() {
		if err := srv.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
		}
	}()
	return srv
}

func (s *httpServers) shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
