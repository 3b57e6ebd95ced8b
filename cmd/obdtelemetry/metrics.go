package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/logging"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/metrics"
)

const metricsShutdownTimeout = 5 * time.Second

// listenMetrics binds the standalone Prometheus listener.
//
// Binding happens before any goroutine starts so that an address conflict
// is reported as a startup error.
func listenMetrics(addr string, m *metrics.Metrics) (*http.Server, net.Listener, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("binding metrics listener %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv, ln, nil
}

// serveMetrics serves srv on ln until ctx is cancelled.
func serveMetrics(ctx context.Context, srv *http.Server, ln net.Listener, log *logging.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info("metrics listener started", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics listener shutdown", "error", err)
	}
	return nil
}
