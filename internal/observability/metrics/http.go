package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle on the
// default collector.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest records one finished request.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the default collector in Prometheus text exposition format.
func Handler() http.Handler {
	return defaultCollector.Handler()
}

// Handler exposes this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	if handler == nil {
		handler = Handler()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
