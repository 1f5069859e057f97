package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

// StatusSource is what the diagnostics endpoints read from the federation
// core.
type StatusSource interface {
	HealthSummary() domain.HealthSummary
	StatusSummary() []domain.NamespaceStatus
}

type HTTPServerOptions struct {
	Addr          string
	EnableMetrics bool
	EnableStatus  bool
	Status        StatusSource
	Registry      prometheus.Gatherer

	// Reset, when set, exposes POST /reset?namespace=... for operators to
	// re-enable a downstream that exhausted its reconnect budget.
	Reset func(namespace string) error
}

// StartHTTPServer serves /metrics, /healthz and /status until ctx is
// cancelled. It returns immediately when both surfaces are disabled.
func StartHTTPServer(ctx context.Context, opts HTTPServerOptions, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !opts.EnableMetrics && !opts.EnableStatus {
		return nil
	}

	addr := opts.Addr
	if addr == "" {
		addr = "127.0.0.1:9090"
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	if opts.EnableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	if opts.EnableStatus {
		mux.Handle("/healthz", healthzHandler(opts.Status))
		mux.Handle("/status", statusHandler(opts.Status))
		if opts.Reset != nil {
			mux.Handle("/reset", resetHandler(opts.Reset, logger))
		}
	}

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("diagnostics server listening",
			zap.String("addr", server.Addr),
			zap.Bool("metrics", opts.EnableMetrics),
			zap.Bool("status", opts.EnableStatus),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("diagnostics server failed to start: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("diagnostics server shutdown error", zap.Error(err))
			return err
		}
		logger.Info("diagnostics server stopped")
		return nil
	}
}

// healthzHandler reports ok while at least one downstream is usable;
// a proxy with nothing to route to is not healthy.
func healthzHandler(source StatusSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		summary := domain.HealthSummary{}
		if source != nil {
			summary = source.HealthSummary()
		}

		status := http.StatusOK
		if summary.Healthy == 0 {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, summary)
	})
}

func statusHandler(source StatusSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rows []domain.NamespaceStatus
		if source != nil {
			rows = source.StatusSummary()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"downstreams": rows,
		})
	})
}

func resetHandler(reset func(namespace string) error, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "use POST"})
			return
		}
		namespace := r.URL.Query().Get("namespace")
		if namespace == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "namespace query parameter is required"})
			return
		}

		if err := reset(namespace); err != nil {
			status := http.StatusConflict
			if errors.Is(err, domain.ErrNamespaceNotFound) {
				status = http.StatusNotFound
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}

		logger.Info("downstream reset requested", zap.String("namespace", namespace))
		writeJSON(w, http.StatusOK, map[string]string{"namespace": namespace, "state": string(domain.StateConfigured)})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
