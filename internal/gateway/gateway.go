// Package gateway assembles the data plane into runnable servers: the main
// proxy listener with its middleware chain, and the optional admin listener
// serving metrics and health.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaymesh/relay/config"
	"github.com/relaymesh/relay/internal/logging"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/middleware"
	"github.com/relaymesh/relay/internal/outbound"
	"github.com/relaymesh/relay/internal/pipeline"
	"github.com/relaymesh/relay/internal/runtime"
	"github.com/relaymesh/relay/internal/tracing"
)

// Gateway owns the runtime and the HTTP servers in front of it.
type Gateway struct {
	cfg      *config.Config
	runtime  *runtime.Runtime
	registry *prometheus.Registry
	tracer   *tracing.Tracer

	server      *http.Server
	adminServer *http.Server
}

// New builds a gateway from config and applies the initial snapshot.
func New(cfg *config.Config, tracer *tracing.Tracer) (*Gateway, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	factory := outbound.NewFactory(outbound.FactoryConfig{
		Logger:  logging.Global(),
		Metrics: collector,
	})

	builder := pipeline.NewBuilder(pipeline.BuilderConfig{
		Services:  pipeline.NewServices(nil),
		Providers: []pipeline.Provider{pipeline.NewConfigProvider()},
		Logger:    logging.Global(),
		Metrics:   collector,
	})

	rt := runtime.New(runtime.Config{
		Factory:       factory,
		Builder:       builder,
		Metrics:       collector,
		Logger:        logging.Global(),
		FlushInterval: cfg.Server.FlushInterval,
	})

	if err := rt.Apply(cfg); err != nil {
		return nil, fmt.Errorf("gateway: initial config apply: %w", err)
	}

	g := &Gateway{
		cfg:      cfg,
		runtime:  rt,
		registry: registry,
		tracer:   tracer,
	}

	g.server = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           g.handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	if cfg.Admin.Enabled {
		g.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      g.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return g, nil
}

// Runtime returns the live runtime, for config reloads.
func (g *Gateway) Runtime() *runtime.Runtime {
	return g.runtime
}

// Reload applies a new config to the running data plane.
func (g *Gateway) Reload(cfg *config.Config) error {
	return g.runtime.Apply(cfg)
}

// handler assembles the inbound middleware chain around the runtime.
func (g *Gateway) handler() http.Handler {
	middlewares := []middleware.Middleware{
		middleware.RequestID(),
		middleware.Recovery(),
	}
	if g.tracer != nil && g.tracer.IsEnabled() {
		middlewares = append(middlewares, g.tracer.Middleware())
	}
	middlewares = append(middlewares, middleware.AccessLog())

	return middleware.NewChain(middlewares...).Then(g.runtime)
}

// adminHandler serves metrics and health on the admin listener.
func (g *Gateway) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n")) //nolint:errcheck
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if g.runtime.Snapshot() == nil {
			http.Error(w, "no configuration loaded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n")) //nolint:errcheck
	})
	return mux
}

// Start launches the servers. It returns once both listeners are accepting
// or either fails to start.
func (g *Gateway) Start() error {
	errCh := make(chan error, 2)

	go func() {
		logging.Info("Starting proxy server", zap.String("address", g.server.Addr))
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy server error: %w", err)
		}
	}()

	if g.adminServer != nil {
		go func() {
			logging.Info("Starting admin server", zap.String("address", g.adminServer.Addr))
			if err := g.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin server error: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		// Give listeners a moment to bind.
	}

	return nil
}

// Shutdown drains the servers and retires the outbound clients.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if g.adminServer != nil {
		if err := g.adminServer.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}

	if err := g.server.Shutdown(ctx); err != nil {
		logging.Error("Proxy server shutdown error", zap.Error(err))
		g.runtime.Close()
		return err
	}

	g.runtime.Close()
	logging.Info("Server shutdown complete")
	return nil
}
