// Package runtime owns the live data plane state. Apply turns a config into
// a new immutable snapshot of clusters and routes, publishes it atomically,
// and retires replaced outbound clients. A cluster or route that fails to
// build keeps its previous working state; the rest of the snapshot still
// goes live.
package runtime

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/relay/config"
	relayerrors "github.com/relaymesh/relay/internal/errors"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/middleware"
	"github.com/relaymesh/relay/internal/outbound"
	"github.com/relaymesh/relay/internal/pipeline"
	"github.com/relaymesh/relay/internal/proxy"
	"github.com/relaymesh/relay/internal/router"
)

// clusterState is one cluster's live state inside a snapshot.
type clusterState struct {
	config       config.ClusterConfig
	options      outbound.ClientOptions
	client       *outbound.ManagedClient
	destinations []*url.URL
	breaker      *proxy.Breaker
}

// routeState is one route's live state inside a snapshot.
type routeState struct {
	config   config.RouteConfig
	pipeline *pipeline.Pipeline
	handler  http.Handler
}

// Snapshot is one immutable generation of the data plane.
type Snapshot struct {
	clusters map[string]*clusterState
	routes   map[string]*routeState
	router   *router.Router
}

// Runtime builds and publishes snapshots.
type Runtime struct {
	factory       *outbound.Factory
	builder       *pipeline.Builder
	metrics       *metrics.Collector
	logger        *zap.Logger
	flushInterval time.Duration

	current atomic.Pointer[Snapshot]

	// applyMu serializes Apply; request dispatch never takes it.
	applyMu sync.Mutex
}

// Config holds Runtime construction parameters.
type Config struct {
	Factory *outbound.Factory
	Builder *pipeline.Builder
	Metrics *metrics.Collector
	Logger  *zap.Logger
	// FlushInterval is handed to every forwarder for streaming bodies.
	FlushInterval time.Duration
}

// New creates a runtime with no published snapshot. Requests are rejected
// with 503 until the first successful Apply.
func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		factory:       cfg.Factory,
		builder:       cfg.Builder,
		metrics:       cfg.Metrics,
		logger:        logger,
		flushInterval: cfg.FlushInterval,
	}
}

// Apply builds a snapshot from cfg and publishes it. Cluster clients are
// reused when their options are unchanged; otherwise the old client is
// retired after the new snapshot is visible, so in-flight requests drain on
// the old connection pool while new requests use the new one.
//
// A build failure in one cluster or route retains that entry's previous
// state and is reported in the aggregated error; the snapshot is still
// published with everything that did build.
func (rt *Runtime) Apply(cfg *config.Config) error {
	rt.applyMu.Lock()
	defer rt.applyMu.Unlock()

	prev := rt.current.Load()

	clusters, retired, errs := rt.buildClusters(cfg, prev)
	routeStates, routeErrs := rt.buildRoutes(cfg, prev, clusters)
	errs = append(errs, routeErrs...)

	rtr := router.New()
	for _, rs := range routeStates {
		if err := rtr.AddRoute(&router.Route{
			ID:         rs.config.ID,
			Path:       rs.config.Path,
			PathPrefix: rs.config.PathPrefix,
			Methods:    methodSet(rs.config.Methods),
			Handler:    rs.handler,
		}); err != nil {
			errs = append(errs, err)
		}
	}

	rt.current.Store(&Snapshot{
		clusters: clusters,
		routes:   routeStates,
		router:   rtr,
	})

	// Retire only after the new snapshot is visible.
	for _, c := range retired {
		c.Close()
	}

	rt.logger.Info("configuration applied",
		zap.Int("clusters", len(clusters)),
		zap.Int("routes", len(routeStates)),
		zap.Int("retired_clients", len(retired)),
		zap.Int("errors", len(errs)),
	)

	return errors.Join(errs...)
}

// buildClusters builds every cluster concurrently. Returns the new cluster
// map, the clients to retire once the snapshot is published, and the
// per-cluster build errors.
func (rt *Runtime) buildClusters(cfg *config.Config, prev *Snapshot) (map[string]*clusterState, []*outbound.ManagedClient, []error) {
	var (
		mu       sync.Mutex
		clusters = make(map[string]*clusterState, len(cfg.Clusters))
		errs     []error
	)

	var g errgroup.Group
	for id, clusterCfg := range cfg.Clusters {
		g.Go(func() error {
			state, err := rt.buildCluster(id, clusterCfg, prev)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				if prevState := prevCluster(prev, id); prevState != nil {
					clusters[id] = prevState
					rt.logger.Warn("cluster build failed, keeping previous client",
						zap.String("cluster", id),
						zap.Error(err),
					)
				}
				return nil
			}
			clusters[id] = state
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers report through errs

	// Clients replaced or dropped in this generation get retired.
	var retired []*outbound.ManagedClient
	if prev != nil {
		for id, old := range prev.clusters {
			cur, ok := clusters[id]
			if !ok || cur.client != old.client {
				retired = append(retired, old.client)
			}
		}
	}

	return clusters, retired, errs
}

func (rt *Runtime) buildCluster(id string, clusterCfg config.ClusterConfig, prev *Snapshot) (*clusterState, error) {
	opts, err := buildClientOptions(id, clusterCfg.HTTPClient)
	if err != nil {
		return nil, err
	}

	cx := outbound.ClientContext{
		ClusterID:  id,
		NewOptions: opts,
	}
	if prevState := prevCluster(prev, id); prevState != nil {
		cx.OldClient = prevState.client
		cx.OldOptions = &prevState.options
	}

	client, err := rt.factory.CreateClient(cx)
	if err != nil {
		return nil, err
	}

	destinations := make([]*url.URL, 0, len(clusterCfg.Destinations))
	for _, d := range clusterCfg.Destinations {
		u, err := url.Parse(d.Address)
		if err != nil {
			if client != cx.OldClient {
				client.Close()
			}
			return nil, fmt.Errorf("cluster %q: destination %q: %w", id, d.Address, err)
		}
		destinations = append(destinations, u)
	}

	return &clusterState{
		config:       clusterCfg,
		options:      opts,
		client:       client,
		destinations: destinations,
		breaker:      proxy.NewBreaker(id, clusterCfg.CircuitBreaker),
	}, nil
}

// buildRoutes builds every route's pipeline and forwarder against the new
// cluster map.
func (rt *Runtime) buildRoutes(cfg *config.Config, prev *Snapshot, clusters map[string]*clusterState) (map[string]*routeState, []error) {
	routes := make(map[string]*routeState, len(cfg.Routes))
	var errs []error

	for i := range cfg.Routes {
		routeCfg := cfg.Routes[i]
		state, err := rt.buildRoute(&routeCfg, clusters)
		if err != nil {
			errs = append(errs, err)
			if prevState := prevRoute(prev, routeCfg.ID); prevState != nil {
				routes[routeCfg.ID] = prevState
				rt.logger.Warn("route build failed, keeping previous pipeline",
					zap.String("route", routeCfg.ID),
					zap.Error(err),
				)
			}
			continue
		}
		routes[routeCfg.ID] = state
	}

	return routes, errs
}

func (rt *Runtime) buildRoute(routeCfg *config.RouteConfig, clusters map[string]*clusterState) (*routeState, error) {
	cluster, ok := clusters[routeCfg.ClusterID]
	if !ok {
		return nil, fmt.Errorf("route %q: unknown cluster %q", routeCfg.ID, routeCfg.ClusterID)
	}

	clusterCfg := cluster.config
	p, err := rt.builder.Build(routeCfg, &clusterCfg)
	if err != nil {
		return nil, err
	}

	var handler http.Handler = proxy.NewForwarder(proxy.ForwarderConfig{
		RouteID:       routeCfg.ID,
		ClusterID:     routeCfg.ClusterID,
		Client:        cluster.client,
		Pipeline:      p,
		Destinations:  cluster.destinations,
		Retry:         proxy.NewRetryPolicy(routeCfg.Retry),
		Breaker:       cluster.breaker,
		Timeout:       routeCfg.Timeout,
		FlushInterval: rt.flushInterval,
		Metrics:       rt.metrics,
		Logger:        rt.logger,
	})

	if routeCfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(routeCfg.RateLimit.RPS, routeCfg.RateLimit.Burst)
		handler = limiter.Middleware()(handler)
	}

	return &routeState{
		config:   *routeCfg,
		pipeline: p,
		handler:  handler,
	}, nil
}

// ServeHTTP dispatches a request against the current snapshot.
func (rt *Runtime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := rt.current.Load()
	if snap == nil {
		relayerrors.ErrServiceUnavailable.WithDetails("no configuration loaded").WriteJSON(w)
		return
	}
	snap.router.ServeHTTP(w, r)
}

// Snapshot returns the current snapshot, nil before the first Apply.
func (rt *Runtime) Snapshot() *Snapshot {
	return rt.current.Load()
}

// Close retires every client in the current snapshot.
func (rt *Runtime) Close() {
	rt.applyMu.Lock()
	defer rt.applyMu.Unlock()

	snap := rt.current.Swap(nil)
	if snap == nil {
		return
	}
	for _, c := range snap.clusters {
		c.client.Close()
	}
}

// Cluster returns the live state for one cluster, nil when absent.
func (s *Snapshot) Cluster(id string) *ClusterInfo {
	cs, ok := s.clusters[id]
	if !ok {
		return nil
	}
	return &ClusterInfo{
		ID:           id,
		Client:       cs.client,
		Destinations: cs.destinations,
	}
}

// Pipeline returns the built pipeline for one route, nil when absent.
func (s *Snapshot) Pipeline(routeID string) *pipeline.Pipeline {
	rs, ok := s.routes[routeID]
	if !ok {
		return nil
	}
	return rs.pipeline
}

// ClusterIDs returns the cluster names in the snapshot.
func (s *Snapshot) ClusterIDs() []string {
	out := make([]string, 0, len(s.clusters))
	for id := range s.clusters {
		out = append(out, id)
	}
	return out
}

// RouteIDs returns the route names in the snapshot.
func (s *Snapshot) RouteIDs() []string {
	out := make([]string, 0, len(s.routes))
	for id := range s.routes {
		out = append(out, id)
	}
	return out
}

// ClusterInfo is the externally visible view of a cluster's state.
type ClusterInfo struct {
	ID           string
	Client       *outbound.ManagedClient
	Destinations []*url.URL
}

func prevCluster(prev *Snapshot, id string) *clusterState {
	if prev == nil {
		return nil
	}
	return prev.clusters[id]
}

func prevRoute(prev *Snapshot, id string) *routeState {
	if prev == nil {
		return nil
	}
	return prev.routes[id]
}

func methodSet(methods []string) map[string]bool {
	if len(methods) == 0 {
		return nil
	}
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = true
	}
	return set
}
