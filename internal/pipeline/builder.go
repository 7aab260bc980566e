package pipeline

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/relaymesh/relay/config"
	"github.com/relaymesh/relay/internal/metrics"
)

// Provider contributes transforms and flag overrides to a route's pipeline
// during the build pass. Providers run in registration order; an error
// aborts the whole build for that route.
type Provider interface {
	Apply(cx *BuilderContext) error
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(cx *BuilderContext) error

// Apply implements Provider.
func (f ProviderFunc) Apply(cx *BuilderContext) error { return f(cx) }

// Builder assembles per-route pipelines from an ordered provider list.
type Builder struct {
	services  *Services
	providers []Provider
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// BuilderConfig holds Builder construction parameters.
type BuilderConfig struct {
	Services  *Services
	Providers []Provider
	Logger    *zap.Logger
	Metrics   *metrics.Collector
}

// NewBuilder creates a pipeline builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	b := &Builder{
		services:  cfg.Services,
		providers: append([]Provider(nil), cfg.Providers...),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// Build runs every provider over a fresh context, resolves flag defaults,
// and freezes the result. A provider failure aborts the build; no partial
// pipeline is ever returned.
func (b *Builder) Build(route *config.RouteConfig, cluster *config.ClusterConfig) (*Pipeline, error) {
	cx := &BuilderContext{
		Services: b.services,
		Route:    route,
		Cluster:  cluster,
	}

	for i, p := range b.providers {
		if err := p.Apply(cx); err != nil {
			b.metrics.RecordPipelineBuild(route.ID, err)
			return nil, fmt.Errorf("pipeline: route %q: provider %d: %w", route.ID, i, err)
		}
	}

	useDefaultForwarders := cx.UseDefaultForwarders.Resolve(true)
	requestTransforms := append([]RequestTransform(nil), cx.RequestTransforms...)
	if useDefaultForwarders {
		// Defaults run after provider transforms so providers can inspect
		// or pre-empt the values first.
		requestTransforms = append(requestTransforms, ForwardedTransforms()...)
	}

	p := &Pipeline{
		requestTransforms:    requestTransforms,
		responseTransforms:   append([]ResponseTransform(nil), cx.ResponseTransforms...),
		trailerTransforms:    append([]TrailerTransform(nil), cx.TrailerTransforms...),
		copyRequestHeaders:   cx.CopyRequestHeaders.Resolve(true),
		copyResponseHeaders:  cx.CopyResponseHeaders.Resolve(true),
		copyResponseTrailers: cx.CopyResponseTrailers.Resolve(true),
		useDefaultForwarders: useDefaultForwarders,
	}

	b.metrics.RecordPipelineBuild(route.ID, nil)
	b.logger.Debug("pipeline built",
		zap.String("route", route.ID),
		zap.Int("request_transforms", len(p.requestTransforms)),
		zap.Int("response_transforms", len(p.responseTransforms)),
		zap.Int("trailer_transforms", len(p.trailerTransforms)),
	)

	return p, nil
}

// Pipeline is the frozen result of one route build: three ordered transform
// lists plus the resolved header-copy flags, consumed per request by the
// forwarding loop.
type Pipeline struct {
	requestTransforms    []RequestTransform
	responseTransforms   []ResponseTransform
	trailerTransforms    []TrailerTransform
	copyRequestHeaders   bool
	copyResponseHeaders  bool
	copyResponseTrailers bool
	useDefaultForwarders bool
}

// TransformRequest runs the request transforms in order.
func (p *Pipeline) TransformRequest(cx *RequestContext) error {
	for _, t := range p.requestTransforms {
		if err := t(cx); err != nil {
			return err
		}
	}
	return nil
}

// TransformResponse runs the response transforms in order.
func (p *Pipeline) TransformResponse(cx *ResponseContext) error {
	for _, t := range p.responseTransforms {
		if err := t(cx); err != nil {
			return err
		}
	}
	return nil
}

// TransformTrailers runs the trailer transforms in order.
func (p *Pipeline) TransformTrailers(cx *TrailerContext) error {
	for _, t := range p.trailerTransforms {
		if err := t(cx); err != nil {
			return err
		}
	}
	return nil
}

// CopyRequestHeaders reports whether inbound headers are copied onto the
// outbound request before transforms run.
func (p *Pipeline) CopyRequestHeaders() bool { return p.copyRequestHeaders }

// CopyResponseHeaders reports whether upstream headers are copied to the
// client response.
func (p *Pipeline) CopyResponseHeaders() bool { return p.copyResponseHeaders }

// CopyResponseTrailers reports whether upstream trailers are copied to the
// client response.
func (p *Pipeline) CopyResponseTrailers() bool { return p.copyResponseTrailers }

// UsesDefaultForwarders reports whether the standard forwarding transforms
// were appended.
func (p *Pipeline) UsesDefaultForwarders() bool { return p.useDefaultForwarders }

// RequestTransformCount returns the number of request transforms.
func (p *Pipeline) RequestTransformCount() int { return len(p.requestTransforms) }
