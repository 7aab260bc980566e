package pipeline

import (
	"net/http"
	"strings"

	"github.com/relaymesh/relay/config"
)

// ConfigProvider translates a route's YAML transform block into transforms
// and flag overrides. It is the first registered provider, so
// config-declared transforms always precede any programmatic ones.
type ConfigProvider struct{}

// NewConfigProvider creates the config-driven transform provider.
func NewConfigProvider() *ConfigProvider {
	return &ConfigProvider{}
}

// Apply implements Provider.
func (cp *ConfigProvider) Apply(cx *BuilderContext) error {
	t := cx.Route.Transform

	if t.CopyRequestHeaders != nil {
		cx.CopyRequestHeaders = TriStateOf(*t.CopyRequestHeaders)
	}
	if t.CopyResponseHeaders != nil {
		cx.CopyResponseHeaders = TriStateOf(*t.CopyResponseHeaders)
	}
	if t.CopyResponseTrailers != nil {
		cx.CopyResponseTrailers = TriStateOf(*t.CopyResponseTrailers)
	}
	if t.UseDefaultForwarders != nil {
		cx.UseDefaultForwarders = TriStateOf(*t.UseDefaultForwarders)
	}

	if prefix := t.StripPrefix; prefix != "" {
		cx.AddRequestTransform(stripPrefixTransform(prefix))
	}

	if !t.Request.Empty() {
		mod := t.Request
		cx.AddRequestTransform(func(rcx *RequestContext) error {
			applyHeaderTransform(rcx.Outgoing.Header, mod)
			return nil
		})
	}

	if !t.Response.Empty() {
		mod := t.Response
		cx.AddResponseTransform(func(rcx *ResponseContext) error {
			applyHeaderTransform(rcx.Header, mod)
			return nil
		})
	}

	if !t.ResponseTrailer.Empty() {
		mod := t.ResponseTrailer
		cx.AddTrailerTransform(func(tcx *TrailerContext) error {
			applyHeaderTransform(tcx.Trailer, mod)
			return nil
		})
	}

	return nil
}

// applyHeaderTransform applies remove, then set, then add, so removals never
// clobber values the same block installs.
func applyHeaderTransform(h http.Header, t config.HeaderTransform) {
	for _, name := range t.Remove {
		h.Del(name)
	}
	for name, value := range t.Set {
		h.Set(name, value)
	}
	for name, value := range t.Add {
		h.Add(name, value)
	}
}

func stripPrefixTransform(prefix string) RequestTransform {
	return func(cx *RequestContext) error {
		cx.Outgoing.URL.Path = stripPrefix(cx.Outgoing.URL.Path, prefix)
		return nil
	}
}

// stripPrefix removes a prefix from the path on a segment boundary, always
// leaving a rooted path. /api strips /api and /api/items but not /apiary.
func stripPrefix(path, prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" || !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := path[len(prefix):]
	if rest == "" {
		return "/"
	}
	if rest[0] != '/' {
		return path
	}
	return rest
}
