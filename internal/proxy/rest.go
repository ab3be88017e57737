package proxy

import (
	"context"
	"net/http"
	"net/url"

	"github.com/doorman/gateway/internal/loadbalancer"
)

// buildREST forwards the inbound method, remaining path, query string, and
// body to the selected server. Header rewrites were already applied by the
// pipeline's request transform; only hop-by-hop headers are stripped here.
func (d *Dispatcher) buildREST(ctx context.Context, req *Request, backend *loadbalancer.Backend) (*http.Request, error) {
	base := backend.ParsedURL
	if base == nil {
		var err error
		base, err = url.Parse(backend.URL)
		if err != nil {
			return nil, err
		}
	}

	target := *base
	target.Path = upstreamPath(base, req.Inbound.URL.Path, req.StripPrefix)
	target.RawQuery = req.Inbound.URL.RawQuery

	return newOutbound(ctx, req.Inbound.Method, &target, req.Body, req.Inbound), nil
}
