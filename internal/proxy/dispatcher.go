// Package proxy implements the upstream dispatcher: given a resolved API,
// endpoint, and inbound request, it selects a server, builds the outbound
// request for the API's wire protocol (REST, SOAP, GraphQL, or gRPC),
// executes it under the API's retry policy and circuit breaker, and returns
// a buffered response for the pipeline's response transforms. All protocol
// knowledge lives here; the orchestrator only sees the Response.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/doorman/gateway/internal/circuitbreaker"
	"github.com/doorman/gateway/internal/gwerrors"
	"github.com/doorman/gateway/internal/loadbalancer"
	"github.com/doorman/gateway/internal/retry"
	"github.com/doorman/gateway/internal/store"
)

// Request is one dispatch order from the pipeline.
type Request struct {
	API      *store.API
	Endpoint *store.Endpoint
	Inbound  *http.Request // original client request: method, headers, query
	Body     []byte        // fully-read inbound body, after request transforms

	// StripPrefix is the gateway prefix removed before forwarding,
	// e.g. "/api/rest/echo/v1".
	StripPrefix string

	// Routing optionally overrides the server list and injects headers for
	// callers carrying a client_key.
	Routing *store.Routing

	// ExtraHeaders are injected by upstream-credential steps (credit API key,
	// vault-resolved secrets). Never logged.
	ExtraHeaders map[string]string

	// WSSecurity, when non-nil, injects a WS-Security header into SOAP calls.
	WSSecurity *WSSecurity

	ClientIP  string
	ClientKey string
}

// Response is the buffered upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Retries    int
	ServerURL  string
}

// Settings are the dispatcher knobs that hot-reload.
type Settings struct {
	UpstreamTimeout  time.Duration
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
}

// Dispatcher executes upstream calls for every protocol.
type Dispatcher struct {
	transport http.RoundTripper
	breakers  *circuitbreaker.Registry
	grpc      *GRPCDispatcher

	mu        sync.RWMutex
	settings  Settings
	balancers map[string]*loadbalancer.RoundRobin // keyed by api_id
	pinned    map[string]*loadbalancer.ConsistentHash
}

// New builds a Dispatcher.
func New(transport http.RoundTripper, breakers *circuitbreaker.Registry, grpc *GRPCDispatcher, settings Settings) *Dispatcher {
	if transport == nil {
		transport = DefaultTransport()
	}
	if settings.UpstreamTimeout <= 0 {
		settings.UpstreamTimeout = 30 * time.Second
	}
	return &Dispatcher{
		transport: transport,
		breakers:  breakers,
		grpc:      grpc,
		settings:  settings,
		balancers: make(map[string]*loadbalancer.RoundRobin),
		pinned:    make(map[string]*loadbalancer.ConsistentHash),
	}
}

// Reconfigure applies hot-reloaded dispatch settings.
func (d *Dispatcher) Reconfigure(settings Settings) {
	d.mu.Lock()
	if settings.UpstreamTimeout > 0 {
		d.settings.UpstreamTimeout = settings.UpstreamTimeout
	}
	if settings.RetryBackoffBase > 0 {
		d.settings.RetryBackoffBase = settings.RetryBackoffBase
	}
	if settings.RetryBackoffMax > 0 {
		d.settings.RetryBackoffMax = settings.RetryBackoffMax
	}
	d.mu.Unlock()
}

func (d *Dispatcher) currentSettings() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// InvalidateAPI drops the cached balancer state for an API (called when the
// API's server list changes).
func (d *Dispatcher) InvalidateAPI(apiID string) {
	d.mu.Lock()
	delete(d.balancers, apiID)
	delete(d.pinned, apiID)
	d.mu.Unlock()
}

// balancerFor returns the API's round-robin balancer, creating it on first
// use seeded by the API id so restarts don't herd every API onto the same
// first server.
func (d *Dispatcher) balancerFor(api *store.API) *loadbalancer.RoundRobin {
	d.mu.RLock()
	rr, ok := d.balancers[api.APIID]
	d.mu.RUnlock()
	if ok {
		return rr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if rr, ok = d.balancers[api.APIID]; ok {
		return rr
	}
	rr = loadbalancer.NewRoundRobin(loadbalancer.FromServers(api.APIServers))
	var seed uint64
	for i := 0; i < len(api.APIID); i++ {
		seed = seed*131 + uint64(api.APIID[i])
	}
	if n := uint64(len(api.APIServers)); n > 0 {
		rr.Seed(seed % n)
	}
	d.balancers[api.APIID] = rr
	return rr
}

// pinnedFor returns a consistent-hash balancer over a routing override's
// server list, so one client_key always lands on the same server.
func (d *Dispatcher) pinnedFor(apiID string, servers []string) *loadbalancer.ConsistentHash {
	key := apiID + "\x1f" + strings.Join(servers, ",")
	d.mu.RLock()
	ch, ok := d.pinned[key]
	d.mu.RUnlock()
	if ok {
		return ch
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok = d.pinned[key]; ok {
		return ch
	}
	ch = loadbalancer.NewConsistentHash(loadbalancer.FromServers(servers), 0)
	d.pinned[key] = ch
	return ch
}

// selectBackend picks the server for one attempt.
func (d *Dispatcher) selectBackend(req *Request) *loadbalancer.Backend {
	if req.Routing != nil && len(req.Routing.ServerOverride) > 0 {
		ch := d.pinnedFor(req.API.APIID, req.Routing.ServerOverride)
		if req.ClientKey != "" {
			if b := ch.Pick(req.ClientKey); b != nil {
				return b
			}
		}
		return ch.Next()
	}
	return d.balancerFor(req.API).Next()
}

// Dispatch runs the call. gRPC APIs take the native-gRPC path; everything
// else goes through the HTTP attempt loop. The whole retry loop runs under
// the API's circuit breaker: an open breaker rejects with a synthetic 503
// before any server is contacted.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, *gwerrors.Error) {
	settings := d.currentSettings()

	ctx, cancel := context.WithTimeout(ctx, settings.UpstreamTimeout)
	defer cancel()

	var resp *Response
	var gwe *gwerrors.Error

	err := d.breakers.Execute(req.API.APIID, func() error {
		resp, gwe = d.dispatchWithRetries(ctx, req, settings)
		if gwe != nil {
			return gwe
		}
		if resp.StatusCode >= 500 {
			return errors.New("upstream 5xx")
		}
		return nil
	})

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, gwerrors.ErrCircuitOpen
	}
	if gwe != nil {
		return nil, gwe
	}
	// A 5xx fed the breaker's failure counter but is still a definite
	// upstream answer; the caller sees it as-is.
	return resp, nil
}

func (d *Dispatcher) dispatchWithRetries(ctx context.Context, req *Request, settings Settings) (*Response, *gwerrors.Error) {
	if req.API.APIType == store.APITypeGRPC {
		return d.dispatchGRPC(ctx, req, settings)
	}

	policy := retry.NewPolicy(req.API.AllowedRetryCount, settings.RetryBackoffBase, settings.RetryBackoffMax, 0)

	result := policy.Execute(ctx, func(ctx context.Context, attempt int) (*http.Response, error) {
		backend := d.selectBackend(req)
		if backend == nil {
			return nil, errNoBackends
		}

		outbound, err := d.buildOutbound(ctx, req, backend)
		if err != nil {
			return nil, err
		}

		resp, err := d.transport.RoundTrip(outbound)
		if err != nil {
			// Connection-level failure: mark the server unhealthy so the
			// next attempt rotates past it.
			if req.Routing == nil || len(req.Routing.ServerOverride) == 0 {
				d.balancerFor(req.API).MarkUnhealthy(backend.URL)
			}
			return nil, err
		}
		resp.Request = outbound
		return resp, nil
	})

	if result.Err != nil && result.Response == nil {
		if errors.Is(result.Err, errNoBackends) {
			return nil, gwerrors.ErrNoServers
		}
		if errors.Is(result.Err, context.DeadlineExceeded) {
			return nil, gwerrors.ErrUpstreamTimeout.WithDetails("upstream did not answer in time")
		}
		return nil, gwerrors.Wrap(result.Err, gwerrors.GtwUpstreamError, http.StatusBadGateway, "upstream connection failed")
	}

	httpResp := result.Response
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.GtwUpstreamError, http.StatusBadGateway, "upstream body read failed")
	}

	header := httpResp.Header.Clone()
	removeHopHeaders(header)

	serverURL := ""
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		serverURL = httpResp.Request.URL.Scheme + "://" + httpResp.Request.URL.Host
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     header,
		Body:       body,
		Retries:    result.Retries,
		ServerURL:  serverURL,
	}, nil
}

var errNoBackends = errors.New("proxy: no available upstream servers")

// buildOutbound constructs the protocol-specific outbound request.
func (d *Dispatcher) buildOutbound(ctx context.Context, req *Request, backend *loadbalancer.Backend) (*http.Request, error) {
	var outbound *http.Request
	var err error

	switch req.API.APIType {
	case store.APITypeSOAP:
		outbound, err = d.buildSOAP(ctx, req, backend)
	case store.APITypeGraphQL:
		outbound, err = d.buildGraphQL(ctx, req, backend)
	default:
		outbound, err = d.buildREST(ctx, req, backend)
	}
	if err != nil {
		return nil, err
	}

	// Headers shared by every protocol.
	if clientIP := req.ClientIP; clientIP != "" {
		if prior := outbound.Header.Get("X-Forwarded-For"); prior != "" {
			outbound.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			outbound.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if req.Inbound.TLS != nil {
		outbound.Header.Set("X-Forwarded-Proto", "https")
	} else {
		outbound.Header.Set("X-Forwarded-Proto", "http")
	}
	outbound.Header.Set("X-Forwarded-Host", req.Inbound.Host)

	for k, v := range req.ExtraHeaders {
		outbound.Header.Set(k, v)
	}
	if req.Routing != nil {
		for k, v := range req.Routing.InjectHeaders {
			outbound.Header.Set(k, v)
		}
	}

	removeHopHeaders(outbound.Header)
	return outbound, nil
}

// upstreamPath joins the backend's base path with the request path remaining
// after the gateway prefix is stripped.
func upstreamPath(base *url.URL, inboundPath, stripPrefix string) string {
	rest := strings.TrimPrefix(inboundPath, stripPrefix)
	if rest == "" {
		rest = "/"
	}
	return singleJoiningSlash(base.Path, rest)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// newOutbound builds the base outbound request against target with body.
func newOutbound(ctx context.Context, method string, target *url.URL, body []byte, inbound *http.Request) *http.Request {
	outbound := (&http.Request{
		Method:        method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Host:          target.Host,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}).WithContext(ctx)

	outbound.Header = make(http.Header, len(inbound.Header)+4)
	for k, vv := range inbound.Header {
		outbound.Header[k] = vv
	}
	return outbound
}
