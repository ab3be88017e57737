// Package ingest derives endpoint definitions from API description
// documents: OpenAPI specs referenced by api_openapi_url and WSDL documents
// referenced by api_wsdl_url. Fetched documents are cached under the
// openapi_cache / wsdl_cache prefixes; derivation itself is pure so it can
// run at admin-import time or lazily on first dispatch.
package ingest

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"

	"github.com/doorman/gateway/internal/store"
)

// EndpointsFromOpenAPI parses an OpenAPI 3 document and returns one endpoint
// per (path, operation), addressed relative to the API's gateway prefix.
// Path templates keep their OpenAPI {param} form; the endpoint matcher treats
// them as single-segment wildcards.
func EndpointsFromOpenAPI(ctx context.Context, apiName, apiVersion string, doc []byte) ([]*store.Endpoint, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx

	spec, err := loader.LoadFromData(doc)
	if err != nil {
		return nil, fmt.Errorf("ingest: parse openapi document: %w", err)
	}
	if err := spec.Validate(ctx); err != nil {
		return nil, fmt.Errorf("ingest: invalid openapi document: %w", err)
	}

	var endpoints []*store.Endpoint
	for path, item := range spec.Paths.Map() {
		for method := range item.Operations() {
			endpoints = append(endpoints, &store.Endpoint{
				EndpointID: uuid.NewString(),
				APIName:    apiName,
				APIVersion: apiVersion,
				Method:     strings.ToUpper(method),
				URI:        normalizePath(path),
			})
		}
	}
	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].URI != endpoints[j].URI {
			return endpoints[i].URI < endpoints[j].URI
		}
		return endpoints[i].Method < endpoints[j].Method
	})
	return endpoints, nil
}

// normalizePath guarantees a leading slash and no trailing slash (except root).
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// ValidateDocumentURL rejects obviously bad spec URLs at config time rather
// than at first fetch.
func ValidateDocumentURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("ingest: invalid document url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("ingest: document url must be http(s), got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("ingest: document url missing host")
	}
	return nil
}
