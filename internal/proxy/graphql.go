package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/doorman/gateway/internal/loadbalancer"
)

// GraphQLBody is the standard GraphQL-over-HTTP request shape.
type GraphQLBody struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// buildGraphQL forwards the body as-is to /graphql on the selected server,
// carrying the API version in X-API-Version.
func (d *Dispatcher) buildGraphQL(ctx context.Context, req *Request, backend *loadbalancer.Backend) (*http.Request, error) {
	base := backend.ParsedURL
	if base == nil {
		var err error
		base, err = url.Parse(backend.URL)
		if err != nil {
			return nil, err
		}
	}

	target := *base
	target.Path = singleJoiningSlash(base.Path, "/graphql")

	outbound := newOutbound(ctx, http.MethodPost, &target, req.Body, req.Inbound)
	outbound.Header.Set("Content-Type", "application/json")
	outbound.Header.Set("X-API-Version", req.API.APIVersion)
	return outbound, nil
}

// OperationName extracts the effective operation name from a GraphQL request
// body: the explicit operationName when given, otherwise the single
// operation's declared name, otherwise "" (anonymous). Used as the
// validation root path and the metrics label.
func OperationName(body []byte) string {
	var gql GraphQLBody
	if err := json.Unmarshal(body, &gql); err != nil {
		return ""
	}
	if gql.OperationName != "" {
		return gql.OperationName
	}
	if gql.Query == "" {
		return ""
	}
	doc, err := parser.ParseQuery(&ast.Source{Input: gql.Query})
	if err != nil {
		return ""
	}
	for _, op := range doc.Operations {
		if op.Name != "" {
			return op.Name
		}
	}
	return ""
}
