// Package transform implements the request/response transform step of the
// upstream dispatcher: declarative header, query, and JSONPath body
// add/remove/rename/wrap operations plus response status-code remapping,
// each optionally gated by an expr-lang condition expression evaluated
// against the in-flight request/response.
package transform

import (
	"net/http"
	"net/url"

	"github.com/expr-lang/expr"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/doorman/gateway/internal/store"
)

// ApplyRequestHeaders mutates req's headers in place per ops.
func ApplyRequestHeaders(req *http.Request, ops *store.HeaderOps) {
	if ops == nil {
		return
	}
	for old, new := range ops.Rename {
		if v := req.Header.Get(old); v != "" {
			req.Header.Set(new, v)
			req.Header.Del(old)
		}
	}
	for _, h := range ops.Remove {
		req.Header.Del(h)
	}
	for k, v := range ops.Add {
		req.Header.Set(k, v)
	}
}

// ApplyResponseHeaders mutates header (an http.Header, typically
// resp.Header) in place per ops.
func ApplyResponseHeaders(header http.Header, ops *store.HeaderOps) {
	if ops == nil {
		return
	}
	for old, new := range ops.Rename {
		if v := header.Get(old); v != "" {
			header.Set(new, v)
			header.Del(old)
		}
	}
	for _, h := range ops.Remove {
		header.Del(h)
	}
	for k, v := range ops.Add {
		header.Set(k, v)
	}
}

// ApplyQuery rewrites req.URL's query string per ops.
func ApplyQuery(req *http.Request, ops *store.QueryOps) {
	if ops == nil {
		return
	}
	q := req.URL.Query()
	for old, new := range ops.Rename {
		if v, ok := q[old]; ok {
			q[new] = v
			delete(q, old)
		}
	}
	for _, k := range ops.Remove {
		q.Del(k)
	}
	for k, v := range ops.Add {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
}

// ApplyBody runs every body op against raw JSON, in declaration order, and
// returns the rewritten document.
func ApplyBody(body []byte, ops []store.BodyOp) ([]byte, error) {
	out := body
	var err error
	for _, op := range ops {
		switch op.Kind {
		case store.BodyOpAdd:
			out, err = sjson.SetBytes(out, op.Path, op.Value)
		case store.BodyOpRemove:
			out, err = sjson.DeleteBytes(out, op.Path)
		case store.BodyOpRename:
			val := gjson.GetBytes(out, op.Path)
			if val.Exists() {
				out, err = sjson.SetBytes(out, op.To, val.Value())
				if err == nil {
					out, err = sjson.DeleteBytes(out, op.Path)
				}
			}
		case store.BodyOpWrap:
			wrapperKey, _ := op.Value.(string)
			if wrapperKey == "" {
				wrapperKey = "data"
			}
			wrapped := gjson.ParseBytes(out).Value()
			out, err = sjson.SetBytes(nil, wrapperKey, wrapped)
		}
		if err != nil {
			return body, err
		}
	}
	return out, nil
}

// RemapStatus returns the remapped status for code if one is declared,
// otherwise code unchanged.
func RemapStatus(statusMap map[int]int, code int) int {
	if statusMap == nil {
		return code
	}
	if mapped, ok := statusMap[code]; ok {
		return mapped
	}
	return code
}

// ConditionEnv is the variable set an expr-lang condition expression is
// evaluated against.
type ConditionEnv struct {
	Method string
	Path   string
	Status int
	Query  map[string]string
}

// ConditionMatches evaluates expression against env; an empty expression
// always matches (the direction transform always applies).
func ConditionMatches(expression string, env ConditionEnv) (bool, error) {
	if expression == "" {
		return true, nil
	}
	m := map[string]any{
		"method": env.Method,
		"path":   env.Path,
		"status": env.Status,
		"query":  env.Query,
	}
	program, err := expr.Compile(expression, expr.Env(m), expr.AsBool())
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, m)
	if err != nil {
		return false, err
	}
	b, _ := out.(bool)
	return b, nil
}

// ApplyRequest applies a DirectionTransform's header and query ops to an
// outbound request, skipping entirely if its condition does not match, and
// reports whether they were applied. Body ops are applied with ApplyBody.
func ApplyRequest(req *http.Request, dt *store.DirectionTransform) (bool, error) {
	if dt == nil {
		return false, nil
	}
	matched, err := ConditionMatches(dt.Condition, ConditionEnv{Method: req.Method, Path: req.URL.Path})
	if err != nil || !matched {
		return false, err
	}
	ApplyRequestHeaders(req, dt.Headers)
	ApplyQuery(req, dt.Query)
	return true, nil
}

// ApplyResponseBody applies a DirectionTransform's body ops to a response
// body, returning the (possibly unchanged) bytes.
func ApplyResponseBody(body []byte, dt *store.DirectionTransform) ([]byte, error) {
	if dt == nil || len(dt.Body) == 0 {
		return body, nil
	}
	return ApplyBody(body, dt.Body)
}

// EncodeValues is a small helper for callers building url.Values from a map.
func EncodeValues(m map[string]string) url.Values {
	v := url.Values{}
	for k, val := range m {
		v.Set(k, val)
	}
	return v
}
