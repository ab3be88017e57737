package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/doorman/gateway/internal/gwerrors"
	"github.com/doorman/gateway/internal/ratelimit"
)

// rateHeaders carries the X-RateLimit-* values attached to successful
// responses once the rate step has run.
type rateHeaders struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	set       bool
}

func (h *rateHeaders) capture(limit int, res ratelimit.Result) {
	h.Limit = limit
	h.Remaining = res.Remaining
	h.ResetAt = res.ResetAt
	h.set = true
}

func (h *rateHeaders) apply(w http.ResponseWriter) {
	if !h.set {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(h.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(h.ResetAt.Unix(), 10))
}

// writeError renders a gateway-originated error with the request id.
func (a *App) writeError(w http.ResponseWriter, requestID string, gwe *gwerrors.Error) {
	gwe.WithRequestID(requestID).WriteJSON(w, a.strict())
}

// strictSuccessEnvelope wraps a success body for strict-envelope mode.
type strictSuccessEnvelope struct {
	StatusCode int             `json:"status_code"`
	Response   json.RawMessage `json:"response"`
}

// writeUpstream renders the upstream response: verbatim in default mode,
// wrapped as {status_code, response} with HTTP 200 in strict mode.
// Copyable upstream headers were already merged into w's header map.
func (a *App) writeUpstream(w http.ResponseWriter, status int, body []byte) {
	if a.strict() {
		payload := body
		if !json.Valid(payload) {
			quoted, _ := json.Marshal(string(body))
			payload = quoted
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Del("Content-Length")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(strictSuccessEnvelope{StatusCode: status, Response: payload})
		return
	}
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	w.Write(body)
}

// copyUpstreamHeaders merges upstream headers into the response, skipping
// headers the gateway owns.
func copyUpstreamHeaders(w http.ResponseWriter, upstream http.Header) {
	for k, vv := range upstream {
		switch http.CanonicalHeaderKey(k) {
		case "X-Request-Id", "Content-Length":
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}
