package middleware

import (
	"io"
	"net/http"

	"github.com/doorman/gateway/internal/gwerrors"
)

// BodyLimitConfig configures the ingress body-size guard.
type BodyLimitConfig struct {
	// LimitFor resolves the byte cap for a request (per route family).
	LimitFor func(r *http.Request) int64
	// OnReject is called when a request is refused, before the response is
	// written (e.g. to emit an audit event). May be nil.
	OnReject func(r *http.Request, declared int64)
	// Strict selects the strict response envelope for the 413 body.
	Strict bool
}

// BodyLimit enforces the request body cap. A Content-Length above the cap is
// rejected outright; chunked (or lying) requests are caught by a limiting
// reader that aborts the stream at cap+1 bytes, so a spoofed Content-Length
// header cannot smuggle an oversized body past the guard.
func BodyLimit(cfg BodyLimitConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit := cfg.LimitFor(r)
			if limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > limit {
				if cfg.OnReject != nil {
					cfg.OnReject(r, r.ContentLength)
				}
				writeTooLarge(w, cfg.Strict)
				return
			}

			if r.Body != nil && r.Body != http.NoBody {
				r.Body = &limitedBody{
					inner:    r.Body,
					remain:   limit,
					r:        r,
					onReject: cfg.OnReject,
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeTooLarge(w http.ResponseWriter, strict bool) {
	gwe := gwerrors.ErrBodyTooLarge
	if reqID := w.Header().Get("X-Request-ID"); reqID != "" {
		gwe = gwe.WithRequestID(reqID)
	}
	gwe.WriteJSON(w, strict)
}

// limitedBody reads at most remain bytes; one byte past the cap aborts with
// ErrBodyTooLarge. Downstream readers observe the error mid-stream, which
// terminates body parsing and any upstream copy.
type limitedBody struct {
	inner    io.ReadCloser
	remain   int64
	r        *http.Request
	onReject func(*http.Request, int64)
	tripped  bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.tripped {
		return 0, gwerrors.ErrBodyTooLarge
	}
	// Allow reading exactly remain bytes; request one extra to detect excess.
	if int64(len(p)) > b.remain+1 {
		p = p[:b.remain+1]
	}
	n, err := b.inner.Read(p)
	if int64(n) > b.remain {
		b.tripped = true
		if b.onReject != nil {
			b.onReject(b.r, -1)
		}
		return 0, gwerrors.ErrBodyTooLarge
	}
	b.remain -= int64(n)
	return n, err
}

func (b *limitedBody) Close() error { return b.inner.Close() }

// Tripped reports whether the cap fired, so the pipeline can map the read
// error to 413 rather than a generic decode failure.
func (b *limitedBody) Tripped() bool { return b.tripped }

// BodyTripped reports whether r's body guard aborted the stream.
func BodyTripped(r *http.Request) bool {
	if lb, ok := r.Body.(*limitedBody); ok {
		return lb.Tripped()
	}
	return false
}
