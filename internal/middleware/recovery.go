package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/doorman/gateway/internal/gwerrors"
	"github.com/doorman/gateway/internal/logging"
)

// RecoveryConfig configures the recovery middleware.
type RecoveryConfig struct {
	// PrintStack captures the stack trace when a panic occurs.
	PrintStack bool
	// LogFunc is called when a panic occurs.
	LogFunc func(err interface{}, stack []byte)
	// Strict selects the strict response envelope for the 500 body.
	Strict bool
}

// DefaultRecoveryConfig provides default recovery settings.
var DefaultRecoveryConfig = RecoveryConfig{
	PrintStack: true,
	LogFunc:    defaultLogFunc,
}

func defaultLogFunc(err interface{}, stack []byte) {
	logging.Error("panic recovered",
		zap.Any("error", err),
		zap.ByteString("stack", stack),
	)
}

// Recovery creates a panic recovery middleware with defaults.
func Recovery() Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig creates a recovery middleware. Panics surface as the
// generic internal-error code; the panic value itself is only logged, never
// echoed to the caller.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					var stack []byte
					if cfg.PrintStack {
						stack = debug.Stack()
					}
					if cfg.LogFunc != nil {
						cfg.LogFunc(err, stack)
					}

					gwe := gwerrors.ErrInternal
					if reqID := w.Header().Get("X-Request-ID"); reqID != "" {
						gwe = gwe.WithRequestID(reqID)
					}
					gwe.WriteJSON(w, cfg.Strict)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
