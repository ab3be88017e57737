package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/doorman/gateway/internal/config"
	"github.com/doorman/gateway/internal/logging"
	"github.com/doorman/gateway/internal/middleware"
	"github.com/doorman/gateway/internal/middleware/compression"
	"github.com/doorman/gateway/internal/middleware/realip"
)

// Server binds the App to an HTTP listener with the ingress middleware
// chain, handles OS signals (SIGHUP reload, SIGINT/SIGTERM graceful
// shutdown), and drains in-flight requests before the final snapshot.
type Server struct {
	app        *App
	httpServer *http.Server
	configPath string
}

// NewServer builds the listener around an App.
func NewServer(app *App, configPath string) *Server {
	settings := app.Settings()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/", app.HandleAPI)
	mux.HandleFunc("POST /platform/authorization", app.handleLogin)
	mux.HandleFunc("POST /platform/authorization/refresh", app.handleRefresh)
	mux.HandleFunc("POST /platform/authorization/logout", app.handleLogout)
	mux.HandleFunc("GET /monitor/liveness", app.handleLiveness)
	mux.HandleFunc("GET /monitor/readiness", app.handleReadiness)
	mux.Handle("GET /monitor/metrics", app.Metrics.EnablePrometheus())

	realIP, err := realip.New(settings.Server.TrustedProxies, nil, 0)
	if err != nil {
		// Bad CIDRs were caught at config validation; fall back to the
		// RemoteAddr-only extractor rather than refusing here.
		realIP, _ = realip.New(nil, nil, 0)
	}

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		realIP.Middleware,
		corsMiddleware(app),
		middleware.BodyLimit(middleware.BodyLimitConfig{
			LimitFor: func(r *http.Request) int64 {
				return app.Settings().Limits.BodyLimitFor(familyOf(r.URL.Path))
			},
			Strict: settings.StrictResponseEnvelope,
		}),
		compressionMiddleware(),
	)

	addr := net.JoinHostPort(settings.Server.Host, strconv.Itoa(settings.Server.Port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      chain.Then(mux),
		ReadTimeout:  settings.Server.ReadTimeout,
		WriteTimeout: settings.Server.WriteTimeout,
		IdleTimeout:  settings.Server.IdleTimeout,
	}

	return &Server{app: app, httpServer: srv, configPath: configPath}
}

// Handler exposes the fully-chained handler, e.g. for httptest-driven tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// familyOf extracts the route family from a path for per-family body caps.
func familyOf(path string) string {
	rest := strings.TrimPrefix(path, "/api/")
	if rest == path {
		return ""
	}
	if idx := strings.IndexByte(rest, '/'); idx > 0 {
		return rest[:idx]
	}
	return rest
}

// corsMiddleware answers preflights at the ingress and leaves normal
// responses to the pipeline (which narrows to per-API origins).
func corsMiddleware(app *App) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if app.CORS.IsPreflight(r) {
				app.CORS.HandlePreflight(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func compressionMiddleware() middleware.Middleware {
	compressor := compression.New(compression.Config{Enabled: true})
	return compressor.Middleware
}

// Run starts the listener and blocks until shutdown completes.
func (s *Server) Run() error {
	s.app.StartBackground()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		settings := s.app.Settings()
		logging.Info("gateway listening",
			zap.String("addr", s.httpServer.Addr),
			zap.String("mode", string(settings.Backend.Mode)),
			zap.Int("workers", settings.Server.Workers))
		var err error
		if settings.Server.HTTPSEnabled {
			err = s.httpServer.ListenAndServeTLS(settings.Server.SSLCertFile, settings.Server.SSLKeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				s.reload()
				continue
			}
			logging.Info("shutting down", zap.String("signal", sig.String()))
			return s.shutdown()
		}
	}
}

// shutdown drains in-flight requests within the configured bound, then
// closes the App (final snapshot, background tasks, backends).
func (s *Server) shutdown() error {
	timeout := s.app.Settings().Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Warn("listener drain incomplete", zap.Error(err))
	}
	return s.app.Close(context.Background())
}

// reload re-reads the config file and applies the hot-reloadable subset.
func (s *Server) reload() {
	loader := config.NewLoader()
	reloadable, err := loader.Reload(s.configPath)
	if err != nil {
		logging.Error("config reload rejected", zap.Error(err))
		return
	}
	s.app.ApplyReloadable(reloadable)
	logging.Info("config reloaded", zap.String("path", s.configPath))
}
