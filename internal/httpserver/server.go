package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-vault/internal/health"
	"github.com/keithlinneman/linnemanlabs-vault/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
	"github.com/keithlinneman/linnemanlabs-vault/internal/xerrors"
)

// CompressibleTypes are gzip/deflate encoded when the client accepts it.
var CompressibleTypes = []string{
	"text/html",
	"text/css",
	"application/javascript",
	"text/javascript",
	"application/json",
	"image/svg+xml",
	"image/x-icon",
}

// Compress returns the compression middleware used for vault-authored
// responses and table assets. Forwarded responses are left as the origin
// sent them.
func Compress() func(http.Handler) http.Handler {
	return middleware.Compress(5, CompressibleTypes...)
}

// NewHandler builds the public handler: probes, the control channel, and
// the dispatch catch-all, behind the shared middleware stack.
// main() owns *http.Server so it can do graceful shutdown.
func NewHandler(opts *Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	r := chi.NewRouter()

	// name spans after the matched route once it is known
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())

	r.Group(func(r chi.Router) {
		r.Use(httpmw.SecurityHeaders)
		r.Get("/-/healthy", health.Liveness(opts.Health))
		r.Get("/-/ready", health.Readiness(opts.Readiness))
	})

	if opts.ControlRoutes != nil {
		r.Group(func(r chi.Router) {
			r.Use(Compress())
			r.Use(httpmw.ContainerHeaders(opts.ContainerInfo))
			opts.ControlRoutes(r)
		})
	}

	// everything else belongs to the site
	dispatch := opts.Dispatch
	if dispatch == nil {
		dispatch = http.NotFoundHandler()
	}
	for i := len(opts.DispatchMW) - 1; i >= 0; i-- {
		dispatch = opts.DispatchMW[i](dispatch)
	}
	r.NotFound(dispatch.ServeHTTP)
	r.MethodNotAllowed(dispatch.ServeHTTP)

	// Middleware (outermost last in wrapping order)
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, etc)
	h = httpmw.WithLogger(opts.Logger)(h)

	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// probes are polled constantly and say nothing
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames the span to the route once matched
			return r.Method + " vault.dispatch"
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)

	// Client IP resolution (must be before rate limiters and logging)
	h = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	if opts.UseRecoverMW {
		h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)
	}

	return h
}

// Server timeout defaults.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler, writeTimeout time.Duration) *http.Server {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start runs the public HTTP server and returns stop(ctx) for graceful
// shutdown.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	addr := opts.Addr
	if addr == "" {
		port := opts.Port
		if port == 0 {
			port = 8080
		}
		addr = fmt.Sprintf(":%d", port)
	}

	handler := NewHandler(opts)
	srv := NewServer(addr, handler, opts.WriteTimeout)
	for _, fn := range opts.OnShutdown {
		srv.RegisterOnShutdown(fn)
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 10*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
