package httpmw

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
	"github.com/keithlinneman/linnemanlabs-vault/internal/xerrors"
)

// statusWriter records status and size and times the response write in a
// child span. It keeps Flush and Hijack so proxying and websockets work
// through it.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx      context.Context
	start    time.Time
	span     trace.Span
	started  bool
	blocked  time.Duration
	firstErr error
}

func (w *statusWriter) begin() {
	if w.started {
		return
	}
	w.started = true
	if parent := trace.SpanFromContext(w.ctx); parent.IsRecording() {
		_, w.span = otel.Tracer("linnemanlabs-vault/httpmw").Start(w.ctx, "response.write",
			trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", time.Since(w.start).Seconds())),
		)
	}
}

func (w *statusWriter) end() {
	if w.span == nil {
		return
	}
	w.span.SetAttributes(
		attribute.Int("http.response.status_code", w.code()),
		attribute.Int64("http.response.body.size", w.bytes),
		attribute.Float64("http.server.write.block_seconds", w.blocked.Seconds()),
	)
	if w.firstErr != nil {
		w.span.RecordError(w.firstErr)
		w.span.SetStatus(codes.Error, w.firstErr.Error())
	}
	w.span.End()
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) WriteHeader(code int) {
	w.begin()
	if w.status == 0 {
		w.status = code
	}
	t := time.Now()
	w.ResponseWriter.WriteHeader(code)
	w.blocked += time.Since(t)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.begin()
	if w.status == 0 {
		w.status = http.StatusOK
	}
	t := time.Now()
	n, err := w.ResponseWriter.Write(b)
	w.blocked += time.Since(t)
	w.bytes += int64(n)
	if err != nil && w.firstErr == nil {
		w.firstErr = err
	}
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.New("underlying ResponseWriter does not implement http.Hijacker")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// WithLogger stores a request-scoped logger carrying request id, client and
// route fields in the context.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)
			client := ClientIPFromContext(ctx)
			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			l := base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, l)))
		})
	}
}

// AccessLog writes one line per request after it completes. Health probes
// are skipped. Dispatch, when set on the request context by the handler,
// tells table hits from pass-through.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, ctx: r.Context(), start: start}

			r, dispatch := withDispatchSlot(r)
			next.ServeHTTP(sw, r)
			sw.end()

			if r.URL.Path == "/-/healthy" || r.URL.Path == "/-/ready" {
				return
			}
			route := RoutePattern(r)
			if route == "" || route == "/*" {
				route = "vault.dispatch"
			}
			var reqBytes int64
			if r.ContentLength > 0 {
				reqBytes = r.ContentLength
			}
			fields := []any{
				"http.response.status_code", sw.code(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", sw.bytes,
				"http.request.body.size", reqBytes,
				"http.route", route,
			}
			if d := dispatch.get(); d != "" {
				fields = append(fields, "vault.dispatch", d)
			}
			log.FromContext(r.Context()).Info(r.Context(), "http request", fields...)
		})
	}
}

// dispatch carries the intercept decision back out to the access log.
type dispatchKey struct{}

type dispatchSlot struct{ v string }

func (d *dispatchSlot) get() string {
	if d == nil {
		return ""
	}
	return d.v
}

func withDispatchSlot(r *http.Request) (*http.Request, *dispatchSlot) {
	d := &dispatchSlot{}
	return r.WithContext(context.WithValue(r.Context(), dispatchKey{}, d)), d
}

// SetDispatch records how the vault answered r ("table", "locked", "miss",
// "method"). It is a no-op outside AccessLog.
func SetDispatch(r *http.Request, how string) {
	if d, ok := r.Context().Value(dispatchKey{}).(*dispatchSlot); ok {
		d.v = how
	}
}

func schemeFromRequest(r *http.Request) string {
	// ClientIP has already removed X-Forwarded-Proto from untrusted peers
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		return strings.TrimSpace(strings.Split(xf, ",")[0])
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with a handler name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
