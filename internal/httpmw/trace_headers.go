package httpmw

import (
	"bufio"
	"net"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-vault/internal/xerrors"
)

// TraceResponseHeaders tags every response, table hits and forwarded pages
// alike, with the vault's trace and span ids. An origin that sends headers
// of the same name is overwritten when the status line goes out, so a user
// reporting a broken page always quotes an id the vault can look up.
func TraceResponseHeaders(traceHeader, spanHeader string) func(http.Handler) http.Handler {
	if traceHeader == "" {
		traceHeader = "X-Trace-Id"
	}
	if spanHeader == "" {
		spanHeader = "X-Span-Id"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := trace.SpanContextFromContext(r.Context())
			if !sc.IsValid() {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(&traceIDWriter{
				ResponseWriter: w,
				traceHeader:    traceHeader,
				spanHeader:     spanHeader,
				traceID:        sc.TraceID().String(),
				spanID:         sc.SpanID().String(),
			}, r)
		})
	}
}

type traceIDWriter struct {
	http.ResponseWriter
	traceHeader, spanHeader string
	traceID, spanID         string
	stamped                 bool
}

func (w *traceIDWriter) stamp() {
	if w.stamped {
		return
	}
	w.stamped = true
	h := w.ResponseWriter.Header()
	h.Set(w.traceHeader, w.traceID)
	h.Set(w.spanHeader, w.spanID)
}

func (w *traceIDWriter) WriteHeader(code int) {
	w.stamp()
	w.ResponseWriter.WriteHeader(code)
}

func (w *traceIDWriter) Write(b []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(b)
}

func (w *traceIDWriter) Flush() {
	w.stamp()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *traceIDWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.New("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func (w *traceIDWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
