package intercept

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
	"github.com/keithlinneman/linnemanlabs-vault/internal/xerrors"
)

type PassthroughOptions struct {
	Logger log.Logger
	// Origin is the upstream the vault fronts.
	Origin string
	// Transport defaults to an otelhttp-wrapped clone of http.DefaultTransport.
	Transport http.RoundTripper
	// ResponseHeaderTimeout bounds how long the origin may take to answer.
	ResponseHeaderTimeout time.Duration
}

// NewPassthrough returns a reverse proxy that forwards requests to the
// origin with method, path, query, headers and body as received.
// Origin failures become 502.
func NewPassthrough(opts PassthroughOptions) (http.Handler, error) {
	if opts.Origin == "" {
		return nil, xerrors.New("Origin is required")
	}
	origin, err := url.Parse(opts.Origin)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse origin %q", opts.Origin)
	}
	if (origin.Scheme != "http" && origin.Scheme != "https") || origin.Host == "" {
		return nil, xerrors.Newf("origin %q must be an absolute http(s) URL", opts.Origin)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Transport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		if opts.ResponseHeaderTimeout > 0 {
			base.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
		}
		opts.Transport = otelhttp.NewTransport(base)
	}

	logger := opts.Logger
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		Transport: opts.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				// client went away
				return
			}
			logger.Warn(r.Context(), "origin request failed",
				"method", r.Method,
				"path", r.URL.Path,
				"err", err.Error(),
			)
			w.WriteHeader(http.StatusBadGateway)
		},
	}, nil
}
