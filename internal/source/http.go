package source

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
	"github.com/keithlinneman/linnemanlabs-vault/internal/xerrors"
)

const (
	DefaultContainerPath = "encrypted-app.bin"
	DefaultFetchTimeout  = 30 * time.Second

	// cacheBustParam carries a per-request timestamp so no intermediary can
	// answer from a stored copy.
	cacheBustParam = "t"
)

type HTTPOptions struct {
	Logger log.Logger

	// Origin is the upstream base URL the container is published under.
	Origin string
	// Path is resolved against Origin. Default "encrypted-app.bin".
	Path string

	// Timeout bounds a single fetch. Ignored when Client is set.
	Timeout  time.Duration
	MaxBytes int64

	Client *http.Client
	// Now stamps the cache-busting parameter. Default time.Now.
	Now func() time.Time
}

// HTTPFetcher GETs the container from the origin with cache-busting.
type HTTPFetcher struct {
	logger   log.Logger
	target   *url.URL
	client   *http.Client
	maxBytes int64
	now      func() time.Time
}

func NewHTTPFetcher(opts HTTPOptions) (*HTTPFetcher, error) {
	if opts.Origin == "" {
		return nil, xerrors.New("Origin is required")
	}
	base, err := url.Parse(opts.Origin)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse origin %q", opts.Origin)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, xerrors.Newf("origin %q must be http or https", opts.Origin)
	}
	if opts.Path == "" {
		opts.Path = DefaultContainerPath
	}
	// resolve relative to the origin root so "encrypted-app.bin" and
	// "/encrypted-app.bin" mean the same file
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	rel, err := url.Parse(strings.TrimPrefix(opts.Path, "/"))
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse container path %q", opts.Path)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultFetchTimeout
		}
		opts.Client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &HTTPFetcher{
		logger:   opts.Logger,
		target:   base.ResolveReference(rel),
		client:   opts.Client,
		maxBytes: opts.MaxBytes,
		now:      opts.Now,
	}, nil
}

// URL is the container location without the cache-busting parameter.
func (f *HTTPFetcher) URL() string { return f.target.String() }

func (f *HTTPFetcher) request(ctx context.Context, method string) (*http.Request, error) {
	u := *f.target
	q := u.Query()
	q.Set(cacheBustParam, strconv.FormatInt(f.now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, xerrors.Wrap(err, "build container request")
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")
	// Transport only adds gzip to GET. Pin the encoding so GET and HEAD see
	// the same representation and the same ETag.
	req.Header.Set("Accept-Encoding", "identity")
	return req, nil
}

// Fetch downloads the container. Any non-2xx answer is ErrNotFound.
func (f *HTTPFetcher) Fetch(ctx context.Context) (*Artifact, error) {
	req, err := f.request(ctx, http.MethodGet)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrapf(err, "GET %s", f.target.Redacted())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, xerrors.Newf("%w: GET %s: status %d", ErrNotFound, f.target.Redacted(), resp.StatusCode)
	}

	data, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		return nil, err
	}

	a := newArtifact(data, versionFromHeaders(resp.Header), KindHTTP, f.target.Redacted())
	f.logger.Debug(ctx, "fetched container",
		"url", a.Location,
		"bytes", len(data),
		"version", a.Version,
	)
	return a, nil
}

// CurrentVersion asks the origin for validators with HEAD. Origins that
// send neither ETag nor Last-Modified are probed with a full fetch.
func (f *HTTPFetcher) CurrentVersion(ctx context.Context) (string, error) {
	req, err := f.request(ctx, http.MethodHead)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", xerrors.Wrapf(err, "HEAD %s", f.target.Redacted())
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", xerrors.Newf("%w: HEAD %s: status %d", ErrNotFound, f.target.Redacted(), resp.StatusCode)
	}
	if v := versionFromHeaders(resp.Header); v != "" {
		return v, nil
	}

	a, err := f.Fetch(ctx)
	if err != nil {
		return "", err
	}
	return a.Version, nil
}

func versionFromHeaders(h http.Header) string {
	if etag := strings.TrimSpace(h.Get("ETag")); etag != "" {
		return etag
	}
	return strings.TrimSpace(h.Get("Last-Modified"))
}
