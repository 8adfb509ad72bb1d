// Package intercept answers requests from the unlocked asset table and
// hands everything else to the origin untouched.
package intercept

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/keithlinneman/linnemanlabs-vault/internal/assets"
	"github.com/keithlinneman/linnemanlabs-vault/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
)

// Resolver looks up a logical path. *session.Manager implements it and
// always misses while locked.
type Resolver interface {
	Resolve(path string) (assets.Asset, bool)
}

// Pass-through reasons reported to OnPassthrough.
const (
	ReasonLocked = "locked"
	ReasonMiss   = "miss"
	ReasonMethod = "method"
)

type Options struct {
	Logger   log.Logger
	Resolver Resolver
	// Passthrough receives every request the table does not answer.
	Passthrough http.Handler

	// Encoder, when set, wraps table responses only (compression).
	// Forwarded responses are never re-encoded.
	Encoder func(http.Handler) http.Handler

	// OnServed and OnPassthrough observe dispatch decisions.
	OnServed      func(path string, bytes int)
	OnPassthrough func(reason string)
}

func (o *Options) validate() error {
	if o.Resolver == nil {
		return fmt.Errorf("%w: Resolver is nil", ErrInvalidOptions)
	}
	if o.Passthrough == nil {
		return fmt.Errorf("%w: Passthrough is nil", ErrInvalidOptions)
	}
	return nil
}

type Handler struct {
	opts  Options
	table http.Handler
}

type assetKey struct{}

func New(opts *Options) (*Handler, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	h := &Handler{opts: *opts}
	h.table = http.HandlerFunc(h.writeAsset)
	if opts.Encoder != nil {
		h.table = opts.Encoder(h.table)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// only reads are answered from memory
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.passthrough(w, r, ReasonMethod)
		return
	}

	p := LogicalPath(r.URL.Path)
	a, ok := h.opts.Resolver.Resolve(p)
	if !ok {
		h.passthrough(w, r, h.missReason())
		return
	}

	httpmw.SetDispatch(r, "table")
	h.table.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), assetKey{}, a)))
	if h.opts.OnServed != nil {
		h.opts.OnServed(p, len(a.Body))
	}
}

func (h *Handler) writeAsset(w http.ResponseWriter, r *http.Request) {
	a, _ := r.Context().Value(assetKey{}).(assets.Asset)
	hdr := w.Header()
	hdr.Set("Content-Type", a.ContentType)
	hdr.Set("Content-Length", strconv.Itoa(len(a.Body)))
	// decrypted bytes must not be stored by the browser or any intermediary
	hdr.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(a.Body)
	}
}

type unlockReporter interface {
	Unlocked() bool
}

func (h *Handler) missReason() string {
	if u, ok := h.opts.Resolver.(unlockReporter); ok && !u.Unlocked() {
		return ReasonLocked
	}
	return ReasonMiss
}

func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request, reason string) {
	httpmw.SetDispatch(r, reason)
	if h.opts.OnPassthrough != nil {
		h.opts.OnPassthrough(reason)
	}
	h.opts.Passthrough.ServeHTTP(w, r)
}
