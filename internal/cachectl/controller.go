// Package cachectl keeps stale bytes out of every cache the vault can
// influence. On activation it deletes all persistent caches this runtime
// may have created; afterwards it claims each client on its next response
// by telling the browser to drop its HTTP cache.
package cachectl

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
)

const DefaultCookieName = "lmvault_activation"

// ErrNotActivated is reported by ReadyErr until Activate has run.
var ErrNotActivated = errors.New("cachectl: not activated")

type Metrics interface {
	AddCachesDeleted(n int)
	IncClientsClaimed()
	SetActivatedAt(unixSeconds float64)
}

type Options struct {
	Logger log.Logger
	// Store may be nil when the runtime keeps no persistent caches.
	Store   Store
	Metrics Metrics

	CookieName   string
	SecureCookie bool
}

type Controller struct {
	logger  log.Logger
	store   Store
	metrics Metrics

	cookieName   string
	secureCookie bool

	activation atomic.Pointer[string]
}

func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	return &Controller{
		logger:       opts.Logger,
		store:        opts.Store,
		metrics:      opts.Metrics,
		cookieName:   opts.CookieName,
		secureCookie: opts.SecureCookie,
	}
}

// Install is the entry point for a newly started version. It does not
// wait for the previous process to finish handing off and activates at
// once.
func (c *Controller) Install(ctx context.Context) error {
	c.logger.Info(ctx, "cache controller installed, activating immediately")
	return c.Activate(ctx)
}

// Activate deletes every cache in the store and starts a new activation.
// Individual delete failures are joined into the returned error; the
// activation happens regardless so clients are still claimed.
func (c *Controller) Activate(ctx context.Context) error {
	var errs []error
	deleted := 0

	if c.store != nil {
		names, err := c.store.Names(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		for _, name := range names {
			if err := c.store.Delete(ctx, name); err != nil {
				errs = append(errs, err)
				continue
			}
			deleted++
		}
	}

	id := uuid.NewString()
	c.activation.Store(&id)

	if c.metrics != nil {
		c.metrics.AddCachesDeleted(deleted)
		c.metrics.SetActivatedAt(float64(time.Now().Unix()))
	}

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Error(ctx, err, "cache activation completed with errors",
			"activation_id", id,
			"caches_deleted", deleted,
		)
		return err
	}
	c.logger.Info(ctx, "cache activation complete",
		"activation_id", id,
		"caches_deleted", deleted,
	)
	return nil
}

// ActivationID is empty until the first activation.
func (c *Controller) ActivationID() string {
	if p := c.activation.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Controller) ReadyErr() error {
	if c.ActivationID() == "" {
		return ErrNotActivated
	}
	return nil
}

// Claim takes control of clients that last saw a different activation:
// their next response carries Clear-Site-Data for the HTTP cache and the
// current activation cookie. Clients already on this activation pass
// through untouched.
func (c *Controller) Claim(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := c.ActivationID()
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		if ck, err := r.Cookie(c.cookieName); err != nil || ck.Value != id {
			w.Header().Set("Clear-Site-Data", `"cache"`)
			http.SetCookie(w, &http.Cookie{
				Name:     c.cookieName,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				Secure:   c.secureCookie,
				SameSite: http.SameSiteLaxMode,
			})
			if c.metrics != nil {
				c.metrics.IncClientsClaimed()
			}
		}
		next.ServeHTTP(w, r)
	})
}
