package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-vault/internal/health"
	"github.com/keithlinneman/linnemanlabs-vault/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
)

type Options struct {
	Logger log.Logger
	// Port 0 means 8080. Addr, when set, wins over Port.
	Port int
	Addr string

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler

	Health    health.Probe
	Readiness health.Probe

	// ContainerInfo adds X-Vault-Container-* headers to control responses.
	ContainerInfo httpmw.ContainerInfo
	ClientIPOpts  httpmw.ClientIPOptions

	// ControlRoutes registers the control channel (controlhttp.API.RegisterRoutes).
	ControlRoutes func(chi.Router)

	// Dispatch answers everything no route claims: the interception
	// engine, which forwards what it does not serve.
	Dispatch http.Handler
	// DispatchMW wraps Dispatch only, outermost first (site rate limit,
	// cache claim).
	DispatchMW []func(http.Handler) http.Handler

	// WriteTimeout must cover a full unlock (container fetch plus key
	// derivation). 0 means DefaultWriteTimeout.
	WriteTimeout time.Duration

	// OnShutdown runs when Shutdown starts, for connections the server
	// does not track (hijacked websockets).
	OnShutdown []func()
}
