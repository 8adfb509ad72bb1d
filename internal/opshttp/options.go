package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-vault/internal/health"
)

// Options for the admin listener. It is never exposed publicly: it carries
// metrics, probes and pprof, and nothing from the session.
type Options struct {
	// Port 0 means 9000. Addr, when set, wins over Port.
	Port int
	Addr string

	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// Status, when set, is served at /-/vault/status for operators.
	Status http.Handler

	UseRecoverMW bool
	OnPanic      func()
}
