// Package health composes liveness and readiness probes for the vault and
// serves them over HTTP.
//
// Readiness is about whether this instance should receive traffic: the
// cache controller has activated and the process is not draining. It does
// not depend on the vault being unlocked; a locked vault passes every
// request through and is perfectly able to serve.
package health
