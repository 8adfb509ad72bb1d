// Package ratelimit is per-client-IP token bucket limiting for the vault's
// own routes.
//
// It is in-memory and per instance. The main use is the control channel:
// every SET_PASSWORD costs a container fetch plus 600,000 PBKDF2 rounds, so
// a single client must not be able to queue them faster than a person types.
// The site catch-all has its own, looser limiter. Distributed guessing is
// out of reach of a per-instance limiter and belongs upstream.
package ratelimit
