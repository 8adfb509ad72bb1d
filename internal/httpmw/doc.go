// Package httpmw is the middleware shared by the public vault listener.
//
// httpserver.NewHandler composes it, outermost first: recover, request ID,
// client IP, rate limiting, tracing, trace and container headers, metrics,
// request logger, then the chi router with access logging and route
// annotation. Control routes additionally get security headers and a body
// limit; forwarded requests do not, since they must reach the origin as
// sent.
//
// Query strings, user agents and bodies never reach the logs.
package httpmw
