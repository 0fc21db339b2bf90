// Package httpmw holds the middleware shared by the public and ops listeners.
//
// httpserver composes them outermost first: recover, security headers,
// request ID, client IP, tracing, metrics, logging, then the chi router.
// Per-route rate limiting runs inside the router so it sees the client IP
// and the request-scoped logger. Query strings and user agents are kept
// out of logs.
package httpmw
