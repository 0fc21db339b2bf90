// Package ratelimit provides a fixed-window rate limiter keyed by (subject, action)
// and an HTTP middleware that enforces it per client IP.
//
// A Store is a single-instance, in-memory counter. It is not shared between
// processes and never persists entries. Expired entries are dropped lazily on
// access, by a probabilistic inline sweep, and optionally by a periodic sweep.
//
// Limits come from a Table that is loaded once at startup. Actions missing
// from the table are unrestricted and never create store entries.
package ratelimit
