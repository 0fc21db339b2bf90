// Package health holds liveness and readiness probes and the handlers that
// serve them.
//
// Probes compose with [All] and [Any]. [ShutdownGate] fails readiness as soon
// as shutdown starts so load balancers stop routing before in-flight requests
// are drained.
package health
