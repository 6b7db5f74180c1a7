// Package health holds the liveness and readiness probes and their HTTP
// handlers.
//
// [All] combines probes and [Fixed] is a constant one. [DirReadable]
// checks that a directory on a billy filesystem can be listed; the site
// is not ready until its public root can. [ShutdownGate] fails readiness
// as soon as shutdown starts so load balancers stop sending traffic
// before in-flight requests drain.
package health
