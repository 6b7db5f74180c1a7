// Package ratelimit provides per-IP token bucket rate limiting for the site
// and webhook listeners.
//
// State is in memory and per process. It guards a single instance against
// one client flooding page renders or the publish webhook; distributed
// floods belong to an upstream WAF or CDN.
package ratelimit
