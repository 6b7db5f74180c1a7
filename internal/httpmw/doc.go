// Package httpmw holds the middleware wrapped around the public listener.
//
// httpserver.NewHandler composes them with Chain, outermost first:
// SecurityHeaders, Recover, RequestID, ClientIP, the site rate limiter,
// otelhttp, AssetVersion, TraceResponseHeaders, metrics and WithLogger.
// Inside the router AnnotateHTTPRoute and AccessLog run once the chi
// pattern is known.
//
// Access logs carry the trusted client address and the route pattern but
// no query string, user agent or other caller-controlled headers.
package httpmw
