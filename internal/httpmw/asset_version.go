package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// VersionSource yields the current asset version token.
type VersionSource interface {
	Value() string
}

// AssetVersion adds X-Asset-Version to every response so caches and
// operators can tell which token rendered a page. The token is read per
// request.
func AssetVersion(src VersionSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if src != nil {
				if v := src.Value(); v != "" {
					w.Header().Set("X-Asset-Version", v)
					if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
						span.SetAttributes(attribute.String("asset.version", v))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
