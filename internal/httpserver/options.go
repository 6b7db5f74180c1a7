package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
)

// DefaultPort is used when Options.Port is zero.
const DefaultPort = 8080

// MaxSiteBody bounds request bodies sent to the public site handler.
// API routes set their own limits.
const MaxSiteBody = 1024

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe

	// AssetVersion adds X-Asset-Version with the current cache-bust token.
	AssetVersion httpmw.VersionSource

	// APIRoutes registers routes ahead of the site fallback (webhook, bundles).
	APIRoutes func(chi.Router)
	// SiteHandler serves every path no API route claims.
	SiteHandler http.Handler
}
