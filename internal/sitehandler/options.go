package sitehandler

import (
	"errors"
	"io/fs"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/assets"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

var ErrInvalidOptions = errors.New("sitehandler: invalid options")

type Options struct {
	Logger log.Logger
	// Root is the public asset root the stylesheet and font steps write into.
	Root billy.Filesystem
	// Token is exposed to templates and decides which assets count as versioned.
	Token assets.TokenSource
	// FallbackFS carries the maintenance page and an optional 404 page.
	FallbackFS fs.FS

	// Until IndexFile exists in Root the maintenance page is served.
	IndexFile       string // default: "index.html"
	Site404File     string // in Root, default: "404.html"
	MaintenanceFile string // in FallbackFS, default: "maintenance.html"
	Fallback404File string // in FallbackFS, default: "404.html"

	Cache CachePolicy
}

// CachePolicy holds the Cache-Control values per kind of file. Empty
// fields take the DefaultCachePolicy value.
type CachePolicy struct {
	Page string
	// static assets requested with ?v=<current token>
	Versioned string
	// static assets linked without the token, or with a stale one
	Unversioned string
	Other       string
}

func DefaultCachePolicy() CachePolicy {
	return CachePolicy{
		Page:        "no-cache",
		Versioned:   "public, max-age=31536000, immutable",
		Unversioned: "public, max-age=0, must-revalidate",
		Other:       "public, max-age=3600",
	}
}

// For picks the header for a file. Only a request carrying the current
// token may cache a static asset as immutable.
func (p CachePolicy) For(name string, versioned bool) string {
	ext := strings.ToLower(path.Ext(name))
	switch {
	case ext == "" || ext == ".html":
		return p.Page
	case httpmw.StaticAsset(name) && versioned:
		return p.Versioned
	case httpmw.StaticAsset(name):
		return p.Unversioned
	default:
		return p.Other
	}
}

func (p *CachePolicy) fill() {
	def := DefaultCachePolicy()
	orDefault(&p.Page, def.Page)
	orDefault(&p.Versioned, def.Versioned)
	orDefault(&p.Unversioned, def.Unversioned)
	orDefault(&p.Other, def.Other)
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	orDefault(&o.IndexFile, "index.html")
	orDefault(&o.Site404File, "404.html")
	orDefault(&o.MaintenanceFile, "maintenance.html")
	orDefault(&o.Fallback404File, "404.html")
	o.Cache.fill()
}

func orDefault(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

func (o *Options) validate() error {
	switch {
	case o.Root == nil:
		return xerrors.Wrap(ErrInvalidOptions, "Root is nil")
	case o.Token == nil:
		return xerrors.Wrap(ErrInvalidOptions, "Token is nil")
	case o.FallbackFS == nil:
		return xerrors.Wrap(ErrInvalidOptions, "FallbackFS is nil")
	}
	// a mispackaged binary fails at boot rather than on the first empty root
	if _, err := fs.Stat(o.FallbackFS, o.MaintenanceFile); err != nil {
		return xerrors.Wrapf(ErrInvalidOptions, "maintenance page %q: %v", o.MaintenanceFile, err)
	}
	return nil
}
