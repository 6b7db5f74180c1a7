// Package assets renders versioned asset URLs for templates.
package assets

import (
	"html/template"
	"strings"
)

// BundlePrefix is the URL path compiled bundles are served under.
const BundlePrefix = "/bundles/"

// TokenSource yields the current cache-bust token.
type TokenSource interface {
	Value() string
}

// URL appends v=<token> to p, using & when p already has a query.
// A fragment stays at the end.
func URL(token, p string) string {
	if token == "" || p == "" {
		return p
	}
	frag := ""
	if i := strings.IndexByte(p, '#'); i >= 0 {
		p, frag = p[:i], p[i:]
	}
	sep := "?"
	if strings.Contains(p, "?") {
		sep = "&"
		if strings.HasSuffix(p, "?") || strings.HasSuffix(p, "&") {
			sep = ""
		}
	}
	return p + sep + "v=" + token + frag
}

// BundleURL returns the versioned URL of a named bundle.
func BundleURL(token, name string) string {
	return URL(token, BundlePrefix+strings.TrimPrefix(name, "/"))
}

// FuncMap exposes asset and bundle to templates. The token is read on
// every call so a regeneration applies to the next render.
func FuncMap(src TokenSource) template.FuncMap {
	return template.FuncMap{
		"asset": func(p string) string {
			return URL(src.Value(), p)
		},
		"bundle": func(name string) string {
			return BundleURL(src.Value(), name)
		},
		"assetVersion": func() string {
			return src.Value()
		},
	}
}
