package httpmw

import (
	"path"
	"strings"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/assets"
)

var staticExts = map[string]bool{
	".css": true, ".js": true, ".mjs": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
}

// StaticAsset reports whether p is a compiled bundle or a static asset by
// extension. Such requests are neither traced nor access logged.
func StaticAsset(p string) bool {
	if strings.HasPrefix(p, assets.BundlePrefix) {
		return true
	}
	return staticExts[strings.ToLower(path.Ext(p))]
}
