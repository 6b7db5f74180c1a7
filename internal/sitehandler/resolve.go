package sitehandler

import (
	"io/fs"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/pathutil"
)

// route is where a request path lands in the public root. Exactly one of
// file and redirect is set.
type route struct {
	file     string
	redirect string
}

// resolve maps a URL path onto the public root:
//
//	/            -> index.html
//	/dir/        -> dir/index.html
//	/a/b.css     -> a/b.css
//	/dir         -> 308 to /dir/ when dir/index.html exists
//	/page        -> page.html
//
// Paths with NUL bytes, backslashes or dot segments never resolve.
func resolve(fsys billy.Filesystem, urlPath string) (route, bool) {
	if strings.ContainsAny(urlPath, "\x00\\") || pathutil.HasDotSegments(urlPath) {
		return route{}, false
	}

	rel := strings.Trim(path.Clean("/"+urlPath), "/")
	dir := rel == "" || strings.HasSuffix(urlPath, "/")

	var candidate string
	switch {
	case dir:
		candidate = path.Join(rel, "index.html")
	case path.Ext(rel) != "":
		candidate = rel
	default:
		if isFile(fsys, rel+"/index.html") {
			return route{redirect: "/" + rel + "/"}, true
		}
		candidate = rel + ".html"
	}

	if !isFile(fsys, candidate) {
		return route{}, false
	}
	return route{file: candidate}, true
}

func isFile(fsys billy.Filesystem, name string) bool {
	if !fs.ValidPath(name) || name == "." {
		return false
	}
	fi, err := fsys.Stat(name)
	return err == nil && !fi.IsDir()
}
