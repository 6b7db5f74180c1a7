package sitehandler

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

// memRoot writes files into an in-memory public root.
func memRoot(t testing.TB, files map[string]string) billy.Filesystem {
	t.Helper()
	fsys := memfs.New()
	for name, data := range files {
		if err := util.WriteFile(fsys, name, []byte(data), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return fsys
}

func resolveFS(t testing.TB) billy.Filesystem {
	return memRoot(t, map[string]string{
		"index.html":             "home",
		"about/index.html":       "about",
		"blog/first-post.html":   "post",
		"contact.html":           "contact",
		"css/theme.css":          "css",
		"fonts/Inter.woff2":      "font",
		"deep/nested/index.html": "deep",
		"robots.txt":             "robots",
		".well-known/x.txt":      "wk",
		"file with spaces.html":  "spaces",
		"noext":                  "raw",
	})
}

func TestResolve(t *testing.T) {
	fsys := resolveFS(t)

	tests := []struct {
		path     string
		file     string
		redirect string
		ok       bool
	}{
		{"/", "index.html", "", true},
		{"", "index.html", "", true},
		{"//", "index.html", "", true},
		{"/about/", "about/index.html", "", true},
		{"/about", "", "/about/", true},
		{"/deep/nested", "", "/deep/nested/", true},
		{"/deep//nested/", "deep/nested/index.html", "", true},
		{"/contact", "contact.html", "", true},
		{"/blog/first-post", "blog/first-post.html", "", true},
		{"/blog/first-post.html", "blog/first-post.html", "", true},
		{"/css/theme.css", "css/theme.css", "", true},
		{"/fonts/Inter.woff2", "fonts/Inter.woff2", "", true},
		{"/.well-known/x.txt", ".well-known/x.txt", "", true},
		{"/file with spaces.html", "file with spaces.html", "", true},

		{"/blog/", "", "", false},
		{"/css", "", "", false},
		{"/missing.css", "", "", false},
		{"/noext", "", "", false},
		{"/../index.html", "", "", false},
		{"/about/./index.html", "", "", false},
		{"/about\\index.html", "", "", false},
		{"/index.html\x00.css", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rt, ok := resolve(fsys, tt.path)
			if ok != tt.ok || rt.file != tt.file || rt.redirect != tt.redirect {
				t.Fatalf("resolve(%q) = (%+v, %v), want file=%q redirect=%q ok=%v",
					tt.path, rt, ok, tt.file, tt.redirect, tt.ok)
			}
		})
	}
}

func TestResolve_EmptyRoot(t *testing.T) {
	empty := memfs.New()
	for _, p := range []string{"/", "/about/", "/about", "/css/theme.css"} {
		if rt, ok := resolve(empty, p); ok {
			t.Errorf("resolve(%q) on empty root = %+v", p, rt)
		}
	}
}

func TestIsFile(t *testing.T) {
	fsys := resolveFS(t)
	tests := []struct {
		name string
		want bool
	}{
		{"index.html", true},
		{"about/index.html", true},
		{"about", false},
		{"missing.html", false},
		{"", false},
		{".", false},
		{"/index.html", false},
		{"../index.html", false},
	}
	for _, tt := range tests {
		if got := isFile(fsys, tt.name); got != tt.want {
			t.Errorf("isFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func FuzzResolve(f *testing.F) {
	for _, s := range []string{"/", "/about", "/about/", "/../x", "/a/./b", "/css/theme.css", "\\", "/\x00"} {
		f.Add(s)
	}
	fsys := resolveFS(f)
	f.Fuzz(func(t *testing.T, p string) {
		rt, ok := resolve(fsys, p)
		if !ok {
			return
		}
		if rt.redirect != "" {
			if !strings.HasPrefix(rt.redirect, "/") || !strings.HasSuffix(rt.redirect, "/") {
				t.Fatalf("redirect %q for %q", rt.redirect, p)
			}
			return
		}
		if !fs.ValidPath(rt.file) || !isFile(fsys, rt.file) {
			t.Fatalf("resolve(%q) = %q, not a file in the root", p, rt.file)
		}
	})
}
