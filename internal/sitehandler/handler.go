// Package sitehandler serves the public asset root. HTML pages are rendered
// as html/template with the asset URL helpers so every link carries the
// current cache-bust token; everything else is served as stored.
package sitehandler

import (
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/assets"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

type Handler struct {
	opts  Options
	pages *pageCache
}

func New(opts Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Handler{
		opts:  opts,
		pages: newPageCache(assets.FuncMap(opts.Token)),
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// nothing published into the root yet
	if !isFile(h.opts.Root, h.opts.IndexFile) {
		w.Header().Set("Retry-After", "60")
		h.serveFallback(w, r, http.StatusServiceUnavailable, h.opts.MaintenanceFile)
		return
	}

	rt, ok := resolve(h.opts.Root, r.URL.Path)
	switch {
	case !ok:
		h.serveNotFound(w, r)
	case rt.redirect != "":
		http.Redirect(w, r, rt.redirect, http.StatusPermanentRedirect)
	default:
		versioned := r.URL.Query().Get("v") == h.opts.Token.Value()
		w.Header().Set("Cache-Control", h.opts.Cache.For(rt.file, versioned))
		if isPage(rt.file) {
			h.servePage(w, r, http.StatusOK, rt.file)
			return
		}
		h.serveFile(w, r, rt.file)
	}
}

func (h *Handler) servePage(w http.ResponseWriter, r *http.Request, status int, file string) {
	body, err := h.pages.render(h.opts.Root, file, pageData{
		Path:  r.URL.Path,
		Token: h.opts.Token.Value(),
	})
	if err != nil {
		h.opts.Logger.Error(r.Context(), err, "render page failed", "file", file)
		w.Header().Set("Cache-Control", "no-store")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeBody(w, r, status, "text/html; charset=utf-8", body)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, file string) {
	fi, err := h.opts.Root.Stat(file)
	if err != nil {
		h.serveNotFound(w, r)
		return
	}
	f, err := h.opts.Root.Open(file)
	if err != nil {
		h.opts.Logger.Error(r.Context(), xerrors.Wrap(err, "open"), "serve file failed", "file", file)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, path.Base(file), fi.ModTime(), f)
}

// serveNotFound prefers the themed 404 page in the root, rendered like any
// other page, then the embedded one, then plain text.
func (h *Handler) serveNotFound(w http.ResponseWriter, r *http.Request) {
	if isFile(h.opts.Root, h.opts.Site404File) {
		w.Header().Set("Cache-Control", "no-store")
		h.servePage(w, r, http.StatusNotFound, h.opts.Site404File)
		return
	}
	h.serveFallback(w, r, http.StatusNotFound, h.opts.Fallback404File)
}

// serveFallback writes an embedded page with a forced status. Fallback
// responses are never cached.
func (h *Handler) serveFallback(w http.ResponseWriter, r *http.Request, status int, name string) {
	w.Header().Set("Cache-Control", "no-store")
	body, err := fs.ReadFile(h.opts.FallbackFS, name)
	if err != nil {
		writeBody(w, r, status, "text/plain; charset=utf-8", []byte(strings.ToLower(http.StatusText(status))+"\n"))
		return
	}
	writeBody(w, r, status, "text/html; charset=utf-8", body)
}

func writeBody(w http.ResponseWriter, r *http.Request, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

func isPage(name string) bool {
	return strings.EqualFold(path.Ext(name), ".html")
}
