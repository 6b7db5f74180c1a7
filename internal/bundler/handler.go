package bundler

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cryptoutil"
)

// TokenSource yields the current asset version token.
type TokenSource interface {
	Value() string
}

const (
	immutableCacheControl  = "public, max-age=31536000, immutable"
	revalidateCacheControl = "no-cache"
)

// Handler serves compiled bundles at /{name}. Requests whose v query
// parameter matches the current token are cacheable forever; anything else
// must revalidate.
func (b *Bundler) Handler(token TokenSource) http.Handler {
	r := chi.NewRouter()
	r.Get("/{name}", b.serve(token))
	r.Head("/{name}", b.serve(token))
	return r
}

func (b *Bundler) serve(token TokenSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		c, err := b.Get(r.Context(), name)
		if err != nil {
			w.Header().Set("Cache-Control", "no-store")
			if errors.Is(err, ErrUnknownBundle) {
				http.NotFound(w, r)
				return
			}
			b.logger.Error(r.Context(), err, "bundle compile failed", "bundle", name)
			http.Error(w, "bundle unavailable", http.StatusInternalServerError)
			return
		}

		v := r.URL.Query().Get("v")
		if v != "" && cryptoutil.ConstantTimeEqual(v, token.Value()) {
			w.Header().Set("Cache-Control", immutableCacheControl)
		} else {
			w.Header().Set("Cache-Control", revalidateCacheControl)
		}

		h := w.Header()
		h.Set("Content-Type", c.ContentType)
		h.Set("ETag", c.ETag())
		h.Add("Vary", "Accept-Encoding")

		body := c.Data
		if acceptsGzip(r) && len(c.Gzip) > 0 {
			h.Set("Content-Encoding", "gzip")
			body = c.Gzip
		}
		http.ServeContent(w, r, c.Name, c.ModTime, bytes.NewReader(body))
	}
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}
