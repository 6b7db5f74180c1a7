package outputcache

import (
	"bytes"
	"context"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
)

// maxCachedBody skips caching responses larger than this.
const maxCachedBody = 1 << 20

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncOutputCacheLookup(result string)
}

// cachedHeaders are the response headers replayed on a hit.
var cachedHeaders = []string{
	"Content-Type",
	"Cache-Control",
	"Content-Language",
	"Last-Modified",
}

// Key identifies a cacheable request by host, path and query.
func Key(r *http.Request) string {
	return r.Host + r.URL.EscapedPath() + "?" + r.URL.RawQuery
}

// Middleware serves cached GET text/html responses and stores fresh ones.
// Backend errors degrade to an uncached pass-through.
func Middleware(c Cache, logger log.Logger, m Metrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	lookup := func(result string) {
		if m != nil {
			m.IncOutputCacheLookup(result)
		}
	}

	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cacheableRequest(r) {
				lookup("bypass")
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			key := Key(r)
			e, ok, err := c.Get(ctx, key)
			if err != nil {
				lookup("error")
				logger.Warn(ctx, "output cache lookup failed", "error", err.Error())
			}
			if ok {
				lookup("hit")
				replay(w, e)
				return
			}
			lookup("miss")

			// a Clear during rendering bumps the generation and Set
			// refuses the now outdated page
			gen, genErr := c.Generation(ctx)
			if genErr != nil {
				logger.Warn(ctx, "output cache generation lookup failed", "error", genErr.Error())
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			w.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(rec, r)

			if genErr != nil || !rec.cacheable() {
				return
			}
			entry := Entry{
				Status:     rec.status,
				Header:     pick(w.Header()),
				Body:       rec.buf.Bytes(),
				StoredAt:   time.Now().UTC(),
				Generation: gen,
			}
			// the request may be cancelled once the response is written
			err = c.Set(context.WithoutCancel(ctx), key, entry)
			switch {
			case errors.Is(err, ErrStale):
				lookup("stale")
				logger.Debug(ctx, "output cache cleared during render, not storing", "key", key)
			case err != nil:
				logger.Warn(ctx, "output cache store failed", "error", err.Error())
			}
		})
	}
}

func cacheableRequest(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Authorization") != "" {
		return false
	}
	cc := strings.ToLower(r.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store")
}

func replay(w http.ResponseWriter, e Entry) {
	h := w.Header()
	for k, vs := range e.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set("X-Cache", "HIT")
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Body)
}

func pick(h http.Header) http.Header {
	out := make(http.Header, len(cachedHeaders))
	for _, k := range cachedHeaders {
		if v := h.Values(k); len(v) > 0 {
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}

// recorder passes the response through while keeping a copy of the body
// until it grows past maxCachedBody.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
	overflow    bool
}

func (r *recorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if !r.overflow {
		if r.buf.Len()+len(p) > maxCachedBody {
			r.overflow = true
			r.buf = bytes.Buffer{}
		} else {
			r.buf.Write(p)
		}
	}
	return r.ResponseWriter.Write(p)
}

func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *recorder) cacheable() bool {
	if r.status != http.StatusOK || r.overflow {
		return false
	}
	h := r.Header()
	if h.Get("Set-Cookie") != "" {
		return false
	}
	cc := strings.ToLower(h.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mt == "text/html"
}
