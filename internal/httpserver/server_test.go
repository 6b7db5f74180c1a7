package httpserver

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
)

type stubToken struct{ v string }

func (s *stubToken) Value() string { return s.v }

func defaultOpts() *Options {
	return &Options{Logger: log.Nop()}
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func siteStub(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, body)
	})
}

func TestNewHandler_Routing(t *testing.T) {
	opts := defaultOpts()
	opts.Health = health.Fixed(true, "")
	opts.Readiness = health.Fixed(false, "draining")
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/bundles/{name}", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "bundle "+chi.URLParam(r, "name"))
		})
	}
	opts.SiteHandler = siteStub("site")
	h := NewHandler(opts)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"health", http.MethodGet, HealthPath, http.StatusOK, "ok"},
		{"ready reports probe", http.MethodGet, ReadyPath, http.StatusServiceUnavailable, "draining"},
		{"api route", http.MethodGet, "/bundles/site.css", http.StatusOK, "bundle site.css"},
		{"site fallback", http.MethodGet, "/about/", http.StatusOK, "site"},
		{"site gets wrong method on api path", http.MethodPost, "/bundles/site.css", http.StatusOK, "site"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, tt.method, tt.path)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestNewHandler_NoSiteHandler404(t *testing.T) {
	rec := doRequest(t, NewHandler(defaultOpts()), http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing on 404")
	}
}

func TestNewHandler_CommonHeaders(t *testing.T) {
	tok := &stubToken{v: "0123abcd"}
	opts := defaultOpts()
	opts.AssetVersion = tok
	opts.SiteHandler = siteStub("x")
	h := NewHandler(opts)

	first := doRequest(t, h, http.MethodGet, "/")
	second := doRequest(t, h, http.MethodGet, "/")

	if first.Header().Get("Content-Security-Policy") == "" {
		t.Fatal("security headers missing")
	}
	id1, id2 := first.Header().Get(httpmw.RequestIDHeader), second.Header().Get(httpmw.RequestIDHeader)
	if id1 == "" || id1 == id2 {
		t.Fatalf("request ids %q %q should be set and unique", id1, id2)
	}
	if first.Header().Get("X-Asset-Version") != "0123abcd" {
		t.Fatalf("X-Asset-Version = %q", first.Header().Get("X-Asset-Version"))
	}

	tok.v = "ffff0000"
	if got := doRequest(t, h, http.MethodGet, "/").Header().Get("X-Asset-Version"); got != "ffff0000" {
		t.Fatalf("X-Asset-Version after regenerate = %q", got)
	}
}

func TestNewHandler_NilOptions(t *testing.T) {
	rec := doRequest(t, NewHandler(nil), http.MethodGet, "/")
	if rec.Header().Get(httpmw.RequestIDHeader) == "" {
		t.Fatal("nil options should still build the middleware stack")
	}
	if rec.Header().Get("X-Asset-Version") != "" {
		t.Fatal("no asset version source, no header")
	}
}

func TestNewHandler_SiteBodyLimitedAPIBodyNot(t *testing.T) {
	readAll := func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, "too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Post("/api/hooks/content-published", readAll)
	}
	opts.SiteHandler = http.HandlerFunc(readAll)
	h := NewHandler(opts)

	big := strings.Repeat("x", 4*MaxSiteBody)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/hooks/content-published", strings.NewReader(big)))
	if rec.Code != http.StatusOK {
		t.Fatalf("api route status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/contact", strings.NewReader(big)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("site status = %d, want 413", rec.Code)
	}
}

func TestNewHandler_OptionalMiddleware(t *testing.T) {
	var seen []string
	tag := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = append(seen, name+":"+httpmw.ClientIPFromContext(r.Context()))
				next.ServeHTTP(w, r)
			})
		}
	}
	opts := defaultOpts()
	opts.RateLimitMW = tag("ratelimit")
	opts.MetricsMW = tag("metrics")
	opts.SiteHandler = siteStub("x")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.9:1234"
	NewHandler(opts).ServeHTTP(httptest.NewRecorder(), req)

	want := []string{"ratelimit:198.51.100.9", "metrics:198.51.100.9"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("middleware saw %v, want %v", seen, want)
	}
}

func TestNewHandler_Recover(t *testing.T) {
	boom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("render failed") })

	t.Run("enabled", func(t *testing.T) {
		panics := 0
		opts := defaultOpts()
		opts.UseRecoverMW = true
		opts.OnPanic = func() { panics++ }
		opts.SiteHandler = boom

		rec := doRequest(t, NewHandler(opts), http.MethodGet, "/")
		if rec.Code != http.StatusInternalServerError || panics != 1 {
			t.Fatalf("status = %d, panics = %d", rec.Code, panics)
		}
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Fatal("security headers must survive a panic")
		}
	})

	t.Run("disabled", func(t *testing.T) {
		opts := defaultOpts()
		opts.SiteHandler = boom
		defer func() {
			if recover() == nil {
				t.Fatal("panic should propagate without the recover middleware")
			}
		}()
		doRequest(t, NewHandler(opts), http.MethodGet, "/")
	})
}

func TestNewHandler_Compression(t *testing.T) {
	opts := defaultOpts()
	opts.SiteHandler = siteStub(strings.Repeat("<p>styled</p>", 200))
	h := NewHandler(opts)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	body, _ := io.ReadAll(zr)
	if !strings.HasPrefix(string(body), "<p>styled</p>") {
		t.Fatalf("body = %.40q", body)
	}

	if rec := doRequest(t, h, http.MethodGet, "/"); rec.Header().Get("Content-Encoding") != "" {
		t.Fatal("no Accept-Encoding, no compression")
	}
}

func TestUntracedAndQuiet(t *testing.T) {
	tests := []struct {
		path     string
		untraced bool
		quiet    bool
	}{
		{HealthPath, true, true},
		{ReadyPath, true, true},
		{"/favicon.ico", true, true},
		{"/robots.txt", true, false},
		{"/bundles/site.css", true, true},
		{"/fonts/brand.woff2", true, true},
		{"/", false, false},
		{"/api/hooks/content-published", false, false},
	}
	for _, tt := range tests {
		if got := untraced(tt.path); got != tt.untraced {
			t.Errorf("untraced(%q) = %v", tt.path, got)
		}
		if got := quiet(httptest.NewRequest(http.MethodGet, tt.path, nil)); got != tt.quiet {
			t.Errorf("quiet(%q) = %v", tt.path, got)
		}
	}
}

func TestNewServer_Timeouts(t *testing.T) {
	srv := NewServer(":8080", http.NotFoundHandler())
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout || srv.ReadTimeout != DefaultReadTimeout ||
		srv.WriteTimeout != DefaultWriteTimeout || srv.IdleTimeout != DefaultIdleTimeout ||
		srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("server = %+v", srv)
	}
}

func TestStart_ServeAndStop(t *testing.T) {
	port := freePort(t)
	opts := defaultOpts()
	opts.Port = port
	opts.Health = health.Fixed(true, "")

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, HealthPath)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get(httpmw.RequestIDHeader) == "" {
		t.Fatalf("status = %d headers = %v", resp.StatusCode, resp.Header)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		if err := stop(sctx); err != nil {
			t.Fatalf("stop #%d: %v", i+1, err)
		}
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("server still accepting after stop")
	}
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	opts := defaultOpts()
	opts.Port = ln.Addr().(*net.TCPAddr).Port
	if _, err := Start(context.Background(), opts); err == nil {
		t.Fatal("Start should fail when the port is taken")
	} else {
		var opErr *net.OpError
		if !errors.As(err, &opErr) {
			t.Fatalf("err = %v, want *net.OpError in chain", err)
		}
	}
}
