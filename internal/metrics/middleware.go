package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/httpmw"
)

// Route labels for requests that no chi route matched. Site traffic falls
// through to the site handler, so raw paths never become label values.
const (
	routeSitePage  = "site:page"
	routeSiteAsset = "site:asset"
)

type countingWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *countingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *countingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records inflight, count, latency and response size per
// method and route. It installs a chi route context when none exists so
// the router further in fills the pattern this middleware reads afterwards.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		start := time.Now()
		cw := &countingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)

		m.observe(r, cw, time.Since(start))
	})
}

func (m *ServerMetrics) observe(r *http.Request, cw *countingWriter, elapsed time.Duration) {
	code := cw.status
	if code == 0 {
		code = http.StatusOK
	}
	route := routeLabel(r)

	m.reqTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
	if code >= http.StatusInternalServerError {
		m.errorsTotal.WithLabelValues(r.Method, route).Inc()
	}

	obs := m.reqDur.WithLabelValues(r.Method, route)
	eo, ok := obs.(prometheus.ExemplarObserver)
	if ex := traceExemplar(r.Context()); ok && ex != nil {
		eo.ObserveWithExemplar(elapsed.Seconds(), ex)
	} else {
		obs.Observe(elapsed.Seconds())
	}

	m.respBytes.WithLabelValues(r.Method, route).Observe(float64(cw.bytes))
}

func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	if httpmw.StaticAsset(r.URL.Path) {
		return routeSiteAsset
	}
	return routeSitePage
}

// traceExemplar links a latency sample to its trace when the span is sampled.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
