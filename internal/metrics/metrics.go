package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   *prometheus.CounterVec
	ratelimitCapacityTotal *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// publish workflow
	publishEventsTotal   prometheus.Counter
	publishEntitiesTotal *prometheus.CounterVec
	publishStepsTotal    *prometheus.CounterVec
	publishDuration      prometheus.Histogram
	tokenRegenTotal      prometheus.Counter
	tokenInfo            *prometheus.GaugeVec

	// cache layers
	bundleLookupsTotal      *prometheus.CounterVec
	bundleCompileDuration   prometheus.Histogram
	bundleClearsTotal       prometheus.Counter
	outputCacheLookupsTotal *prometheus.CounterVec

	// publish feed
	feedPollsTotal    prometheus.Counter
	feedEventsTotal   prometheus.Counter
	feedErrorsTotal   *prometheus.CounterVec
	feedLastSuccessTs prometheus.Gauge
	feedStale         prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter, by listener scope",
		}, []string{"scope"}),
		ratelimitCapacityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached, by listener scope",
		}, []string{"scope"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		publishEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publish_events_total",
			Help: "Total publish events handled by the style workflow",
		}),
		publishEntitiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_entities_total",
			Help: "Published entities by outcome (generated, skipped, missing, failed)",
		}, []string{"outcome"}),
		publishStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_steps_total",
			Help: "Workflow steps by step and result (ok, failed, suppressed, disabled)",
		}, []string{"step", "result"}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "publish_duration_seconds",
			Help:    "Time to handle one publish event",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		tokenRegenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "style_token_regenerations_total",
			Help: "Total cache-bust token regenerations",
		}),
		tokenInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "style_token_info",
			Help: "Current cache-bust token (label carries value, gauge is always 1)",
		}, []string{"token"}),
		bundleLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundle_lookups_total",
			Help: "Bundle lookups by result (memory, disk, compiled, error)",
		}, []string{"result"}),
		bundleCompileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bundle_compile_duration_seconds",
			Help:    "Time to compile and store a bundle",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		bundleClearsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bundle_cache_clears_total",
			Help: "Total bundler cache clears",
		}),
		outputCacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "output_cache_lookups_total",
			Help: "Rendered output cache lookups by result (hit, miss, bypass, error, stale)",
		}, []string{"result"}),
		feedPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publish_feed_polls_total",
			Help: "Total number of publish feed poll cycles",
		}),
		feedEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publish_feed_events_total",
			Help: "Total publish events fetched from the feed",
		}),
		feedErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_feed_errors_total",
			Help: "Total publish feed errors by type",
		}, []string{"type"}),
		feedLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "publish_feed_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful SSM poll",
		}),
		feedStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "publish_feed_stale",
			Help: "Whether the publish feed is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.publishEventsTotal,
		m.publishEntitiesTotal,
		m.publishStepsTotal,
		m.publishDuration,
		m.tokenRegenTotal,
		m.tokenInfo,
		m.bundleLookupsTotal,
		m.bundleCompileDuration,
		m.bundleClearsTotal,
		m.outputCacheLookupsTotal,
		m.feedPollsTotal,
		m.feedEventsTotal,
		m.feedErrorsTotal,
		m.feedLastSuccessTs,
		m.feedStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied(scope string) {
	m.ratelimitDeniedTotal.WithLabelValues(scope).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity(scope string) {
	m.ratelimitCapacityTotal.WithLabelValues(scope).Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

func (m *ServerMetrics) IncPublishEvent() {
	m.publishEventsTotal.Inc()
}

func (m *ServerMetrics) IncPublishEntity(outcome string) {
	m.publishEntitiesTotal.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) IncPublishStep(step, result string) {
	m.publishStepsTotal.WithLabelValues(step, result).Inc()
}

func (m *ServerMetrics) ObservePublishDuration(seconds float64) {
	m.publishDuration.Observe(seconds)
}

// TokenRegenerated fits cachebust.WithOnRegenerate.
func (m *ServerMetrics) TokenRegenerated(_, next string) {
	m.tokenRegenTotal.Inc()
	m.SetStyleToken(next)
}

func (m *ServerMetrics) SetStyleToken(token string) {
	m.tokenInfo.Reset() // one live token
	m.tokenInfo.WithLabelValues(token).Set(1)
}

func (m *ServerMetrics) IncBundleLookup(result string) {
	m.bundleLookupsTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) ObserveBundleCompile(seconds float64) {
	m.bundleCompileDuration.Observe(seconds)
}

func (m *ServerMetrics) IncBundleClear() {
	m.bundleClearsTotal.Inc()
}

func (m *ServerMetrics) IncOutputCacheLookup(result string) {
	m.outputCacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncFeedPolls() {
	m.feedPollsTotal.Inc()
}

func (m *ServerMetrics) IncFeedEvents() {
	m.feedEventsTotal.Inc()
}

func (m *ServerMetrics) IncFeedError(errType string) {
	m.feedErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) SetFeedLastSuccess(unixSeconds float64) {
	m.feedLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetFeedStale(stale bool) {
	m.feedStale.Set(boolGauge(stale))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
