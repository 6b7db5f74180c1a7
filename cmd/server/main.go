package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/assets"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/bundler"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cachebust"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cms"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/events"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/feed"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/fonts"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/hookhttp"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/outputcache"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/publish"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/sitehandler"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/stylesheet"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/webassets"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/prof"
	v "github.com/keithlinneman/linnemanlabs-sitestyle/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags, env and the optional config file
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit_date=%s, build_id=%s, build_date=%s, go=%s)\n",
			v.AppName, vi, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
		)
		os.Exit(0)
	}

	logf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, logf)
	if err := cfg.FillFromFile(flag.CommandLine, conf.ConfigFile, logf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		stackLvl = lvl
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"public_root", conf.PublicRoot,
		"cache_root", conf.CacheRoot,
		"target_type", conf.TargetType,
		"invalidate_caches", conf.InvalidateCaches,
		"content", conf.Content,
		"feed", conf.Feed,
		"output_cache", conf.OutputCache,
		"hook_enabled", conf.HookSecret != "",
		"bundles", conf.Bundles.String(),
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Filesystem roots
	publicFS := osfs.New(conf.PublicRoot)
	cacheFS := osfs.New(conf.CacheRoot)
	mediaFS := publicFS
	if conf.MediaRoot != "" {
		mediaFS = osfs.New(conf.MediaRoot)
	}

	// an empty public root gets the embedded starter site so the first publish has something to style
	if n, err := webassets.SeedInto(publicFS); err != nil {
		L.Error(ctx, err, "failed to seed public root")
	} else if n > 0 {
		L.Info(ctx, "seeded empty public root", "files", n)
	}

	// Content store
	var (
		store     contentStore
		s3Store   *cms.S3Store
		ssmClient *ssm.Client
	)
	if conf.Content == cfg.ContentS3 || conf.Feed == cfg.FeedSSM {
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithAppID(vi.UserAgent(v.AppName)))
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		s3Store, err = cms.NewS3Store(cms.S3StoreOptions{
			Logger: L,
			Client: s3.NewFromConfig(awsCfg),
			Bucket: conf.CMSS3Bucket,
			Prefix: conf.CMSS3Prefix,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create s3 content store")
			os.Exit(1)
		}
		ssmClient = ssm.NewFromConfig(awsCfg)
	}
	switch conf.Content {
	case cfg.ContentS3:
		store = s3Store
	default:
		store = cms.NewDirStore(osfs.New(conf.ContentRoot))
	}

	// The token every rendered asset URL carries
	tok := cachebust.New(cachebust.WithOnRegenerate(func(prev, next string) {
		m.TokenRegenerated(prev, next)
		L.Info(context.Background(), "cache-bust token regenerated", "previous", prev, "token", next)
	}))
	m.SetStyleToken(tok.Value())

	bnd, err := bundler.New(bundler.Options{
		Logger:   L,
		SourceFS: publicFS,
		CacheFS:  cacheFS,
		Bundles:  conf.Bundles,
		Metrics:  m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create bundler")
		os.Exit(1)
	}

	outCache, err := newOutputCache(conf)
	if err != nil {
		L.Error(ctx, err, "failed to create output cache", "backend", conf.OutputCache)
		os.Exit(1)
	}

	wfOpts := publish.Options{
		Logger:  L,
		Content: store,
		Stylesheet: &stylesheet.Writer{
			FS:     publicFS,
			Path:   conf.StylesheetPath,
			Logger: L,
		},
		Fonts: &fonts.Extractor{
			Media:        store,
			MediaFS:      mediaFS,
			OutFS:        publicFS,
			OutDir:       conf.FontsDir,
			FileProperty: conf.FontFileProperty,
			Logger:       L,
		},
		FontProperty:     conf.FontProperty,
		Token:            tok,
		Bundler:          bnd,
		TargetType:       conf.TargetType,
		InvalidateCaches: conf.InvalidateCaches,
		StepTimeout:      conf.StepTimeout,
		OutputCache:      outCache,
		Metrics:          m,
	}
	wf, err := publish.New(wfOpts)
	if err != nil {
		L.Error(ctx, err, "failed to create publish workflow")
		os.Exit(1)
	}

	bus := events.NewBus(L)
	bus.Subscribe("publish", wf.Handle)

	// Publish feed
	switch conf.Feed {
	case cfg.FeedSSM:
		poller, err := feed.NewPoller(feed.PollerOptions{
			Logger:         L,
			Revisions:      &feed.SSMRevisions{Client: ssmClient, Param: conf.FeedSSMParam},
			Events:         s3Store,
			Publisher:      bus,
			PollInterval:   conf.FeedInterval,
			PublishInitial: conf.FeedInitial,
			Metrics:        m,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create ssm publish poller")
			os.Exit(1)
		}
		go func() {
			if err := poller.Run(ctx); err != nil {
				L.Error(ctx, err, "publish poller stopped")
			}
		}()
	case cfg.FeedDir:
		watcher, err := feed.NewDirWatcher(feed.DirWatcherOptions{
			Logger:    L,
			Dir:       filepath.Join(conf.ContentRoot, "content"),
			Content:   store,
			Publisher: bus,
			Debounce:  conf.FeedDebounce,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create content directory watcher")
			os.Exit(1)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				L.Error(ctx, err, "content directory watcher stopped")
			}
		}()
	}

	// setup site handler that serves the public root
	siteHandler, err := sitehandler.New(sitehandler.Options{
		Logger:     L,
		Root:       publicFS,
		Token:      tok,
		FallbackFS: webassets.FallbackFS(),
	})
	if err != nil {
		L.Error(ctx, err, "failed to create site handler")
		os.Exit(1)
	}
	var cacheMW func(http.Handler) http.Handler
	if outCache != nil {
		cacheMW = outputcache.Middleware(outCache, L, m)
	}
	site := httpmw.Chain(siteHandler, cacheMW)

	// webhook gets its own, stricter limiter in front of the site one
	var hookAPI *hookhttp.API
	if conf.HookSecret != "" {
		hookLimiter := newLimiter(ctx, L, m, "hook", conf.HookRate, conf.HookBurst)
		hookAPI, err = hookhttp.NewAPI(hookhttp.Options{
			Logger:    L,
			Publisher: bus,
			Secret:    conf.HookSecret,
			Token:     tok,
			Reports:   wf,
			RateLimit: hookLimiter.Middleware,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create publish webhook")
			os.Exit(1)
		}
	} else {
		L.Info(ctx, "hook-secret not set, publish webhook disabled")
	}
	siteLimiter := newLimiter(ctx, L, m, "site", conf.SiteRate, conf.SiteBurst)

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// ready once we are not draining and the public root can be listed
	readiness := health.All(
		gate.Probe(),
		health.DirReadable("public root", publicFS, "."),
	)

	apiRoutes := func(r chi.Router) {
		r.With(httpmw.Scope("bundles")).Mount(strings.TrimSuffix(assets.BundlePrefix, "/"), bnd.Handler(tok))
		if hookAPI != nil {
			hookAPI.RegisterRoutes(r)
		}
	}

	// start site http server
	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  siteLimiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		AssetVersion: tok,
		APIRoutes:    apiRoutes,
		SiteHandler:  site,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener port")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// admin/ops listener serves metrics, health checks and pprof to internal
	// peers only; public peers are rejected in middleware in case the
	// security group is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	L.Info(context.Background(), "sleeping 60s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(60 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}

	// accepted webhook events still regenerating finish before caches close
	if hookAPI != nil {
		if err := hookAPI.Wait(shutdownCtx); err != nil {
			L.Error(context.Background(), err, "publish webhook drain")
		}
	}

	if outCache != nil {
		if err := outCache.Close(shutdownCtx); err != nil {
			L.Error(context.Background(), err, "output cache close")
		}
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// contentStore is what the workflow, extractor and dir watcher need from
// the CMS. cms.DirStore and cms.S3Store both satisfy it.
type contentStore interface {
	cms.ContentStore
	cms.MediaStore
}

func newOutputCache(conf cfg.App) (outputcache.Cache, error) {
	switch conf.OutputCache {
	case cfg.OutputCacheMemory:
		return outputcache.NewMemory(conf.OutputCacheTTL), nil
	case cfg.OutputCacheValkey:
		return outputcache.NewValkey(outputcache.ValkeyConfig{
			Address:   conf.ValkeyAddress,
			Username:  conf.ValkeyUsername,
			Password:  conf.ValkeyPassword,
			DB:        conf.ValkeyDB,
			Prefix:    conf.ValkeyPrefix,
			TTL:       conf.OutputCacheTTL,
			TLS:       conf.ValkeyTLS,
			TLSCAFile: conf.ValkeyTLSCAFile,
		})
	default:
		return nil, nil
	}
}

func newLimiter(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, scope string, rate float64, burst int) *ratelimit.IPLimiter {
	return ratelimit.New(ctx,
		ratelimit.WithRate(rate, burst),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied(scope)
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip, "scope", scope)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity(scope)
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted", "scope", scope)
		}),
	)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
