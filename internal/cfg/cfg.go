package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
)

// EnvPrefix is the environment prefix for every flag.
const EnvPrefix = "SITESTYLE_"

// Content store backends.
const (
	ContentDir = "dir"
	ContentS3  = "s3"
)

// Publish feed sources. The webhook is independent of the feed.
const (
	FeedNone = "none"
	FeedSSM  = "ssm"
	FeedDir  = "dir"
)

// Output cache backends.
const (
	OutputCacheNone   = "none"
	OutputCacheMemory = "memory"
	OutputCacheValkey = "valkey"
)

type App struct {
	ConfigFile string

	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	PublicRoot string
	CacheRoot  string
	MediaRoot  string

	StylesheetPath   string
	FontsDir         string
	FontProperty     string
	FontFileProperty string
	TargetType       string
	InvalidateCaches bool
	StepTimeout      time.Duration
	Bundles          Bundles

	Content      string
	ContentRoot  string
	CMSS3Bucket  string
	CMSS3Prefix  string
	Feed         string
	FeedSSMParam string
	FeedInterval time.Duration
	FeedInitial  bool
	FeedDebounce time.Duration
	HookSecret   string
	HookRate     float64
	HookBurst    int
	SiteRate     float64
	SiteBurst    int
	TrustedHops  int

	OutputCache     string
	OutputCacheTTL  time.Duration
	ValkeyAddress   string
	ValkeyUsername  string
	ValkeyPassword  string
	ValkeyDB        int
	ValkeyPrefix    string
	ValkeyTLS       bool
	ValkeyTLSCAFile string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML config file (keys are flag names)")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.PublicRoot, "public-root", "./public", "public asset root served by the site")
	fs.StringVar(&c.CacheRoot, "cache-root", "./var/cache", "root for compiled bundle output")
	fs.StringVar(&c.MediaRoot, "media-root", "", "root media file paths resolve against (default: public-root)")

	fs.StringVar(&c.StylesheetPath, "stylesheet-path", "css/theme.css", "generated stylesheet path under public-root")
	fs.StringVar(&c.FontsDir, "fonts-dir", "fonts", "font output directory under public-root")
	fs.StringVar(&c.FontProperty, "font-property", "fontArchive", "settings property holding font archive references")
	fs.StringVar(&c.FontFileProperty, "font-file-property", "umbracoFile", "media property holding the uploaded file path")
	fs.StringVar(&c.TargetType, "target-type", "siteSettings", "content type whose publish regenerates styling")
	fs.BoolVar(&c.InvalidateCaches, "invalidate-caches", true, "regenerate the token and clear caches on publish (production)")
	fs.DurationVar(&c.StepTimeout, "publish-step-timeout", 2*time.Minute, "bound on each publish step (0 disables)")
	fs.Var(&c.Bundles, "bundle", "bundle definition name=src[,src...] (repeatable, ';' separates several)")

	fs.StringVar(&c.Content, "content", ContentDir, "content store: dir|s3")
	fs.StringVar(&c.ContentRoot, "content-root", "./cms", "directory holding content/ and media/ documents (content=dir)")
	fs.StringVar(&c.CMSS3Bucket, "cms-s3-bucket", "", "s3 bucket holding CMS documents (content=s3 or feed=ssm)")
	fs.StringVar(&c.CMSS3Prefix, "cms-s3-prefix", "cms", "s3 prefix holding CMS documents")
	fs.StringVar(&c.Feed, "feed", FeedNone, "publish feed: none|ssm|dir")
	fs.StringVar(&c.FeedSSMParam, "feed-ssm-param", "", "ssm parameter holding the latest publish revision (feed=ssm)")
	fs.DurationVar(&c.FeedInterval, "feed-interval", 15*time.Second, "ssm poll interval")
	fs.BoolVar(&c.FeedInitial, "feed-publish-initial", false, "publish the revision seen on the first poll")
	fs.DurationVar(&c.FeedDebounce, "feed-debounce", 250*time.Millisecond, "directory watcher debounce (feed=dir)")
	fs.StringVar(&c.HookSecret, "hook-secret", "", "bearer token for the publish webhook (empty disables it)")
	fs.Float64Var(&c.HookRate, "hook-rate", 1, "webhook requests per second per IP")
	fs.IntVar(&c.HookBurst, "hook-burst", 5, "webhook burst per IP")
	fs.Float64Var(&c.SiteRate, "site-rate", 10, "site requests per second per IP")
	fs.IntVar(&c.SiteBurst, "site-burst", 30, "site burst per IP")
	fs.IntVar(&c.TrustedHops, "trusted-proxy-hops", 1, "number of trusted proxies in front of the site")

	fs.StringVar(&c.OutputCache, "output-cache", OutputCacheMemory, "rendered output cache: none|memory|valkey")
	fs.DurationVar(&c.OutputCacheTTL, "output-cache-ttl", 10*time.Minute, "rendered output cache entry TTL")
	fs.StringVar(&c.ValkeyAddress, "valkey-address", "", "valkey host:port (output-cache=valkey)")
	fs.StringVar(&c.ValkeyUsername, "valkey-username", "", "valkey ACL username")
	fs.StringVar(&c.ValkeyPassword, "valkey-password", "", "valkey password")
	fs.IntVar(&c.ValkeyDB, "valkey-db", 0, "valkey database index")
	fs.StringVar(&c.ValkeyPrefix, "valkey-prefix", "sitestyle:out", "valkey key prefix")
	fs.BoolVar(&c.ValkeyTLS, "valkey-tls", false, "connect to valkey over TLS")
	fs.StringVar(&c.ValkeyTLSCAFile, "valkey-tls-ca-file", "", "CA bundle for valkey TLS")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// FillFromFile sets flags not already set on the CLI or from the
// environment from a YAML file whose top-level keys are flag names. Run it
// after FillFromEnv: fs.Set marks env-filled flags as set, which gives
// cli > env > file > default. Unknown keys are reported through logf.
func FillFromFile(fs *flag.FlagSet, path string, logf func(string, ...any)) error {
	if path == "" {
		return nil
	}
	// bundle names contain dots, so "." cannot be the key delimiter
	k := koanf.New("/")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("config: load file %s: %w", path, err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var errs []error
	raw := k.Raw()
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		f := fs.Lookup(key)
		if f == nil {
			if logf != nil {
				logf("config file %s: unknown key %q", path, key)
			}
			continue
		}
		if set[key] {
			continue
		}
		for _, v := range fileValues(raw[key]) {
			if err := fs.Set(key, v); err != nil {
				errs = append(errs, fmt.Errorf("config file %s: key %q: %w", path, key, err))
				break
			}
		}
	}
	return errors.Join(errs...)
}

// fileValues renders a YAML value as one or more flag strings. Lists map
// to repeated Set calls; a mapping is rendered as name=v1,v2 entries.
func fileValues(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case map[string]any:
		names := make([]string, 0, len(t))
		for name := range t {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]string, 0, len(names))
		for _, name := range names {
			srcs := fileValues(t[name])
			out = append(out, name+"="+strings.Join(srcs, ","))
		}
		return out
	default:
		return []string{fmt.Sprint(t)}
	}
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Roots and style paths
	if c.PublicRoot == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_ROOT is required"))
	}
	if c.CacheRoot == "" {
		errs = append(errs, fmt.Errorf("CACHE_ROOT is required"))
	}
	if !relativePath(c.StylesheetPath) || !strings.HasSuffix(c.StylesheetPath, ".css") {
		errs = append(errs, fmt.Errorf("STYLESHEET_PATH must be a relative .css path (got %q)", c.StylesheetPath))
	}
	if !relativePath(c.FontsDir) {
		errs = append(errs, fmt.Errorf("FONTS_DIR must be a relative path (got %q)", c.FontsDir))
	}
	if strings.TrimSpace(c.TargetType) == "" {
		errs = append(errs, fmt.Errorf("TARGET_TYPE is required"))
	}
	if c.FontProperty == "" || c.FontFileProperty == "" {
		errs = append(errs, fmt.Errorf("FONT_PROPERTY and FONT_FILE_PROPERTY are required"))
	}

	// Content store and feed
	switch c.Content {
	case ContentDir:
		if c.ContentRoot == "" {
			errs = append(errs, fmt.Errorf("CONTENT_ROOT required when CONTENT=dir"))
		}
	case ContentS3:
		if c.CMSS3Bucket == "" {
			errs = append(errs, fmt.Errorf("CMS_S3_BUCKET required when CONTENT=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CONTENT %q (dir|s3)", c.Content))
	}
	switch c.Feed {
	case FeedNone:
	case FeedSSM:
		if c.FeedSSMParam == "" {
			errs = append(errs, fmt.Errorf("FEED_SSM_PARAM required when FEED=ssm"))
		}
		if c.CMSS3Bucket == "" {
			errs = append(errs, fmt.Errorf("CMS_S3_BUCKET required when FEED=ssm"))
		}
		if c.FeedInterval < time.Second {
			errs = append(errs, fmt.Errorf("FEED_INTERVAL must be at least 1s (got %s)", c.FeedInterval))
		}
	case FeedDir:
		if c.Content != ContentDir {
			errs = append(errs, fmt.Errorf("FEED=dir requires CONTENT=dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid FEED %q (none|ssm|dir)", c.Feed))
	}
	if c.HookSecret != "" && len(c.HookSecret) < 16 {
		errs = append(errs, fmt.Errorf("HOOK_SECRET must be at least 16 characters"))
	}
	if c.HookRate <= 0 || c.HookBurst < 1 || c.SiteRate <= 0 || c.SiteBurst < 1 {
		errs = append(errs, fmt.Errorf("rate limits must be positive"))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be >= 0"))
	}

	// Output cache
	switch c.OutputCache {
	case OutputCacheNone, OutputCacheMemory:
	case OutputCacheValkey:
		if c.ValkeyAddress == "" {
			errs = append(errs, fmt.Errorf("VALKEY_ADDRESS required when OUTPUT_CACHE=valkey"))
		} else if _, _, err := net.SplitHostPort(c.ValkeyAddress); err != nil {
			errs = append(errs, fmt.Errorf("VALKEY_ADDRESS must be host:port (got %q): %v", c.ValkeyAddress, err))
		}
		if c.ValkeyDB < 0 {
			errs = append(errs, fmt.Errorf("VALKEY_DB must be >= 0"))
		}
		if c.ValkeyTLSCAFile != "" && !c.ValkeyTLS {
			errs = append(errs, fmt.Errorf("VALKEY_TLS_CA_FILE requires VALKEY_TLS=true"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid OUTPUT_CACHE %q (none|memory|valkey)", c.OutputCache))
	}
	if c.OutputCache != OutputCacheNone && c.OutputCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("OUTPUT_CACHE_TTL must be positive"))
	}
	if c.StepTimeout < 0 {
		errs = append(errs, fmt.Errorf("PUBLISH_STEP_TIMEOUT must not be negative (got %s)", c.StepTimeout))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func relativePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return false
	}
	clean := path.Clean(p)
	return clean == p && clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}
