// Package prof pushes continuous profiles to pyroscope. Off by default.
package prof

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// Runtime sampling for the mutex and block profiles. Zero leaves the
	// runtime default and drops the matching profile types.
	ProfileMutexFraction int
	BlockProfileRate     int

	// OnActive reports whether profiling is running, for the profiling_active gauge.
	OnActive func(active bool)
}

type profiler interface{ Stop() error }

// swapped in tests so nothing dials a real server
var startProfiler = func(c pyroscope.Config) (profiler, error) {
	p, err := pyroscope.Start(c)
	if err != nil {
		return nil, err
	}
	return p, nil
}

var baseProfiles = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
}

func profileTypes(opts Options) []pyroscope.ProfileType {
	types := append([]pyroscope.ProfileType(nil), baseProfiles...)
	if opts.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

func config(opts Options, L log.Logger) (pyroscope.Config, error) {
	u, err := url.Parse(opts.ServerAddress)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return pyroscope.Config{}, xerrors.Newf("invalid pyroscope server address %q", opts.ServerAddress)
	}
	return pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    profileTypes(opts),
		Logger:          agentLogger{L: L},
	}, nil
}

// Start begins pushing profiles. The returned stop func is always non-nil
// and safe to call more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	setActive := func(b bool) {
		if opts.OnActive != nil {
			opts.OnActive(b)
		}
	}
	setActive(false)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}

	cfg, err := config(opts, L)
	if err != nil {
		return noop, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	p, err := startProfiler(cfg)
	if err != nil {
		return noop, xerrors.Wrap(err, "start pyroscope")
	}
	setActive(true)
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "profiles", len(cfg.ProfileTypes))

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := p.Stop(); err != nil {
				L.Warn(context.Background(), "pyroscope stop", "err", err)
			}
			setActive(false)
			L.Info(context.Background(), "pyroscope stopped")
		})
	}, nil
}

// agentLogger routes the agent's printf logging through our logger.
type agentLogger struct{ L log.Logger }

func (a agentLogger) Infof(format string, args ...any) {
	a.L.Debug(context.Background(), fmt.Sprintf(format, args...), "source", "pyroscope")
}

func (a agentLogger) Debugf(format string, args ...any) {
	a.L.Debug(context.Background(), fmt.Sprintf(format, args...), "source", "pyroscope")
}

func (a agentLogger) Errorf(format string, args ...any) {
	a.L.Warn(context.Background(), fmt.Sprintf(format, args...), "source", "pyroscope")
}
