package prof

import (
	"context"
	"errors"
	"testing"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
)

type fakeProfiler struct{ stops int }

func (f *fakeProfiler) Stop() error { f.stops++; return nil }

// stubStart replaces the agent for the duration of the test.
func stubStart(t *testing.T, p profiler, err error) *pyroscope.Config {
	t.Helper()
	var got pyroscope.Config
	orig := startProfiler
	startProfiler = func(c pyroscope.Config) (profiler, error) {
		got = c
		return p, err
	}
	t.Cleanup(func() { startProfiler = orig })
	return &got
}

func TestStart_Disabled(t *testing.T) {
	stubStart(t, nil, errors.New("must not be called"))

	var active []bool
	stop, err := Start(context.Background(), Options{
		ServerAddress: "::not a url",
		OnActive:      func(b bool) { active = append(active, b) },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
	stop()
	if len(active) != 1 || active[0] {
		t.Fatalf("OnActive calls = %v, want [false]", active)
	}
}

func TestStart_InvalidAddress(t *testing.T) {
	stubStart(t, &fakeProfiler{}, nil)
	for _, addr := range []string{"", "localhost:4040", "http://"} {
		stop, err := Start(context.Background(), Options{Enabled: true, ServerAddress: addr})
		if err == nil {
			t.Errorf("address %q accepted", addr)
		}
		if stop == nil {
			t.Fatalf("address %q: stop func is nil", addr)
		}
		stop()
	}
}

func TestStart_AgentError(t *testing.T) {
	stubStart(t, nil, errors.New("connection refused"))

	var last bool
	stop, err := Start(context.Background(), Options{
		Enabled:       true,
		ServerAddress: "http://127.0.0.1:4040",
		OnActive:      func(b bool) { last = b },
	})
	if err == nil {
		t.Fatal("expected error from agent start")
	}
	stop()
	if last {
		t.Fatal("profiling reported active after failed start")
	}
}

func TestStart_Enabled(t *testing.T) {
	fp := &fakeProfiler{}
	cfg := stubStart(t, fp, nil)

	var active []bool
	ctx := log.WithContext(context.Background(), log.Nop())
	stop, err := Start(ctx, Options{
		Enabled:       true,
		AppName:       "linnemanlabs-sitestyle",
		ServerAddress: "http://127.0.0.1:4040",
		TenantID:      "tenant-a",
		Tags:          map[string]string{"component": "server"},
		OnActive:      func(b bool) { active = append(active, b) },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if cfg.ApplicationName != "linnemanlabs-sitestyle" || cfg.TenantID != "tenant-a" || cfg.Tags["component"] != "server" {
		t.Fatalf("config = %+v", *cfg)
	}
	if cfg.Logger == nil {
		t.Fatal("agent logger not set")
	}

	stop()
	stop()
	if fp.stops != 1 {
		t.Fatalf("Stop called %d times", fp.stops)
	}
	if len(active) != 3 || active[0] || !active[1] || active[2] {
		t.Fatalf("OnActive calls = %v, want [false true false]", active)
	}
}

func TestProfileTypes(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want int
	}{
		{"base", Options{}, len(baseProfiles)},
		{"mutex", Options{ProfileMutexFraction: 5}, len(baseProfiles) + 2},
		{"block", Options{BlockProfileRate: 10000}, len(baseProfiles) + 2},
		{"both", Options{ProfileMutexFraction: 5, BlockProfileRate: 10000}, len(baseProfiles) + 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := profileTypes(tt.opts); len(got) != tt.want {
				t.Fatalf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
	// the shared base slice must not grow
	if len(baseProfiles) != 6 {
		t.Fatalf("baseProfiles mutated: %d", len(baseProfiles))
	}
}
