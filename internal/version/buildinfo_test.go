package version

import (
	"runtime/debug"
	"testing"
)

func TestWithBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.25.1",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "9f2c1ab77e0d"},
			{Key: "vcs.time", Value: "2026-03-02T10:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	t.Run("fills placeholders", func(t *testing.T) {
		got := Info{Version: "dev", Commit: "none"}.withBuildInfo(bi)
		if got.Commit != "9f2c1ab77e0d" || got.GoVersion != "go1.25.1" {
			t.Fatalf("got %+v", got)
		}
		if got.CommitDate != "2026-03-02T10:00:00Z" || got.BuildDate != got.CommitDate {
			t.Fatalf("dates = %q %q", got.CommitDate, got.BuildDate)
		}
		if got.VCSDirty == nil || !*got.VCSDirty {
			t.Fatalf("VCSDirty = %v", got.VCSDirty)
		}
	})

	t.Run("ldflags win", func(t *testing.T) {
		clean := false
		in := Info{
			Version:    "1.4.0",
			Commit:     "0123456",
			CommitDate: "2026-01-01",
			BuildDate:  "2026-01-02",
			GoVersion:  "go1.24.0",
			VCSDirty:   &clean,
		}
		got := in.withBuildInfo(bi)
		if got.Commit != in.Commit || got.CommitDate != in.CommitDate || got.BuildDate != in.BuildDate {
			t.Fatalf("got %+v", got)
		}
		if got.GoVersion != "go1.24.0" || *got.VCSDirty {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("bad modified value", func(t *testing.T) {
		got := Info{}.withBuildInfo(&debug.BuildInfo{Settings: []debug.BuildSetting{{Key: "vcs.modified", Value: "maybe"}}})
		if got.VCSDirty != nil {
			t.Fatalf("VCSDirty = %v", *got.VCSDirty)
		}
	})
}
