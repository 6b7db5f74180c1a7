// Package version reports build metadata. Release builds set the variables
// with -ldflags -X; anything left unset is filled from the module's
// embedded VCS settings.
package version

import (
	"runtime/debug"
	"strconv"
	"strings"
)

// AppName is the application name used in logs, metrics and traces.
const AppName = "linnemanlabs-sitestyle"

var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	info := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info = info.withBuildInfo(bi)
	}
	return info
}

// withBuildInfo fills fields still at their zero or placeholder value.
func (i Info) withBuildInfo(bi *debug.BuildInfo) Info {
	if i.GoVersion == "" {
		i.GoVersion = bi.GoVersion
	}
	for _, s := range bi.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "" || i.Commit == "none" {
				i.Commit = s.Value
			}
		case "vcs.time":
			if i.CommitDate == "" {
				i.CommitDate = s.Value
			}
			if i.BuildDate == "" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			if b, err := strconv.ParseBool(s.Value); err == nil && i.VCSDirty == nil {
				i.VCSDirty = &b
			}
		}
	}
	return i
}

// String renders the version with a short commit, e.g. "1.4.0 (0123456, dirty)".
func (i Info) String() string {
	var extra []string
	if c := i.Commit; c != "" && c != "none" {
		extra = append(extra, c[:min(len(c), 7)])
	}
	if i.VCSDirty != nil && *i.VCSDirty {
		extra = append(extra, "dirty")
	}
	if len(extra) == 0 {
		return i.Version
	}
	return i.Version + " (" + strings.Join(extra, ", ") + ")"
}

// UserAgent is the product token sent on outbound calls, e.g. the AWS app id.
func (i Info) UserAgent(app string) string {
	return app + "/" + i.Version
}
