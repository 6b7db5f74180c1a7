package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/health"
)

// DefaultPort is used when Options.Port is zero.
const DefaultPort = 9000

// Options configures the admin listener. A nil probe always passes.
type Options struct {
	Port    int
	Metrics http.Handler

	EnablePprof bool

	Health    health.Probe
	Readiness health.Probe

	UseRecoverMW bool
	// OnPanic runs after a recovered panic, e.g. to count it.
	OnPanic func()
}
