package feed

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cms"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

const (
	// DefaultPollInterval is how often the poller checks SSM for a new revision.
	DefaultPollInterval = 15 * time.Second

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange   pollResult = iota // revision unchanged
	pollSeeded                       // first revision recorded without publishing
	pollPublished                    // new revision fetched and published
	pollSSMError                     // SSM read failed, caller backs off
	pollFetchError                   // SSM succeeded but the event could not be fetched
)

// RevisionSource yields the latest publish revision.
type RevisionSource interface {
	CurrentRevision(ctx context.Context) (string, error)
}

// EventFetcher loads the event stored for a revision. cms.S3Store implements it.
type EventFetcher interface {
	GetEvent(ctx context.Context, rev string) (*cms.PublishEvent, error)
}

// PollerMetrics is implemented by the metrics package.
type PollerMetrics interface {
	IncFeedPolls()
	IncFeedEvents()
	IncFeedError(errType string)
	SetFeedLastSuccess(unixSeconds float64)
	SetFeedStale(stale bool)
}

type PollerOptions struct {
	Logger       log.Logger
	Revisions    RevisionSource
	Events       EventFetcher
	Publisher    Publisher
	PollInterval time.Duration

	// PublishInitial publishes the revision seen on the first poll instead
	// of only recording it. Set it when the process must regenerate on
	// start because a publish may have happened while it was down.
	PublishInitial bool

	// StaleThreshold is how long since the last successful SSM poll before
	// the poller reports staleness. Zero defaults to 30 minutes.
	StaleThreshold time.Duration

	Metrics PollerMetrics
}

// Poller watches the revision parameter and publishes new events.
type Poller struct {
	revisions RevisionSource
	events    EventFetcher
	publisher Publisher
	logger    log.Logger
	interval  time.Duration
	metrics   PollerMetrics

	publishInitial bool
	currentRev     string
	seeded         bool

	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount    int64
	publishCount int64
}

func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Revisions == nil || opts.Events == nil || opts.Publisher == nil {
		return nil, xerrors.New("feed: Revisions, Events and Publisher are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = 30 * time.Minute
	}
	return &Poller{
		revisions:      opts.Revisions,
		events:         opts.Events,
		publisher:      opts.Publisher,
		logger:         opts.Logger.With("component", "feed.poller"),
		interval:       interval,
		metrics:        opts.Metrics,
		publishInitial: opts.PublishInitial,
		staleThreshold: stale,
		lastSuccessAt:  time.Now(),
	}, nil
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info(ctx, "publish feed poller starting", "poll_interval", p.interval.String())

	p.step(ctx, p.checkOnce(ctx), nil)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info(ctx, "publish feed poller stopping",
				"reason", ctx.Err(),
				"polls", p.pollCount,
				"published", p.publishCount,
			)
			return ctx.Err()
		case <-ticker.C:
			p.step(ctx, p.checkOnce(ctx), ticker)
		}
	}
}

// step applies backoff and staleness bookkeeping after a poll.
func (p *Poller) step(ctx context.Context, result pollResult, ticker *time.Ticker) {
	if result == pollSSMError {
		p.consecutiveErrs++
		backoff := p.backoffDuration()
		p.logger.Warn(ctx, "publish feed: backing off",
			"consecutive_errors", p.consecutiveErrs,
			"next_poll_in", backoff.String(),
		)
		if ticker != nil {
			ticker.Reset(backoff)
		}
	} else if p.consecutiveErrs > 0 {
		p.logger.Info(ctx, "publish feed: recovered, resuming normal interval",
			"had_consecutive_errors", p.consecutiveErrs,
		)
		p.consecutiveErrs = 0
		if ticker != nil {
			ticker.Reset(p.interval)
		}
	}

	if result != pollSSMError {
		if p.staleLogged {
			p.logger.Info(ctx, "publish feed: staleness recovered")
			p.staleLogged = false
			if p.metrics != nil {
				p.metrics.SetFeedStale(false)
			}
		}
	} else if time.Since(p.lastSuccessAt) > p.staleThreshold && !p.staleLogged {
		p.logger.Error(ctx, fmt.Errorf("last successful SSM poll was %s ago", time.Since(p.lastSuccessAt).Truncate(time.Second)),
			"publish feed: unable to observe publishes, styling may be stale",
		)
		p.staleLogged = true
		if p.metrics != nil {
			p.metrics.SetFeedStale(true)
		}
	}
}

func (p *Poller) checkOnce(ctx context.Context) pollResult {
	p.pollCount++
	if p.metrics != nil {
		p.metrics.IncFeedPolls()
	}

	rev, err := p.revisions.CurrentRevision(ctx)
	if err != nil {
		p.logger.Error(ctx, err, "publish feed: SSM poll failed")
		if p.metrics != nil {
			p.metrics.IncFeedError("ssm")
		}
		return pollSSMError
	}

	now := time.Now()
	p.lastSuccessAt = now
	if p.metrics != nil {
		p.metrics.SetFeedLastSuccess(float64(now.Unix()))
	}

	if p.seeded && rev == p.currentRev {
		return pollNoChange
	}

	if !p.seeded && !p.publishInitial {
		p.seeded = true
		p.currentRev = rev
		p.logger.Info(ctx, "publish feed: recorded initial revision", "revision", rev)
		return pollSeeded
	}

	p.logger.Info(ctx, "publish feed: new revision detected",
		"old_revision", p.currentRev,
		"new_revision", rev,
	)

	ev, err := p.events.GetEvent(ctx, rev)
	if err != nil {
		// currentRev is left alone so the next poll retries the fetch
		p.logger.Error(ctx, err, "publish feed: failed to fetch event", "revision", rev)
		if p.metrics != nil {
			p.metrics.IncFeedError("fetch")
		}
		return pollFetchError
	}

	p.seeded = true
	p.currentRev = rev
	p.publishCount++
	if ev.Source == "" {
		ev.Source = "ssm:" + rev
	}

	delivered := p.publisher.Publish(ctx, *ev)
	if p.metrics != nil {
		p.metrics.IncFeedEvents()
	}
	p.logger.Info(ctx, "publish feed: event published",
		"revision", rev,
		"entities", len(ev.Entities),
		"subscribers", delivered,
	)
	return pollPublished
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 -> 2x interval, =2 -> 4x, and so on.
func (p *Poller) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(p.consecutiveErrs))
	d := time.Duration(float64(p.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
