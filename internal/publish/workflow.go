// Package publish reacts to content publish events by regenerating the
// theme stylesheet and fonts and invalidating every asset cache layer.
//
// Each entity in an event is handled on its own, and each step for an
// entity runs in its own failure domain: an error or panic in one step is
// logged and counted, and the next step still runs. HandlePublished never
// returns an error and never panics.
package publish

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cms"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/fonts"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

// DefaultFontProperty is the settings property holding font archive references.
const DefaultFontProperty = "fontArchive"

// Step names, in execution order.
const (
	StepStylesheet  = "stylesheet"
	StepFonts       = "fonts"
	StepToken       = "token"
	StepBundler     = "bundler"
	StepOutputCache = "output_cache"
)

// StepResult is the outcome of one step.
type StepResult string

const (
	ResultOK         StepResult = "ok"
	ResultFailed     StepResult = "failed"
	ResultSuppressed StepResult = "suppressed"
	ResultDisabled   StepResult = "disabled"
)

// EntityOutcome is the state an entity ended in.
type EntityOutcome string

const (
	OutcomeGenerated EntityOutcome = "generated"
	OutcomeSkipped   EntityOutcome = "skipped"
	OutcomeMissing   EntityOutcome = "missing"
	OutcomeFailed    EntityOutcome = "failed"
)

type StylesheetWriter interface {
	Write(ctx context.Context, e cms.Entity) (int, error)
}

type FontExtractor interface {
	ExtractProperty(ctx context.Context, e cms.Entity, alias string) fonts.Result
}

type TokenRegenerator interface {
	Regenerate() string
}

type BundleCache interface {
	ClearAll(ctx context.Context) error
}

type OutputCache interface {
	Clear(ctx context.Context) (int, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncPublishEvent()
	IncPublishEntity(outcome string)
	IncPublishStep(step, result string)
	ObservePublishDuration(seconds float64)
}

type Options struct {
	Logger  log.Logger
	Content cms.ContentStore

	Stylesheet   StylesheetWriter
	Fonts        FontExtractor
	FontProperty string
	Token        TokenRegenerator
	Bundler      BundleCache
	OutputCache  OutputCache

	// TargetType is the entity type tag that triggers regeneration.
	TargetType string
	// InvalidateCaches enables the token, bundler and output cache steps.
	// Non-production deployments leave it off so they still see fresh CSS
	// without touching shared cache-busting state.
	InvalidateCaches bool
	// StepTimeout bounds each step's context. Zero leaves steps unbounded.
	StepTimeout time.Duration

	Metrics Metrics
	Tracer  trace.Tracer
}

// Report describes what one HandlePublished call did.
type Report struct {
	Source    string         `json:"source,omitempty"`
	HandledAt time.Time      `json:"handled_at"`
	Entities  []EntityReport `json:"entities"`
}

type EntityReport struct {
	ID      string                `json:"id"`
	Type    string                `json:"type"`
	Outcome EntityOutcome         `json:"outcome"`
	Steps   map[string]StepResult `json:"steps,omitempty"`
	Token   string                `json:"token,omitempty"`
}

// Workflow handles publish events one at a time.
type Workflow struct {
	opts   Options
	logger log.Logger
	tracer trace.Tracer

	mu   sync.Mutex
	last atomic.Pointer[Report]
}

func New(opts Options) (*Workflow, error) {
	if opts.Content == nil {
		return nil, xerrors.New("publish: Content store is required")
	}
	if strings.TrimSpace(opts.TargetType) == "" {
		return nil, xerrors.New("publish: TargetType is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.FontProperty == "" {
		opts.FontProperty = DefaultFontProperty
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("sitestyle/publish")
	}
	return &Workflow{
		opts:   opts,
		logger: opts.Logger.With("component", "publish"),
		tracer: tracer,
	}, nil
}

// Handle adapts the workflow to an event subscriber.
func (w *Workflow) Handle(ctx context.Context, ev cms.PublishEvent) {
	w.HandlePublished(ctx, ev)
}

// HandlePublished processes every entity in ev.
func (w *Workflow) HandlePublished(ctx context.Context, ev cms.PublishEvent) (rep Report) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	if w.opts.Metrics != nil {
		w.opts.Metrics.IncPublishEvent()
	}

	ctx, span := w.tracer.Start(ctx, "publish.event", trace.WithAttributes(
		attribute.Int("publish.entities", len(ev.Entities)),
		attribute.String("publish.source", ev.Source),
	))
	rep.Source = ev.Source
	defer func() {
		span.End()
		rep.HandledAt = time.Now().UTC()
		last := rep
		w.last.Store(&last)
		if w.opts.Metrics != nil {
			w.opts.Metrics.ObservePublishDuration(time.Since(start).Seconds())
		}
	}()

	seen := make(map[string]struct{}, len(ev.Entities))
	for _, pe := range ev.Entities {
		if _, dup := seen[pe.ID]; dup {
			continue
		}
		seen[pe.ID] = struct{}{}
		rep.Entities = append(rep.Entities, w.safeEntity(ctx, pe))
	}
	return rep
}

// LastReport returns the report of the most recent HandlePublished call.
func (w *Workflow) LastReport() (Report, bool) {
	r := w.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// safeEntity confines a panic outside the step runners to its entity.
func (w *Workflow) safeEntity(ctx context.Context, pe cms.PublishedEntity) (er EntityReport) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(ctx, xerrors.FromPanic(r), "publish entity handling panicked, continuing",
				"entity_id", pe.ID,
				"entity_type", pe.Type,
			)
			er = EntityReport{ID: pe.ID, Type: pe.Type, Outcome: OutcomeFailed}
			w.countEntity(OutcomeFailed)
		}
	}()
	return w.handleEntity(ctx, pe)
}

func (w *Workflow) handleEntity(ctx context.Context, pe cms.PublishedEntity) (er EntityReport) {
	er = EntityReport{ID: pe.ID, Type: pe.Type}
	logger := w.logger.With("entity_id", pe.ID, "entity_type", pe.Type)

	if !strings.EqualFold(pe.Type, w.opts.TargetType) {
		logger.Debug(ctx, "published entity is not the settings type, skipping")
		er.Outcome = OutcomeSkipped
		w.countEntity(er.Outcome)
		return er
	}

	ctx, span := w.tracer.Start(ctx, "publish.entity", trace.WithAttributes(
		attribute.String("entity.id", pe.ID),
		attribute.String("entity.type", pe.Type),
	))
	defer span.End()

	entity, err := w.opts.Content.GetEntity(ctx, pe.ID)
	if xerrors.Is(err, cms.ErrNotFound) {
		logger.Warn(ctx, "published settings entity not found, skipping")
		er.Outcome = OutcomeMissing
		w.countEntity(er.Outcome)
		return er
	}

	er.Outcome = OutcomeGenerated
	er.Steps = make(map[string]StepResult, 5)

	if err != nil {
		// without the document the generate steps cannot run, but the
		// caches are still invalidated
		logger.Error(ctx, err, "load published settings entity failed")
		span.RecordError(err)
		er.Steps[StepStylesheet] = w.record(StepStylesheet, ResultFailed)
		er.Steps[StepFonts] = w.record(StepFonts, ResultFailed)
	} else {
		er.Steps[StepStylesheet] = w.run(ctx, logger, StepStylesheet, w.opts.Stylesheet != nil, func(ctx context.Context) error {
			_, err := w.opts.Stylesheet.Write(ctx, *entity)
			return err
		})
		er.Steps[StepFonts] = w.run(ctx, logger, StepFonts, w.opts.Fonts != nil, func(ctx context.Context) error {
			res := w.opts.Fonts.ExtractProperty(ctx, *entity, w.opts.FontProperty)
			span.SetAttributes(attribute.Int("fonts.extracted", len(res.Files)))
			if res.Failures > 0 && res.Archives == 0 {
				return xerrors.Newf("no font archive could be extracted (%d failures)", res.Failures)
			}
			return nil
		})
	}

	if !w.opts.InvalidateCaches {
		logger.Info(ctx, "cache invalidation suppressed for this environment")
		for _, s := range []string{StepToken, StepBundler, StepOutputCache} {
			er.Steps[s] = w.record(s, ResultSuppressed)
		}
		w.countEntity(er.Outcome)
		return er
	}

	er.Steps[StepToken] = w.run(ctx, logger, StepToken, w.opts.Token != nil, func(context.Context) error {
		er.Token = w.opts.Token.Regenerate()
		logger.Info(ctx, "asset version token regenerated", "token", er.Token)
		return nil
	})
	er.Steps[StepBundler] = w.run(ctx, logger, StepBundler, w.opts.Bundler != nil, func(ctx context.Context) error {
		return w.opts.Bundler.ClearAll(ctx)
	})
	if w.opts.OutputCache == nil {
		logger.Warn(ctx, "output cache not configured, nothing to clear")
	}
	er.Steps[StepOutputCache] = w.run(ctx, logger, StepOutputCache, w.opts.OutputCache != nil, func(ctx context.Context) error {
		n, err := w.opts.OutputCache.Clear(ctx)
		if err == nil {
			logger.Info(ctx, "output cache cleared", "evicted", n)
		}
		return err
	})

	w.countEntity(er.Outcome)
	return er
}

// run executes fn as an isolated step. Errors and panics are logged and
// reported as ResultFailed.
func (w *Workflow) run(ctx context.Context, logger log.Logger, step string, enabled bool, fn func(context.Context) error) (res StepResult) {
	if !enabled {
		logger.Debug(ctx, "publish step disabled", "step", step)
		return w.record(step, ResultDisabled)
	}

	ctx, span := w.tracer.Start(ctx, "publish.step."+step)
	defer span.End()
	if w.opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.StepTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err := xerrors.FromPanic(r)
			logger.Error(ctx, err, "publish step panicked, continuing", "step", step)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			res = w.record(step, ResultFailed)
		}
	}()

	if err := fn(ctx); err != nil {
		logger.Error(ctx, err, "publish step failed, continuing", "step", step)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return w.record(step, ResultFailed)
	}
	return w.record(step, ResultOK)
}

func (w *Workflow) record(step string, res StepResult) StepResult {
	if w.opts.Metrics != nil {
		w.opts.Metrics.IncPublishStep(step, string(res))
	}
	return res
}

func (w *Workflow) countEntity(o EntityOutcome) {
	if w.opts.Metrics != nil {
		w.opts.Metrics.IncPublishEntity(string(o))
	}
}
