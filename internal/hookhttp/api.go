// Package hookhttp exposes the CMS publish webhook and a read-only status
// endpoint for the style pipeline.
package hookhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cms"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/publish"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

const (
	PublishedPath = "/api/hooks/content-published"
	StatusPath    = "/api/style/status"

	// MaxHookBody bounds the webhook request body.
	MaxHookBody = 1 << 20
)

// Publisher receives accepted events. events.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, ev cms.PublishEvent) int
}

// TokenSource is the current cache-bust token.
type TokenSource interface {
	Value() string
}

// ReportSource yields the outcome of the last handled publish.
type ReportSource interface {
	LastReport() (publish.Report, bool)
}

type Options struct {
	Logger    log.Logger
	Publisher Publisher
	// Secret is the bearer token the CMS sends. Required.
	Secret  string
	Token   TokenSource
	Reports ReportSource
	// RateLimit, when set, wraps the webhook route only.
	RateLimit func(http.Handler) http.Handler
}

// API implements the webhook endpoints.
type API struct {
	publisher  Publisher
	secretHash string
	token      TokenSource
	reports    ReportSource
	rateLimit  func(http.Handler) http.Handler
	logger     log.Logger

	wg sync.WaitGroup
}

func NewAPI(opts Options) (*API, error) {
	if opts.Publisher == nil {
		return nil, xerrors.New("hookhttp: Publisher is required")
	}
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, xerrors.New("hookhttp: Secret is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &API{
		publisher:  opts.Publisher,
		secretHash: cryptoutil.SHA256Hex([]byte(opts.Secret)),
		token:      opts.Token,
		reports:    opts.Reports,
		rateLimit:  opts.RateLimit,
		logger:     opts.Logger.With("component", "hookhttp"),
	}, nil
}

// RegisterRoutes attaches the endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	scoped := r.With(httpmw.Scope("hook"))
	post := scoped
	if api.rateLimit != nil {
		post = post.With(api.rateLimit)
	}
	post.With(httpmw.MaxBody(MaxHookBody)).Post(PublishedPath, api.HandlePublished)
	scoped.Get(StatusPath, api.HandleStatus)
}

// AcceptedResponse is returned for an accepted webhook.
type AcceptedResponse struct {
	Accepted int    `json:"accepted"`
	Source   string `json:"source"`
}

// StatusResponse reports the current token and the last publish outcome.
type StatusResponse struct {
	Token      string          `json:"token,omitempty"`
	ServerTime time.Time       `json:"server_time"`
	LastReport *publish.Report `json:"last_publish,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandlePublished accepts a publish event and dispatches it in the
// background. The response does not wait for regeneration.
func (api *API) HandlePublished(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !api.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="hooks"`)
		api.writeJSON(ctx, w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	ev, err := cms.DecodeEvent(r.Body)
	if err != nil {
		api.logger.Warn(ctx, "rejected publish webhook body", "error", err.Error())
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid event body"})
		return
	}
	if msg := validateEvent(ev); msg != "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: msg})
		return
	}
	if ev.Source == "" {
		ev.Source = "webhook"
	}
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now().UTC()
	}

	api.logger.Info(ctx, "publish webhook accepted",
		"entities", len(ev.Entities),
		"source", ev.Source,
	)

	api.wg.Add(1)
	go api.dispatch(context.WithoutCancel(ctx), *ev)

	api.writeJSON(ctx, w, http.StatusAccepted, AcceptedResponse{
		Accepted: len(ev.Entities),
		Source:   ev.Source,
	})
}

func (api *API) dispatch(ctx context.Context, ev cms.PublishEvent) {
	defer api.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			api.logger.Error(ctx, xerrors.FromPanic(r), "publish webhook dispatch panicked")
		}
	}()
	api.publisher.Publish(ctx, ev)
}

// Wait blocks until in-flight dispatches finish or ctx is done.
func (api *API) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		api.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleStatus serves the current token and last publish report.
func (api *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{ServerTime: time.Now().UTC().Truncate(time.Second)}
	if api.token != nil {
		resp.Token = api.token.Value()
	}
	if api.reports != nil {
		if rep, ok := api.reports.LastReport(); ok {
			resp.LastReport = &rep
		}
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (api *API) authorized(r *http.Request) bool {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return false
	}
	// hashing first keeps the comparison length-independent
	return cryptoutil.ConstantTimeEqual(cryptoutil.SHA256Hex([]byte(tok)), api.secretHash)
}

func validateEvent(ev *cms.PublishEvent) string {
	if len(ev.Entities) == 0 {
		return "event has no entities"
	}
	for _, e := range ev.Entities {
		if strings.TrimSpace(e.ID) == "" {
			return "entity id is required"
		}
	}
	return ""
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err.Error())
	}
}
