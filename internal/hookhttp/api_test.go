package hookhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cms"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/publish"
)

const testSecret = "s3cret-hook-token"

type stubPublisher struct {
	mu     sync.Mutex
	events []cms.PublishEvent
	panic  bool
}

func (p *stubPublisher) Publish(_ context.Context, ev cms.PublishEvent) int {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	if p.panic {
		panic("subscriber blew up")
	}
	return 1
}

func (p *stubPublisher) snapshot() []cms.PublishEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cms.PublishEvent(nil), p.events...)
}

type stubToken string

func (s stubToken) Value() string { return string(s) }

type stubReports struct {
	rep publish.Report
	ok  bool
}

func (s stubReports) LastReport() (publish.Report, bool) { return s.rep, s.ok }

func newTestRouter(t *testing.T, pub *stubPublisher, reports ReportSource) (*API, http.Handler) {
	t.Helper()
	api, err := NewAPI(Options{
		Logger:    log.Nop(),
		Publisher: pub,
		Secret:    testSecret,
		Token:     stubToken("a1b2c3d4"),
		Reports:   reports,
	})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return api, r
}

func postHook(h http.Handler, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, PublishedPath, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const validBody = `{"entities":[{"id":"1057","type":"siteSettings"}]}`

func TestNewAPI_Validation(t *testing.T) {
	if _, err := NewAPI(Options{Secret: "x"}); err == nil {
		t.Fatal("expected error without publisher")
	}
	if _, err := NewAPI(Options{Publisher: &stubPublisher{}, Secret: "  "}); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestHandlePublished_Accepted(t *testing.T) {
	pub := &stubPublisher{}
	api, h := newTestRouter(t, pub, nil)

	rec := postHook(h, "Bearer "+testSecret, validBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp AcceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted != 1 || resp.Source != "webhook" {
		t.Fatalf("resp = %+v", resp)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q", cc)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	if err := api.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	evs := pub.snapshot()
	if len(evs) != 1 {
		t.Fatalf("published %d events", len(evs))
	}
	if evs[0].Entities[0].ID != "1057" || evs[0].PublishedAt.IsZero() {
		t.Fatalf("event = %+v", evs[0])
	}
}

func TestHandlePublished_KeepsSource(t *testing.T) {
	pub := &stubPublisher{}
	api, h := newTestRouter(t, pub, nil)

	body := `{"entities":[{"id":"1057","type":"siteSettings"}],"source":"backoffice","published_at":"2026-10-19T08:00:00Z"}`
	if rec := postHook(h, "bearer "+testSecret, body); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	_ = api.Wait(t.Context())
	ev := pub.snapshot()[0]
	if ev.Source != "backoffice" {
		t.Fatalf("source = %q", ev.Source)
	}
	if !ev.PublishedAt.Equal(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("published_at = %v", ev.PublishedAt)
	}
}

func TestHandlePublished_Unauthorized(t *testing.T) {
	tests := []struct {
		name string
		auth string
	}{
		{"missing", ""},
		{"wrong token", "Bearer nope"},
		{"wrong scheme", "Basic " + testSecret},
		{"empty bearer", "Bearer "},
		{"prefix of secret", "Bearer " + testSecret[:5]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &stubPublisher{}
			_, h := newTestRouter(t, pub, nil)
			rec := postHook(h, tt.auth, validBody)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", rec.Code)
			}
			if rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("WWW-Authenticate missing")
			}
			if len(pub.snapshot()) != 0 {
				t.Fatal("unauthorized request must not publish")
			}
		})
	}
}

func TestHandlePublished_BadBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"no entities", `{"entities":[]}`},
		{"blank id", `{"entities":[{"id":"  ","type":"siteSettings"}]}`},
		{"too large", `{"entities":[{"id":"1","type":"` + strings.Repeat("x", MaxHookBody) + `"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &stubPublisher{}
			_, h := newTestRouter(t, pub, nil)
			rec := postHook(h, "Bearer "+testSecret, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if len(pub.snapshot()) != 0 {
				t.Fatal("bad body must not publish")
			}
		})
	}
}

func TestHandlePublished_DispatchPanicContained(t *testing.T) {
	pub := &stubPublisher{panic: true}
	api, h := newTestRouter(t, pub, nil)

	if rec := postHook(h, "Bearer "+testSecret, validBody); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if err := api.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRegisterRoutes_RateLimitOnlyOnWebhook(t *testing.T) {
	var limited []string
	limit := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limited = append(limited, r.URL.Path)
			http.Error(w, "slow down", http.StatusTooManyRequests)
		})
	}
	api, err := NewAPI(Options{
		Publisher: &stubPublisher{},
		Secret:    testSecret,
		Token:     stubToken("a1b2c3d4"),
		RateLimit: limit,
	})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	if rec := postHook(r, "Bearer "+testSecret, validBody); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("webhook status = %d, want 429", rec.Code)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, StatusPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d, want 200", rec.Code)
	}
	if len(limited) != 1 || limited[0] != PublishedPath {
		t.Fatalf("limited paths = %v", limited)
	}
}

func TestHandlePublished_MethodNotAllowed(t *testing.T) {
	_, h := newTestRouter(t, &stubPublisher{}, nil)
	req := httptest.NewRequest(http.MethodGet, PublishedPath, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	t.Run("before any publish", func(t *testing.T) {
		_, h := newTestRouter(t, &stubPublisher{}, stubReports{})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, StatusPath, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp StatusResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Token != "a1b2c3d4" {
			t.Fatalf("token = %q", resp.Token)
		}
		if resp.LastReport != nil {
			t.Fatal("no report expected")
		}
	})

	t.Run("with report", func(t *testing.T) {
		rep := publish.Report{
			Source: "webhook",
			Entities: []publish.EntityReport{{
				ID:      "1057",
				Type:    "siteSettings",
				Outcome: publish.OutcomeGenerated,
				Steps:   map[string]publish.StepResult{publish.StepStylesheet: publish.ResultOK},
			}},
		}
		_, h := newTestRouter(t, &stubPublisher{}, stubReports{rep: rep, ok: true})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, StatusPath, nil))

		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		last, ok := body["last_publish"].(map[string]any)
		if !ok {
			t.Fatalf("last_publish missing: %s", rec.Body)
		}
		ents := last["entities"].([]any)
		if ents[0].(map[string]any)["outcome"] != "generated" {
			t.Fatalf("entities = %v", ents)
		}
	})
}

func TestWriteJSON_EncodeErrorLogged(t *testing.T) {
	var buf bytes.Buffer
	L, err := log.New(log.Options{App: "sitestyle", Level: slog.LevelInfo, JsonFormat: true, Writer: &buf})
	if err != nil {
		t.Fatalf("log.New: %v", err)
	}
	api, err := NewAPI(Options{Logger: L, Publisher: &stubPublisher{}, Secret: testSecret})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}

	rec := httptest.NewRecorder()
	api.writeJSON(context.Background(), rec, http.StatusOK, make(chan int))
	if rec.Code != http.StatusOK || rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("status = %d, headers = %v", rec.Code, rec.Header())
	}

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if m["msg"] != "failed to encode JSON response" {
		t.Fatalf("log line = %v", m)
	}
	if got, ok := m["error"].(string); !ok || !strings.Contains(got, "unsupported type") {
		t.Fatalf("error attr = %#v, want the message string", m["error"])
	}
}
