package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Tenos-ai/tenos-bot/internal/comfy"
	"github.com/Tenos-ai/tenos-bot/internal/dispatch"
	"github.com/Tenos-ai/tenos-bot/internal/domain"
	"github.com/Tenos-ai/tenos-bot/internal/infra"
	"github.com/Tenos-ai/tenos-bot/internal/reconcile"
	"github.com/Tenos-ai/tenos-bot/internal/registry"
	"github.com/Tenos-ai/tenos-bot/internal/settings"
	"github.com/Tenos-ai/tenos-bot/internal/styles"
)

type fakeQueue struct {
	submitted []map[string]comfy.Node
	cancelErr error
	cancelled []string
	cleared   int
}

func (f *fakeQueue) Submit(_ context.Context, graph map[string]comfy.Node) (string, error) {
	f.submitted = append(f.submitted, graph)
	return fmt.Sprintf("job-%d", len(f.submitted)), nil
}

func (f *fakeQueue) Cancel(_ context.Context, id string) (bool, error) {
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return true, nil
}

func (f *fakeQueue) Clear(_ context.Context) (int, error) {
	f.cleared++
	return 2, nil
}

func newTestApp(t *testing.T) (*App, *fakeQueue) {
	t.Helper()

	stylesPath := filepath.Join(t.TempDir(), "styles_config.json")
	content := `{"realistic": {"model_type": "all", "lora_1": {"on": true, "lora": "detail.safetensors", "strength": 0.8}}}`
	if err := os.WriteFile(stylesPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write styles: %v", err)
	}
	styleStore := styles.NewStore(stylesPath)
	if err := styleStore.Load(); err != nil {
		t.Fatalf("load styles: %v", err)
	}

	settingsStore := settings.NewStore("")
	reg := registry.New()
	queue := &fakeQueue{}

	return &App{
		Settings:   settingsStore,
		Styles:     styleStore,
		Registry:   reg,
		Dispatcher: dispatch.New(reg, nil, settingsStore, styleStore, queue),
		Queue:      queue,
		Log:        infra.NewLogger("test"),
	}, queue
}

func TestSubmitJob_EndToEnd(t *testing.T) {
	app, queue := newTestApp(t)

	body := `{
  "instruction": "a cat on a roof --seed 1234 --ar 16:9 --style realistic",
  "requester": {"id": "user-1"}
}`
	req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader(body))
	rr := httptest.NewRecorder()
	app.SubmitJob(rr, req)

	if rr.Code != 201 {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	if len(queue.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(queue.submitted))
	}

	records := app.Registry.List()
	if len(records) != 1 {
		t.Fatalf("expected one registry record, got %d", len(records))
	}
	rec := records[0]
	if rec.State != domain.StateQueued {
		t.Fatalf("expected queued, got %s", rec.State)
	}
	d := rec.Descriptor
	if d.Seed != 1234 || d.AspectRatio != "16:9" || d.Style != "realistic" {
		t.Fatalf("descriptor fields wrong: %+v", d)
	}
	if len(d.StyleFragment.Slots) != 1 {
		t.Fatalf("style fragment missing: %+v", d.StyleFragment)
	}

	// Drive the backend completion through the reconciler and verify the
	// record resolves exactly once with the output untouched.
	notifier := &countingNotifier{}
	rec2 := reconcile.New(reconcile.Options{
		Registry: app.Registry,
		Notifier: notifier,
		Logger:   infra.NewLogger("test"),
	})
	events := make(chan comfy.Event, 3)
	events <- comfy.Event{Kind: comfy.EventOutput, JobID: rec.JobID, Outputs: []string{"gen/cat_00001.png"}}
	events <- comfy.Event{Kind: comfy.EventCompleted, JobID: rec.JobID}
	events <- comfy.Event{Kind: comfy.EventCompleted, JobID: rec.JobID}
	close(events)
	if err := rec2.Run(context.Background(), events); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if notifier.count != 1 {
		t.Fatalf("expected exactly one notification, got %d", notifier.count)
	}
	final, _ := app.Registry.Get(rec.JobID)
	if final.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %s", final.State)
	}
	if len(final.Outputs) != 1 || final.Outputs[0] != "gen/cat_00001.png" {
		t.Fatalf("output reference changed: %v", final.Outputs)
	}
}

type countingNotifier struct {
	count int
	last  domain.Record
}

func (c *countingNotifier) Notify(_ context.Context, rec domain.Record) {
	c.count++
	c.last = rec
}

func TestSubmitJob_RepeatCreatesBatchUnderOneContext(t *testing.T) {
	app, queue := newTestApp(t)

	body := `{"instruction": "a cat --seed 10 --r 3", "requester": {"id": "user-1"}, "context_handle": "msg-77"}`
	req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader(body))
	rr := httptest.NewRecorder()
	app.SubmitJob(rr, req)

	if rr.Code != 201 {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	if len(queue.submitted) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(queue.submitted))
	}
	batch := app.Registry.ByContext("msg-77")
	if len(batch) != 3 {
		t.Fatalf("expected 3 records under context, got %d", len(batch))
	}
	seeds := map[int64]bool{}
	for _, rec := range batch {
		seeds[rec.Descriptor.Seed] = true
	}
	if !seeds[10] || !seeds[11] || !seeds[12] {
		t.Fatalf("batch seeds wrong: %v", seeds)
	}
}

func TestSubmitJob_ValidationErrors(t *testing.T) {
	app, queue := newTestApp(t)

	for _, body := range []string{
		`{"instruction": "a cat --r 11", "requester": {"id": "u"}}`,
		`{"instruction": "a cat --style nosuch", "requester": {"id": "u"}}`,
		`{"instruction": "a cat", "requester": {"id": ""}}`,
	} {
		req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader(body))
		rr := httptest.NewRecorder()
		app.SubmitJob(rr, req)
		if rr.Code != 400 {
			t.Fatalf("expected 400 for %s, got %d", body, rr.Code)
		}
	}
	if len(queue.submitted) != 0 {
		t.Fatal("rejected requests must never reach the backend")
	}
	if app.Registry.Len() != 0 {
		t.Fatal("rejected requests must not be registered")
	}
}

func idRequest(id string) *chi.Context {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return rctx
}

func TestDerivedAction_Upscale(t *testing.T) {
	app, queue := newTestApp(t)

	// Seed a completed parent.
	parent := domain.Record{
		JobID:     "parent-1",
		State:     domain.StateQueued,
		CreatedAt: time.Now(),
		Requester: domain.Requester{ID: "user-1"},
		Descriptor: domain.Descriptor{
			Family:      domain.FamilyFlux,
			Kind:        domain.ActionGenerate,
			Prompt:      "a cat",
			Seed:        5,
			AspectRatio: "1:1",
			MPSize:      1.0,
			Guidance:    3.5,
			Steps:       32,
			Style:       "off",
			BatchSize:   1,
		},
	}
	if err := app.Registry.Register(parent); err != nil {
		t.Fatalf("register parent: %v", err)
	}
	if _, err := app.Registry.Resolve("parent-1", domain.StateCompleted, []string{"gen/cat.png"}, "", time.Now()); err != nil {
		t.Fatalf("resolve parent: %v", err)
	}

	body := `{"kind": "upscale", "requester": {"id": "user-1"}}`
	req := httptest.NewRequest("POST", "/v1/jobs/parent-1/actions", strings.NewReader(body))
	rctx := idRequest("parent-1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rr := httptest.NewRecorder()
	app.DerivedAction(rr, req)

	if rr.Code != 201 {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	if len(queue.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(queue.submitted))
	}

	var resp struct {
		Jobs []domain.Record `json:"jobs"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(resp.Jobs))
	}
	d := resp.Jobs[0].Descriptor
	if d.Kind != domain.ActionUpscale || d.ParentID != "parent-1" || d.UpscaleFactor != 1.85 {
		t.Fatalf("upscale descriptor wrong: %+v", d)
	}
}

func TestCancelJob_MapsRunningToConflict(t *testing.T) {
	app, queue := newTestApp(t)
	queue.cancelErr = fmt.Errorf("%w: job-1", domain.ErrJobRunning)

	rec := domain.Record{
		JobID:     "job-1",
		State:     domain.StateQueued,
		CreatedAt: time.Now(),
		Requester: domain.Requester{ID: "user-1"},
		Descriptor: domain.Descriptor{
			Family: domain.FamilyFlux, Kind: domain.ActionGenerate, Prompt: "x",
			Guidance: 3.5, Steps: 32, BatchSize: 1,
		},
	}
	if err := app.Registry.Register(rec); err != nil {
		t.Fatalf("register: %v", err)
	}

	body := `{"requester": {"id": "user-1"}}`
	req := httptest.NewRequest("POST", "/v1/jobs/job-1/cancel", strings.NewReader(body))
	rctx := idRequest("job-1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rr := httptest.NewRecorder()
	app.CancelJob(rr, req)

	if rr.Code != 409 {
		t.Fatalf("expected 409 for running job, got %d: %s", rr.Code, rr.Body.String())
	}
	got, _ := app.Registry.Get("job-1")
	if got.State != domain.StateQueued {
		t.Fatalf("failed cancel must not change state, got %s", got.State)
	}
}

func TestClearQueue_AdminOnly(t *testing.T) {
	app, queue := newTestApp(t)

	req := httptest.NewRequest("POST", "/v1/queue/clear", strings.NewReader(`{"requester": {"id": "user-1"}}`))
	rr := httptest.NewRecorder()
	app.ClearQueue(rr, req)
	if rr.Code != 403 {
		t.Fatalf("expected 403 for non-admin, got %d", rr.Code)
	}
	if queue.cleared != 0 {
		t.Fatal("non-admin clear reached the backend")
	}

	req = httptest.NewRequest("POST", "/v1/queue/clear", strings.NewReader(`{"requester": {"id": "admin", "admin": true}}`))
	rr = httptest.NewRecorder()
	app.ClearQueue(rr, req)
	if rr.Code != 200 || queue.cleared != 1 {
		t.Fatalf("admin clear failed: status %d cleared %d", rr.Code, queue.cleared)
	}
}

func TestClearQueue_ResolvesLiveRecords(t *testing.T) {
	app, _ := newTestApp(t)

	pending := domain.Record{
		JobID:         "job-a",
		State:         domain.StateQueued,
		Requester:     domain.Requester{ID: "user-1"},
		ContextHandle: "msg-1",
		CreatedAt:     time.Now(),
		Descriptor:    domain.Descriptor{Family: domain.FamilyFlux, Kind: domain.ActionGenerate, Prompt: "a cat"},
	}
	done := pending
	done.JobID = "job-b"
	for _, rec := range []domain.Record{pending, done} {
		if err := app.Registry.Register(rec); err != nil {
			t.Fatalf("register %s: %v", rec.JobID, err)
		}
	}
	if _, err := app.Registry.Resolve("job-b", domain.StateCompleted, []string{"gen/done.png"}, "", time.Now()); err != nil {
		t.Fatalf("resolve job-b: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/queue/clear", strings.NewReader(`{"requester": {"id": "admin", "admin": true}}`))
	rr := httptest.NewRecorder()
	app.ClearQueue(rr, req)
	if rr.Code != 200 {
		t.Fatalf("clear failed: %d %s", rr.Code, rr.Body.String())
	}

	// Dropped pending entries never get backend events, so clear itself
	// must leave their records terminal.
	got, _ := app.Registry.Get("job-a")
	if got.State != domain.StateCancelled {
		t.Fatalf("pending record not resolved by clear: %s", got.State)
	}
	done, _ = app.Registry.Get("job-b")
	if done.State != domain.StateCompleted || len(done.Outputs) != 1 {
		t.Fatalf("completed record disturbed by clear: %+v", done)
	}

	var resp struct {
		Dropped   int             `json:"dropped"`
		Cancelled []domain.Record `json:"cancelled"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Cancelled) != 1 || resp.Cancelled[0].JobID != "job-a" {
		t.Fatalf("cancelled echo wrong: %+v", resp.Cancelled)
	}
}

func TestSheet_QueuesEachRow(t *testing.T) {
	app, queue := newTestApp(t)

	sheet := "prompt\na cat\na dog --ar 16:9\n"
	req := httptest.NewRequest("POST", "/v1/sheet?requester=user-1", strings.NewReader(sheet))
	rr := httptest.NewRecorder()
	app.Sheet(rr, req)

	if rr.Code != 201 {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	if len(queue.submitted) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(queue.submitted))
	}

	var resp struct {
		Submitted     int    `json:"submitted"`
		ContextHandle string `json:"context_handle"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Submitted != 2 || resp.ContextHandle == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(app.Registry.ByContext(resp.ContextHandle)) != 2 {
		t.Fatal("sheet jobs not grouped under one context")
	}
}

func TestSheet_BadRowFailsWholeBatch(t *testing.T) {
	app, queue := newTestApp(t)

	sheet := "prompt\na cat\na dog --r 11\n"
	req := httptest.NewRequest("POST", "/v1/sheet?requester=user-1", strings.NewReader(sheet))
	rr := httptest.NewRecorder()
	app.Sheet(rr, req)

	if rr.Code != 400 {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if len(queue.submitted) != 0 {
		t.Fatal("bad sheet must submit nothing")
	}
}
