package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Tenos-ai/tenos-bot/internal/builder"
	"github.com/Tenos-ai/tenos-bot/internal/comfy"
	"github.com/Tenos-ai/tenos-bot/internal/dispatch"
	"github.com/Tenos-ai/tenos-bot/internal/domain"
	"github.com/Tenos-ai/tenos-bot/internal/parser"
	"github.com/Tenos-ai/tenos-bot/internal/settings"
)

type SubmitReq struct {
	Instruction   string           `json:"instruction"`
	Images        []string         `json:"images,omitempty"`
	Requester     domain.Requester `json:"requester"`
	ContextHandle string           `json:"context_handle,omitempty"`
}

type ActionReq struct {
	Kind       string           `json:"kind"`
	Prompt     *string          `json:"prompt,omitempty"`
	Negative   *string          `json:"negative,omitempty"`
	Seed       *int64           `json:"seed,omitempty"`
	Style      *string          `json:"style,omitempty"`
	ImageIndex int              `json:"image_index,omitempty"`
	Requester  domain.Requester `json:"requester"`
}

// SubmitJob runs the full fresh-generation pipeline: parse, enhance, build,
// submit, register. One request may yield several records when a repeat
// count is set.
func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitReq
	if !a.decode(w, r, &req) {
		return
	}
	if req.Requester.ID == "" {
		a.error(w, http.StatusBadRequest, "requester id is required")
		return
	}

	defs := a.Settings.Snapshot()

	cmd, err := parser.Parse(req.Instruction, req.Images, defs.SelectedFamily)
	if err != nil {
		a.fail(w, err)
		return
	}

	provenance := a.enhance(r.Context(), &cmd, defs)

	descriptors, err := builder.Build(cmd, defs, a.Styles)
	if err != nil {
		a.fail(w, err)
		return
	}
	for i := range descriptors {
		provenance.stamp(&descriptors[i])
	}

	handle := req.ContextHandle
	if handle == "" {
		handle = uuid.NewString()
	}

	records, err := a.submitAll(r.Context(), descriptors, req.Requester, handle, defs.ModelFor(defs.SelectedFamily))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusCreated, map[string]any{"context_handle": handle, "jobs": records})
}

// DerivedAction builds a descriptor from a completed parent and re-enters
// the submit path.
func (a *App) DerivedAction(w http.ResponseWriter, r *http.Request) {
	parentID := chi.URLParam(r, "id")

	var req ActionReq
	if !a.decode(w, r, &req) {
		return
	}
	if req.Requester.ID == "" {
		a.error(w, http.StatusBadRequest, "requester id is required")
		return
	}

	kind, ok := actionKind(req.Kind)
	if !ok {
		a.error(w, http.StatusBadRequest, "unknown action kind "+req.Kind)
		return
	}

	desc, err := a.Dispatcher.Derive(r.Context(), parentID, kind, req.Requester, dispatch.Overrides{
		Prompt:     req.Prompt,
		Negative:   req.Negative,
		Seed:       req.Seed,
		Style:      req.Style,
		ImageIndex: req.ImageIndex,
	})
	if err != nil {
		a.fail(w, err)
		return
	}

	defs := a.Settings.Snapshot()
	records, err := a.submitAll(r.Context(), []domain.Descriptor{desc}, req.Requester, uuid.NewString(), defs.ModelFor(desc.Family))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusCreated, map[string]any{"jobs": records})
}

// CancelJob removes one queued job, owner-or-admin only.
func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Requester domain.Requester `json:"requester"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	rec, err := a.Dispatcher.Cancel(r.Context(), id, req.Requester)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, rec)
}

// DeleteJob drops a resolved record from the registry without touching the
// backend.
func (a *App) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, ok := a.Registry.Get(id)
	if !ok {
		a.error(w, http.StatusNotFound, "job not found")
		return
	}
	if !rec.State.Terminal() {
		a.error(w, http.StatusConflict, "job has not resolved; cancel it instead")
		return
	}
	a.Registry.Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := a.Registry.Get(id)
	if !ok {
		a.error(w, http.StatusNotFound, "job not found")
		return
	}
	a.json(w, http.StatusOK, rec)
}

func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	if handle := r.URL.Query().Get("context"); handle != "" {
		a.json(w, http.StatusOK, map[string]any{"jobs": a.Registry.ByContext(handle)})
		return
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": a.Registry.List()})
}

// ClearQueue drops every pending backend job and interrupts the running
// one. Admin only; the single deliberately destructive operation.
func (a *App) ClearQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requester domain.Requester `json:"requester"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if !req.Requester.Admin {
		a.error(w, http.StatusForbidden, "clearing the queue requires admin")
		return
	}

	dropped, err := a.Queue.Clear(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}

	// The backend emits no events for deleted pending entries, so their
	// records would sit queued forever. Resolve everything still live;
	// the interrupted job's own event arrives later and is absorbed.
	now := time.Now()
	cancelled := make([]domain.Record, 0)
	for _, rec := range a.Registry.List() {
		if rec.State.Terminal() {
			continue
		}
		resolved, err := a.Registry.Resolve(rec.JobID, domain.StateCancelled, nil, "queue cleared by "+req.Requester.ID, now)
		if err != nil {
			continue
		}
		cancelled = append(cancelled, resolved)
	}
	a.json(w, http.StatusOK, map[string]any{"dropped": dropped, "cancelled": cancelled})
}

// submitAll pushes descriptors to the backend and registers a record per
// accepted job. A failure mid-batch returns the error; jobs already accepted
// stay queued and tracked.
func (a *App) submitAll(ctx context.Context, descriptors []domain.Descriptor, requester domain.Requester, handle, model string) ([]domain.Record, error) {
	records := make([]domain.Record, 0, len(descriptors))
	for _, desc := range descriptors {
		graph, err := comfy.BuildGraph(desc, comfy.GraphOptions{ModelName: model})
		if err != nil {
			return records, err
		}
		jobID, err := a.Queue.Submit(ctx, graph)
		if err != nil {
			return records, err
		}

		rec := domain.Record{
			JobID:         jobID,
			Descriptor:    desc,
			Requester:     requester,
			ContextHandle: handle,
			State:         domain.StateQueued,
			CreatedAt:     time.Now(),
		}
		if err := a.Registry.Register(rec); err != nil {
			return records, err
		}
		a.Log.Info().
			Str("job_id", jobID).
			Str("requester", requester.ID).
			Str("kind", string(desc.Kind)).
			Int64("seed", desc.Seed).
			Msg("job queued")
		records = append(records, rec)
	}
	return records, nil
}

type provenance struct {
	original string
	enhanced string
	used     bool
	errText  string
}

func (p provenance) stamp(d *domain.Descriptor) {
	if !p.used && p.errText == "" {
		return
	}
	d.OriginalPrompt = p.original
	d.EnhancedPrompt = p.enhanced
	d.EnhancerUsed = p.used
	d.EnhancerErr = p.errText
}

// enhance rewrites the parsed prompt when the enhancer is enabled. Provider
// failure keeps the original text; the job still runs.
func (a *App) enhance(ctx context.Context, cmd *parser.Command, defs settings.Defaults) provenance {
	if !defs.EnhancerEnabled || a.Enhancer == nil || strings.TrimSpace(cmd.Prompt) == "" {
		return provenance{}
	}

	original := cmd.Prompt
	enhanced, err := a.Enhancer.Enhance(ctx, original, defs.SelectedFamily)
	if err != nil {
		a.Log.Warn().Err(err).Msg("prompt enhancement fell back to original")
		return provenance{original: original, enhanced: original, errText: err.Error()}
	}
	if enhanced != "" {
		cmd.Prompt = enhanced
	}
	return provenance{original: original, enhanced: cmd.Prompt, used: true}
}

func actionKind(s string) (domain.ActionKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rerun":
		return domain.ActionRerun, true
	case "upscale":
		return domain.ActionUpscale, true
	case "vary", "vary_weak", "weak":
		return domain.ActionVaryWeak, true
	case "vary_strong", "strong":
		return domain.ActionVaryStrong, true
	case "edit":
		return domain.ActionEdit, true
	}
	return "", false
}
