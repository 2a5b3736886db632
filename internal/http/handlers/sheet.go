package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Tenos-ai/tenos-bot/internal/builder"
	"github.com/Tenos-ai/tenos-bot/internal/bulk"
	"github.com/Tenos-ai/tenos-bot/internal/domain"
	"github.com/Tenos-ai/tenos-bot/internal/parser"
)

// Sheet ingests a tab-separated prompt sheet from the request body. Each row
// goes through the full parse/build pipeline as an independent fresh job;
// one bad row fails the whole batch before anything is submitted.
func (a *App) Sheet(w http.ResponseWriter, r *http.Request) {
	requester := domain.Requester{
		ID:    r.URL.Query().Get("requester"),
		Admin: r.URL.Query().Get("admin") == "true",
	}
	if requester.ID == "" {
		a.error(w, http.StatusBadRequest, "requester query parameter is required")
		return
	}

	prompts, err := bulk.ReadPrompts(r.Body)
	if err != nil {
		a.fail(w, err)
		return
	}

	defs := a.Settings.Snapshot()

	var descriptors []domain.Descriptor
	for _, text := range prompts {
		cmd, err := parser.Parse(text, nil, defs.SelectedFamily)
		if err != nil {
			a.fail(w, err)
			return
		}
		built, err := builder.Build(cmd, defs, a.Styles)
		if err != nil {
			a.fail(w, err)
			return
		}
		descriptors = append(descriptors, built...)
	}
	if len(descriptors) == 0 {
		a.error(w, http.StatusBadRequest, "sheet contained no usable prompts")
		return
	}

	handle := uuid.NewString()
	records, err := a.submitAll(r.Context(), descriptors, requester, handle, defs.ModelFor(defs.SelectedFamily))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusCreated, map[string]any{
		"context_handle": handle,
		"submitted":      len(records),
		"jobs":           records,
	})
}
