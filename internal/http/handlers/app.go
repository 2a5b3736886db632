// Package handlers exposes the orchestration core over HTTP. Parsing,
// building and submission happen here; lifecycle state lives in the
// registry and is driven by the event reconciler.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Tenos-ai/tenos-bot/internal/comfy"
	"github.com/Tenos-ai/tenos-bot/internal/dispatch"
	"github.com/Tenos-ai/tenos-bot/internal/domain"
	"github.com/Tenos-ai/tenos-bot/internal/infra"
	"github.com/Tenos-ai/tenos-bot/internal/providers/enhancer"
	"github.com/Tenos-ai/tenos-bot/internal/registry"
	"github.com/Tenos-ai/tenos-bot/internal/settings"
	"github.com/Tenos-ai/tenos-bot/internal/styles"
)

// QueueClient is the slice of the backend adapter the handlers need.
type QueueClient interface {
	Submit(ctx context.Context, graph map[string]comfy.Node) (string, error)
	Clear(ctx context.Context) (int, error)
}

type App struct {
	Settings   *settings.Store
	Styles     *styles.Store
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Queue      QueueClient
	Enhancer   enhancer.Enhancer
	Log        infra.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, map[string]string{"error": msg})
}

// fail maps domain errors onto status codes. Anything unrecognized is a
// backend fault.
func (a *App) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrPermission):
		a.error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrJobRunning),
		errors.Is(err, domain.ErrTerminalState),
		errors.Is(err, domain.ErrNoCompletedParent),
		errors.Is(err, domain.ErrDuplicateJob):
		a.error(w, http.StatusConflict, err.Error())
	default:
		a.Log.Error().Err(err).Msg("backend request failed")
		a.error(w, http.StatusBadGateway, "backend unavailable")
	}
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
