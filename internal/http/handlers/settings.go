package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
	"github.com/Tenos-ai/tenos-bot/internal/settings"
)

func (a *App) GetSettings(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, a.Settings.Snapshot())
}

// PutSettings replaces the global defaults. Rejected values leave the
// previous snapshot in effect.
func (a *App) PutSettings(w http.ResponseWriter, r *http.Request) {
	defs := a.Settings.Snapshot()
	if !a.decode(w, r, &defs) {
		return
	}
	if err := a.Settings.Replace(defs); err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, defs)
}

// ListStyles returns the style names available for the active family, or
// for an explicit ?family= override.
func (a *App) ListStyles(w http.ResponseWriter, r *http.Request) {
	family := a.Settings.Snapshot().SelectedFamily
	if f := r.URL.Query().Get("family"); f != "" {
		family = domain.ModelFamily(f)
		if !family.Valid() {
			a.error(w, http.StatusBadRequest, "unknown model family "+f)
			return
		}
	}
	a.json(w, http.StatusOK, map[string]any{
		"family": family,
		"styles": a.Styles.Names(family),
	})
}

func (a *App) GetUserPrefs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.json(w, http.StatusOK, a.Settings.User(id))
}

func (a *App) PutUserPrefs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var prefs settings.UserPrefs
	if !a.decode(w, r, &prefs) {
		return
	}
	a.Settings.SetUser(id, prefs)
	a.json(w, http.StatusOK, prefs)
}
