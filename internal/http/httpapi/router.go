package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Tenos-ai/tenos-bot/internal/http/handlers"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.SubmitJob)
		r.Get("/", app.ListJobs)
		r.Get("/{id}", app.GetJob)
		r.Delete("/{id}", app.DeleteJob)
		r.Post("/{id}/cancel", app.CancelJob)
		r.Post("/{id}/actions", app.DerivedAction)
	})

	r.Post("/v1/queue/clear", app.ClearQueue)
	r.Post("/v1/sheet", app.Sheet)

	r.Route("/v1/settings", func(r chi.Router) {
		r.Get("/", app.GetSettings)
		r.Put("/", app.PutSettings)
	})
	r.Get("/v1/styles", app.ListStyles)

	r.Route("/v1/users/{id}/prefs", func(r chi.Router) {
		r.Get("/", app.GetUserPrefs)
		r.Put("/", app.PutUserPrefs)
	})

	return r
}
