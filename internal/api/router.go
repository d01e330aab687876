package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires the HTTP surface consumed by the scheduling form.
// Credentials and tasks are addressed by stable UUIDs, never by list
// position.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", h.Health)

	// sender credentials
	r.Get("/get-emails", h.ListCredentials)
	r.Post("/add-email-credentials", h.AddCredential)
	r.Put("/edit-email-credentials/{id}", h.UpdateCredential)
	r.Delete("/delete-email-credentials/{id}", h.DeleteCredential)

	// scheduled jobs
	r.Get("/scheduled-tasks", h.ListTasks)
	r.Get("/scheduled-tasks/{id}", h.GetTask)
	r.Post("/schedule-emails", h.ScheduleEmails)
	r.Delete("/delete-scheduled-task/{id}", h.DeleteTask)

	return r
}
