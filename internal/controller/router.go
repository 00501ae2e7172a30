package controller

import (
	"github.com/JonnyShabli/mediagrab/internal/models"
	pkghttp "github.com/JonnyShabli/mediagrab/pkg/http"
	"github.com/go-chi/chi/v5"
)

func WithApiHandler(api *HandlerObj) pkghttp.RouterOption {
	return func(r chi.Router) {
		r.Route("/api", func(r chi.Router) {
			r.Get("/health", api.Health)

			r.Group(func(r chi.Router) {
				r.Use(api.withRole)
				r.Get("/auth_check", api.AuthCheck)
				r.Post("/login", api.Login)
				r.Post("/logout", api.Logout)

				r.Group(func(r chi.Router) {
					r.Use(api.requireRole(models.RoleGuest))
					r.Get("/tasks", api.ListTasks)
					r.Post("/tasks", api.CreateTask)
					r.Post("/tasks/{task_id}/pause", api.PauseTask)
					r.Post("/tasks/{task_id}/resume", api.ResumeTask)
					r.Delete("/tasks/{task_id}", api.DeleteTask)
					r.Get("/config", api.GetConfig)
					r.Get("/fs/list", api.ListFiles)
				})

				r.Group(func(r chi.Router) {
					r.Use(api.requireRole(models.RoleAdmin))
					r.Post("/settings", api.UpdateSettings)
					r.Post("/settings/password", api.SetPassword)
				})
			})
		})
	}
}
