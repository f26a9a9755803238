package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/", a.handleIndex)
	r.Get("/login", a.handleLoginPage)
	r.Post("/login", a.handleLoginSubmit)
	r.Get("/logout", a.handleLogout)

	r.Get("/{provider}/login", a.handleSSOLogin)
	r.Get("/{provider}/callback", a.handleSSOCallback)

	r.Group(func(pr chi.Router) {
		pr.Use(a.RequireSession)
		pr.Get("/goals", a.handleGoals)
		pr.Post("/goals", a.handleGoalCreate)
	})

	return r
}
