package http

import (
	"database/sql"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/questora/server/internal/auth"
	"github.com/questora/server/internal/http/handlers"
	"github.com/questora/server/internal/middleware"
	"github.com/questora/server/internal/repo"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(
	database *sql.DB,
	authHandler *handlers.AuthHandler,
	accountHandler *handlers.AccountHandler,
	securityHandler *handlers.SecurityHandler,
	deviceHandler *handlers.DeviceHandler,
	activityHandler *handlers.ActivityHandler,
	jwtService *auth.JWTService,
	accounts repo.AccountRepo,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler(database)
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/register/verify", authHandler.VerifyRegistration)
		r.Post("/register/resend", authHandler.ResendCode)
		r.Post("/lookup", authHandler.Lookup)
		r.Post("/login", authHandler.Login)

		r.Route("/recovery", func(r chi.Router) {
			r.Post("/search", authHandler.RecoverySearch)
			r.Post("/method", authHandler.RecoveryMethod)
			r.Post("/verify", authHandler.RecoveryVerify)
			r.Post("/reset", authHandler.RecoveryReset)
		})
	})

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(jwtService, accounts))

		r.Post("/auth/switch", accountHandler.Switch)
		r.Post("/auth/logout", accountHandler.Logout)
		r.Get("/auth/roster", accountHandler.Roster)

		r.Route("/me", func(r chi.Router) {
			r.Get("/", accountHandler.Me)
			r.Patch("/profile", accountHandler.UpdateProfile)

			r.Put("/security", securityHandler.Update)
			r.Post("/security/password", securityHandler.ChangePassword)
			r.Post("/security/2fa/begin", securityHandler.BeginTwoFactor)
			r.Post("/security/2fa/confirm", securityHandler.ConfirmTwoFactor)

			r.Get("/devices", deviceHandler.List)
			r.Patch("/devices/{deviceID}", deviceHandler.Update)

			r.Get("/activity", activityHandler.List)
			r.Get("/activity/export", activityHandler.Export)
		})
	})

	return r
}
