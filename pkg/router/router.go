package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-delegate/pkg/audit"
	"github.com/tendant/simple-delegate/pkg/caller"
	pkgconfig "github.com/tendant/simple-delegate/pkg/config"
	impersonateapi "github.com/tendant/simple-delegate/pkg/impersonate/api"
	"github.com/tendant/simple-delegate/pkg/metrics"
	permtraceapi "github.com/tendant/simple-delegate/pkg/permtrace/api"
	"github.com/tendant/simple-delegate/pkg/ratelimit"
	settingsapi "github.com/tendant/simple-delegate/pkg/settings/api"
	stepupapi "github.com/tendant/simple-delegate/pkg/stepup/api"
)

// Config holds all the dependencies and handlers needed to setup routes
type Config struct {
	PrefixConfig pkgconfig.PrefixConfig

	SessionHandle  *impersonateapi.Handle
	StepUpHandle   *stepupapi.Handle
	TraceHandle    *permtraceapi.Handle
	SettingsHandle *settingsapi.Handle

	// Verifies bearer tokens and cookies
	Auth *jwtauth.JWTAuth

	// Optional: nil disables /metrics and request instrumentation
	Metrics *metrics.Metrics

	// Optional: per client IP limit on step-up verification
	StepUpLimiter *ratelimit.Limiter

	// Optional: keys StepUpLimiter; defaults to the connection's remote address
	ClientIP ratelimit.KeyFunc

	// Optional: audits impersonated requests to AppRoutes and the settings API
	AuditMiddleware *audit.Middleware

	// Optional: host application routes served behind authentication and
	// impersonation auditing
	AppRoutes func(r chi.Router)
}

// SetupRoutes mounts all routes on the provided router
func SetupRoutes(router chi.Router, cfg Config) {
	router.Group(func(router chi.Router) {
		if cfg.Metrics != nil {
			router.Use(cfg.Metrics.Instrument)
			if cfg.PrefixConfig.Metrics != "" {
				router.Method(http.MethodGet, cfg.PrefixConfig.Metrics, cfg.Metrics.Handler())
			}
		}
		SetupAuthenticatedRoutes(router, cfg)
	})
}

// SetupAuthenticatedRoutes mounts only the routes that require a token
func SetupAuthenticatedRoutes(router chi.Router, cfg Config) {
	router.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(cfg.Auth))
		r.Use(jwtauth.Authenticator(cfg.Auth))
		r.Use(caller.Middleware)

		// Private endpoint for testing authentication
		r.Get("/private", func(w http.ResponseWriter, r *http.Request) {
			render.PlainText(w, r, http.StatusText(http.StatusOK))
		})

		if cfg.PrefixConfig.Impersonation != "" {
			r.Route(cfg.PrefixConfig.Impersonation, func(r chi.Router) {
				r.Use(caller.RequireRole(caller.RoleSuperadmin))
				r.Mount("/sessions", impersonateapi.SessionHandler(cfg.SessionHandle))
				r.Mount("/trace", permtraceapi.TraceHandler(cfg.TraceHandle))

				stepUpRouter := chi.NewRouter()
				stepUpRouter.Group(func(r chi.Router) {
					if cfg.StepUpLimiter != nil {
						key := cfg.ClientIP
						if key == nil {
							key = ratelimit.ClientIP
						}
						r.Use(ratelimit.Middleware(cfg.StepUpLimiter, key))
					}
					r.Mount("/", stepupapi.StepUpHandler(cfg.StepUpHandle))
				})
				r.Mount("/stepup", stepUpRouter)
			})
			slog.Info("Impersonation routes mounted", "prefix", cfg.PrefixConfig.Impersonation)
		}

		// Impersonated traffic below is audited. The session endpoints above
		// are not, so a view_only session can still be ended.
		r.Group(func(r chi.Router) {
			if cfg.AuditMiddleware != nil {
				r.Use(cfg.AuditMiddleware.Handler)
			}
			if cfg.PrefixConfig.Settings != "" {
				r.Mount(cfg.PrefixConfig.Settings, settingsapi.SettingsHandler(cfg.SettingsHandle))
			}
			if cfg.AppRoutes != nil {
				cfg.AppRoutes(r)
			}
		})
	})
}
