package routes

import (
	"net/http"
	"time"

	csrf "filippo.io/csrf/gorilla"
	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/auth"
	"github.com/form-case/kobocat/internal/config"
	"github.com/form-case/kobocat/internal/exports"
	"github.com/form-case/kobocat/internal/handlers"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/middleware"
	"github.com/form-case/kobocat/internal/mirror"
	"github.com/form-case/kobocat/internal/storage"
)

// Dependencies are the services shared by every handler.
type Dependencies struct {
	DB             *gorm.DB
	Config         *config.Config
	Storage        storage.StorageBackend
	Mirror         mirror.Store
	SessionManager *scs.SessionManager
	Exports        *exports.Service
	Version        string
}

// NewRouter returns the application router with the global middleware
// chain installed.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.TrackUser)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.RecoverMiddleware)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.UsernameInResponseHeader)
	r.Use(middleware.LocaleTweaks)

	Setup(r, deps)
	return r
}

// Setup wires handlers into r.
//
// Every application route declares the view it belongs to so the
// restriction middleware can tell which endpoints users with an
// unvalidated password may still reach. Routes are registered flat, not
// through mounted sub-routers, so the full pattern is known when group
// middleware runs.
//
// CSRF protection (filippo.io/csrf) checks Fetch Metadata headers: browsers
// are limited to same-origin POSTs and requests without Sec-Fetch-Site or
// Origin pass. OpenRosa endpoints are not wrapped.
func Setup(r chi.Router, deps Dependencies) {
	db, cfg, sm := deps.DB, deps.Config, deps.SessionManager

	digest := auth.NewDigest(db, cfg.DigestRealm, []byte(cfg.SessionSecret), cfg.DigestNonceTTL)
	chain := auth.NewChain(db, cfg, digest)
	views := middleware.NewViews()

	authHandler := handlers.NewAuthHandler(db, sm)
	healthHandler := handlers.NewHealthHandler(db, deps.Storage, deps.Mirror, deps.Version)
	exportHandler := handlers.NewExportHandler(db, cfg, deps.Exports, deps.Storage, sm, chain)
	attachmentHandler := handlers.NewAttachmentHandler(db, cfg, deps.Storage, chain, digest.Challenge)
	openRosaHandler := handlers.NewOpenRosaHandler(db, cfg, deps.Storage, chain, digest.Challenge)
	formHandler := handlers.NewFormHandler(db, deps.Storage, digest, digest.Challenge)

	// 5 login attempts per 15 minutes per client address.
	loginLimiter := middleware.NewLoginLimiter(5, 15*time.Minute)

	csrfMiddleware := func(next http.Handler) http.Handler { return next }
	if cfg.CSRFEnabled {
		csrfMiddleware = csrf.Protect(
			[]byte(cfg.SessionSecret),
			csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				logger.Warn("csrf validation failed",
					"reason", csrf.FailureReason(r),
					"method", r.Method,
					"path", r.URL.Path,
				)
				http.Error(w, "Forbidden", http.StatusForbidden)
			})),
		)
	}

	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(middleware.NotFoundHandler)
	r.MethodNotAllowed(middleware.NotAllowedPage)

	// route registers h for method and pattern under view.
	route := func(r chi.Router, method, pattern string, view middleware.View, h http.Handler) {
		views.Register(method, pattern, view)
		r.Method(method, pattern, h)
	}
	authenticated := func(r chi.Router) {
		r.Use(sm.LoadAndSave)
		r.Use(auth.LoadUser(db, sm))
		r.Use(auth.Authenticate(chain, digest.Challenge))
		r.Use(middleware.Restricted(views, cfg.KoboformURL))
	}

	r.Group(func(r chi.Router) {
		r.Use(sm.LoadAndSave)
		r.Use(auth.LoadUser(db, sm))
		r.Get(auth.LoginURL, authHandler.ShowLogin)
		r.With(middleware.RateLimit(loginLimiter), csrfMiddleware).Post(auth.LoginURL, authHandler.Login)
		r.With(csrfMiddleware).Post("/accounts/logout", authHandler.Logout)
	})

	// OpenRosa
	r.Group(func(r chi.Router) {
		authenticated(r)

		list := middleware.View{Name: "XFormListApi", Action: "list"}
		retrieve := middleware.View{Name: "XFormListApi", Action: "retrieve"}
		create := middleware.View{Name: "XFormSubmissionApi", Action: "create"}

		route(r, http.MethodGet, "/{username}/formList", list, http.HandlerFunc(openRosaHandler.FormList))
		route(r, http.MethodGet, "/{username}/forms/{id:[0-9]+}/form.xml", retrieve, http.HandlerFunc(openRosaHandler.FormXML))
		for _, pattern := range []string{"/submission", "/{username}/submission"} {
			route(r, http.MethodHead, pattern, create, http.HandlerFunc(openRosaHandler.Submit))
			route(r, http.MethodPost, pattern, create, http.HandlerFunc(openRosaHandler.Submit))
		}
	})

	// Form definitions by id_string. A numeric id_string is taken by the
	// OpenRosa route above.
	r.Group(func(r chi.Router) {
		authenticated(r)

		const base = "/{username}/forms/{id_string}/"
		route(r, http.MethodGet, base+"form.xml", middleware.View{Name: "download_xform"}, http.HandlerFunc(formHandler.XForm))
		route(r, http.MethodGet, base+"form.json", middleware.View{Name: "download_jsonform"}, http.HandlerFunc(formHandler.JSONForm))
		route(r, http.MethodOptions, base+"form.json", middleware.View{Name: "download_jsonform"}, http.HandlerFunc(formHandler.JSONForm))
		route(r, http.MethodGet, base+"form.xls", middleware.View{Name: "download_xlsform"}, auth.RequireLogin(http.HandlerFunc(formHandler.XLSForm)))
	})

	// Exports
	r.Group(func(r chi.Router) {
		authenticated(r)
		r.Use(csrfMiddleware)

		const base = "/{username}/exports/{id_string}/{export_type}/"
		route(r, http.MethodGet, base, middleware.View{Name: "export_list"}, http.HandlerFunc(exportHandler.List))
		route(r, http.MethodGet, base+"progress", middleware.View{Name: "export_progress"}, http.HandlerFunc(exportHandler.Progress))
		route(r, http.MethodGet, base+"{filename}", middleware.View{Name: "export_download"}, http.HandlerFunc(exportHandler.Download))
		route(r, http.MethodPost, base+"new", middleware.View{Name: "create_export"}, auth.RequireLogin(http.HandlerFunc(exportHandler.Create)))
		route(r, http.MethodPost, base+"delete", middleware.View{Name: "delete_export"}, auth.RequireLogin(http.HandlerFunc(exportHandler.Delete)))
	})

	// Attachments
	r.Group(func(r chi.Router) {
		authenticated(r)

		view := middleware.View{Name: "attachment_url"}
		route(r, http.MethodGet, "/attachment/", view, http.HandlerFunc(attachmentHandler.Serve))
		route(r, http.MethodGet, "/attachment/{size}", view, http.HandlerFunc(attachmentHandler.Serve))
	})
}
