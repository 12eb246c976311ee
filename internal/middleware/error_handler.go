package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/templateutil"
)

// NotFoundHandler renders a custom 404 page
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	RenderError(w, http.StatusNotFound, "404.html", nil)
}

// InternalErrorHandler renders a custom 500 page
func InternalErrorHandler(w http.ResponseWriter, r *http.Request) {
	RenderError(w, http.StatusInternalServerError, "500.html", nil)
}

// NotAllowedPage renders the 405 page for routes that exist under another
// method.
func NotAllowedPage(w http.ResponseWriter, r *http.Request) {
	RenderError(w, http.StatusMethodNotAllowed, "405.html", map[string]any{"Method": r.Method})
}

// RenderError writes status with page as the body.
func RenderError(w http.ResponseWriter, status int, page string, data map[string]any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := templateutil.Render(w, page, data); err != nil {
		logger.Error("failed to render error page", "page", page, "error", err)
		fmt.Fprintf(w, "Error: %s", http.StatusText(status))
	}
}

// RecoverMiddleware catches panics and renders 500 pages
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				logger.Error("panic recovered",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				InternalErrorHandler(w, r)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
