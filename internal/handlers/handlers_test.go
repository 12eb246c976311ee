package handlers

import (
	"net/http"

	"github.com/form-case/kobocat/internal/auth"
	"github.com/form-case/kobocat/internal/database/models"
)

// asUser stands in for the session middlewares: requests reach next
// authenticated as user, or anonymous when user is nil.
func asUser(user *models.User) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user != nil {
				r = r.WithContext(auth.WithUser(r.Context(), user))
			}
			next.ServeHTTP(w, r)
		})
	}
}
