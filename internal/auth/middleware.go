package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/alexedwards/scs/v2"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/logger"
)

type contextKey string

const (
	UserContextKey      contextKey = "user"
	principalContextKey contextKey = "principal"
)

const LoginURL = "/accounts/login"

type principal struct {
	user *models.User
}

// Track prepares ctx so that the user authenticated further down the
// handler chain can be read back with Authenticated.
func Track(ctx context.Context) context.Context {
	return context.WithValue(ctx, principalContextKey, &principal{})
}

// Authenticated returns the user recorded by WithUser anywhere below the
// Track call, or nil.
func Authenticated(ctx context.Context) *models.User {
	if p, ok := ctx.Value(principalContextKey).(*principal); ok {
		return p.user
	}
	user, _ := ctx.Value(UserContextKey).(*models.User)
	return user
}

func WithUser(ctx context.Context, user *models.User) context.Context {
	if p, ok := ctx.Value(principalContextKey).(*principal); ok {
		p.user = user
	}
	return context.WithValue(ctx, UserContextKey, user)
}

func GetUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(UserContextKey).(*models.User)
	return user
}

// LoadUser puts the session's user, with profile, in the request context.
// Requests without a session pass through anonymous.
func LoadUser(db *gorm.DB, sm *scs.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := sm.GetInt(r.Context(), sessionUserKey)
			if userID == 0 {
				next.ServeHTTP(w, r)
				return
			}

			var user models.User
			if err := db.WithContext(r.Context()).Preload("Profile").First(&user, userID).Error; err != nil {
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					logger.Error("failed to load session user", "user_id", userID, "error", err)
				}
				// Stale session for a removed user.
				sm.Remove(r.Context(), sessionUserKey)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), &user)))
		})
	}
}

// Authenticate runs the chain for requests that carry no session user.
// Failed credentials are answered with a 401 challenge; no credentials
// leave the request anonymous.
func Authenticate(chain Chain, challenge func(http.ResponseWriter, *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetUser(r) != nil {
				next.ServeHTTP(w, r)
				return
			}
			user, err := chain.Authenticate(r)
			if err != nil {
				challenge(w, r)
				return
			}
			if user != nil {
				r = r.WithContext(WithUser(r.Context(), user))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireLogin redirects anonymous requests to the login page.
func RequireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUser(r) == nil {
			http.Redirect(w, r, LoginURL+"?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Login renews the session token and records the user in the session.
func Login(ctx context.Context, sm *scs.SessionManager, user *models.User) error {
	if err := sm.RenewToken(ctx); err != nil {
		return err
	}
	sm.Put(ctx, sessionUserKey, int(user.ID))
	return nil
}

func Logout(ctx context.Context, sm *scs.SessionManager) error {
	return sm.Destroy(ctx)
}
