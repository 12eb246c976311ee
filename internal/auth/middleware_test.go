package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alexedwards/scs/v2"

	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/testutil"
)

// withSession runs handler with the session already holding userID.
func withSession(sm *scs.SessionManager, userID int, handler http.Handler) http.Handler {
	return sm.LoadAndSave(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID != 0 {
			sm.Put(r.Context(), sessionUserKey, userID)
		}
		handler.ServeHTTP(w, r)
	}))
}

func TestLoadUser(t *testing.T) {
	env := testutil.NewEnv(t)
	user := env.CreateUser(t, "bob", "secret", false)
	sm := scs.New()

	tests := []struct {
		name     string
		userID   int
		wantUser bool
	}{
		{name: "session user", userID: int(user.ID), wantUser: true},
		{name: "no session", userID: 0},
		{name: "deleted user", userID: 9999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *models.User
			handler := LoadUser(env.DB, sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetUser(r)
			}))

			rec := httptest.NewRecorder()
			withSession(sm, tt.userID, handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			if (got != nil) != tt.wantUser {
				t.Fatalf("GetUser() = %v, want user: %v", got, tt.wantUser)
			}
			if got != nil && (got.Profile == nil || got.Profile.ValidatedPassword) {
				t.Errorf("profile should be preloaded with validated_password=false, got %+v", got.Profile)
			}
		})
	}
}

func TestRequireLogin(t *testing.T) {
	handler := RequireLogin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("anonymous is redirected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bob/exports/f/csv/new", nil))
		if rec.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", rec.Code)
		}
		if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, LoginURL+"?next=") {
			t.Errorf("Location = %q", loc)
		}
	})

	t.Run("user passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithUser(req.Context(), &models.User{ID: 1}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
}

type stubAuthenticator struct {
	user *models.User
	err  error
}

func (s stubAuthenticator) Authenticate(*http.Request) (*models.User, error) { return s.user, s.err }

func TestAuthenticateMiddleware(t *testing.T) {
	bob := &models.User{ID: 7, Username: "bob"}
	tests := []struct {
		name       string
		chain      Chain
		wantStatus int
		wantUser   string
	}{
		{name: "no credentials", chain: Chain{stubAuthenticator{}}, wantStatus: http.StatusOK},
		{name: "success", chain: Chain{stubAuthenticator{}, stubAuthenticator{user: bob}}, wantStatus: http.StatusOK, wantUser: "bob"},
		{name: "rejected", chain: Chain{stubAuthenticator{err: ErrAuthenticationFailed}, stubAuthenticator{user: bob}}, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser string
			handler := Authenticate(tt.chain, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if u := GetUser(r); u != nil {
					gotUser = u.Username
				}
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if gotUser != tt.wantUser {
				t.Errorf("user = %q, want %q", gotUser, tt.wantUser)
			}
		})
	}
}

func TestTrack(t *testing.T) {
	ctx := Track(context.Background())
	if Authenticated(ctx) != nil {
		t.Fatal("fresh context should have no user")
	}

	inner := WithUser(ctx, &models.User{Username: "bob"})
	if got := Authenticated(ctx); got == nil || got.Username != "bob" {
		t.Errorf("outer context should see the inner user, got %v", got)
	}
	if got := Authenticated(inner); got == nil || got.Username != "bob" {
		t.Errorf("inner context user = %v", got)
	}

	untracked := WithUser(context.Background(), &models.User{Username: "alice"})
	if got := Authenticated(untracked); got == nil || got.Username != "alice" {
		t.Errorf("untracked context user = %v", got)
	}
}
