package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/accounts"
	"github.com/form-case/kobocat/internal/auth"
	"github.com/form-case/kobocat/internal/flash"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/metrics"
	"github.com/form-case/kobocat/internal/templateutil"
)

type AuthHandler struct {
	db             *gorm.DB
	sessionManager *scs.SessionManager
}

func NewAuthHandler(db *gorm.DB, sessionManager *scs.SessionManager) *AuthHandler {
	return &AuthHandler{
		db:             db,
		sessionManager: sessionManager,
	}
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// safeNext keeps redirects on this site.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}

func (h *AuthHandler) renderLogin(w http.ResponseWriter, r *http.Request, data map[string]any) {
	if msg := flash.Pop(r.Context(), h.sessionManager); msg != nil {
		data["Flash"] = msg
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templateutil.Render(w, "login.html", data); err != nil {
		logger.Error("failed to render login page", "error", err)
	}
}

func (h *AuthHandler) ShowLogin(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))
	if auth.GetUser(r) != nil {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}
	h.renderLogin(w, r, map[string]any{"Next": next})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	isJSON := r.Header.Get("Content-Type") == "application/json"
	if isJSON {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
	} else {
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
	}
	next := safeNext(r.PostFormValue("next"))

	user, err := accounts.FindByUsername(r.Context(), h.db, req.Username)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Error("failed to load user", "username", req.Username, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if user == nil || !accounts.VerifyPassword(user.PasswordHash, req.Password) {
		metrics.RecordLogin(false)
		logger.Info("login failed", "username", req.Username)
		if isJSON {
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		h.renderLogin(w, r, map[string]any{
			"Error":    "Please enter a correct username and password.",
			"Next":     next,
			"Username": req.Username,
		})
		return
	}

	if err := auth.Login(r.Context(), h.sessionManager, user); err != nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	metrics.RecordLogin(true)
	auth.WithUser(r.Context(), user)
	logger.Info("user logged in", "username", user.Username)

	if isJSON {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":       user.ID,
			"username": user.Username,
			"email":    user.Email,
		})
		return
	}
	http.Redirect(w, r, next, http.StatusSeeOther)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := auth.Logout(r.Context(), h.sessionManager); err != nil {
		http.Error(w, "Failed to logout", http.StatusInternalServerError)
		return
	}
	flash.Info(r.Context(), h.sessionManager, "You have been logged out.")
	http.Redirect(w, r, auth.LoginURL, http.StatusSeeOther)
}
