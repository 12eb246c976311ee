package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/munnerz/goautoneg"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/auth"
	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/permissions"
)

const notShared = "Not shared."

var errNotFound = errors.New("not found")

// findForm loads the form idString of the owner username. The owner is
// matched case-insensitively, the form id exactly.
func findForm(ctx context.Context, db *gorm.DB, username, idString string) (*models.XForm, error) {
	var owner models.User
	if err := db.WithContext(ctx).Where("LOWER(username) = LOWER(?)", username).First(&owner).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errNotFound
		}
		return nil, err
	}

	var xform models.XForm
	if err := db.WithContext(ctx).
		Where("user_id = ? AND id_string = ?", owner.ID, idString).
		First(&xform).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errNotFound
		}
		return nil, err
	}
	xform.User = owner
	return &xform, nil
}

// sharedForm resolves the form and checks that the request's user may read
// its data. It writes the error response and returns nil on failure.
func sharedForm(w http.ResponseWriter, r *http.Request, db *gorm.DB, perms *permissions.Service, username, idString string) *models.XForm {
	xform, err := findForm(r.Context(), db, username, idString)
	if errors.Is(err, errNotFound) {
		http.NotFound(w, r)
		return nil
	}
	if err != nil {
		logger.Error("failed to load form", "username", username, "id_string", idString, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil
	}

	ok, err := perms.HasPermission(r.Context(), xform, auth.GetUser(r))
	if err != nil {
		logger.Error("permission check failed", "xform_id", xform.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil
	}
	if !ok {
		http.Error(w, notShared, http.StatusForbidden)
		return nil
	}
	return xform
}

// authenticate tries the chain when no user is attached to r yet. A failed
// attempt is answered with 401 and ok is false.
func authenticate(w http.ResponseWriter, r *http.Request, chain auth.Authenticator) (*http.Request, bool) {
	if auth.GetUser(r) != nil || chain == nil {
		return r, true
	}
	user, err := chain.Authenticate(r)
	if err != nil {
		http.Error(w, "Invalid username/password.", http.StatusUnauthorized)
		return r, false
	}
	if user != nil {
		r = r.WithContext(auth.WithUser(r.Context(), user))
	}
	return r, true
}

func wantsJSON(r *http.Request) bool {
	if r.URL.Query().Get("format") == "json" {
		return true
	}
	accept := r.Header.Get("Accept")
	if accept == "" {
		return false
	}
	return goautoneg.Negotiate(accept, []string{"text/html", "application/json"}) == "application/json"
}
