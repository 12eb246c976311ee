package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/auth"
	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/permissions"
	"github.com/form-case/kobocat/internal/storage"
	"github.com/form-case/kobocat/internal/xform"
)

// jsonpCallback limits callback names to dotted JavaScript identifiers.
var jsonpCallback = regexp.MustCompile(`^[A-Za-z_$][\w$]*(\.[A-Za-z_$][\w$]*)*$`)

// FormHandler serves form definitions by id_string: the XForm XML, its
// JSON rendering and the XLSForm it was published from.
type FormHandler struct {
	db          *gorm.DB
	storage     storage.StorageBackend
	permissions *permissions.Service
	digest      auth.Authenticator
	challenge   func(http.ResponseWriter, *http.Request)
}

func NewFormHandler(db *gorm.DB, backend storage.StorageBackend, digest auth.Authenticator, challenge func(http.ResponseWriter, *http.Request)) *FormHandler {
	return &FormHandler{
		db:          db,
		storage:     backend,
		permissions: permissions.NewService(db),
		digest:      digest,
		challenge:   challenge,
	}
}

func (h *FormHandler) form(w http.ResponseWriter, r *http.Request) *models.XForm {
	username, idString := chi.URLParam(r, "username"), chi.URLParam(r, "id_string")
	xf, err := findForm(r.Context(), h.db, username, idString)
	if errors.Is(err, errNotFound) {
		http.NotFound(w, r)
		return nil
	}
	if err != nil {
		logger.Error("failed to load form", "username", username, "id_string", idString, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil
	}
	return xf
}

// readable reports whether the request's user may read the definition of
// a form that is not shared. Errors are written to w.
func (h *FormHandler) readable(w http.ResponseWriter, r *http.Request, xf *models.XForm) bool {
	if xf.Shared {
		return true
	}
	ok, err := h.permissions.HasPermission(r.Context(), xf, auth.GetUser(r))
	if err != nil {
		logger.Error("permission check failed", "xform_id", xf.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}
	return ok
}

// XForm returns the form's XML. Forms that are not shared need a Digest
// login; any account will do, other schemes are challenged.
func (h *FormHandler) XForm(w http.ResponseWriter, r *http.Request) {
	xf := h.form(w, r)
	if xf == nil {
		return
	}
	if !xf.Shared {
		user, err := h.digest.Authenticate(r)
		if err != nil && !errors.Is(err, auth.ErrAuthenticationFailed) {
			logger.Error("digest authentication failed", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if user == nil {
			h.challenge(w, r)
			return
		}
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.xml", xf.IDString))
	io.WriteString(w, xf.XML)
}

func addCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET")
	w.Header().Set("Access-Control-Allow-Headers", "Accept, Origin, X-Requested-With, Authorization")
}

// JSONForm returns the form as JSON, wrapped in callback(...) when a
// callback is given. OPTIONS answers the CORS preflight.
func (h *FormHandler) JSONForm(w http.ResponseWriter, r *http.Request) {
	xf := h.form(w, r)
	if xf == nil {
		return
	}
	if r.Method == http.MethodOptions {
		addCORSHeaders(w)
		w.WriteHeader(http.StatusOK)
		return
	}
	if !h.readable(w, r, xf) {
		addCORSHeaders(w)
		http.Error(w, notShared, http.StatusForbidden)
		return
	}

	form, err := xform.Parse([]byte(xf.XML))
	if err != nil {
		logger.Error("stored form does not parse", "xform_id", xf.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	body, err := form.SurveyJSON()
	if err != nil {
		logger.Error("failed to encode form json", "xform_id", xf.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	callback := r.URL.Query().Get("callback")
	if callback != "" && !jsonpCallback.MatchString(callback) {
		http.Error(w, "Invalid callback", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.json", xf.IDString))
	if callback != "" {
		fmt.Fprintf(w, "%s(%s)", callback, body)
		return
	}
	addCORSHeaders(w)
	w.Write(body)
}

// XLSForm returns the spreadsheet the form was published from.
func (h *FormHandler) XLSForm(w http.ResponseWriter, r *http.Request) {
	xf := h.form(w, r)
	if xf == nil {
		return
	}
	if !h.readable(w, r, xf) {
		http.Error(w, notShared, http.StatusForbidden)
		return
	}

	ctx := r.Context()
	exists := false
	if xf.XLSFile != "" {
		var err error
		if exists, err = storage.Exists(ctx, h.storage, xf.XLSFile); err != nil {
			logger.Error("failed to check xlsform", "xform_id", xf.ID, "path", xf.XLSFile, "error", err)
		}
	}
	if !exists {
		http.Error(w, fmt.Sprintf("No XLS file for your form %s", xf.IDString), http.StatusNotFound)
		return
	}

	if !h.storage.IsLocal() {
		target, err := h.storage.URL(ctx, xf.XLSFile)
		if err != nil {
			logger.Error("failed to sign xlsform url", "xform_id", xf.ID, "error", err)
			http.Error(w, "Failed to access file", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	reader, err := h.storage.Open(ctx, xf.XLSFile)
	if err != nil {
		logger.Error("failed to open xlsform", "xform_id", xf.ID, "path", xf.XLSFile, "error", err)
		http.Error(w, "Failed to open file", http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	ext := strings.TrimPrefix(path.Ext(xf.XLSFile), ".")
	if ext == "" {
		ext = "xls"
	}
	w.Header().Set("Content-Type", "application/vnd.ms-excel")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.%s", xf.IDString, ext))
	if _, err := io.Copy(w, reader); err != nil {
		logger.Warn("error streaming xlsform", "path", xf.XLSFile, "error", err)
	}
}
