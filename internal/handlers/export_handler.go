package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/auth"
	"github.com/form-case/kobocat/internal/config"
	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/exports"
	"github.com/form-case/kobocat/internal/flash"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/permissions"
	"github.com/form-case/kobocat/internal/storage"
	"github.com/form-case/kobocat/internal/templateutil"
)

type ExportHandler struct {
	db             *gorm.DB
	cfg            *config.Config
	exports        *exports.Service
	permissions    *permissions.Service
	storage        storage.StorageBackend
	sessionManager *scs.SessionManager
	authenticators auth.Authenticator
}

func NewExportHandler(db *gorm.DB, cfg *config.Config, svc *exports.Service, backend storage.StorageBackend, sm *scs.SessionManager, authenticators auth.Authenticator) *ExportHandler {
	return &ExportHandler{
		db:             db,
		cfg:            cfg,
		exports:        svc,
		permissions:    permissions.NewService(db),
		storage:        backend,
		sessionManager: sm,
		authenticators: authenticators,
	}
}

// ExportStatus is one entry of the progress response.
type ExportStatus struct {
	Complete bool    `json:"complete"`
	URL      *string `json:"url"`
	Filename *string `json:"filename"`
	ExportID uint    `json:"export_id"`
}

func exportListURL(username, idString, exportType string) string {
	return fmt.Sprintf("/%s/exports/%s/%s/", url.PathEscape(username), url.PathEscape(idString), url.PathEscape(exportType))
}

func exportDownloadURL(username, idString, exportType, filename string) string {
	return exportListURL(username, idString, exportType) + url.PathEscape(filename)
}

// Create queues a new export and redirects to the export list.
func (h *ExportHandler) Create(w http.ResponseWriter, r *http.Request) {
	username, idString, exportType := chi.URLParam(r, "username"), chi.URLParam(r, "id_string"), chi.URLParam(r, "export_type")
	xform := sharedForm(w, r, h.db, h.permissions, username, idString)
	if xform == nil {
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	// A delimiter that is sent but empty is rejected, not defaulted.
	delimiter := "/"
	if v, ok := r.PostForm["options[group_delimiter]"]; ok && len(v) > 0 {
		delimiter = v[0]
	}
	if !exports.ValidDelimiter(delimiter) {
		http.Error(w, fmt.Sprintf("%s is not a valid delimiter", delimiter), http.StatusBadRequest)
		return
	}

	opts := models.ExportOptions{
		GroupDelimiter:        delimiter,
		SplitSelectMultiples:  valueOr(r.PostFormValue("options[dont_split_select_multiples]"), "no") == "no",
		BinarySelectMultiples: h.cfg.BinarySelectMultiples,
		ForceXLSX:             r.PostFormValue("xls") != "true",
	}

	_, err := h.exports.CreateAsync(r.Context(), xform, exportType, opts, r.PostFormValue("query"))
	switch {
	case errors.Is(err, exports.ErrExportType):
		http.Error(w, fmt.Sprintf("%s is not a valid export type", exportType), http.StatusBadRequest)
		return
	case errors.Is(err, exports.ErrInvalidDelimiter):
		http.Error(w, fmt.Sprintf("%s is not a valid delimiter", opts.GroupDelimiter), http.StatusBadRequest)
		return
	case errors.Is(err, exports.ErrInvalidQuery):
		http.Error(w, "Invalid query", http.StatusBadRequest)
		return
	case err != nil:
		logger.Error("failed to create export", "xform_id", xform.ID, "type", exportType, "error", err)
		http.Error(w, "Failed to create export", http.StatusInternalServerError)
		return
	}

	if h.sessionManager != nil {
		flash.Success(r.Context(), h.sessionManager, "Your export is being generated.")
	}
	http.Redirect(w, r, exportListURL(xform.User.Username, xform.IDString, exportType), http.StatusFound)
}

// List shows the exports of one type for a form, newest first.
func (h *ExportHandler) List(w http.ResponseWriter, r *http.Request) {
	exportType := chi.URLParam(r, "export_type")
	if !exports.ValidType(exportType) {
		http.Error(w, "Invalid export type", http.StatusBadRequest)
		return
	}
	xform := sharedForm(w, r, h.db, h.permissions, chi.URLParam(r, "username"), chi.URLParam(r, "id_string"))
	if xform == nil {
		return
	}

	list, err := h.exports.List(r.Context(), xform.ID, exportType)
	if err != nil {
		logger.Error("failed to list exports", "xform_id", xform.ID, "error", err)
		http.Error(w, "Failed to list exports", http.StatusInternalServerError)
		return
	}

	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(list)
		return
	}

	data := map[string]any{
		"User":     auth.GetUser(r),
		"XForm":    xform,
		"TypeName": models.ExportTypes[exportType],
		"BaseURL":  exportListURL(xform.User.Username, xform.IDString, exportType),
		"Exports":  list,
	}
	if h.sessionManager != nil {
		if msg := flash.Pop(r.Context(), h.sessionManager); msg != nil {
			data["Flash"] = msg
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templateutil.Render(w, "export_list.html", data); err != nil {
		logger.Error("failed to render export list", "error", err)
	}
}

// Progress reports the status of the exports named in export_ids.
func (h *ExportHandler) Progress(w http.ResponseWriter, r *http.Request) {
	xform := sharedForm(w, r, h.db, h.permissions, chi.URLParam(r, "username"), chi.URLParam(r, "id_string"))
	if xform == nil {
		return
	}

	list, err := h.exports.Progress(r.Context(), xform.ID, parseIDs(r.URL.Query()["export_ids"]))
	if err != nil {
		logger.Error("failed to load export progress", "xform_id", xform.ID, "error", err)
		http.Error(w, "Failed to load exports", http.StatusInternalServerError)
		return
	}

	statuses := make([]ExportStatus, 0, len(list))
	for _, e := range list {
		status := ExportStatus{Complete: e.Status.Terminal(), ExportID: e.ID}
		if e.Status == models.ExportSuccessful {
			u := exportDownloadURL(xform.User.Username, xform.IDString, e.ExportType, e.Filename)
			filename := e.Filename
			status.URL, status.Filename = &u, &filename
		}
		statuses = append(statuses, status)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statuses)
}

// Download serves a generated export: streamed from local storage or
// redirected to the object store.
func (h *ExportHandler) Download(w http.ResponseWriter, r *http.Request) {
	r, ok := authenticate(w, r, h.authenticators)
	if !ok {
		return
	}
	xform := sharedForm(w, r, h.db, h.permissions, chi.URLParam(r, "username"), chi.URLParam(r, "id_string"))
	if xform == nil {
		return
	}

	export, err := h.exports.FindByFilename(r.Context(), xform.ID, chi.URLParam(r, "filename"))
	if errors.Is(err, exports.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		logger.Error("failed to load export", "xform_id", xform.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	if !h.storage.IsLocal() {
		target, err := h.storage.URL(ctx, export.Filepath)
		if err != nil {
			logger.Error("failed to sign export url", "export_id", export.ID, "error", err)
			http.Error(w, "Failed to access file", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	reader, err := h.storage.Open(ctx, export.Filepath)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "File not found in storage", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to open file", http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	ext, mimeType := exports.MimeType(export.Filename)
	basename := strings.TrimSuffix(export.Filename, path.Ext(export.Filename))
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.%s", basename, ext))
	if info, err := h.storage.Stat(ctx, export.Filepath); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if _, err := io.Copy(w, reader); err != nil {
		logger.Warn("error streaming export", "path", export.Filepath, "error", err)
	}
}

// Delete removes the export named by export_id.
func (h *ExportHandler) Delete(w http.ResponseWriter, r *http.Request) {
	exportType := chi.URLParam(r, "export_type")
	xform := sharedForm(w, r, h.db, h.permissions, chi.URLParam(r, "username"), chi.URLParam(r, "id_string"))
	if xform == nil {
		return
	}

	id, err := strconv.ParseUint(r.PostFormValue("export_id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := h.exports.Delete(r.Context(), xform.ID, uint(id)); err != nil {
		if errors.Is(err, exports.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		logger.Error("failed to delete export", "export_id", id, "error", err)
		http.Error(w, "Failed to delete export", http.StatusInternalServerError)
		return
	}

	if h.sessionManager != nil {
		flash.Info(r.Context(), h.sessionManager, "Export deleted.")
	}
	http.Redirect(w, r, exportListURL(chi.URLParam(r, "username"), xform.IDString, exportType), http.StatusFound)
}

// parseIDs accepts repeated and comma separated ids and skips anything
// that is not a number.
func parseIDs(values []string) []uint {
	var ids []uint
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
			if err == nil {
				ids = append(ids, uint(id))
			}
		}
	}
	return ids
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
