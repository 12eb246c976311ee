package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/attachments"
	"github.com/form-case/kobocat/internal/auth"
	"github.com/form-case/kobocat/internal/config"
	"github.com/form-case/kobocat/internal/images"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/metrics"
	"github.com/form-case/kobocat/internal/permissions"
	"github.com/form-case/kobocat/internal/storage"
)

const (
	AccelRedirectHeader = "X-Accel-Redirect"
	defaultImageSize    = "medium"
)

// AttachmentHandler checks access to submission media and hands the actual
// transfer to the reverse proxy through X-Accel-Redirect.
type AttachmentHandler struct {
	db             *gorm.DB
	cfg            *config.Config
	storage        storage.StorageBackend
	permissions    *permissions.Service
	authenticators auth.Authenticator
	challenge      func(http.ResponseWriter, *http.Request)
}

func NewAttachmentHandler(db *gorm.DB, cfg *config.Config, backend storage.StorageBackend, authenticators auth.Authenticator, challenge func(http.ResponseWriter, *http.Request)) *AttachmentHandler {
	return &AttachmentHandler{
		db:             db,
		cfg:            cfg,
		storage:        backend,
		permissions:    permissions.NewService(db),
		authenticators: authenticators,
		challenge:      challenge,
	}
}

func (h *AttachmentHandler) Serve(w http.ResponseWriter, r *http.Request) {
	mediaFile := r.URL.Query().Get("media_file")
	if mediaFile == "" {
		h.notFound(w, "Error: Attachment not found", "missing")
		return
	}
	// Galleria.js appends a cache buster.
	mediaFile, _, _ = strings.Cut(mediaFile, "?")

	attachment, err := attachments.Find(r.Context(), h.db, mediaFile)
	if errors.Is(err, attachments.ErrNotFound) {
		logger.Info("attachment not found", "media_file", mediaFile)
		h.notFound(w, "Attachment not found", "not_found")
		return
	}
	if err != nil {
		logger.Error("failed to look up attachment", "media_file", mediaFile, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if attachment.DeletedAt != nil {
		h.notFound(w, "Attachment not found", "deleted")
		return
	}

	r, ok := authenticate(w, r, h.authenticators)
	if !ok {
		metrics.AttachmentRequests.WithLabelValues("unauthorized").Inc()
		return
	}

	user := auth.GetUser(r)
	xform := &attachment.Instance.XForm
	allowed, err := h.permissions.HasPermission(r.Context(), xform, user)
	if err != nil {
		logger.Error("permission check failed", "xform_id", xform.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		if user == nil && h.challenge != nil {
			metrics.AttachmentRequests.WithLabelValues("challenged").Inc()
			h.challenge(w, r)
			return
		}
		metrics.AttachmentRequests.WithLabelValues("forbidden").Inc()
		http.Error(w, notShared, http.StatusForbidden)
		return
	}

	var mediaURL string
	if !attachment.IsImage() {
		mediaURL, err = h.storage.URL(r.Context(), attachment.MediaFile)
	} else {
		size := chi.URLParam(r, "size")
		if size == "" {
			size = r.URL.Query().Get("size")
		}
		if size == "" {
			size = defaultImageSize
		}
		mediaURL, err = images.URL(r.Context(), h.storage, attachment.MediaFile, size)
	}
	if err != nil || mediaURL == "" {
		logger.Error("could not get url for attachment", "attachment_id", attachment.ID, "error", err)
		h.notFound(w, "Error: Attachment not found", "no_url")
		return
	}

	// An empty Content-Type lets the proxy pick the type of the file.
	w.Header()["Content-Type"] = nil
	w.Header().Set(AccelRedirectHeader, h.protectedURL(mediaURL))
	w.WriteHeader(http.StatusOK)
	metrics.AttachmentRequests.WithLabelValues("redirected").Inc()
}

// protectedURL maps a media URL onto the proxy's internal locations.
// Object store URLs are escaped once more since nginx decodes the
// location before proxying.
func (h *AttachmentHandler) protectedURL(mediaURL string) string {
	if !h.storage.IsLocal() {
		return "/protected-s3/" + quote(mediaURL)
	}
	return strings.Replace(mediaURL, h.cfg.MediaURL, "/protected/", 1)
}

func (h *AttachmentHandler) notFound(w http.ResponseWriter, message, outcome string) {
	metrics.AttachmentRequests.WithLabelValues(outcome).Inc()
	http.Error(w, message, http.StatusNotFound)
}

// quote percent-encodes everything but unreserved characters and "/".
func quote(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '-', c == '.', c == '_', c == '~', c == '/':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&15])
		}
	}
	return b.String()
}
