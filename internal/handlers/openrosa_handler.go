package handlers

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maruel/natural"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/auth"
	"github.com/form-case/kobocat/internal/config"
	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/permissions"
	"github.com/form-case/kobocat/internal/storage"
	"github.com/form-case/kobocat/internal/submission"
)

const (
	openRosaVersion      = "1.0"
	xmlSubmissionField   = "xml_submission_file"
	multipartMemoryLimit = 10 << 20
)

// OpenRosaHandler serves the endpoints data collection clients use to
// fetch forms and send submissions.
type OpenRosaHandler struct {
	db             *gorm.DB
	cfg            *config.Config
	permissions    *permissions.Service
	submissions    *submission.Service
	authenticators auth.Authenticator
	challenge      func(http.ResponseWriter, *http.Request)
}

func NewOpenRosaHandler(db *gorm.DB, cfg *config.Config, backend storage.StorageBackend, authenticators auth.Authenticator, challenge func(http.ResponseWriter, *http.Request)) *OpenRosaHandler {
	return &OpenRosaHandler{
		db:             db,
		cfg:            cfg,
		permissions:    permissions.NewService(db),
		submissions:    submission.NewService(db, backend),
		authenticators: authenticators,
		challenge:      challenge,
	}
}

type xformList struct {
	XMLName xml.Name        `xml:"http://openrosa.org/xforms/xformsList xforms"`
	Forms   []xformListItem `xml:"xform"`
}

type xformListItem struct {
	FormID      string `xml:"formID"`
	Name        string `xml:"name"`
	Version     string `xml:"version,omitempty"`
	Hash        string `xml:"hash"`
	DownloadURL string `xml:"downloadUrl"`
}

type openRosaResponse struct {
	XMLName xml.Name        `xml:"http://openrosa.org/http/response OpenRosaResponse"`
	Message openRosaMessage `xml:"message"`
}

type openRosaMessage struct {
	Nature string `xml:"nature,attr,omitempty"`
	Text   string `xml:",chardata"`
}

// user authenticates the request and challenges anonymous clients. It
// returns nil once a response has been written.
func (h *OpenRosaHandler) user(w http.ResponseWriter, r *http.Request) (*http.Request, *models.User) {
	r, ok := authenticate(w, r, h.authenticators)
	if !ok {
		return r, nil
	}
	user := auth.GetUser(r)
	if user == nil {
		h.challenge(w, r)
		return r, nil
	}
	return r, user
}

func setOpenRosaHeaders(w http.ResponseWriter, maxSize int64) {
	w.Header().Set("X-OpenRosa-Version", openRosaVersion)
	if maxSize > 0 {
		w.Header().Set("X-OpenRosa-Accept-Content-Length", strconv.FormatInt(maxSize, 10))
	}
}

// FormList lists the downloadable forms of an account visible to the
// requester, naturally sorted by title.
func (h *OpenRosaHandler) FormList(w http.ResponseWriter, r *http.Request) {
	r, user := h.user(w, r)
	if user == nil {
		return
	}

	var xforms []models.XForm
	err := h.db.WithContext(r.Context()).
		Preload("User").
		Joins("JOIN users ON users.id = xforms.user_id").
		Where("LOWER(users.username) = LOWER(?)", chi.URLParam(r, "username")).
		Where("xforms.downloadable = ? AND xforms.pending_delete = ?", true, false).
		Find(&xforms).Error
	if err != nil {
		logger.Error("failed to list forms", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	list := xformList{Forms: []xformListItem{}}
	for i := range xforms {
		xf := &xforms[i]
		ok, err := h.permissions.HasPermission(r.Context(), xf, user)
		if err != nil || !ok {
			continue
		}
		sum := md5.Sum([]byte(xf.XML))
		list.Forms = append(list.Forms, xformListItem{
			FormID:      xf.IDString,
			Name:        xf.Title,
			Hash:        "md5:" + hex.EncodeToString(sum[:]),
			DownloadURL: fmt.Sprintf("%s/%s/forms/%d/form.xml", baseURL(r), xf.User.Username, xf.ID),
		})
	}
	sort.SliceStable(list.Forms, func(i, j int) bool { return natural.Less(list.Forms[i].Name, list.Forms[j].Name) })

	setOpenRosaHeaders(w, 0)
	writeXML(w, http.StatusOK, list)
}

// FormXML returns the definition of one form.
func (h *OpenRosaHandler) FormXML(w http.ResponseWriter, r *http.Request) {
	r, user := h.user(w, r)
	if user == nil {
		return
	}

	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	var xform models.XForm
	if err := h.db.WithContext(r.Context()).
		Joins("JOIN users ON users.id = xforms.user_id").
		Where("xforms.id = ? AND LOWER(users.username) = LOWER(?)", id, chi.URLParam(r, "username")).
		First(&xform).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if ok, err := h.permissions.HasPermission(r.Context(), &xform, user); err != nil || !ok {
		http.Error(w, notShared, http.StatusForbidden)
		return
	}

	setOpenRosaHeaders(w, 0)
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	io.WriteString(w, xform.XML)
}

// Submit stores a multipart submission. HEAD requests only advertise the
// accepted size.
func (h *OpenRosaHandler) Submit(w http.ResponseWriter, r *http.Request) {
	r, user := h.user(w, r)
	if user == nil {
		return
	}
	setOpenRosaHeaders(w, h.cfg.MaxSubmissionSize)
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.cfg.MaxSubmissionSize > 0 {
		if r.ContentLength > h.cfg.MaxSubmissionSize {
			writeOpenRosa(w, http.StatusRequestEntityTooLarge, "", "Submission is too large.")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxSubmissionSize)
	}
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeOpenRosa(w, http.StatusRequestEntityTooLarge, "", "Submission is too large.")
			return
		}
		writeOpenRosa(w, http.StatusBadRequest, "", "Invalid multipart submission.")
		return
	}
	defer r.MultipartForm.RemoveAll()

	xmlFiles := r.MultipartForm.File[xmlSubmissionField]
	if len(xmlFiles) == 0 {
		writeOpenRosa(w, http.StatusBadRequest, "", "No XML submission file.")
		return
	}
	doc, err := readPart(xmlFiles[0])
	if err != nil {
		writeOpenRosa(w, http.StatusBadRequest, "", "Unable to read XML submission file.")
		return
	}

	var media []submission.Media
	for field, headers := range r.MultipartForm.File {
		if field == xmlSubmissionField {
			continue
		}
		for _, fh := range headers {
			fh := fh
			media = append(media, submission.Media{
				Filename:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Open:        func() (io.ReadCloser, error) { return fh.Open() },
			})
		}
	}
	sort.Slice(media, func(i, j int) bool { return media[i].Filename < media[j].Filename })

	res, err := h.submissions.Create(r.Context(), submission.Request{
		Username:  chi.URLParam(r, "username"),
		Submitter: user,
		XML:       doc,
		Media:     media,
	})
	switch {
	case errors.Is(err, submission.ErrFormNotFound):
		writeOpenRosa(w, http.StatusNotFound, "", "Form not found.")
	case errors.Is(err, submission.ErrInvalidXML):
		writeOpenRosa(w, http.StatusBadRequest, "", "Improperly formatted XML.")
	case errors.Is(err, submission.ErrPermissionDenied):
		writeOpenRosa(w, http.StatusForbidden, "", "You are not allowed to submit to this form.")
	case errors.Is(err, submission.ErrFormInactive):
		writeOpenRosa(w, http.StatusBadRequest, "", "Form is not accepting submissions.")
	case err != nil:
		logger.Error("failed to store submission", "user", user.Username, "error", err)
		writeOpenRosa(w, http.StatusInternalServerError, "", "Unable to store submission.")
	case res.Duplicate:
		writeOpenRosa(w, http.StatusAccepted, "submit_success", "Duplicate submission")
	default:
		writeOpenRosa(w, http.StatusCreated, "submit_success", "Successful submission.")
	}
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writeOpenRosa(w http.ResponseWriter, status int, nature, message string) {
	writeXML(w, status, openRosaResponse{Message: openRosaMessage{Nature: nature, Text: message}})
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, xml.Header)
	if err := xml.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode xml response", "error", err)
	}
}

// baseURL is the scheme and host the client used to reach the server.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
