// Package submission turns OpenRosa submissions into Instances and
// Attachments. Creating those rows drives the storage and submission
// counters kept by the lifecycle callbacks.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/metrics"
	"github.com/form-case/kobocat/internal/permissions"
	"github.com/form-case/kobocat/internal/signals"
	"github.com/form-case/kobocat/internal/storage"
)

var (
	ErrFormNotFound     = errors.New("form not found")
	ErrInvalidXML       = errors.New("invalid submission xml")
	ErrPermissionDenied = errors.New("not allowed to submit to this form")
	ErrFormInactive     = errors.New("form is not accepting submissions")
)

// Media is one file part of a submission.
type Media struct {
	Filename    string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

type Request struct {
	// Username scopes the form lookup to one owner; empty searches all
	// owners.
	Username  string
	Submitter *models.User
	XML       []byte
	Media     []Media
}

type Result struct {
	Instance  *models.Instance
	Duplicate bool
}

type Service struct {
	db          *gorm.DB
	storage     storage.StorageBackend
	permissions *permissions.Service
	log         *slog.Logger
}

func NewService(db *gorm.DB, backend storage.StorageBackend) *Service {
	return &Service{
		db:          db,
		storage:     backend,
		permissions: permissions.NewService(db),
		log:         logger.Component("submission"),
	}
}

// Create stores a submission. A submission whose instance UUID already
// exists for the form is reported as a duplicate and not stored again.
func (s *Service) Create(ctx context.Context, req Request) (*Result, error) {
	parsed, err := Parse(req.XML)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	xform, err := s.findForm(ctx, req.Username, parsed.FormID)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if xform.PendingDelete {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrFormInactive
	}
	if err := s.authorize(ctx, xform, req.Submitter); err != nil {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if parsed.UUID == "" {
		parsed.UUID = uuid.NewString()
	}

	var existing models.Instance
	err = s.db.WithContext(ctx).
		Where("xform_id = ? AND uuid = ?", xform.ID, parsed.UUID).
		First(&existing).Error
	if err == nil {
		metrics.SubmissionsTotal.WithLabelValues("duplicate").Inc()
		return &Result{Instance: &existing, Duplicate: true}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	doc, err := json.Marshal(parsed.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode submission json: %w", err)
	}

	inst := &models.Instance{
		XFormID: xform.ID,
		UUID:    parsed.UUID,
		XML:     string(req.XML),
		JSON:    doc,
	}
	if req.Submitter != nil && req.Submitter.ID != 0 {
		inst.UserID = &req.Submitter.ID
	}

	var stored []string
	err = signals.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Create(inst).Error; err != nil {
			return fmt.Errorf("failed to create instance: %w", err)
		}
		for _, m := range req.Media {
			att, err := s.saveMedia(ctx, xform.User.Username, inst, m)
			if err != nil {
				return err
			}
			stored = append(stored, att.MediaFile)
			if err := tx.Create(att).Error; err != nil {
				return fmt.Errorf("failed to create attachment %s: %w", att.MediaFile, err)
			}
		}
		return nil
	})
	if err != nil {
		for _, p := range stored {
			if delErr := s.storage.Delete(ctx, p); delErr != nil {
				s.log.Warn("failed to remove orphaned media", "path", p, "error", delErr)
			}
		}
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	s.log.Info("submission stored",
		"xform_id", xform.ID,
		"instance_id", inst.ID,
		"uuid", inst.UUID,
		"attachments", len(req.Media),
	)
	metrics.SubmissionsTotal.WithLabelValues("created").Inc()
	return &Result{Instance: inst}, nil
}

func (s *Service) findForm(ctx context.Context, username, idString string) (*models.XForm, error) {
	q := s.db.WithContext(ctx).Preload("User").Where("xforms.id_string = ?", idString)
	if username != "" {
		q = q.Joins("JOIN users ON users.id = xforms.user_id").
			Where("LOWER(users.username) = LOWER(?)", username)
	}

	var xform models.XForm
	if err := q.Order("xforms.id").First(&xform).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFormNotFound
		}
		return nil, err
	}
	return &xform, nil
}

func (s *Service) authorize(ctx context.Context, xform *models.XForm, user *models.User) error {
	if user == nil {
		return ErrPermissionDenied
	}
	if user.IsSuperuser || user.ID == xform.UserID {
		return nil
	}
	ok, err := s.permissions.Has(ctx, user.ID, xform.ID, permissions.AddSubmissions)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPermissionDenied
	}
	return nil
}

func (s *Service) saveMedia(ctx context.Context, owner string, inst *models.Instance, m Media) (*models.Attachment, error) {
	name := path.Base(strings.ReplaceAll(m.Filename, "\\", "/"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return nil, fmt.Errorf("%w: invalid media filename %q", ErrInvalidXML, m.Filename)
	}

	contentType := m.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(path.Ext(name)); byExt != "" {
			contentType = byExt
		}
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	rc, err := m.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open media %s: %w", name, err)
	}
	defer rc.Close()

	key := fmt.Sprintf("%s/attachments/%s/%s", owner, inst.UUID, name)
	res, err := s.storage.Save(ctx, rc, storage.SaveOptions{Path: key, ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("failed to store media %s: %w", name, err)
	}

	return &models.Attachment{
		InstanceID:        inst.ID,
		MediaFile:         res.Path,
		MediaFileBasename: &name,
		MediaFileSize:     res.Size,
		Mimetype:          contentType,
	}, nil
}
