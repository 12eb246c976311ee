// Package exports creates export records and generates their files in a
// background worker. Views only read the persisted status.
package exports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/metrics"
	"github.com/form-case/kobocat/internal/storage"
)

var (
	ErrExportType       = errors.New("invalid export type")
	ErrInvalidDelimiter = errors.New("invalid group delimiter")
	ErrNotFound         = errors.New("export not found")
	ErrNoGenerator      = errors.New("export type has no generator")
	ErrQueueFull        = errors.New("export queue is full")
	ErrInvalidQuery     = errors.New("invalid export query")
)

// Extensions maps export types to the extension of the generated file.
var Extensions = map[string]string{
	models.XLSExport:    "xlsx",
	models.CSVExport:    "csv",
	models.KMLExport:    "kml",
	models.ZIPExport:    "zip",
	models.CSVZIPExport: "zip",
	models.SAVZIPExport: "zip",
}

var mimeTypes = map[string]string{
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"csv":  "application/csv",
	"kml":  "application/vnd.google-earth.kml+xml",
	"zip":  "application/zip",
}

// MimeType returns the extension and content type for an export filename.
func MimeType(filename string) (ext, mimeType string) {
	ext = strings.TrimPrefix(path.Ext(filename), ".")
	if mt, ok := mimeTypes[ext]; ok {
		return ext, mt
	}
	return ext, "application/octet-stream"
}

// ValidType reports whether exportType is a known export type.
func ValidType(exportType string) bool {
	_, ok := models.ExportTypes[exportType]
	return ok
}

// ValidDelimiter reports whether d may separate group names in column
// headers.
func ValidDelimiter(d string) bool {
	return d == "/" || d == "."
}

type Service struct {
	db      *gorm.DB
	storage storage.StorageBackend
	queue   chan uint
	log     *slog.Logger
	now     func() time.Time
}

func NewService(db *gorm.DB, backend storage.StorageBackend, queueSize int) *Service {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Service{
		db:      db,
		storage: backend,
		queue:   make(chan uint, queueSize),
		log:     logger.Component("exports"),
		now:     time.Now,
	}
}

// CreateAsync validates the request, records a pending export and queues
// it for generation.
func (s *Service) CreateAsync(ctx context.Context, xform *models.XForm, exportType string, opts models.ExportOptions, query string) (*models.Export, error) {
	if opts.GroupDelimiter == "" {
		opts.GroupDelimiter = "/"
	}
	if !ValidDelimiter(opts.GroupDelimiter) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDelimiter, opts.GroupDelimiter)
	}
	if !ValidType(exportType) {
		return nil, fmt.Errorf("%w: %s", ErrExportType, exportType)
	}

	if _, err := parseQuery(query); err != nil {
		return nil, err
	}

	export := &models.Export{
		XFormID:    xform.ID,
		ExportType: exportType,
		Status:     models.ExportPending,
		Options:    datatypes.NewJSONType(opts),
		Query:      query,
	}
	if err := s.db.WithContext(ctx).Create(export).Error; err != nil {
		return nil, fmt.Errorf("failed to create export: %w", err)
	}

	select {
	case s.queue <- export.ID:
		metrics.ExportQueueDepth.Set(float64(len(s.queue)))
	default:
		s.fail(ctx, export, ErrQueueFull)
	}

	s.log.Info("export queued", "export_id", export.ID, "xform_id", xform.ID, "type", exportType)
	return export, nil
}

// Run consumes the queue until ctx is cancelled. Exports left pending by a
// previous process are generated first.
func (s *Service) Run(ctx context.Context) error {
	var pending []uint
	if err := s.db.WithContext(ctx).Model(&models.Export{}).
		Where("status = ?", models.ExportPending).
		Order("id").Pluck("id", &pending).Error; err != nil {
		return fmt.Errorf("failed to load pending exports: %w", err)
	}
	for _, id := range pending {
		if ctx.Err() != nil {
			return nil
		}
		s.process(ctx, id)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-s.queue:
			metrics.ExportQueueDepth.Set(float64(len(s.queue)))
			s.process(ctx, id)
		}
	}
}

func (s *Service) process(ctx context.Context, id uint) {
	if err := s.Generate(ctx, id); err != nil {
		s.log.Error("export failed", "export_id", id, "error", err)
	}
}

// Generate builds the file of a pending export and records the outcome.
// Terminal exports are left untouched.
func (s *Service) Generate(ctx context.Context, id uint) error {
	var export models.Export
	if err := s.db.WithContext(ctx).Preload("XForm.User").First(&export, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if export.Status.Terminal() {
		return nil
	}

	start := s.now()
	if err := s.generate(ctx, &export); err != nil {
		s.fail(ctx, &export, err)
		metrics.RecordExport(export.ExportType, models.ExportFailed.String(), time.Since(start))
		return err
	}
	metrics.RecordExport(export.ExportType, models.ExportSuccessful.String(), time.Since(start))
	return nil
}

func (s *Service) generate(ctx context.Context, export *models.Export) error {
	gen, ok := generators[export.ExportType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoGenerator, export.ExportType)
	}

	data, err := loadData(ctx, s.db, &export.XForm, export.Query)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gen(ctx, &buf, &genContext{
		xform:   &export.XForm,
		data:    data,
		options: export.Options.Data(),
		storage: s.storage,
		log:     s.log,
	}); err != nil {
		return err
	}

	filename, filepath, err := s.availableName(ctx, export)
	if err != nil {
		return err
	}
	_, mimeType := MimeType(filename)
	if _, err := s.storage.Save(ctx, &buf, storage.SaveOptions{Path: filepath, ContentType: mimeType}); err != nil {
		return fmt.Errorf("failed to store export file: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(export).Updates(map[string]any{
		"filename": filename,
		"filepath": filepath,
		"status":   models.ExportSuccessful,
	}).Error; err != nil {
		return fmt.Errorf("failed to record export: %w", err)
	}
	s.log.Info("export generated", "export_id", export.ID, "path", filepath, "records", len(data.records))
	return nil
}

func (s *Service) fail(ctx context.Context, export *models.Export, cause error) {
	if err := s.db.WithContext(ctx).Model(export).Updates(map[string]any{
		"status":        models.ExportFailed,
		"error_message": cause.Error(),
	}).Error; err != nil {
		s.log.Error("failed to mark export failed", "export_id", export.ID, "error", err)
	}
}

// availableName returns a filename of the form
// {id_string}_{YYYY_MM_DD_HH_MM_SS}.{ext} not used by another export of the
// form, and its storage path.
func (s *Service) availableName(ctx context.Context, export *models.Export) (string, string, error) {
	xform := &export.XForm
	base := fmt.Sprintf("%s_%s", xform.IDString, s.now().Format("2006_01_02_15_04_05"))
	ext := Extensions[export.ExportType]
	dir := path.Join(xform.User.Username, "exports", xform.IDString, export.ExportType)

	for i := 0; ; i++ {
		name := base + "." + ext
		if i > 0 {
			name = fmt.Sprintf("%s_%d.%s", base, i, ext)
		}
		var taken int64
		if err := s.db.WithContext(ctx).Model(&models.Export{}).
			Where("xform_id = ? AND filename = ?", xform.ID, name).
			Count(&taken).Error; err != nil {
			return "", "", err
		}
		p := path.Join(dir, name)
		if taken == 0 {
			exists, err := storage.Exists(ctx, s.storage, p)
			if err != nil {
				return "", "", err
			}
			if !exists {
				return name, p, nil
			}
		}
	}
}

// List returns the exports of one type for a form, newest first.
func (s *Service) List(ctx context.Context, xformID uint, exportType string) ([]models.Export, error) {
	var exports []models.Export
	err := s.db.WithContext(ctx).
		Where("xform_id = ? AND export_type = ?", xformID, exportType).
		Order("created_on DESC, id DESC").
		Find(&exports).Error
	return exports, err
}

// Progress returns the exports of a form among ids.
func (s *Service) Progress(ctx context.Context, xformID uint, ids []uint) ([]models.Export, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var exports []models.Export
	err := s.db.WithContext(ctx).
		Where("xform_id = ? AND id IN ?", xformID, ids).
		Order("id").
		Find(&exports).Error
	return exports, err
}

func (s *Service) FindByFilename(ctx context.Context, xformID uint, filename string) (*models.Export, error) {
	var export models.Export
	if err := s.db.WithContext(ctx).
		Where("xform_id = ? AND filename = ?", xformID, filename).
		First(&export).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &export, nil
}

// Delete removes an export of the form. The file goes with it.
func (s *Service) Delete(ctx context.Context, xformID, id uint) error {
	var export models.Export
	if err := s.db.WithContext(ctx).
		Where("id = ? AND xform_id = ?", id, xformID).
		First(&export).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&export).Error; err != nil {
		return fmt.Errorf("failed to delete export %d: %w", id, err)
	}
	s.log.Info("export deleted", "export_id", id, "xform_id", xformID)
	return nil
}
