// Package signals keeps denormalized state in step with model lifecycle
// events: storage counters, daily submission counters, owner permissions,
// the document mirror and files left behind by deleted rows.
//
// Handlers run as GORM callbacks inside the statement's transaction, so a
// counter update that fails rolls back the write that triggered it.
// Deletions must be issued with loaded rows (primary keys set); a delete by
// bare condition bypasses the per-object handlers.
//
// Mirror writes are not transactional. They are queued while the statement
// runs and applied once it commits. Work spanning several statements should
// go through Transaction so the queue waits for the outer commit.
package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/images"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/metrics"
	"github.com/form-case/kobocat/internal/mirror"
	"github.com/form-case/kobocat/internal/permissions"
	"github.com/form-case/kobocat/internal/storage"
)

const (
	pluginName     = "kobocat:signals"
	exportFilesKey = "kobocat:export_files"
	mirrorOpsKey   = "kobocat:mirror_ops"
)

// mirrorOp upserts doc for an instance, or deletes the instance's document
// when doc is nil.
type mirrorOp struct {
	instanceID uint
	doc        map[string]any
}

type mirrorQueue struct {
	ops []mirrorOp
}

type queueKey struct{}

type Plugin struct {
	storage storage.StorageBackend
	mirror  mirror.Store
	log     *slog.Logger
	now     func() time.Time
}

func New(backend storage.StorageBackend, store mirror.Store) *Plugin {
	return &Plugin{
		storage: backend,
		mirror:  store,
		log:     logger.Component("signals"),
		now:     time.Now,
	}
}

func (p *Plugin) Name() string { return pluginName }

func (p *Plugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Create().After("gorm:create").Register("kobocat:post_save", p.postSave); err != nil {
		return err
	}
	if err := db.Callback().Create().After("gorm:commit_or_rollback_transaction").Register("kobocat:after_commit", p.afterCommit); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("kobocat:pre_delete", p.preDelete); err != nil {
		return err
	}
	if err := db.Callback().Delete().After("gorm:delete").Register("kobocat:post_delete", p.postDelete); err != nil {
		return err
	}
	return db.Callback().Delete().After("gorm:commit_or_rollback_transaction").Register("kobocat:after_delete_commit", p.afterCommit)
}

// Transaction runs fn in a transaction on db and applies the mirror writes
// queued by its statements only after the commit. Nothing is mirrored when
// fn or the commit fails.
func Transaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	queue := &mirrorQueue{}
	if err := db.WithContext(context.WithValue(ctx, queueKey{}, queue)).Transaction(fn); err != nil {
		return err
	}
	if p, ok := db.Config.Plugins[pluginName].(*Plugin); ok {
		p.apply(ctx, queue.ops)
	}
	return nil
}

// session returns a handle on db's connection whose context carries the
// mirror queue. A statement not running under Transaction gets its own
// queue, flushed by afterCommit.
func (p *Plugin) session(db *gorm.DB) *gorm.DB {
	ctx := db.Statement.Context
	if _, ok := ctx.Value(queueKey{}).(*mirrorQueue); !ok {
		queue := &mirrorQueue{}
		if v, ok := db.InstanceGet(mirrorOpsKey); ok {
			queue = v.(*mirrorQueue)
		} else {
			db.InstanceSet(mirrorOpsKey, queue)
		}
		ctx = context.WithValue(ctx, queueKey{}, queue)
	}
	return db.Session(&gorm.Session{NewDB: true, Context: ctx})
}

func queueMirror(tx *gorm.DB, op mirrorOp) {
	if queue, ok := tx.Statement.Context.Value(queueKey{}).(*mirrorQueue); ok {
		queue.ops = append(queue.ops, op)
	}
}

func (p *Plugin) afterCommit(db *gorm.DB) {
	v, ok := db.InstanceGet(mirrorOpsKey)
	if !ok || db.Error != nil {
		return
	}
	p.apply(db.Statement.Context, v.(*mirrorQueue).ops)
}

// apply writes ops to the mirror. Failures are logged; the database stays
// the source of truth.
func (p *Plugin) apply(ctx context.Context, ops []mirrorOp) {
	for _, op := range ops {
		if op.doc == nil {
			if err := p.mirror.Delete(ctx, op.instanceID); err != nil {
				p.log.Error("failed to delete mirror document", "instance_id", op.instanceID, "error", err)
			}
			continue
		}
		if err := p.mirror.Upsert(ctx, op.instanceID, op.doc); err != nil {
			p.log.Error("failed to mirror instance", "instance_id", op.instanceID, "error", err)
		}
	}
}

func (p *Plugin) postSave(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	tx := p.session(db)

	each(db, func(a *models.Attachment) error { return p.attachmentCreated(tx, a) })
	each(db, func(x *models.XForm) error {
		return permissions.AssignTx(tx, x.UserID, x.ID, permissions.XFormCodenames...)
	})
	each(db, func(i *models.Instance) error { return p.instanceCreated(tx, i) })
}

func (p *Plugin) preDelete(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	tx := p.session(db)

	each(db, func(x *models.XForm) error { return p.xformDeleting(tx, x) })
	each(db, func(i *models.Instance) error { return p.instanceDeleting(tx, i) })
	each(db, func(a *models.Attachment) error { return p.attachmentDeleting(tx, a) })

	var files []string
	each(db, func(e *models.Export) error {
		if e.ID == 0 {
			return nil
		}
		var current models.Export
		if err := tx.Select("id", "filepath").Take(&current, e.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if current.Filepath != "" {
			files = append(files, current.Filepath)
		}
		return nil
	})
	if len(files) > 0 {
		db.InstanceSet(exportFilesKey, files)
	}
}

func (p *Plugin) postDelete(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	v, ok := db.InstanceGet(exportFilesKey)
	if !ok {
		return
	}
	ctx := db.Statement.Context
	for _, path := range v.([]string) {
		exists, err := storage.Exists(ctx, p.storage, path)
		if err != nil {
			p.log.Error("failed to check export file", "path", path, "error", err)
			continue
		}
		if !exists {
			continue
		}
		if err := p.storage.Delete(ctx, path); err != nil {
			p.log.Error("failed to delete export file", "path", path, "error", err)
		}
	}
}

func (p *Plugin) attachmentCreated(tx *gorm.DB, a *models.Attachment) error {
	if a.DeferCounting || a.MediaFileSize == 0 {
		return nil
	}
	if err := AdjustAttachmentStorage(tx, a.InstanceID, a.MediaFileSize); err != nil {
		return err
	}
	metrics.AttachmentStorageBytes.WithLabelValues("added").Add(float64(a.MediaFileSize))
	return nil
}

func (p *Plugin) attachmentDeleting(tx *gorm.DB, a *models.Attachment) error {
	if a.ID == 0 {
		return nil
	}
	// The caller's copy may be partial or stale; counters use the stored row.
	var current models.Attachment
	if err := tx.Take(&current, a.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	// A soft-deleted attachment already left the counters.
	if current.DeletedAt == nil && current.MediaFileSize != 0 {
		if err := AdjustAttachmentStorage(tx, current.InstanceID, -current.MediaFileSize); err != nil {
			return err
		}
		metrics.AttachmentStorageBytes.WithLabelValues("removed").Add(float64(current.MediaFileSize))
	}

	p.removeMedia(tx.Statement.Context, current.MediaFile)
	return nil
}

// removeMedia deletes the stored file and its thumbnails. Failures are
// logged, never returned.
func (p *Plugin) removeMedia(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := p.storage.Delete(ctx, path); err != nil {
		p.log.Error("failed to delete attachment file", "path", path, "error", err)
	}
	for _, size := range images.SizeNames() {
		if err := p.storage.Delete(ctx, images.ThumbnailPath(path, size)); err != nil {
			p.log.Warn("failed to delete thumbnail", "path", path, "size", size, "error", err)
		}
	}
}

func (p *Plugin) instanceCreated(tx *gorm.DB, inst *models.Instance) error {
	var xform models.XForm
	if err := tx.Select("id", "user_id", "id_string").Take(&xform, inst.XFormID).Error; err != nil {
		return fmt.Errorf("load form %d: %w", inst.XFormID, err)
	}

	submitted := inst.CreatedAt
	if submitted.IsZero() {
		submitted = p.now()
	}

	if err := tx.Model(&models.XForm{}).Where("id = ?", xform.ID).UpdateColumns(map[string]any{
		"num_of_submissions":   gorm.Expr("num_of_submissions + ?", 1),
		"last_submission_time": submitted,
	}).Error; err != nil {
		return fmt.Errorf("update form submission count: %w", err)
	}
	if err := tx.Model(&models.UserProfile{}).Where("user_id = ?", xform.UserID).
		UpdateColumn("num_of_submissions", gorm.Expr("num_of_submissions + ?", 1)).Error; err != nil {
		return fmt.Errorf("update profile submission count: %w", err)
	}

	day := submitted.UTC()
	counter := models.DailyXFormSubmissionCounter{
		Date:    time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC),
		XFormID: &xform.ID,
		UserID:  &xform.UserID,
		Counter: 1,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "date"}, {Name: "xform_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{"counter": gorm.Expr("daily_xform_submission_counters.counter + ?", 1)}),
	}).Create(&counter).Error; err != nil {
		return fmt.Errorf("update daily submission counter: %w", err)
	}

	doc := map[string]any{}
	if len(inst.JSON) > 0 {
		if err := json.Unmarshal(inst.JSON, &doc); err != nil {
			p.log.Warn("instance json is not an object", "instance_id", inst.ID, "error", err)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	doc["_uuid"] = inst.UUID
	doc["_xform_id_string"] = xform.IDString
	doc["_submission_time"] = submitted.UTC().Format("2006-01-02T15:04:05")
	queueMirror(tx, mirrorOp{instanceID: inst.ID, doc: doc})
	return nil
}

func (p *Plugin) instanceDeleting(tx *gorm.DB, inst *models.Instance) error {
	if inst.ID == 0 {
		return nil
	}
	var attachments []models.Attachment
	if err := tx.Where("instance_id = ?", inst.ID).Find(&attachments).Error; err != nil {
		return err
	}
	if len(attachments) > 0 {
		if err := tx.Delete(&attachments).Error; err != nil {
			return fmt.Errorf("delete attachments of instance %d: %w", inst.ID, err)
		}
	}
	queueMirror(tx, mirrorOp{instanceID: inst.ID})
	return nil
}

func (p *Plugin) xformDeleting(tx *gorm.DB, x *models.XForm) error {
	if x.ID == 0 {
		return nil
	}

	var instances []models.Instance
	if err := tx.Where("xform_id = ?", x.ID).Find(&instances).Error; err != nil {
		return err
	}
	if len(instances) > 0 {
		if err := tx.Delete(&instances).Error; err != nil {
			return fmt.Errorf("delete instances of form %d: %w", x.ID, err)
		}
	}

	var exports []models.Export
	if err := tx.Where("xform_id = ?", x.ID).Find(&exports).Error; err != nil {
		return err
	}
	if len(exports) > 0 {
		if err := tx.Delete(&exports).Error; err != nil {
			return fmt.Errorf("delete exports of form %d: %w", x.ID, err)
		}
	}

	if err := tx.Where("xform_id = ?", x.ID).Delete(&models.XFormPermission{}).Error; err != nil {
		return err
	}
	return tx.Model(&models.DailyXFormSubmissionCounter{}).Where("xform_id = ?", x.ID).
		UpdateColumn("xform_id", nil).Error
}

type attachmentOwner struct {
	XFormID uint `gorm:"column:xform_id"`
	UserID  uint `gorm:"column:user_id"`
}

// AdjustAttachmentStorage adds delta to the storage counters of the form
// owning instanceID and of that form's owner. Both updates use tx.
func AdjustAttachmentStorage(tx *gorm.DB, instanceID uint, delta int64) error {
	var owner attachmentOwner
	if err := tx.Table("instances").
		Select("xforms.id AS xform_id, xforms.user_id AS user_id").
		Joins("JOIN xforms ON xforms.id = instances.xform_id").
		Where("instances.id = ?", instanceID).
		Scan(&owner).Error; err != nil {
		return fmt.Errorf("resolve owner of instance %d: %w", instanceID, err)
	}
	if owner.XFormID == 0 {
		return fmt.Errorf("resolve owner of instance %d: %w", instanceID, gorm.ErrRecordNotFound)
	}

	if err := tx.Model(&models.UserProfile{}).Where("user_id = ?", owner.UserID).
		UpdateColumn("attachment_storage_bytes", gorm.Expr("attachment_storage_bytes + ?", delta)).Error; err != nil {
		return fmt.Errorf("update profile storage: %w", err)
	}
	if err := tx.Model(&models.XForm{}).Where("id = ?", owner.XFormID).
		UpdateColumn("attachment_storage_bytes", gorm.Expr("attachment_storage_bytes + ?", delta)).Error; err != nil {
		return fmt.Errorf("update form storage: %w", err)
	}
	return nil
}

// each calls fn for every *T held by the statement, whether the statement
// targets a single struct or a slice. The first error aborts the statement.
func each[T any](db *gorm.DB, fn func(*T) error) {
	rv := db.Statement.ReflectValue
	if !rv.IsValid() {
		return
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			elem := reflect.Indirect(rv.Index(i))
			if !elem.CanAddr() {
				continue
			}
			if m, ok := elem.Addr().Interface().(*T); ok {
				if err := fn(m); err != nil {
					db.AddError(err)
					return
				}
			}
		}
	case reflect.Struct:
		if !rv.CanAddr() {
			return
		}
		if m, ok := rv.Addr().Interface().(*T); ok {
			if err := fn(m); err != nil {
				db.AddError(err)
			}
		}
	}
}
