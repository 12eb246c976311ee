package attachments

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/signals"
)

var ErrNotFound = errors.New("attachment not found")

// mediaFilePattern matches the short "<username>/attachments/<basename>"
// form emitted by older clients.
var mediaFilePattern = regexp.MustCompile(`^([^/]+)/attachments/([^/]+)$`)

// Find resolves a media file reference to an attachment, preloading its
// instance and form. Soft-deleted attachments are returned; callers decide.
func Find(ctx context.Context, db *gorm.DB, mediaFile string) (*models.Attachment, error) {
	q := db.WithContext(ctx).Model(&models.Attachment{}).
		Preload("Instance").
		Preload("Instance.XForm").
		Preload("Instance.XForm.User")

	if m := mediaFilePattern.FindStringSubmatch(mediaFile); m != nil {
		username, filename := m[1], m[2]
		q = q.Select("attachments.*").
			Joins("JOIN instances ON instances.id = attachments.instance_id").
			Joins("JOIN xforms ON xforms.id = instances.xform_id").
			Joins("JOIN users ON users.id = xforms.user_id").
			Where("users.username = ?", username).
			Where(db.Where("attachments.media_file_basename = ?", filename).
				Or("attachments.media_file_basename IS NULL AND attachments.media_file LIKE ? ESCAPE '\\'", "%/"+escapeLike(filename)))
	} else {
		q = q.Where("attachments.media_file = ?", mediaFile)
	}

	var attachment models.Attachment
	if err := q.Order("attachments.id").First(&attachment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &attachment, nil
}

// SoftDelete marks an attachment deleted and removes its size from the
// storage counters. Calling it again is a no-op.
func SoftDelete(ctx context.Context, db *gorm.DB, id uint) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var attachment models.Attachment
		if err := tx.Take(&attachment, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		res := tx.Model(&models.Attachment{}).
			Where("id = ? AND deleted_at IS NULL", id).
			UpdateColumn("deleted_at", time.Now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 || attachment.MediaFileSize == 0 {
			return nil
		}
		return signals.AdjustAttachmentStorage(tx, attachment.InstanceID, -attachment.MediaFileSize)
	})
}

// escapeLike escapes LIKE wildcards so filenames match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
