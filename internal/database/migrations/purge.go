package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/form-case/kobocat/internal/database/models"
)

const purgeLogEvery = 500

// purgeDeletedInstances removes soft-deleted submissions from the database
// and the mirror. Callbacks are not bound here, so the mirror document is
// deleted by hand before the row.
func (m *migrator) purgeDeletedInstances(ctx context.Context, tx *sql.Tx) error {
	db, err := m.frozen(ctx, tx)
	if err != nil {
		return err
	}

	var ids []uint
	if err := db.Model(&models.Instance{}).
		Where("deleted_at IS NOT NULL").
		Order("id").
		Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("failed to list deleted instances: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	m.log.Info("purging deleted instances", "count", len(ids))
	for i, id := range ids {
		if err := m.mirror.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete mirror document %d: %w", id, err)
		}
		if err := db.Where("instance_id = ?", id).Delete(&models.Attachment{}).Error; err != nil {
			return fmt.Errorf("failed to delete attachments of instance %d: %w", id, err)
		}
		if err := db.Delete(&models.Instance{}, id).Error; err != nil {
			return fmt.Errorf("failed to delete instance %d: %w", id, err)
		}
		if (i+1)%purgeLogEvery == 0 {
			m.log.Info("purge progress", "done", i+1, "total", len(ids))
		}
	}
	m.log.Info("purged deleted instances", "count", len(ids))
	return nil
}
