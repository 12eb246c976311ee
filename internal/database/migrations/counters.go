package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/form-case/kobocat/internal/database/models"
)

const counterBatchSize = 5000

type orphanCounter struct {
	ID      uint
	Date    time.Time
	XFormID uint `gorm:"column:xform_id"`
	OwnerID uint `gorm:"column:owner_id"`
}

// repairDailyCounters gives counters without a user the owner of their form,
// skipping counters that would duplicate an existing (date, form) row, then
// deletes whatever is still missing a user.
func (m *migrator) repairDailyCounters(ctx context.Context, tx *sql.Tx) error {
	db, err := m.frozen(ctx, tx)
	if err != nil {
		return err
	}

	var orphans int64
	if err := db.Model(&models.DailyXFormSubmissionCounter{}).Where("user_id IS NULL").Count(&orphans).Error; err != nil {
		return fmt.Errorf("failed to count counters without user: %w", err)
	}
	if orphans == 0 {
		return nil
	}

	var candidates []orphanCounter
	if err := db.Table("daily_xform_submission_counters AS c").
		Select("c.id, c.date, c.xform_id, xforms.user_id AS owner_id").
		Joins("JOIN xforms ON xforms.id = c.xform_id").
		Where("c.user_id IS NULL AND xforms.user_id IS NOT NULL").
		Order("c.id").
		Scan(&candidates).Error; err != nil {
		return fmt.Errorf("failed to list counters without user: %w", err)
	}

	type key struct {
		date  string
		xform uint
	}
	claimed := make(map[key]bool)
	batch := make(map[uint][]uint) // owner id -> counter ids
	pending := 0

	flush := func() error {
		for owner, ids := range batch {
			if err := db.Model(&models.DailyXFormSubmissionCounter{}).
				Where("id IN ?", ids).
				UpdateColumn("user_id", owner).Error; err != nil {
				return fmt.Errorf("failed to assign counter users: %w", err)
			}
		}
		batch = make(map[uint][]uint)
		pending = 0
		return nil
	}

	assigned := 0
	for _, c := range candidates {
		k := key{date: c.Date.UTC().Format(time.DateOnly), xform: c.XFormID}
		if claimed[k] {
			continue
		}

		var existing int64
		if err := db.Model(&models.DailyXFormSubmissionCounter{}).
			Where("date = ? AND xform_id = ? AND user_id IS NOT NULL", c.Date, c.XFormID).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("failed to check duplicate counter: %w", err)
		}
		if existing > 0 {
			continue
		}

		claimed[k] = true
		batch[c.OwnerID] = append(batch[c.OwnerID], c.ID)
		pending++
		assigned++
		if pending >= counterBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if pending > 0 {
		if err := flush(); err != nil {
			return err
		}
	}

	res := db.Where("user_id IS NULL").Delete(&models.DailyXFormSubmissionCounter{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete counters without user: %w", res.Error)
	}
	m.log.Info("repaired daily submission counters", "assigned", assigned, "deleted", res.RowsAffected)
	return nil
}
