package migrations_test

import (
	"context"
	"testing"
	"time"

	"github.com/form-case/kobocat/internal/database/migrations"
	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/testutil"
)

func TestPurgeDeletedInstances(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	bob := env.CreateUser(t, "bob", "bob", true)
	xf := env.CreateXForm(t, bob, "survey")

	live := env.CreateInstance(t, xf, map[string]any{"name": "live"})
	deleted := env.CreateInstance(t, xf, map[string]any{"name": "deleted"})
	env.CreateAttachment(t, bob, deleted, "photo.jpg", []byte("jpeg"), "image/jpeg")
	if err := env.DB.Model(&models.Instance{}).Where("id = ?", deleted.ID).
		UpdateColumn("deleted_at", time.Now()).Error; err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}

	if err := migrations.Up(ctx, env.DB, env.Mirror); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	var ids []uint
	env.DB.Model(&models.Instance{}).Order("id").Pluck("id", &ids)
	if len(ids) != 1 || ids[0] != live.ID {
		t.Errorf("remaining instances = %v, want [%d]", ids, live.ID)
	}
	var attachments int64
	env.DB.Model(&models.Attachment{}).Where("instance_id = ?", deleted.ID).Count(&attachments)
	if attachments != 0 {
		t.Errorf("attachments of purged instance = %d, want 0", attachments)
	}
	if _, ok := env.Mirror.Get(deleted.ID); ok {
		t.Error("mirror document of purged instance still present")
	}
	if _, ok := env.Mirror.Get(live.ID); !ok {
		t.Error("mirror document of live instance removed")
	}
}

func TestRepairDailyCounters(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()

	bob := models.User{Username: "bob", PasswordHash: "x"}
	if err := db.Create(&bob).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	xf := models.XForm{UserID: bob.ID, IDString: "survey", Title: "survey", Downloadable: true}
	if err := db.Create(&xf).Error; err != nil {
		t.Fatalf("create form: %v", err)
	}

	day1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	counter := func(date time.Time, xformID, userID *uint, n int64) *models.DailyXFormSubmissionCounter {
		t.Helper()
		c := &models.DailyXFormSubmissionCounter{Date: date, XFormID: xformID, UserID: userID, Counter: n}
		if err := db.Create(c).Error; err != nil {
			t.Fatalf("create counter: %v", err)
		}
		return c
	}

	assigned := counter(day1, &xf.ID, nil, 3)
	sameDay := counter(day1, &xf.ID, nil, 1)
	owned := counter(day2, &xf.ID, &bob.ID, 7)
	clashing := counter(day2, &xf.ID, nil, 2)
	formless := counter(day1, nil, nil, 5)

	if err := migrations.Up(ctx, db, nil); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	var remaining []models.DailyXFormSubmissionCounter
	if err := db.Order("id").Find(&remaining).Error; err != nil {
		t.Fatalf("load counters: %v", err)
	}
	got := make(map[uint]models.DailyXFormSubmissionCounter)
	for _, c := range remaining {
		got[c.ID] = c
	}

	if c, ok := got[assigned.ID]; !ok || c.UserID == nil || *c.UserID != bob.ID || c.Counter != 3 {
		t.Errorf("first orphan of the day = %+v, want owner %d", c, bob.ID)
	}
	if c, ok := got[owned.ID]; !ok || c.Counter != 7 {
		t.Errorf("owned counter = %+v, want untouched", c)
	}
	for name, c := range map[string]*models.DailyXFormSubmissionCounter{
		"second orphan of the day":           sameDay,
		"orphan clashing with owned counter": clashing,
		"orphan without form":                formless,
	} {
		if _, ok := got[c.ID]; ok {
			t.Errorf("%s was kept", name)
		}
	}
	if len(remaining) != 2 {
		t.Errorf("remaining counters = %d, want 2", len(remaining))
	}
}
