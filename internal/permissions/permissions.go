package permissions

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/form-case/kobocat/internal/database/models"
)

const (
	ViewXForm         = "view_xform"
	ChangeXForm       = "change_xform"
	DeleteXForm       = "delete_xform"
	ReportXForm       = "report_xform"
	ValidateXForm     = "validate_xform"
	AddSubmissions    = "add_submissions"
	DeleteSubmissions = "delete_submissions"
)

// XFormCodenames lists every per-form permission, all of which the owner
// receives when a form is created.
var XFormCodenames = []string{
	ViewXForm,
	ChangeXForm,
	DeleteXForm,
	ReportXForm,
	ValidateXForm,
	AddSubmissions,
	DeleteSubmissions,
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// HasPermission reports whether user may read the data of xform. Public
// data, owners, superusers (the service account included) and holders of
// view_xform pass. A nil user is anonymous.
func (s *Service) HasPermission(ctx context.Context, xform *models.XForm, user *models.User) (bool, error) {
	if xform.SharedData {
		return true, nil
	}
	if user == nil {
		return false, nil
	}
	if user.IsSuperuser {
		return true, nil
	}
	if user.ID == 0 {
		return false, nil
	}
	if user.ID == xform.UserID {
		return true, nil
	}
	return s.Has(ctx, user.ID, xform.ID, ViewXForm)
}

// Has reports whether an explicit permission row exists.
func (s *Service) Has(ctx context.Context, userID, xformID uint, codename string) (bool, error) {
	var perm models.XFormPermission
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND xform_id = ? AND codename = ?", userID, xformID, codename).
		First(&perm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Grant adds codenames for a user on a form. Existing grants are kept.
func (s *Service) Grant(ctx context.Context, userID, xformID uint, codenames ...string) error {
	return AssignTx(s.db.WithContext(ctx), userID, xformID, codenames...)
}

// AssignTx inserts permission rows using tx, which may be a transaction
// handle from a callback.
func AssignTx(tx *gorm.DB, userID, xformID uint, codenames ...string) error {
	if len(codenames) == 0 {
		return nil
	}
	perms := make([]models.XFormPermission, 0, len(codenames))
	for _, c := range codenames {
		perms = append(perms, models.XFormPermission{UserID: userID, XFormID: xformID, Codename: c})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&perms).Error
}
