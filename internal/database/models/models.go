package models

import (
	"path"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:150" json:"username"`
	Email        string    `gorm:"size:254" json:"email"`
	PasswordHash string    `gorm:"not null;size:255" json:"-"`
	IsSuperuser  bool      `gorm:"not null;default:false" json:"is_superuser"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// ServiceAccount marks the synthetic principal created for trusted
	// service-to-service calls. It never exists in the users table.
	ServiceAccount bool `gorm:"-" json:"-"`

	Profile *UserProfile `gorm:"foreignKey:UserID" json:"-"`
}

type UserProfile struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	UserID                 uint      `gorm:"uniqueIndex;not null" json:"user_id"`
	AttachmentStorageBytes int64     `gorm:"not null;default:0" json:"attachment_storage_bytes"`
	NumOfSubmissions       int64     `gorm:"not null;default:0" json:"num_of_submissions"`
	ValidatedPassword      bool      `gorm:"not null;default:false" json:"validated_password"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// PartialDigest stores md5(login:realm:password) so digest authentication can
// be verified without keeping the clear password.
type PartialDigest struct {
	ID            uint   `gorm:"primaryKey"`
	UserID        uint   `gorm:"not null;index"`
	Login         string `gorm:"not null;size:150;index"`
	PartialDigest string `gorm:"not null;size:100"`
	Confirmed     bool   `gorm:"not null;default:true"`

	User User `gorm:"foreignKey:UserID" json:"-"`
}

type AuthToken struct {
	Key       string    `gorm:"primaryKey;size:40" json:"key"`
	UserID    uint      `gorm:"uniqueIndex;not null" json:"user_id"`
	CreatedAt time.Time `json:"created"`

	User User `gorm:"foreignKey:UserID" json:"-"`
}

type XForm struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;uniqueIndex:idx_xform_user_id_string" json:"user_id"`
	IDString               string     `gorm:"not null;size:100;uniqueIndex:idx_xform_user_id_string" json:"id_string"`
	Title                  string     `gorm:"not null;size:255" json:"title"`
	UUID                   string     `gorm:"size:32;index" json:"uuid"`
	XML                    string     `gorm:"type:text" json:"-"`
	Shared                 bool       `gorm:"not null;default:false" json:"shared"`
	SharedData             bool       `gorm:"not null;default:false" json:"shared_data"`
	Downloadable           bool       `gorm:"not null" json:"downloadable"`
	PendingDelete          bool       `gorm:"not null;default:false;index" json:"-"`
	AttachmentStorageBytes int64      `gorm:"not null;default:0" json:"attachment_storage_bytes"`
	NumOfSubmissions       int64      `gorm:"not null;default:0" json:"num_of_submissions"`
	LastSubmissionTime     *time.Time `json:"last_submission_time,omitempty"`
	CreatedAt              time.Time  `json:"date_created"`
	UpdatedAt              time.Time  `json:"date_modified"`

	// XLSFile is the storage key of the XLSForm the form was built from,
	// empty when the form was published as XML.
	XLSFile string `gorm:"column:xls;size:255" json:"-"`

	User User `gorm:"foreignKey:UserID" json:"-"`
}

func (XForm) TableName() string { return "xforms" }

type XFormPermission struct {
	ID       uint   `gorm:"primaryKey"`
	UserID   uint   `gorm:"not null;uniqueIndex:idx_xform_perm"`
	XFormID  uint   `gorm:"column:xform_id;not null;uniqueIndex:idx_xform_perm"`
	Codename string `gorm:"not null;size:100;uniqueIndex:idx_xform_perm"`
}

func (XFormPermission) TableName() string { return "xform_permissions" }

type Instance struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	XFormID   uint           `gorm:"column:xform_id;not null;index" json:"xform_id"`
	UserID    *uint          `gorm:"index" json:"user_id,omitempty"` // submitter, nil for anonymous submissions
	UUID      string         `gorm:"size:249;index" json:"uuid"`
	XML       string         `gorm:"type:text" json:"-"`
	JSON      datatypes.JSON `json:"json"`
	DeletedAt *time.Time     `gorm:"index" json:"deleted_at,omitempty"`
	CreatedAt time.Time      `json:"date_created"`
	UpdatedAt time.Time      `json:"date_modified"`

	XForm       XForm        `gorm:"foreignKey:XFormID" json:"-"`
	Attachments []Attachment `gorm:"foreignKey:InstanceID" json:"-"`
}

type Attachment struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	InstanceID        uint       `gorm:"not null;index" json:"instance_id"`
	MediaFile         string     `gorm:"not null;size:255;index" json:"media_file"`
	MediaFileBasename *string    `gorm:"size:260;index" json:"media_file_basename"`
	MediaFileSize     int64      `gorm:"not null;default:0" json:"media_file_size"`
	Mimetype          string     `gorm:"not null;size:100;default:''" json:"mimetype"`
	DeletedAt         *time.Time `gorm:"index" json:"deleted_at,omitempty"`
	CreatedAt         time.Time  `json:"date_created"`

	// DeferCounting skips the storage counter increment on creation; used
	// by bulk imports that reconcile counters themselves.
	DeferCounting bool `gorm:"-" json:"-"`

	Instance Instance `gorm:"foreignKey:InstanceID" json:"-"`
}

// IsImage reports whether the attachment should be served through the
// thumbnail pipeline.
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.Mimetype, "image")
}

// Filename returns the basename of the stored media file.
func (a *Attachment) Filename() string {
	if a.MediaFileBasename != nil && *a.MediaFileBasename != "" {
		return *a.MediaFileBasename
	}
	return path.Base(a.MediaFile)
}

// DailyXFormSubmissionCounter counts submissions per form per day. XFormID and
// UserID are nullable so counters survive form deletion.
type DailyXFormSubmissionCounter struct {
	ID      uint      `gorm:"primaryKey"`
	Date    time.Time `gorm:"not null;uniqueIndex:idx_daily_counter"`
	XFormID *uint     `gorm:"column:xform_id;uniqueIndex:idx_daily_counter"`
	UserID  *uint     `gorm:"uniqueIndex:idx_daily_counter"`
	Counter int64     `gorm:"not null;default:0"`

	XForm *XForm `gorm:"foreignKey:XFormID" json:"-"`
}

func (DailyXFormSubmissionCounter) TableName() string {
	return "daily_xform_submission_counters"
}
