// Package testutil builds an in-memory application environment for tests:
// SQLite database with the schema and lifecycle callbacks installed, memory
// storage, memory mirror, and fixtures for users, forms and submissions.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	httpauth "github.com/abbot/go-http-auth"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/form-case/kobocat/internal/accounts"
	"github.com/form-case/kobocat/internal/database"
	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/mirror"
	"github.com/form-case/kobocat/internal/signals"
	"github.com/form-case/kobocat/internal/storage"
)

const Realm = "DJANGO"

type Env struct {
	DB       *gorm.DB
	Storage  *storage.MemoryBackend
	Mirror   *mirror.MemoryStore
	Accounts *accounts.Service
}

// NewDB opens a private shared-cache in-memory database with the schema
// applied. No callbacks are registered.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(&sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// NewEnv returns a database with the lifecycle plugin installed over a
// memory storage backend and mirror.
func NewEnv(t testing.TB, opts ...storage.MemoryOption) *Env {
	t.Helper()

	db := NewDB(t)
	backend := storage.NewMemoryBackend(opts...)
	store := mirror.NewMemoryStore()
	if err := db.Use(signals.New(backend, store)); err != nil {
		t.Fatalf("Failed to register callbacks: %v", err)
	}

	return &Env{
		DB:       db,
		Storage:  backend,
		Mirror:   store,
		Accounts: accounts.NewService(db, Realm, bcrypt.MinCost),
	}
}

// CreateUser creates a user with a profile. validated controls the
// profile's validated_password flag.
func (e *Env) CreateUser(t testing.TB, username, password string, validated bool) *models.User {
	t.Helper()
	user, err := e.Accounts.Create(context.Background(), accounts.NewUser{
		Username:          username,
		Email:             username + "@example.com",
		Password:          password,
		ValidatedPassword: validated,
	})
	if err != nil {
		t.Fatalf("Failed to create user %s: %v", username, err)
	}
	return user
}

// CreateSuperuser creates a validated superuser.
func (e *Env) CreateSuperuser(t testing.TB, username, password string) *models.User {
	t.Helper()
	user, err := e.Accounts.Create(context.Background(), accounts.NewUser{
		Username:          username,
		Password:          password,
		Superuser:         true,
		ValidatedPassword: true,
	})
	if err != nil {
		t.Fatalf("Failed to create superuser %s: %v", username, err)
	}
	return user
}

// FormXML returns a small form definition with a text, a select-multiple,
// a geopoint and a photo question.
// DigestAuthorization builds the Authorization header a digest client sends
// for method and uri after receiving nonce in the Realm challenge.
func DigestAuthorization(method, uri, username, password, nonce string) string {
	ha1 := httpauth.H(username + ":" + Realm + ":" + password)
	ha2 := httpauth.H(method + ":" + uri)
	nc, cnonce := "00000001", "7f3a9c1e"
	response := httpauth.H(strings.Join([]string{ha1, nonce, nc, cnonce, "auth", ha2}, ":"))
	return fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", qop=auth, nc=%s, cnonce="%s", response="%s", algorithm=MD5`,
		username, Realm, nonce, uri, nc, cnonce, response)
}

func FormXML(idString string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<h:html xmlns="http://www.w3.org/2002/xforms" xmlns:h="http://www.w3.org/1999/xhtml" xmlns:jr="http://openrosa.org/javarosa">
  <h:head>
    <h:title>%[1]s title</h:title>
    <model>
      <instance>
        <data id="%[1]s">
          <name/>
          <fruits/>
          <location/>
          <photo/>
          <meta><instanceID/></meta>
        </data>
      </instance>
      <bind nodeset="/data/name" type="string"/>
      <bind nodeset="/data/fruits" type="select"/>
      <bind nodeset="/data/location" type="geopoint"/>
      <bind nodeset="/data/photo" type="binary"/>
      <bind nodeset="/data/meta/instanceID" type="string" readonly="true()"/>
    </model>
  </h:head>
  <h:body/>
</h:html>`, idString)
}

func (e *Env) CreateXForm(t testing.TB, owner *models.User, idString string) *models.XForm {
	t.Helper()
	xf := &models.XForm{
		UserID:       owner.ID,
		IDString:     idString,
		Title:        idString + " title",
		UUID:         uuid.NewString()[:32],
		XML:          FormXML(idString),
		Downloadable: true,
	}
	if err := e.DB.Create(xf).Error; err != nil {
		t.Fatalf("Failed to create form %s: %v", idString, err)
	}
	return xf
}

func (e *Env) CreateInstance(t testing.TB, xf *models.XForm, data map[string]any) *models.Instance {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Failed to encode instance json: %v", err)
	}
	inst := &models.Instance{
		XFormID: xf.ID,
		UUID:    uuid.NewString(),
		XML:     "<data/>",
		JSON:    raw,
	}
	if err := e.DB.Create(inst).Error; err != nil {
		t.Fatalf("Failed to create instance: %v", err)
	}
	return inst
}

// CreateAttachment stores content under the owner's attachment prefix and
// creates the attachment row, firing the storage callbacks.
func (e *Env) CreateAttachment(t testing.TB, owner *models.User, inst *models.Instance, filename string, content []byte, mimetype string) *models.Attachment {
	t.Helper()
	key := fmt.Sprintf("%s/attachments/%s/%s", owner.Username, inst.UUID, filename)
	if _, err := e.Storage.Save(context.Background(), bytes.NewReader(content), storage.SaveOptions{Path: key, ContentType: mimetype}); err != nil {
		t.Fatalf("Failed to store attachment: %v", err)
	}

	basename := filename
	att := &models.Attachment{
		InstanceID:        inst.ID,
		MediaFile:         key,
		MediaFileBasename: &basename,
		MediaFileSize:     int64(len(content)),
		Mimetype:          mimetype,
	}
	if err := e.DB.Create(att).Error; err != nil {
		t.Fatalf("Failed to create attachment: %v", err)
	}
	return att
}

// ProfileBytes returns the stored attachment_storage_bytes of a user.
func (e *Env) ProfileBytes(t testing.TB, userID uint) int64 {
	t.Helper()
	var profile models.UserProfile
	if err := e.DB.Where("user_id = ?", userID).First(&profile).Error; err != nil {
		t.Fatalf("Failed to load profile: %v", err)
	}
	return profile.AttachmentStorageBytes
}

// XFormBytes returns the stored attachment_storage_bytes of a form.
func (e *Env) XFormBytes(t testing.TB, xformID uint) int64 {
	t.Helper()
	var xf models.XForm
	if err := e.DB.First(&xf, xformID).Error; err != nil {
		t.Fatalf("Failed to load form: %v", err)
	}
	return xf.AttachmentStorageBytes
}
