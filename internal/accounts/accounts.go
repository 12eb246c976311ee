// Package accounts creates users and manages the credentials every
// authentication scheme checks against: the bcrypt hash for Basic and
// session login, the digest partial for HTTP Digest, and API tokens.
package accounts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	httpauth "github.com/abbot/go-http-auth"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/database/models"
)

var ErrUsernameTaken = errors.New("username already exists")

type NewUser struct {
	Username          string
	Email             string
	Password          string
	Superuser         bool
	ValidatedPassword bool
}

// Service holds the settings shared by credential operations.
type Service struct {
	db         *gorm.DB
	realm      string
	bcryptCost int
}

func NewService(db *gorm.DB, realm string, bcryptCost int) *Service {
	return &Service{db: db, realm: realm, bcryptCost: bcryptCost}
}

// Create inserts a user together with its profile and digest partial.
func (s *Service) Create(ctx context.Context, u NewUser) (*models.User, error) {
	username := strings.TrimSpace(u.Username)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}

	hash, err := HashPassword(u.Password, s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Username:     username,
		Email:        u.Email,
		PasswordHash: hash,
		IsSuperuser:  u.Superuser,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.User{}).Where("LOWER(username) = LOWER(?)", username).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrUsernameTaken
		}
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		profile := &models.UserProfile{UserID: user.ID, ValidatedPassword: u.ValidatedPassword}
		if err := tx.Create(profile).Error; err != nil {
			return err
		}
		user.Profile = profile
		return tx.Create(&models.PartialDigest{
			UserID:        user.ID,
			Login:         user.Username,
			PartialDigest: PartialDigest(user.Username, s.realm, u.Password),
			Confirmed:     true,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SetPassword replaces the bcrypt hash and the digest partial and marks the
// password as validated.
func (s *Service) SetPassword(ctx context.Context, user *models.User, password string) error {
	hash, err := HashPassword(password, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(user).UpdateColumn("password_hash", hash).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.PartialDigest{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.PartialDigest{
			UserID:        user.ID,
			Login:         user.Username,
			PartialDigest: PartialDigest(user.Username, s.realm, password),
			Confirmed:     true,
		}).Error; err != nil {
			return err
		}
		return tx.Model(&models.UserProfile{}).Where("user_id = ?", user.ID).
			UpdateColumn("validated_password", true).Error
	})
}

// IssueToken returns the user's API token, creating it on first use.
func (s *Service) IssueToken(ctx context.Context, userID uint) (*models.AuthToken, error) {
	var token models.AuthToken
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&token).Error
	if err == nil {
		return &token, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	token = models.AuthToken{Key: key, UserID: userID}
	if err := s.db.WithContext(ctx).Create(&token).Error; err != nil {
		return nil, err
	}
	return &token, nil
}

// FindByUsername looks a user up case-insensitively and preloads the profile.
func FindByUsername(ctx context.Context, db *gorm.DB, username string) (*models.User, error) {
	var user models.User
	if err := db.WithContext(ctx).Preload("Profile").
		Where("LOWER(username) = LOWER(?)", username).
		First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func HashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// PartialDigest returns md5("login:realm:password") in hex, the HA1 value of
// RFC 2617 digest authentication.
func PartialDigest(login, realm, password string) string {
	return httpauth.H(login + ":" + realm + ":" + password)
}

// GenerateKey returns 40 hex characters suitable for an API token.
func GenerateKey() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
