package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/accounts"
	"github.com/form-case/kobocat/internal/config"
	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/metrics"
)

// ErrAuthenticationFailed means credentials were presented and rejected.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Authenticator inspects a request for one credential scheme. It returns
// (nil, nil) when the request carries no credentials for that scheme.
type Authenticator interface {
	Authenticate(r *http.Request) (*models.User, error)
}

// Chain tries authenticators in order. The first rejection or the first
// success ends the walk.
type Chain []Authenticator

func (c Chain) Authenticate(r *http.Request) (*models.User, error) {
	for _, a := range c {
		user, err := a.Authenticate(r)
		if err != nil {
			metrics.RecordLogin(false)
			return nil, err
		}
		if user != nil {
			metrics.RecordLogin(true)
			return user, nil
		}
	}
	return nil, nil
}

// NewChain builds the configured chain: Digest, Token, Bearer, Basic and
// ServiceAccount. Bearer and ServiceAccount are left out when their secret
// is not configured.
func NewChain(db *gorm.DB, cfg *config.Config, digest *Digest) Chain {
	chain := Chain{digest, &TokenAuth{DB: db}}
	if cfg.JWTSecret != "" {
		chain = append(chain, &BearerAuth{DB: db, Secret: []byte(cfg.JWTSecret)})
	}
	chain = append(chain, &BasicAuth{DB: db})
	if cfg.ServiceAccountToken != "" {
		chain = append(chain, &ServiceAccountAuth{Token: cfg.ServiceAccountToken})
	}
	return chain
}

// schemeCredentials returns the credentials following "<scheme> " in the
// Authorization header, or "" when another scheme is used.
func schemeCredentials(r *http.Request, scheme string) (string, bool) {
	header := r.Header.Get("Authorization")
	prefix, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(prefix, scheme) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func loadUser(db *gorm.DB, r *http.Request, id uint) (*models.User, error) {
	var user models.User
	if err := db.WithContext(r.Context()).Preload("Profile").First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuthenticationFailed
		}
		return nil, err
	}
	return &user, nil
}

// TokenAuth accepts "Authorization: Token <key>".
type TokenAuth struct {
	DB *gorm.DB
}

func (a *TokenAuth) Authenticate(r *http.Request) (*models.User, error) {
	key, ok := schemeCredentials(r, "Token")
	if !ok {
		return nil, nil
	}
	if key == "" {
		return nil, ErrAuthenticationFailed
	}

	var token models.AuthToken
	if err := a.DB.WithContext(r.Context()).Where(&models.AuthToken{Key: key}).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuthenticationFailed
		}
		return nil, err
	}
	return loadUser(a.DB, r, token.UserID)
}

// BearerAuth accepts HS256 JWTs whose subject is a username.
type BearerAuth struct {
	DB     *gorm.DB
	Secret []byte
}

func (a *BearerAuth) Authenticate(r *http.Request) (*models.User, error) {
	raw, ok := schemeCredentials(r, "Bearer")
	if !ok {
		return nil, nil
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrAuthenticationFailed
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ErrAuthenticationFailed
	}

	user, err := accounts.FindByUsername(r.Context(), a.DB, subject)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuthenticationFailed
		}
		return nil, err
	}
	return user, nil
}

// IssueJWT signs a bearer token for username.
func IssueJWT(secret []byte, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// BasicAuth checks username and password against the bcrypt hash.
type BasicAuth struct {
	DB *gorm.DB
}

func (a *BasicAuth) Authenticate(r *http.Request) (*models.User, error) {
	if _, ok := schemeCredentials(r, "Basic"); !ok {
		return nil, nil
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, ErrAuthenticationFailed
	}

	user, err := accounts.FindByUsername(r.Context(), a.DB, username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuthenticationFailed
		}
		return nil, err
	}
	if !accounts.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrAuthenticationFailed
	}
	return user, nil
}

// ServiceAccountAuth accepts "Authorization: ServiceAccount <token>" for
// trusted internal callers and yields a synthetic superuser.
type ServiceAccountAuth struct {
	Token string
}

const ServiceAccountUsername = "service_account"

func (a *ServiceAccountAuth) Authenticate(r *http.Request) (*models.User, error) {
	token, ok := schemeCredentials(r, "ServiceAccount")
	if !ok {
		return nil, nil
	}
	if a.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) != 1 {
		return nil, ErrAuthenticationFailed
	}
	return &models.User{
		Username:       ServiceAccountUsername,
		IsSuperuser:    true,
		ServiceAccount: true,
	}, nil
}
