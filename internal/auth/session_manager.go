package auth

import (
	"net/http"
	"time"

	"github.com/alexedwards/scs/postgresstore"
	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/config"
)

const sessionUserKey = "user_id"

// NewSessionManager creates an scs session manager persisted in the main
// database.
func NewSessionManager(db *gorm.DB, cfg *config.Config) (*scs.SessionManager, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	lifetime, err := time.ParseDuration(cfg.SessionDuration)
	if err != nil {
		lifetime = 14 * 24 * time.Hour
	}

	sessionManager := scs.New()
	sessionManager.Lifetime = lifetime
	sessionManager.Cookie.Name = "kobonaut"
	sessionManager.Cookie.HttpOnly = true
	sessionManager.Cookie.SameSite = http.SameSiteLaxMode
	sessionManager.Cookie.Secure = cfg.Env == "production"

	switch cfg.DBType {
	case "postgres":
		sessionManager.Store = postgresstore.New(sqlDB)
	case "sqlite":
		sessionManager.Store = sqlite3store.New(sqlDB)
	}

	return sessionManager, nil
}
