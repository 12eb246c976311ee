package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/form-case/kobocat/internal/config"
	"github.com/form-case/kobocat/internal/testutil"
)

func TestNewSessionManager(t *testing.T) {
	db := testutil.NewDB(t)

	tests := []struct {
		name             string
		cfg              *config.Config
		expectedLifetime time.Duration
	}{
		{
			name:             "sqlite with valid duration",
			cfg:              &config.Config{DBType: "sqlite", SessionDuration: "24h", Env: "development"},
			expectedLifetime: 24 * time.Hour,
		},
		{
			name:             "postgres in production",
			cfg:              &config.Config{DBType: "postgres", SessionDuration: "1h30m", Env: "production"},
			expectedLifetime: 90 * time.Minute,
		},
		{
			name:             "invalid duration falls back to default",
			cfg:              &config.Config{DBType: "sqlite", SessionDuration: "invalid", Env: "development"},
			expectedLifetime: 14 * 24 * time.Hour,
		},
		{
			name:             "unknown db keeps memory store",
			cfg:              &config.Config{DBType: "unknown", SessionDuration: "", Env: "development"},
			expectedLifetime: 14 * 24 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := NewSessionManager(db, tt.cfg)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if sm.Lifetime != tt.expectedLifetime {
				t.Errorf("Expected lifetime %v, got %v", tt.expectedLifetime, sm.Lifetime)
			}
			if sm.Cookie.Name != "kobonaut" {
				t.Errorf("Expected cookie name 'kobonaut', got %q", sm.Cookie.Name)
			}
			if !sm.Cookie.HttpOnly {
				t.Error("Cookie should be HttpOnly")
			}
			if sm.Cookie.SameSite != http.SameSiteLaxMode {
				t.Errorf("Expected SameSite=Lax, got %d", sm.Cookie.SameSite)
			}
			if sm.Cookie.Secure != (tt.cfg.Env == "production") {
				t.Errorf("Secure = %v for env=%s", sm.Cookie.Secure, tt.cfg.Env)
			}
			if sm.Store == nil {
				t.Error("Store should not be nil")
			}
		})
	}
}
