package config

import (
	"testing"
	"time"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "plain bytes", input: "1024", want: 1024},
		{name: "bytes with B", input: "512B", want: 512},
		{name: "kilobytes K", input: "10K", want: 10 * 1024},
		{name: "lowercase kb", input: "5kb", want: 5 * 1024},
		{name: "megabytes MB", input: "100MB", want: 100 * 1024 * 1024},
		{name: "decimal megabytes", input: "2.5M", want: int64(2.5 * 1024 * 1024)},
		{name: "gigabytes G", input: "10G", want: 10 * 1024 * 1024 * 1024},
		{name: "terabytes TB", input: "2TB", want: 2 * 1024 * 1024 * 1024 * 1024},
		{name: "with both spaces", input: " 10M ", want: 10 * 1024 * 1024},

		{name: "empty string", input: "", wantErr: true},
		{name: "invalid unit", input: "10X", wantErr: true},
		{name: "invalid number", input: "abcM", wantErr: true},
		{name: "only unit", input: "M", wantErr: true},
		{name: "just B", input: "B", wantErr: true},
		{name: "space in middle", input: "10 M", wantErr: true},
		{name: "multiple decimal points", input: "1.5.5M", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("KOBOCAT_TEST_DURATION", "90s")
	if got := getEnvDuration("KOBOCAT_TEST_DURATION", "5m"); got != 90*time.Second {
		t.Errorf("getEnvDuration = %v, want 90s", got)
	}

	t.Setenv("KOBOCAT_TEST_DURATION", "not-a-duration")
	if got := getEnvDuration("KOBOCAT_TEST_DURATION", "5m"); got != 5*time.Minute {
		t.Errorf("getEnvDuration with bad value = %v, want default 5m", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("KOBOCAT_TEST_BOOL", "false")
	if getEnvBool("KOBOCAT_TEST_BOOL", true) {
		t.Error("expected explicit false to override default")
	}
	if !getEnvBool("KOBOCAT_TEST_BOOL_UNSET_12345", true) {
		t.Error("expected default when env not set")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8001" {
		t.Errorf("Expected default Port=8001, got %s", cfg.Port)
	}
	if cfg.DBType != "sqlite" {
		t.Errorf("Expected default DBType=sqlite, got %s", cfg.DBType)
	}
	if cfg.MediaURL != "/media/" {
		t.Errorf("Expected default MediaURL=/media/, got %s", cfg.MediaURL)
	}
	if cfg.DigestRealm != "DJANGO" {
		t.Errorf("Expected default DigestRealm=DJANGO, got %s", cfg.DigestRealm)
	}
	if cfg.MaxSubmissionSize != 100*1024*1024 {
		t.Errorf("Expected MaxSubmissionSize=100M, got %d", cfg.MaxSubmissionSize)
	}
	if !cfg.CSRFEnabled {
		t.Error("Expected CSRFEnabled=true by default")
	}
}

func TestLoadConfig_MediaURLGetsTrailingSlash(t *testing.T) {
	t.Setenv("MEDIA_URL", "/files")
	t.Setenv("KOBOFORM_URL", "https://kf.example.org/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.MediaURL != "/files/" {
		t.Errorf("MediaURL = %q, want /files/", cfg.MediaURL)
	}
	if cfg.KoboformURL != "https://kf.example.org" {
		t.Errorf("KoboformURL = %q, want trailing slash trimmed", cfg.KoboformURL)
	}
}

func TestLoadConfig_S3RequiresBucket(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when S3 bucket is missing")
	}
}
