package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string
	Host string
	Env  string

	DBType     string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBPath     string

	// Storage configuration
	StorageBackend string // "disk", "memory", "s3"
	StoragePath    string // For disk backend
	S3Endpoint     string // Custom endpoint for S3-compatible services
	S3Region       string
	S3Bucket       string // S3 bucket name (required for s3 backend)
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool          // Use path-style addressing (required for MinIO)
	PresignTTL     time.Duration // Lifetime of presigned object URLs handed to clients

	// MediaURL is the public prefix of locally stored media. The attachment
	// gateway swaps it for /protected/ when emitting X-Accel-Redirect.
	MediaURL    string
	KoboformURL string

	// Submission mirror (empty URI keeps the mirror in memory)
	MongoURI string
	MongoDB  string

	SessionSecret   string
	SessionDuration string
	BcryptCost      int
	CSRFEnabled     bool

	JWTSecret           string
	DigestRealm         string
	DigestNonceTTL      time.Duration
	ServiceAccountToken string

	BinarySelectMultiples bool
	ExportQueueSize       int
	MaxSubmissionSize     int64
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8001"),
		Host:                  getEnv("HOST", "0.0.0.0"),
		Env:                   getEnv("ENV", "development"),
		DBType:                getEnv("DB_TYPE", "sqlite"),
		DBHost:                getEnv("DB_HOST", "localhost"),
		DBPort:                getEnv("DB_PORT", "5432"),
		DBName:                getEnv("DB_NAME", "kobocat"),
		DBUser:                getEnv("DB_USER", "kobocat"),
		DBPassword:            getEnv("DB_PASSWORD", ""),
		DBPath:                getEnv("DB_PATH", "./data/kobocat.db"),
		StorageBackend:        getEnv("STORAGE_BACKEND", "disk"),
		StoragePath:           getEnv("STORAGE_PATH", "./data/media"),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3Region:              getEnv("S3_REGION", "us-east-1"),
		S3Bucket:              getEnv("S3_BUCKET", ""),
		S3AccessKey:           getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:           getEnv("S3_SECRET_KEY", ""),
		S3UsePathStyle:        getEnvBool("S3_USE_PATH_STYLE", false),
		PresignTTL:            getEnvDuration("PRESIGN_TTL", "1h"),
		MediaURL:              getEnv("MEDIA_URL", "/media/"),
		KoboformURL:           strings.TrimRight(getEnv("KOBOFORM_URL", "http://kf.kobo.local"), "/"),
		MongoURI:              getEnv("MONGO_URI", ""),
		MongoDB:               getEnv("MONGO_DB", "formhub"),
		SessionSecret:         getEnv("SESSION_SECRET", "change_me_in_production_32_bytes"),
		SessionDuration:       getEnv("SESSION_DURATION", "336h"),
		BcryptCost:            getEnvInt("BCRYPT_COST", 10),
		CSRFEnabled:           getEnvBool("CSRF_ENABLED", true),
		JWTSecret:             getEnv("JWT_SECRET", ""),
		DigestRealm:           getEnv("DIGEST_REALM", "DJANGO"),
		DigestNonceTTL:        getEnvDuration("DIGEST_NONCE_TTL", "5m"),
		ServiceAccountToken:   getEnv("SERVICE_ACCOUNT_TOKEN", ""),
		BinarySelectMultiples: getEnvBool("BINARY_SELECT_MULTIPLES", false),
		ExportQueueSize:       getEnvInt("EXPORT_QUEUE_SIZE", 64),
		MaxSubmissionSize:     getEnvSize("MAX_SUBMISSION_SIZE", "100M"),
	}

	if cfg.ExportQueueSize < 1 {
		cfg.ExportQueueSize = 1
	}
	if !strings.HasSuffix(cfg.MediaURL, "/") {
		cfg.MediaURL += "/"
	}
	if cfg.StorageBackend == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
	}

	log.Printf("Config loaded: storage=%s db=%s MaxSubmissionSize=%d bytes (%.2f MB)",
		cfg.StorageBackend, cfg.DBType,
		cfg.MaxSubmissionSize, float64(cfg.MaxSubmissionSize)/(1024*1024))

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// parseSize converts human-readable sizes (e.g., "10G", "500M", "1K") to bytes
// Supports: B, K/KB, M/MB, G/GB, T/TB (case-insensitive)
func parseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		return val, nil
	}

	units := []struct {
		suffixes   []string
		multiplier int64
	}{
		{[]string{"TB", "T"}, 1024 * 1024 * 1024 * 1024},
		{[]string{"GB", "G"}, 1024 * 1024 * 1024},
		{[]string{"MB", "M"}, 1024 * 1024},
		{[]string{"KB", "K"}, 1024},
		{[]string{"B"}, 1},
	}

	for _, unit := range units {
		for _, suffix := range unit.suffixes {
			if !strings.HasSuffix(sizeStr, suffix) {
				continue
			}
			numStr := strings.TrimSuffix(sizeStr, suffix)
			val, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size value: %s", sizeStr)
			}
			return int64(val * float64(unit.multiplier)), nil
		}
	}

	return 0, fmt.Errorf("invalid size format: %s (use B, K/KB, M/MB, G/GB, T/TB)", sizeStr)
}

// getEnvSize parses size strings like "10G", "500M" or raw bytes
func getEnvSize(key string, defaultValue string) int64 {
	value := getEnv(key, defaultValue)
	size, err := parseSize(value)
	if err != nil {
		log.Printf("getEnvSize: parseSize failed for %s: %v, trying default", value, err)
		if defaultSize, defaultErr := parseSize(defaultValue); defaultErr == nil {
			return defaultSize
		}
		return 0
	}
	return size
}

// getEnvDuration parses duration strings like "24h", "30m"
func getEnvDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("getEnvDuration: parse failed for %s: %v, trying default", value, err)
		if defaultDuration, defaultErr := time.ParseDuration(defaultValue); defaultErr == nil {
			return defaultDuration
		}
		return time.Hour
	}
	return duration
}
