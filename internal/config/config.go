package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr           string
	DatabaseURL    string // empty runs on the in-memory store
	MigrationsDir  string
	DBMaxOpenConns int

	JWTSecret string
	TokenTTL  time.Duration

	BranchesDir string
	CORSOrigin  string

	// Locking
	RedisURL string // empty uses an in-process locker
	LockTTL  time.Duration
	LockWait time.Duration

	MeiliURL       string
	MeiliMasterKey string

	// Release archive, disabled when MinioEndpoint is empty
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	LogLevel  string
	LogPretty bool

	BlockRejectedReviews bool
	ShutdownTimeout      time.Duration
}

func Load() Config {
	return Config{
		Addr:           getenv("API_ADDR", ":8787"),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		MigrationsDir:  getenv("WISER_MIGRATIONS_DIR", "./db/migrations"),
		DBMaxOpenConns: getenvInt("WISER_DB_MAX_OPEN_CONNS", 20),
		JWTSecret:      getenv("WISER_JWT_SECRET", "wiser-dev-secret"),
		TokenTTL:       time.Duration(getenvInt("WISER_TOKEN_TTL_SECONDS", 3600)) * time.Second,
		BranchesDir:    getenv("WISER_BRANCHES_DIR", "./data/branches"),
		CORSOrigin:     getenv("WISER_CORS_ORIGIN", "*"),
		RedisURL:       getenv("REDIS_URL", ""),
		LockTTL:        time.Duration(getenvInt("WISER_LOCK_TTL_SECONDS", 30)) * time.Second,
		LockWait:       time.Duration(getenvInt("WISER_LOCK_WAIT_SECONDS", 5)) * time.Second,
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "wiser-releases"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogPretty:      getenvBool("LOG_PRETTY", false),

		BlockRejectedReviews: getenvBool("WISER_BLOCK_REJECTED_REVIEWS", false),
		ShutdownTimeout:      time.Duration(getenvInt("WISER_SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
