package main

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
}

type Config struct {
	ListenAddr     string
	ServerURL      string
	DBPath         string
	DataDir        string
	SourcesFile    string
	PackageAPIKey  string
	DownloadSecret string
	SignedURLTTL   time.Duration
	SchedulerTick  time.Duration
	CacheTTL       time.Duration
	VCSTimeout     time.Duration
	ForceBranch    bool
	GPGPrivateKey  string
	LogFile        string
	LogLevel       string

	// Release resolution tuning, applied to every source.
	IncludePrereleases bool
	AssetFilter        string
	RequireAsset       bool

	StorageBackend string
	LocalStoreDir  string
	S3Endpoint     string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3Region       string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		ServerURL:      os.Getenv("SERVER_URL"),
		DBPath:         getEnv("DB_PATH", "packpulse.db"),
		DataDir:        getEnv("DATA_DIR", "data"),
		SourcesFile:    getEnv("SOURCES_FILE", "sources.toml"),
		PackageAPIKey:  os.Getenv("PACKAGE_API_KEY"),
		DownloadSecret: os.Getenv("DOWNLOAD_SECRET"),
		ForceBranch:    getEnvBool("FORCE_BRANCH", false),
		GPGPrivateKey:  os.Getenv("GPG_PRIVATE_KEY"),
		LogFile:        os.Getenv("LOG_FILE"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		IncludePrereleases: getEnvBool("INCLUDE_PRERELEASES", false),
		AssetFilter:        os.Getenv("ASSET_FILTER"),
		RequireAsset:       getEnvBool("REQUIRE_ASSET", false),

		StorageBackend: getEnv("STORAGE_BACKEND", "local"),
		LocalStoreDir:  getEnv("LOCAL_STORE_DIR", "store"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("S3_SECRET_KEY"),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
	}

	var err error
	if cfg.SignedURLTTL, err = getEnvDuration("SIGNED_URL_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.SchedulerTick, err = getEnvDuration("SCHEDULER_TICK", time.Minute); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getEnvDuration("CACHE_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.VCSTimeout, err = getEnvDuration("VCS_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("SERVER_URL is required")
	}
	if cfg.PackageAPIKey == "" {
		return nil, fmt.Errorf("PACKAGE_API_KEY is required")
	}
	if cfg.AssetFilter != "" {
		if _, err := regexp.Compile(cfg.AssetFilter); err != nil {
			return nil, fmt.Errorf("invalid ASSET_FILTER %q: %w", cfg.AssetFilter, err)
		}
	}

	switch cfg.StorageBackend {
	case "local":
		if cfg.DownloadSecret == "" {
			return nil, fmt.Errorf("DOWNLOAD_SECRET is required with the local storage backend")
		}
	case "s3":
		if cfg.S3Endpoint == "" {
			return nil, fmt.Errorf("S3_ENDPOINT is required")
		}
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required")
		}
		if cfg.S3AccessKey == "" {
			return nil, fmt.Errorf("S3_ACCESS_KEY is required")
		}
		if cfg.S3SecretKey == "" {
			return nil, fmt.Errorf("S3_SECRET_KEY is required")
		}
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
