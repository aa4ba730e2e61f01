package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds the application configuration.
type Config struct {
	Port       string
	DataDir    string
	ScratchDir string
	DBPath     string

	StoreBackend string
	StoreRoot    string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	S3PathStyle  bool

	MaxWidth                int
	FrameDelayMs            int
	TimelapseQuality        string
	CachePropagationTimeout int
	ScratchMaxAgeMin        int
	JanitorIntervalSec      int
	WorkerPollSec           int
	MaxUploadMB             int
	StatsRefreshIntervalSec int
	LogLevel                string
	LogFormat               string
}

// AppConfig is the global application configuration.
var AppConfig Config

// GetQualityValue returns the encoder quality for the configured timelapse quality.
// Lower is better. Numeric values are accepted and clamped to 1..30.
func (c *Config) GetQualityValue() int {
	switch strings.ToLower(c.TimelapseQuality) {
	case "low":
		return 20
	case "medium":
		return 10
	case "high":
		return 5
	case "ultra":
		return 1
	}
	if q, err := strconv.Atoi(c.TimelapseQuality); err == nil {
		if q < 1 {
			return 1
		}
		if q > 30 {
			return 30
		}
		return q
	}
	return 10 // medium
}

// FrameDelay returns the configured inter-frame delay.
func (c *Config) FrameDelay() time.Duration {
	return time.Duration(c.FrameDelayMs) * time.Millisecond
}

// PropagationTimeout bounds how long a regeneration waits for deleted cache entries to disappear.
func (c *Config) PropagationTimeout() time.Duration {
	return time.Duration(c.CachePropagationTimeout) * time.Second
}

// ScratchMaxAge is the age after which the janitor sweep removes orphaned scratch files.
func (c *Config) ScratchMaxAge() time.Duration {
	return time.Duration(c.ScratchMaxAgeMin) * time.Minute
}

// LoadConfig loads the configuration from environment variables, reading a .env file first when present.
func LoadConfig() {
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded environment from .env")
	}

	AppConfig = Config{
		Port:                    getEnv("PORT", "8080"),
		DataDir:                 getEnv("DATA_DIR", "data"),
		ScratchDir:              getEnv("SCRATCH_DIR", ""),
		StoreBackend:            strings.ToLower(getEnv("STORE_BACKEND", "local")),
		StoreRoot:               getEnv("STORE_ROOT", "root"),
		S3Bucket:                getEnv("S3_BUCKET", ""),
		S3Region:                getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:              getEnv("S3_ENDPOINT", ""),
		S3PathStyle:             getEnvAsBool("S3_PATH_STYLE", false),
		MaxWidth:                getEnvAsInt("TIMELAPSE_MAX_WIDTH", 800),
		FrameDelayMs:            getEnvAsInt("TIMELAPSE_FRAME_DELAY_MS", 500),
		TimelapseQuality:        getEnv("TIMELAPSE_QUALITY", "medium"),
		CachePropagationTimeout: getEnvAsInt("CACHE_PROPAGATION_TIMEOUT_SEC", 10),
		ScratchMaxAgeMin:        getEnvAsInt("SCRATCH_MAX_AGE_MIN", 60),
		JanitorIntervalSec:      getEnvAsInt("JANITOR_INTERVAL_SEC", 900),
		WorkerPollSec:           getEnvAsInt("WORKER_POLL_SEC", 10),
		MaxUploadMB:             getEnvAsInt("MAX_UPLOAD_MB", 25),
		StatsRefreshIntervalSec: getEnvAsInt("STATS_REFRESH_SEC", 30),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFormat:               getEnv("LOG_FORMAT", "json"),
	}

	if AppConfig.ScratchDir == "" {
		AppConfig.ScratchDir = filepath.Join(AppConfig.DataDir, "scratch")
	}
	AppConfig.DBPath = filepath.Join(AppConfig.DataDir, "trail-lapse.db")

	if AppConfig.StoreBackend == "s3" && AppConfig.S3Bucket == "" {
		log.Fatal().Msg("FATAL: S3_BUCKET environment variable must be set when STORE_BACKEND=s3.")
	}
	if AppConfig.MaxWidth < 1 {
		log.Warn().Int("max_width", AppConfig.MaxWidth).Msg("Invalid TIMELAPSE_MAX_WIDTH, using 800")
		AppConfig.MaxWidth = 800
	}

	log.Info().
		Str("store_backend", AppConfig.StoreBackend).
		Str("data_dir", AppConfig.DataDir).
		Str("scratch_dir", AppConfig.ScratchDir).
		Msg("Configuration loaded")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
