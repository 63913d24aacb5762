package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"offsync/internal/log"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	APIBaseURL    string
	APIToken      string
	DataDir       string
	JWTSecret     string
	UserID        string
	DeviceID      string
	ListenAddr    string
	MaxRetries    int
	RetryBackoff  time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SyncOnStart   bool
}

func Load() (*Config, error) {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Log error but continue, as .env file is optional if variables are set elsewhere
		logger := log.NewLogger()
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	logger := log.NewLogger()
	cfg := &Config{
		APIBaseURL:    os.Getenv("API_BASE_URL"),
		APIToken:      os.Getenv("API_TOKEN"),
		DataDir:       os.Getenv("DATA_DIR"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		UserID:        os.Getenv("USER_ID"),
		DeviceID:      os.Getenv("DEVICE_ID"),
		ListenAddr:    os.Getenv("LISTEN_ADDR"),
		MaxRetries:    3,
		RetryBackoff:  60 * time.Second,
		ProbeInterval: 15 * time.Second,
		ProbeTimeout:  3 * time.Second,
		SyncOnStart:   true,
	}

	if cfg.APIBaseURL == "" {
		logger.Error("API_BASE_URL is required")
		return nil, fmt.Errorf("API_BASE_URL is required")
	}
	if cfg.DataDir == "" {
		logger.Error("DATA_DIR is required")
		return nil, fmt.Errorf("DATA_DIR is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.UserID == "" {
		logger.Error("USER_ID is required")
		return nil, fmt.Errorf("USER_ID is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			logger.Error("Invalid MAX_RETRIES", zap.String("value", v))
			return nil, fmt.Errorf("invalid MAX_RETRIES: %s", v)
		}
		cfg.MaxRetries = n
	}
	if v := os.Getenv("RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Error("Invalid RETRY_BACKOFF", zap.String("value", v))
			return nil, fmt.Errorf("invalid RETRY_BACKOFF: %s", v)
		}
		cfg.RetryBackoff = d
	}
	if v := os.Getenv("PROBE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Error("Invalid PROBE_INTERVAL", zap.String("value", v))
			return nil, fmt.Errorf("invalid PROBE_INTERVAL: %s", v)
		}
		cfg.ProbeInterval = d
	}
	if v := os.Getenv("PROBE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Error("Invalid PROBE_TIMEOUT", zap.String("value", v))
			return nil, fmt.Errorf("invalid PROBE_TIMEOUT: %s", v)
		}
		cfg.ProbeTimeout = d
	}
	if v := os.Getenv("SYNC_ON_START"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			logger.Error("Invalid SYNC_ON_START", zap.String("value", v))
			return nil, fmt.Errorf("invalid SYNC_ON_START: %s", v)
		}
		cfg.SyncOnStart = b
	}

	if cfg.DeviceID == "" {
		id, err := loadOrCreateDeviceID(cfg.DataDir)
		if err != nil {
			logger.Error("Failed to resolve device ID", zap.Error(err))
			return nil, fmt.Errorf("resolve device id: %w", err)
		}
		cfg.DeviceID = id
		logger.Info("Using installation device ID", zap.String("device_id", cfg.DeviceID))
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

// loadOrCreateDeviceID keeps one installation-scoped identifier under DataDir
// so queued action ids stay unique across restarts of the same device.
func loadOrCreateDeviceID(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "device_id")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}
	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}
