package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime settings for the service and CLI.
type Config struct {
	Port     string
	DataDir  string
	StoreDir string
	Workers  int

	FFmpegPath string

	ObjectStoreEndpoint string
	ObjectStoreToken    string
	ObjectStorePrefix   string
	// ObjectStoreDir is used as a local bucket when no endpoint is configured.
	ObjectStoreDir string

	TranscribeURL    string
	TranscribeAPIKey string

	HTTPTimeout     time.Duration
	PollInterval    time.Duration
	PollMaxAttempts int
}

// Load reads .env files (when present) and the process environment.
func Load(files ...string) Config {
	_ = godotenv.Load(files...) // loads .env

	dataDir := envOr("DATA_DIR", defaultDataDir())
	return Config{
		Port:                envOr("PORT", "8080"),
		DataDir:             dataDir,
		StoreDir:            envOr("STORE_DIR", filepath.Join(dataDir, "tasks")),
		Workers:             envInt("WORKERS", 2),
		FFmpegPath:          envOr("FFMPEG_PATH", "ffmpeg"),
		ObjectStoreEndpoint: strings.TrimRight(os.Getenv("OBJECT_STORE_ENDPOINT"), "/"),
		ObjectStoreToken:    os.Getenv("OBJECT_STORE_TOKEN"),
		ObjectStorePrefix:   envOr("OBJECT_STORE_PREFIX", "meetings/"),
		ObjectStoreDir:      envOr("OBJECT_STORE_DIR", filepath.Join(dataDir, "bucket")),
		TranscribeURL:       strings.TrimRight(os.Getenv("TRANSCRIBE_URL"), "/"),
		TranscribeAPIKey:    os.Getenv("TRANSCRIBE_API_KEY"),
		HTTPTimeout:         envDuration("HTTP_TIMEOUT", 30*time.Second),
		PollInterval:        envDuration("POLL_INTERVAL", 2*time.Second),
		PollMaxAttempts:     envInt("POLL_MAX_ATTEMPTS", 60),
	}
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".meeting-pipeline")
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// envDuration accepts Go durations ("1500ms") or plain seconds ("2").
func envDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
