package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime knobs. Values come from environment variables so the
// same binary runs locally (with a .env file) and in production unchanged.
type Config struct {
	ListenAddr string

	// Payload budgets per endpoint class, in decoded bytes.
	StreamMaxBytes int64
	DiffMaxBytes   int64
	BeaconMaxBytes int64

	MaxOpsPerSave int

	// Snapshot retention and GC.
	SnapshotKeepLast int
	GCInterval       time.Duration

	// Idempotency replay window.
	IdempotencyTTL time.Duration

	// Blob storage: "local" or "postgres".
	StorageBackend string
	StorageRoot    string
	SignedURLTTL   time.Duration
	URLSigningKey  string
	PublicBaseURL  string
}

// Load reads configuration from the environment. Missing values fall back to
// defaults that match the limits the frontend is built against.
func Load() Config {
	return Config{
		ListenAddr:       getString("LISTEN_ADDR", ":8080"),
		StreamMaxBytes:   getInt64("STREAM_MAX_BYTES", 2*1024*1024),
		DiffMaxBytes:     getInt64("DIFF_MAX_BYTES", 256*1024),
		BeaconMaxBytes:   getInt64("BEACON_MAX_BYTES", 64*1024),
		MaxOpsPerSave:    getInt("MAX_OPS_PER_SAVE", 100),
		SnapshotKeepLast: getInt("SNAPSHOT_KEEP_LAST", 20),
		GCInterval:       getDuration("GC_INTERVAL", time.Hour),
		IdempotencyTTL:   getDuration("IDEMPOTENCY_TTL", time.Minute),
		StorageBackend:   getString("STORAGE_BACKEND", "local"),
		StorageRoot:      getString("STORAGE_ROOT", "media/solo"),
		SignedURLTTL:     getDuration("SIGNED_URL_TTL", 15*time.Minute),
		URLSigningKey:    getString("URL_SIGNING_KEY", ""),
		PublicBaseURL:    getString("PUBLIC_BASE_URL", "http://localhost:8080"),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
