package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the main server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Addr is the binding address for server
	Addr string
	// Port is the binding port for server
	Port int
	// Data is the data directory
	Data string
	// DSN points to where gaplens stores its own data
	DSN string
	// Driver is the database driver (sqlite or postgres)
	Driver string
	// Version is the current version of server
	Version string

	// AI configuration
	AIAPIKey  string // GAPLENS_AI_API_KEY
	AIBaseURL string // GAPLENS_AI_BASE_URL (default: https://api.openai.com/v1)
	AIModel   string // GAPLENS_AI_MODEL (default: gpt-4o-mini)
	// AITimeout bounds a single batch generation call.
	AITimeout time.Duration // GAPLENS_AI_TIMEOUT (default: 60s)
	// AIStreamIdleTimeout bounds the gap between streamed chunks.
	AIStreamIdleTimeout time.Duration // GAPLENS_AI_STREAM_IDLE_TIMEOUT (default: 15s)

	// Chat pipeline configuration
	FreeBurstLimit   int // GAPLENS_CHAT_FREE_BURST_LIMIT (default: 5 per minute)
	FreeDailyLimit   int // GAPLENS_CHAT_FREE_DAILY_LIMIT (default: 50)
	ContextMaxTokens int // GAPLENS_CHAT_CONTEXT_MAX_TOKENS (default: 8000)
	MaxMessageLength int // GAPLENS_CHAT_MAX_MESSAGE_LENGTH (default: 2000)

	// Dedup cache configuration
	DedupThreshold  float64       // GAPLENS_CHAT_DEDUP_THRESHOLD (default: 0.9)
	DedupWindowSize int           // GAPLENS_CHAT_DEDUP_WINDOW (default: 20)
	DedupTTL        time.Duration // GAPLENS_CHAT_DEDUP_TTL (default: 30m)
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if a generation backend is configured.
func (p *Profile) IsAIEnabled() bool {
	return p.AIAPIKey != "" || p.AIBaseURL != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnvOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// FromEnv loads configuration from GAPLENS_* environment variables.
func (p *Profile) FromEnv() {
	p.AIAPIKey = os.Getenv("GAPLENS_AI_API_KEY")
	p.AIBaseURL = getEnvOrDefault("GAPLENS_AI_BASE_URL", "https://api.openai.com/v1")
	p.AIModel = getEnvOrDefault("GAPLENS_AI_MODEL", "gpt-4o-mini")
	p.AITimeout = getDurationEnvOrDefault("GAPLENS_AI_TIMEOUT", 60*time.Second)
	p.AIStreamIdleTimeout = getDurationEnvOrDefault("GAPLENS_AI_STREAM_IDLE_TIMEOUT", 15*time.Second)

	p.FreeBurstLimit = getIntEnvOrDefault("GAPLENS_CHAT_FREE_BURST_LIMIT", 5)
	p.FreeDailyLimit = getIntEnvOrDefault("GAPLENS_CHAT_FREE_DAILY_LIMIT", 50)
	p.ContextMaxTokens = getIntEnvOrDefault("GAPLENS_CHAT_CONTEXT_MAX_TOKENS", 8000)
	p.MaxMessageLength = getIntEnvOrDefault("GAPLENS_CHAT_MAX_MESSAGE_LENGTH", 2000)

	p.DedupThreshold = getFloatEnvOrDefault("GAPLENS_CHAT_DEDUP_THRESHOLD", 0.9)
	p.DedupWindowSize = getIntEnvOrDefault("GAPLENS_CHAT_DEDUP_WINDOW", 20)
	p.DedupTTL = getDurationEnvOrDefault("GAPLENS_CHAT_DEDUP_TTL", 30*time.Minute)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported database driver %q", p.Driver)
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/gaplens"
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}

	p.Data = dataDir
	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("gaplens_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("postgres driver requires a DSN")
	}

	if p.FreeBurstLimit <= 0 {
		p.FreeBurstLimit = 5
	}
	if p.FreeDailyLimit <= 0 {
		p.FreeDailyLimit = 50
	}
	if p.ContextMaxTokens <= 0 {
		p.ContextMaxTokens = 8000
	}
	if p.MaxMessageLength <= 0 {
		p.MaxMessageLength = 2000
	}
	if p.DedupThreshold <= 0 || p.DedupThreshold > 1 {
		p.DedupThreshold = 0.9
	}

	return nil
}
