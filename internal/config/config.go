package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by BRAID_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("BRAID_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func ServerPort() int {
	return envInt("SERVER_PORT", 8080)
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	return envString("LOG_LEVEL", "info")
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps := envFloat("RATE_LIMIT_RPS", 100)
	if rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	burst := envInt("RATE_LIMIT_BURST", 20)
	if burst <= 0 {
		return 20
	}
	return burst
}

// LLMProvider returns the configured cognition provider.
// Valid values: ollama, mock. Defaults to "mock" so the engine runs offline
// out of the box.
func LLMProvider() string {
	return envString("LLM_PROVIDER", "mock")
}

func OllamaBaseURL() string {
	return envString("OLLAMA_BASE_URL", "http://localhost:11434")
}

func OllamaFallbackURL() string {
	return os.Getenv("OLLAMA_FALLBACK_URL")
}

func OllamaModel() string {
	return envString("OLLAMA_MODEL", "llama3.1")
}

func OllamaTimeout() time.Duration {
	return time.Duration(envInt("OLLAMA_TIMEOUT_SECONDS", 60)) * time.Second
}

// EmbeddingProvider returns the configured embedding provider.
// Valid values: openai, hash, mock. Defaults to "hash" (offline).
func EmbeddingProvider() string {
	return envString("EMBEDDING_PROVIDER", "hash")
}

func OpenAIAPIKey() string {
	return os.Getenv("OPENAI_API_KEY")
}

// PersistenceBackend selects the event store.
// Valid values: memory, postgres. Defaults to "memory".
func PersistenceBackend() string {
	return envString("PERSISTENCE_BACKEND", "memory")
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// SemanticBackend selects the recall index.
// Valid values: none, qdrant, pgvector. Defaults to "none".
func SemanticBackend() string {
	return envString("SEMANTIC_BACKEND", "none")
}

func QdrantURL() string {
	return envString("QDRANT_URL", "http://localhost:6333")
}

func SemanticTopK() int {
	return envInt("QDRANT_TOP_K", 8)
}

func EnableForking() bool {
	return envBool("ENABLE_FORKING", true)
}

func ForkConfirmationRequired() int {
	return envInt("FORK_CONFIRMATION_REQUIRED", 2)
}

func ForkPendingTTLKnots() int {
	return envInt("FORK_PENDING_TTL_KNOTS", 8)
}

func ForkPendingTTLSeconds() int {
	return envInt("FORK_PENDING_TTL_SECONDS", 900)
}

func ForkConfidenceFloor() float64 {
	return envFloat("FORK_CONFIDENCE_FLOOR", 0.65)
}

func TrustPromoteThreshold() float64 {
	return envFloat("TRUST_PROMOTE_THRESHOLD", 0.75)
}

func TrustDecayHalfLife() time.Duration {
	return time.Duration(envInt("TRUST_DECAY_HALF_LIFE_SECONDS", 24*60*60)) * time.Second
}

// TrustProvenanceWeightsJSON returns the provenance weight table as raw
// JSON, e.g. {"user":1.0,"dream":0.6}. Empty means built-in defaults.
func TrustProvenanceWeightsJSON() string {
	return os.Getenv("TRUST_PROVENANCE_WEIGHTS_JSON")
}

func EnableBackgroundWorkers() bool {
	return envBool("ENABLE_BACKGROUND_WORKERS", true)
}

func DreamInterval() time.Duration {
	return time.Duration(envInt("DREAM_INTERVAL_SECONDS", 60)) * time.Second
}

func MetacogInterval() time.Duration {
	return time.Duration(envInt("METACOG_INTERVAL_SECONDS", 120)) * time.Second
}

func TraceMaxDeltas() int {
	return envInt("TRACE_MAX_DELTAS", 25)
}

func MaxRecentMessages() int {
	return envInt("MAX_RECENT_MESSAGES", 20)
}

// DocsSearchRoots returns the directories the docs_search tool may scan.
func DocsSearchRoots() []string {
	v := os.Getenv("DOCS_SEARCH_ROOTS")
	if v == "" {
		return []string{"docs"}
	}
	var roots []string
	for _, r := range strings.Split(v, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roots = append(roots, r)
		}
	}
	return roots
}

func MigrationsPath() string {
	return envString("MIGRATIONS_PATH", "migrations")
}
