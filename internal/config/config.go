package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by MNEMORA_ENV (or .env by default),
// then loads the corresponding .secret sidecar if it exists. All config is
// flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("MNEMORA_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Ignore errors if the files don't exist
	_ = godotenv.Load(envFile)
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil {
		return 8080
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// APIKey returns the static API key required on /v1 routes.
// Empty disables authentication.
func APIKey() string {
	return os.Getenv("MNEMORA_API_KEY")
}

func VoyageAPIKey() string {
	return os.Getenv("VOYAGE_API_KEY")
}

// EmbeddingProvider returns the configured embedding provider.
// Valid values: voyage, mock. Defaults to "voyage" when a key is present,
// "mock" otherwise.
func EmbeddingProvider() string {
	p := os.Getenv("EMBEDDING_PROVIDER")
	if p != "" {
		return p
	}
	if VoyageAPIKey() == "" {
		return "mock"
	}
	return "voyage"
}

// EmbeddingEndpoint overrides the provider endpoint; empty uses the
// Voyage default.
func EmbeddingEndpoint() string {
	return os.Getenv("EMBEDDING_ENDPOINT")
}

// EmbeddingModel overrides endpoint-based model selection.
func EmbeddingModel() string {
	return os.Getenv("EMBEDDING_MODEL")
}

func LLMAPIKey() string {
	return os.Getenv("LLM_API_KEY")
}

func LLMEndpoint() string {
	return os.Getenv("LLM_ENDPOINT")
}

func LLMModel() string {
	return os.Getenv("LLM_MODEL")
}

func LLMTimeoutMs() int {
	ms, err := strconv.Atoi(os.Getenv("LLM_TIMEOUT_MS"))
	if err != nil || ms <= 0 {
		return 15000
	}
	return ms
}

// SemanticLevel is the daemon-level default for the settings resolver.
// Defaults to "off".
func SemanticLevel() string {
	l := os.Getenv("SEMANTIC_LEVEL")
	if l == "" {
		return "off"
	}
	return l
}

func DecayEnabled() bool {
	v := os.Getenv("DECAY_ENABLED")
	return v != "false" && v != "0"
}

// DecayIntervalHours returns the repeat interval for the decay pass.
// Defaults to 24.
func DecayIntervalHours() int {
	h, err := strconv.Atoi(os.Getenv("DECAY_INTERVAL_HOURS"))
	if err != nil || h <= 0 {
		return 24
	}
	return h
}

// DecayTimeOfDay returns the "HH:MM" wall-clock alignment for the first
// decay run; empty means run after one full interval.
func DecayTimeOfDay() string {
	return os.Getenv("DECAY_TIME_OF_DAY")
}

// ReflectWorkers returns the reflection worker pool size. Defaults to 2.
func ReflectWorkers() int {
	n, err := strconv.Atoi(os.Getenv("REFLECT_WORKERS"))
	if err != nil || n <= 0 {
		return 2
	}
	return n
}

// RateLimitRPS returns requests per second limit. Defaults to 100.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting. Defaults to 20.
func RateLimitBurst() int {
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		return 20
	}
	return burst
}

// LogLevel returns the log level (debug, info, warn, error). Defaults to "info".
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}
