// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/autocompound-apr-ea/internal/types"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Sui network and the full node JSON-RPC endpoint used for event queries
	Network   types.Network
	SuiRPCURL string

	// Path of the YAML pool registry
	RegistryPath string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Request handling
	RequestTimeout time.Duration
	Lookback       time.Duration

	// Event source tuning
	RPCRetryMax     int
	RPCPageLimit    int
	RPCRateLimitRPS float64

	// Circuit breaker around the event source
	CircuitFailureThreshold int
	CircuitResetDelay       time.Duration
	CircuitSuccessThreshold int

	// Inbound rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Hex-encoded secp256k1 key; empty disables response signing
	SigningKey string

	// Kafka export; no brokers disables it
	KafkaBrokers []string
	KafkaTopic   string

	EnableMetrics bool
}

// Load creates a new Config from environment variables
func Load() Config {
	network := types.ParseNetwork(GetEnvOrDefault("SUI_NETWORK", string(types.NetworkMainnet)))

	return Config{
		Port:                    GetEnvOrDefault("PORT", "8080"),
		Network:                 network,
		SuiRPCURL:               GetEnvOrDefault("SUI_RPC_URL", network.DefaultRPCEndpoint()),
		RegistryPath:            GetEnvOrDefault("POOL_REGISTRY_PATH", "configs/pools.yaml"),
		OtelEndpoint:            GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		RequestTimeout:          GetEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
		Lookback:                GetEnvAsDuration("LOOKBACK", 7*24*time.Hour),
		RPCRetryMax:             GetEnvAsInt("RPC_RETRY_MAX", 3),
		RPCPageLimit:            GetEnvAsInt("RPC_PAGE_LIMIT", 50),
		RPCRateLimitRPS:         GetEnvAsFloat("RPC_RATE_LIMIT_RPS", 20.0),
		CircuitFailureThreshold: GetEnvAsInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitResetDelay:       GetEnvAsDuration("CIRCUIT_RESET_DELAY", time.Minute),
		CircuitSuccessThreshold: GetEnvAsInt("CIRCUIT_SUCCESS_THRESHOLD", 1),
		RateLimitRPS:            GetEnvAsFloat("RATE_LIMIT_RPS", 10.0),
		RateLimitBurst:          GetEnvAsInt("RATE_LIMIT_BURST", 20),
		SigningKey:              GetEnvOrDefault("SIGNING_KEY", ""),
		KafkaBrokers:            GetEnvAsList("KAFKA_BROKERS", nil),
		KafkaTopic:              GetEnvOrDefault("KAFKA_TOPIC", "pool-apr"),
		EnableMetrics:           GetEnvAsBool("ENABLE_METRICS", true),
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		intValue, err := strconv.Atoi(value)
		if err == nil {
			return intValue
		}
		logrus.Warnf("Invalid integer in %s: %v, using default: %v", key, err, defaultValue)
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		floatValue, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return floatValue
		}
		logrus.Warnf("Invalid float in %s: %v, using default: %v", key, err, defaultValue)
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		duration, err := time.ParseDuration(value)
		if err == nil {
			return duration
		}
		logrus.Warnf("Invalid duration in %s: %v, using default: %v", key, err, defaultValue)
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
		logrus.Warnf("Invalid boolean in %s: %v, using default: %v", key, err, defaultValue)
	}
	return defaultValue
}

// GetEnvAsList retrieves a comma-separated environment variable, dropping empty entries
func GetEnvAsList(key string, defaultValue []string) []string {
	value, exists := GetEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
