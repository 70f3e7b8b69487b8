package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/foundry-gateway/internal/domain"
)

const (
	KeyFoundryEndpoint    = "Foundry:Endpoint"
	KeyFoundryAPIKey      = "Foundry:ApiKey"
	KeyFoundryDeployment  = "Foundry:DeploymentName"
	KeyFoundryAPIVersion  = "Foundry:ApiVersion"
	KeyFoundryTemperature = "Foundry:Temperature"
	KeyFoundryMaxTokens   = "Foundry:MaxTokens"
	KeyFoundrySystem      = "Foundry:SystemPrompt"
	KeyFoundryHints       = "Foundry:NotFoundHints"

	KeyModerationEnabled    = "ContentSafety:Enabled"
	KeyModerationEndpoint   = "ContentSafety:Endpoint"
	KeyModerationAPIKey     = "ContentSafety:ApiKey"
	KeyModerationAPIVersion = "ContentSafety:ApiVersion"
	KeyModerationThreshold  = "ContentSafety:Threshold"
	KeyModerationCacheTTL   = "ContentSafety:CacheTTL"
	KeyModerationReject     = "ContentSafety:RejectAsError"
)

// EnvBindings names the environment variables that override each key.
var EnvBindings = map[string]string{
	KeyFoundryEndpoint:    "AZURE_FOUNDRY_ENDPOINT",
	KeyFoundryAPIKey:      "AZURE_FOUNDRY_API_KEY",
	KeyFoundryDeployment:  "AZURE_FOUNDRY_DEPLOYMENT",
	KeyFoundryAPIVersion:  "AZURE_FOUNDRY_API_VERSION",
	KeyFoundryTemperature: "AZURE_FOUNDRY_TEMPERATURE",
	KeyFoundryMaxTokens:   "AZURE_FOUNDRY_MAX_TOKENS",
	KeyFoundrySystem:      "AZURE_FOUNDRY_SYSTEM_PROMPT",
	KeyFoundryHints:       "AZURE_FOUNDRY_NOT_FOUND_HINTS",

	KeyModerationEnabled:    "MODERATION_ENABLED",
	KeyModerationEndpoint:   "AZURE_CONTENT_SAFETY_ENDPOINT",
	KeyModerationAPIKey:     "AZURE_CONTENT_SAFETY_KEY",
	KeyModerationAPIVersion: "AZURE_CONTENT_SAFETY_API_VERSION",
	KeyModerationThreshold:  "MODERATION_THRESHOLD",
	KeyModerationCacheTTL:   "MODERATION_CACHE_TTL",
	KeyModerationReject:     "MODERATION_REJECT_AS_ERROR",
}

type Config struct {
	Addr          string
	LogLevel      string
	ConfigFile    string
	RedisURL      string
	DatabaseURL   string
	OTLPEndpoint  string
	AWSRegion     string
	SNSTopicARN   string
	APIKeySecret  string
	ClientKeyHash string

	CompletionHints    bool
	ModerationCacheTTL time.Duration

	// RejectAsError fails unsafe prompts instead of answering with the
	// deflection text.
	RejectAsError bool

	// Horizontal scaling features
	UseDistributedCircuitBreaker bool

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Load reads the process settings. Only src is consulted, so tests can pass a
// MapSource instead of touching the environment.
func Load(src Source) (*Config, error) {
	cfg := &Config{
		Addr:                         getString(src, "ADDR", ":8080"),
		LogLevel:                     getString(src, "LOG_LEVEL", "info"),
		ConfigFile:                   getString(src, "CONFIG_FILE", "config.yaml"),
		RedisURL:                     getString(src, "REDIS_URL", ""),
		DatabaseURL:                  getString(src, "DATABASE_URL", ""),
		OTLPEndpoint:                 getString(src, "OTLP_ENDPOINT", ""),
		AWSRegion:                    getString(src, "AWS_REGION", ""),
		SNSTopicARN:                  getString(src, "SNS_TOPIC_ARN", ""),
		APIKeySecret:                 getString(src, "FOUNDRY_API_KEY_SECRET", ""),
		ClientKeyHash:                getString(src, "CLIENT_KEY_HASH", ""),
		CompletionHints:              getBool(src, KeyFoundryHints, true),
		ModerationCacheTTL:           getDuration(src, KeyModerationCacheTTL, 10*time.Minute),
		RejectAsError:                getBool(src, KeyModerationReject, false),
		UseDistributedCircuitBreaker: getBool(src, "USE_DISTRIBUTED_CB", false),
		RequestTimeout:               getDuration(src, "REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout:              getDuration(src, "SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

// ResolveGateway builds the completion settings. It never fails: missing
// endpoint or deployment surface as ErrConfigurationMissing on first use.
func ResolveGateway(src Source) domain.GatewayConfig {
	return domain.GatewayConfig{
		Endpoint:     getString(src, KeyFoundryEndpoint, ""),
		APIKey:       getString(src, KeyFoundryAPIKey, ""),
		Deployment:   getString(src, KeyFoundryDeployment, domain.DefaultDeployment),
		APIVersion:   getString(src, KeyFoundryAPIVersion, domain.DefaultAPIVersion),
		Temperature:  getFloat(src, KeyFoundryTemperature, domain.DefaultTemperature),
		MaxTokens:    getInt(src, KeyFoundryMaxTokens, domain.DefaultMaxTokens),
		SystemPrompt: getString(src, KeyFoundrySystem, domain.DefaultSystemPrompt),
	}
}

// ResolveModeration enables moderation when explicitly requested or when a
// Content Safety endpoint is configured.
func ResolveModeration(src Source) domain.ModerationConfig {
	endpoint := getString(src, KeyModerationEndpoint, "")
	return domain.ModerationConfig{
		Enabled:    getBool(src, KeyModerationEnabled, endpoint != ""),
		Endpoint:   endpoint,
		APIKey:     getString(src, KeyModerationAPIKey, ""),
		APIVersion: getString(src, KeyModerationAPIVersion, domain.DefaultModerationAPIVersion),
		Threshold:  getInt(src, KeyModerationThreshold, domain.DefaultModerationThreshold),
	}
}

func getString(src Source, key, defaultValue string) string {
	if src == nil {
		return defaultValue
	}
	if value, ok := src.Lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getBool(src Source, key string, defaultValue bool) bool {
	if value := getString(src, key, ""); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getInt(src Source, key string, defaultValue int) int {
	if value := getString(src, key, ""); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloat(src Source, key string, defaultValue float64) float64 {
	if value := getString(src, key, ""); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getDuration accepts Go durations ("45s") or whole seconds ("45").
func getDuration(src Source, key string, defaultValue time.Duration) time.Duration {
	value := getString(src, key, "")
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
