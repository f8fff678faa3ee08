package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bowerhall/medibuddy/internal/llm"
)

const (
	BackendInference = "inference"
	BackendLLM       = "llm"
)

func Load() (*Config, error) {
	dbConfig, err := loadDatabaseConfig()
	if err != nil {
		return nil, err
	}

	storageConfig, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	gatewayConfig, err := loadGatewayConfig()
	if err != nil {
		return nil, err
	}

	inferenceConfig, err := loadInferenceConfig()
	if err != nil {
		return nil, err
	}

	var llmConfig LLMConfig
	if gatewayConfig.Backend == BackendLLM {
		llmConfig, err = loadLLMConfig()
		if err != nil {
			return nil, err
		}
	}

	spoolConfig, err := loadSpoolConfig()
	if err != nil {
		return nil, err
	}

	botConfig, err := loadBotConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Database:  dbConfig,
		Storage:   storageConfig,
		Inference: inferenceConfig,
		Gateway:   gatewayConfig,
		LLM:       llmConfig,
		Variants:  loadVariantsConfig(),
		Spool:     spoolConfig,
		Bot:       botConfig,
		Resume:    os.Getenv("RESUME_SESSIONS") == "true",
		LogFile:   os.Getenv("LOG_FILE"),
	}, nil
}

func loadDatabaseConfig() (DatabaseConfig, error) {
	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	switch driver {
	case "sqlite":
		path := os.Getenv("DATABASE_PATH")
		if path == "" {
			path = "medibuddy.db"
		}
		return DatabaseConfig{Driver: driver, Path: path}, nil
	case "postgres":
		url := os.Getenv("DATABASE_URL")
		if url == "" {
			return DatabaseConfig{}, fmt.Errorf("DATABASE_URL not set")
		}
		return DatabaseConfig{Driver: driver, URL: url}, nil
	default:
		return DatabaseConfig{}, fmt.Errorf("unknown DATABASE_DRIVER: %s", driver)
	}
}

func loadStorageConfig() (StorageConfig, error) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}

	accessKey := os.Getenv("MINIO_ACCESS_KEY")
	if accessKey == "" {
		return StorageConfig{}, fmt.Errorf("MINIO_ACCESS_KEY not set")
	}
	secretKey := os.Getenv("MINIO_SECRET_KEY")
	if secretKey == "" {
		return StorageConfig{}, fmt.Errorf("MINIO_SECRET_KEY not set")
	}

	bucket := os.Getenv("MINIO_BUCKET")
	if bucket == "" {
		bucket = "chat-media"
	}

	return StorageConfig{
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
		Bucket:    bucket,
		PublicURL: strings.TrimRight(os.Getenv("MINIO_PUBLIC_URL"), "/"),
	}, nil
}

func loadGatewayConfig() (GatewayConfig, error) {
	backend := os.Getenv("GATEWAY_BACKEND")
	if backend == "" {
		backend = BackendInference
	}
	if backend != BackendInference && backend != BackendLLM {
		return GatewayConfig{}, fmt.Errorf("unknown GATEWAY_BACKEND: %s", backend)
	}
	return GatewayConfig{Backend: backend}, nil
}

func loadInferenceConfig() (InferenceConfig, error) {
	url := os.Getenv("INFERENCE_URL")
	if url == "" {
		url = "http://localhost:8000"
	}

	timeout, err := durationEnv("INFERENCE_TIMEOUT", 60*time.Second)
	if err != nil {
		return InferenceConfig{}, err
	}

	lang := os.Getenv("INFERENCE_LANG")
	if lang == "" {
		lang = "en"
	}

	return InferenceConfig{URL: url, Timeout: timeout, Lang: lang}, nil
}

func loadLLMConfig() (LLMConfig, error) {
	provider := os.Getenv("LLM_PROVIDER")
	if provider == "" {
		provider = DetectProvider()
	}
	if !llm.IsKnownProvider(provider) {
		return LLMConfig{}, fmt.Errorf("unknown LLM_PROVIDER: %s", provider)
	}

	apiKey, err := getAPIKey(provider)
	if err != nil {
		return LLMConfig{}, err
	}

	return LLMConfig{
		Provider: provider,
		APIKey:   apiKey,
		Model:    os.Getenv("LLM_MODEL"),
		BaseURL:  os.Getenv("LLM_BASE_URL"),
	}, nil
}

func loadVariantsConfig() VariantsConfig {
	def := os.Getenv("DEFAULT_VARIANT")
	if def == "" {
		def = "medical"
	}
	return VariantsConfig{
		File:    os.Getenv("VARIANTS_FILE"),
		Default: def,
	}
}

func loadSpoolConfig() (SpoolConfig, error) {
	dir := os.Getenv("SPOOL_DIR")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "medibuddy-spool")
	}

	ttl, err := durationEnv("SPOOL_TTL", 24*time.Hour)
	if err != nil {
		return SpoolConfig{}, err
	}

	sweep := os.Getenv("SPOOL_SWEEP")
	if sweep == "" {
		sweep = "@every 1h"
	}

	return SpoolConfig{Dir: dir, TTL: ttl, Sweep: sweep}, nil
}

func loadBotConfig() (BotConfig, error) {
	provider := os.Getenv("BOT_PROVIDER")
	if provider == "" {
		provider = "telegram"
	}

	var token string
	switch provider {
	case "telegram":
		token = os.Getenv("TELEGRAM_TOKEN")
		if token == "" {
			return BotConfig{}, fmt.Errorf("TELEGRAM_TOKEN not set")
		}
	case "discord":
		token = os.Getenv("DISCORD_TOKEN")
		if token == "" {
			return BotConfig{}, fmt.Errorf("DISCORD_TOKEN not set")
		}
	default:
		return BotConfig{}, fmt.Errorf("unknown BOT_PROVIDER: %s", provider)
	}

	return BotConfig{
		Provider: provider,
		Token:    token,
	}, nil
}

// DetectProvider picks a provider from whichever API key is set, falling
// back to a local ollama.
func DetectProvider() string {
	switch {
	case os.Getenv("ANTHROPIC_API_KEY") != "":
		return "claude"
	case os.Getenv("OPENAI_API_KEY") != "":
		return "openai"
	case os.Getenv("GROQ_API_KEY") != "":
		return "groq"
	default:
		return "ollama"
	}
}

// EnvKeyForProvider returns the env var holding a provider's API key.
func EnvKeyForProvider(provider string) string {
	switch provider {
	case "claude":
		return "ANTHROPIC_API_KEY"
	case "ollama":
		return ""
	default:
		return strings.ToUpper(provider) + "_API_KEY"
	}
}

func getAPIKey(provider string) (string, error) {
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		return key, nil
	}

	envKey := EnvKeyForProvider(provider)
	if envKey == "" {
		// ollama doesn't need an API key
		return "ollama", nil
	}

	key := os.Getenv(envKey)
	if key == "" {
		return "", fmt.Errorf("%s not set", envKey)
	}
	return key, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return d, nil
}
