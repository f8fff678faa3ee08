package config

import "time"

type Config struct {
	Database  DatabaseConfig
	Storage   StorageConfig
	Inference InferenceConfig
	Gateway   GatewayConfig
	LLM       LLMConfig
	Variants  VariantsConfig
	Spool     SpoolConfig
	Bot       BotConfig
	// Resume reopens each owner's latest session on first contact.
	Resume  bool
	LogFile string
}

type DatabaseConfig struct {
	Driver string
	Path   string
	URL    string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	PublicURL string
}

type InferenceConfig struct {
	URL     string
	Timeout time.Duration
	Lang    string
}

type GatewayConfig struct {
	Backend string
}

type LLMConfig struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

type VariantsConfig struct {
	File    string
	Default string
}

type SpoolConfig struct {
	Dir   string
	TTL   time.Duration
	Sweep string
}

type BotConfig struct {
	Provider string
	Token    string
}
