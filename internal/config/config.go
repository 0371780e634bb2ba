package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/joestump/homegate/internal/access"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the gateway.
type Config struct {
	Listen         string
	Token          string
	AccessLevel    string
	SandboxPaths   []string
	PolicyFile     string
	RateLimit      int
	MaxConnections int
	MaxRequestSize int
	IdleTimeout    time.Duration
	DataDir        string
	LogLevel       string
	LogFormat      string
	PairingSecret  string
	DeviceTokenTTL time.Duration
	MaxToolRounds  int

	LocalBaseURL       string
	LocalAPIKey        string
	LocalModelPrefixes []string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	AnthropicAPIKey    string
	AnthropicBaseURL   string
	GeminiAPIKey       string
	GeminiBaseURL      string
	BraveAPIKey        string
	ImageModel         string
}

// Load reads configuration from viper, which merges flag values, env vars,
// an optional config file, and defaults (set up by the cobra command in
// cmd/homegate).
func Load() Config {
	return Config{
		Listen:         viper.GetString("listen"),
		Token:          viper.GetString("token"),
		AccessLevel:    viper.GetString("access_level"),
		SandboxPaths:   list(viper.GetStringSlice("sandbox_paths")),
		PolicyFile:     viper.GetString("policy_file"),
		RateLimit:      viper.GetInt("rate_limit"),
		MaxConnections: viper.GetInt("max_connections"),
		MaxRequestSize: viper.GetInt("max_request_size"),
		IdleTimeout:    viper.GetDuration("idle_timeout"),
		DataDir:        viper.GetString("data_dir"),
		LogLevel:       viper.GetString("log_level"),
		LogFormat:      viper.GetString("log_format"),
		PairingSecret:  viper.GetString("pairing_secret"),
		DeviceTokenTTL: viper.GetDuration("device_token_ttl"),
		MaxToolRounds:  viper.GetInt("max_tool_rounds"),

		LocalBaseURL:       viper.GetString("local_base_url"),
		LocalAPIKey:        viper.GetString("local_api_key"),
		LocalModelPrefixes: list(viper.GetStringSlice("local_model_prefixes")),
		OpenAIAPIKey:       viper.GetString("openai_api_key"),
		OpenAIBaseURL:      viper.GetString("openai_base_url"),
		AnthropicAPIKey:    viper.GetString("anthropic_api_key"),
		AnthropicBaseURL:   viper.GetString("anthropic_base_url"),
		GeminiAPIKey:       viper.GetString("gemini_api_key"),
		GeminiBaseURL:      viper.GetString("gemini_base_url"),
		BraveAPIKey:        viper.GetString("brave_api_key"),
		ImageModel:         viper.GetString("image_model"),
	}
}

// Validate checks values that would otherwise fail later at runtime.
func (c Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required (set --token or HOMEGATE_TOKEN)")
	}
	if len(c.Token) < 16 {
		return fmt.Errorf("token must be at least 16 characters")
	}
	if _, err := access.ParseLevel(c.AccessLevel); err != nil {
		return fmt.Errorf("access_level: %w", err)
	}
	if c.LocalBaseURL == "" && c.OpenAIAPIKey == "" && c.AnthropicAPIKey == "" && c.GeminiAPIKey == "" {
		return fmt.Errorf("no backend configured: set local_base_url or a vendor API key")
	}
	return nil
}

// Secrets returns the configured secret values by name, for redaction.
func (c Config) Secrets() map[string]string {
	return map[string]string{
		"TOKEN":             c.Token,
		"PAIRING_SECRET":    c.PairingSecret,
		"LOCAL_API_KEY":     c.LocalAPIKey,
		"OPENAI_API_KEY":    c.OpenAIAPIKey,
		"ANTHROPIC_API_KEY": c.AnthropicAPIKey,
		"GEMINI_API_KEY":    c.GeminiAPIKey,
		"BRAVE_API_KEY":     c.BraveAPIKey,
	}
}

// list splits comma-separated entries, since env vars arrive as a single
// string, and drops empty items.
func list(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
