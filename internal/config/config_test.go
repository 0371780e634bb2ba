package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadFromEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.SetEnvPrefix("HOMEGATE")
	viper.AutomaticEnv()
	viper.SetDefault("listen", ":8787")
	viper.SetDefault("sandbox_paths", []string{})
	viper.SetDefault("local_model_prefixes", []string{})
	viper.SetDefault("idle_timeout", "30s")

	t.Setenv("HOMEGATE_TOKEN", "0123456789abcdef")
	t.Setenv("HOMEGATE_SANDBOX_PATHS", "/srv/share, ~/notes,,")
	t.Setenv("HOMEGATE_LOCAL_MODEL_PREFIXES", "llama,qwen")
	t.Setenv("HOMEGATE_RATE_LIMIT", "42")

	cfg := Load()
	if cfg.Listen != ":8787" || cfg.Token != "0123456789abcdef" || cfg.RateLimit != 42 {
		t.Errorf("cfg = %+v", cfg)
	}
	if strings.Join(cfg.SandboxPaths, "|") != "/srv/share|~/notes" {
		t.Errorf("sandbox paths = %q", cfg.SandboxPaths)
	}
	if len(cfg.LocalModelPrefixes) != 2 {
		t.Errorf("prefixes = %q", cfg.LocalModelPrefixes)
	}
	if cfg.IdleTimeout.Seconds() != 30 {
		t.Errorf("idle timeout = %v", cfg.IdleTimeout)
	}
}

func TestValidate(t *testing.T) {
	good := Config{Token: "0123456789abcdef", AccessLevel: "chat_only", LocalBaseURL: "http://127.0.0.1:11434/v1"}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(c *Config){
		"missing token": func(c *Config) { c.Token = "" },
		"short token":   func(c *Config) { c.Token = "short" },
		"bad level":     func(c *Config) { c.AccessLevel = "root" },
		"no backend":    func(c *Config) { c.LocalBaseURL = "" },
	}
	for name, mutate := range cases {
		c := good
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestSecretsIncludesToken(t *testing.T) {
	s := Config{Token: "tok", OpenAIAPIKey: "sk"}.Secrets()
	if s["TOKEN"] != "tok" || s["OPENAI_API_KEY"] != "sk" {
		t.Errorf("secrets = %v", s)
	}
}
