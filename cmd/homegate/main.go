package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/joestump/homegate/internal/config"
	"github.com/joestump/homegate/internal/gateway"
	"github.com/joestump/homegate/internal/toolloop"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "homegate",
		Short:         "Local-first AI gateway with tiered host access",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if path := viper.GetString("config"); path != "" {
				viper.SetConfigFile(path)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", path, err)
				}
			}
			setupLogging(viper.GetString("log_level"), viper.GetString("log_format"))
			return nil
		},
		RunE: runServe,
	}

	f := rootCmd.PersistentFlags()
	f.String("config", "", "optional config file (yaml, toml or json)")
	f.String("listen", "127.0.0.1:8420", "address the gateway listens on")
	f.String("token", "", "bearer token required on protected routes")
	f.String("access-level", "chat_only", "starting access level (off, chat_only, read_files, write_files, execute, full_access)")
	f.StringSlice("sandbox-paths", nil, "directories file tools may touch (default: home directory)")
	f.String("policy-file", "", "YAML file with extra sandbox roots and command patterns")
	f.Int("rate-limit", 60, "requests per minute per client")
	f.Int("max-connections", gateway.DefaultMaxConnections, "connections served at once")
	f.Int("max-request-size", gateway.DefaultMaxRequestSize, "largest accepted request in bytes")
	f.Duration("idle-timeout", gateway.DefaultIdleTimeout, "read idle timeout per connection")
	f.String("data-dir", defaultDataDir(), "directory for the SQLite database")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("log-format", "console", "log format (console or json)")
	f.String("pairing-secret", "", "HMAC secret for device tokens (random per start when empty)")
	f.Duration("device-token-ttl", 30*24*time.Hour, "lifetime of device tokens")
	f.Int("max-tool-rounds", toolloop.DefaultMaxRounds, "backend calls per buffered chat request")
	f.String("local-base-url", "http://127.0.0.1:11434/v1", "OpenAI-compatible local inference server")
	f.String("local-api-key", "", "API key for the local server, if it needs one")
	f.StringSlice("local-model-prefixes", nil, "extra model prefixes routed to the local server")
	f.String("openai-api-key", "", "OpenAI API key")
	f.String("openai-base-url", "", "override the OpenAI API base URL")
	f.String("anthropic-api-key", "", "Anthropic API key")
	f.String("anthropic-base-url", "", "override the Anthropic API base URL")
	f.String("gemini-api-key", "", "Gemini API key")
	f.String("gemini-base-url", "", "override the Gemini API base URL")
	f.String("brave-api-key", "", "Brave Search API key (enables web_search)")
	f.String("image-model", "dall-e-3", "model used by generate_image")

	// Viper keys use underscores so they match the env var suffix after
	// the HOMEGATE_ prefix.
	bindFlag := func(flagName string) {
		_ = viper.BindPFlag(strings.ReplaceAll(flagName, "-", "_"), f.Lookup(flagName))
	}
	f.VisitAll(func(fl *pflag.Flag) { bindFlag(fl.Name) })

	viper.SetEnvPrefix("HOMEGATE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(
		&cobra.Command{Use: "serve", Short: "Run the gateway (default)", RunE: runServe},
		mcpCmd(),
		classifyCmd(),
		devicesCmd(),
		auditCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println("homegate", config.Version)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("homegate failed")
		os.Exit(1)
	}
}

func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "homegate")
	}
	return ".homegate"
}
