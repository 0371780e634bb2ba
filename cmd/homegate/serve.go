package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/joestump/homegate/internal/access"
	"github.com/joestump/homegate/internal/audit"
	"github.com/joestump/homegate/internal/config"
	"github.com/joestump/homegate/internal/db"
	"github.com/joestump/homegate/internal/gateway"
	"github.com/joestump/homegate/internal/hub"
	"github.com/joestump/homegate/internal/llm"
	"github.com/joestump/homegate/internal/memory"
	"github.com/joestump/homegate/internal/pairing"
	"github.com/joestump/homegate/internal/ratelimit"
	"github.com/joestump/homegate/internal/stream"
	"github.com/joestump/homegate/internal/toolloop"
	"github.com/joestump/homegate/internal/tools"
)

const (
	shutdownGrace = 10 * time.Second
	sweepEvery    = 5 * time.Minute
	memoryLimit   = 20
)

// backends builds the routing table from configuration. The OpenAI backend
// is returned separately because media routes forward to it.
func backends(cfg config.Config) (*llm.Registry, *llm.OpenAI) {
	reg := &llm.Registry{LocalPrefixes: cfg.LocalModelPrefixes}
	if cfg.LocalBaseURL != "" {
		reg.Local = llm.NewLocal(cfg.LocalBaseURL, cfg.LocalAPIKey)
	}
	var openai *llm.OpenAI
	if cfg.OpenAIAPIKey != "" {
		openai = llm.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey)
		reg.OpenAI = openai
	}
	if cfg.AnthropicAPIKey != "" {
		reg.Anthropic = llm.NewAnthropic(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey)
	}
	if cfg.GeminiAPIKey != "" {
		reg.Gemini = llm.NewGemini(cfg.GeminiBaseURL, cfg.GeminiAPIKey)
	}
	return reg, openai
}

// toolbox holds the host-facing pieces shared by the gateway and the MCP
// server.
type toolbox struct {
	policy   *access.Policy
	registry *tools.Registry
	searcher *tools.Searcher
	fetcher  *tools.Fetcher
	media    tools.Forwarder
}

func buildTools(cfg config.Config, openai *llm.OpenAI) (*toolbox, error) {
	roots := cfg.SandboxPaths
	if len(roots) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			roots = []string{home}
		}
	}
	policy, err := access.Load(roots, cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load access policy: %w", err)
	}

	tb := &toolbox{policy: policy, fetcher: tools.NewFetcher()}
	if cfg.BraveAPIKey != "" {
		tb.searcher = tools.NewSearcher(cfg.BraveAPIKey, "")
	}
	if openai != nil {
		tb.media = openai
	}
	tb.registry = tools.Builtin(tools.Options{
		Policy:     policy,
		Searcher:   tb.searcher,
		Fetcher:    tb.fetcher,
		Images:     tb.media,
		ImageModel: cfg.ImageModel,
	})
	return tb, nil
}

func openDB(cfg config.Config) (*db.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	database, err := db.Open(filepath.Join(cfg.DataDir, "homegate.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return database, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := access.ParseLevel(cfg.AccessLevel)

	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close() //nolint:errcheck

	registry, openai := backends(cfg)
	tb, err := buildTools(cfg, openai)
	if err != nil {
		return err
	}

	redactor := audit.NewRedactor(cfg.Secrets())
	auditLog := audit.NewLogger(database, redactor, 0)
	defer auditLog.Close()
	events := hub.New(hub.DefaultCapacity)
	defer events.Close()
	auditLog.Feed(events)

	pairer, err := pairing.NewManager(cfg.PairingSecret, database, cfg.DeviceTokenTTL)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(cfg.RateLimit, time.Minute, nil)
	observers := []stream.Observer{memory.NewLogger(database, redactor), auditLog}

	deps := gateway.Deps{
		Token:      cfg.Token,
		Version:    config.Version,
		Level:      gateway.NewLevelController(level),
		Limiter:    limiter,
		Audit:      auditLog,
		Pairing:    pairer,
		Backends:   registry,
		Translator: stream.New(registry, observers...),
		Loop:       toolloop.New(tb.registry, cfg.MaxToolRounds),
		Enricher:   memory.NewEnricher(database, memoryLimit),
		Observers:  observers,
		Store:      database,
		Policy:     tb.policy,
		Files:      tools.NewFiles(tb.policy),
		Runner:     tools.NewRunner(tb.policy),
		Searcher:   tb.searcher,
		Fetcher:    tb.fetcher,
		Media:      tb.media,
		Events:     events,
	}
	router, err := gateway.NewRouter(deps)
	if err != nil {
		return err
	}
	acceptor := gateway.NewAcceptor(router, gateway.AcceptorOptions{
		MaxConnections: cfg.MaxConnections,
		MaxRequestSize: cfg.MaxRequestSize,
		IdleTimeout:    cfg.IdleTimeout,
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	log.Info().
		Str("version", config.Version).
		Str("level", level.String()).
		Strs("sandbox", tb.policy.SandboxRoots()).
		Int("rate_limit", cfg.RateLimit).
		Int("tools", len(tb.registry.All())).
		Msg("homegate starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Sweep()
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- acceptor.Serve(ctx, ln) }()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Int("connections", acceptor.Live()).Msg("shutting down")
	events.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := acceptor.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Err(err).Msg("shutdown")
	}
	if err := <-serveErr; err != nil {
		log.Warn().Err(err).Msg("serve loop exit")
	}
	if n := auditLog.Dropped(); n > 0 {
		log.Warn().Int64("dropped", n).Msg("audit entries dropped under load")
	}
	return nil
}
