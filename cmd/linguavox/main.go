// Command linguavox is the main entry point for the Linguavox tutoring server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/linguavox/internal/app"
	"github.com/MrWong99/linguavox/internal/config"
	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/pkg/provider/llm"
	"github.com/MrWong99/linguavox/pkg/provider/llm/anyllm"
	"github.com/MrWong99/linguavox/pkg/provider/llm/openai"
	"github.com/MrWong99/linguavox/pkg/provider/speech"
	"github.com/MrWong99/linguavox/pkg/provider/speech/azure"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "dotenv file loaded before the config is expanded")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "linguavox: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "linguavox: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "linguavox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("linguavox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLevelVar(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, application.OnConfigChange)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyLLMProviders share the same pattern: optional APIKey + optional BaseURL.
var anyLLMProviders = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if entry.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(entry.Timeout))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyLLMProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Speech ────────────────────────────────────────────────────────────────

	reg.RegisterSpeech("azure", func(entry config.ProviderEntry) (speech.Backend, error) {
		var opts []azure.Option
		if entry.BaseURL != "" {
			opts = append(opts, azure.WithEndpoint(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, azure.WithTimeout(entry.Timeout))
		}
		return azure.New(entry.APIKey, entry.OptString("region"), opts...)
	})

	names := reg.Names()
	kinds := make([]string, 0, len(names))
	for kind := range names {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		slog.Debug("registered providers", "kind", kind, "names", names[kind])
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	entry := cfg.Providers.LLM
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	ps.LLM, ps.LLMName = p, entry.Name
	slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)

	for i, fb := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(fb)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown fallback provider; skipping", "kind", "llm", "name", fb.Name)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("create llm fallback %d (%q): %w", i, fb.Name, err)
		}
		name := fb.Name
		if fb.Model != "" {
			name += "/" + fb.Model
		}
		ps.LLMFallbacks = append(ps.LLMFallbacks, app.NamedLLM{Name: name, Provider: p})
		slog.Info("provider created", "kind", "llm_fallback", "name", fb.Name, "model", fb.Model)
	}

	if name := cfg.Providers.Speech.Name; name != "" {
		b, err := reg.CreateSpeech(cfg.Providers.Speech)
		if err != nil {
			return nil, fmt.Errorf("create speech provider %q: %w", name, err)
		}
		ps.Speech, ps.SpeechName = b, name
		slog.Info("provider created", "kind", "speech", "name", name)
	} else {
		slog.Info("no speech provider configured; pronunciation scoring disabled")
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Linguavox — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", len(cfg.Providers.LLMFallbacks))
	printProvider("Speech", cfg.Providers.Speech.Name, "")
	printProvider("Store", string(cfg.Store.Backend), "")
	fmt.Printf("║  Max sessions    : %-19d ║\n", cfg.Session.MaxActiveSessions)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
