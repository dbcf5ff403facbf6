package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"speech": {"azure"},
}

// envRef matches ${VAR} references. Bare $VAR is left alone so secrets
// containing dollar signs survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadEnv loads KEY=VALUE pairs from the given dotenv files into the process
// environment. Missing files are skipped; variables already set win.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", p, err)
		}
		slog.Debug("loaded environment file", "path", p)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references, decodes a YAML config from r,
// applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded, missing := ExpandEnv(raw)
	for _, name := range missing {
		slog.Warn("config references an unset environment variable", "var", name)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${VAR} in data with the value of the environment
// variable VAR and reports the names that were unset. Unset variables expand
// to the empty string.
func ExpandEnv(data []byte) ([]byte, []string) {
	var missing []string
	out := envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		v, ok := os.LookupEnv(name)
		if !ok && !slices.Contains(missing, name) {
			missing = append(missing, name)
		}
		return []byte(v)
	})
	return out, missing
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	seen := make(map[string]string, len(cfg.Providers.LLMFallbacks)+1)
	if cfg.Providers.LLM.Name != "" {
		seen[backendKey(cfg.Providers.LLM)] = "providers.llm"
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		prefix := fmt.Sprintf("providers.llm_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("llm", fb.Name)
		key := backendKey(fb)
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates %s; fallbacks must be distinct backends", prefix, prev))
			continue
		}
		seen[key] = prefix
	}
	validateProviderName("speech", cfg.Providers.Speech.Name)
	if cfg.Providers.Speech.Name == "" {
		slog.Warn("providers.speech is not configured; turns carrying audio will be rejected")
	}
	for _, e := range append([]ProviderEntry{cfg.Providers.LLM, cfg.Providers.Speech}, cfg.Providers.LLMFallbacks...) {
		if e.Timeout < 0 {
			errs = append(errs, fmt.Errorf("provider %q timeout %v is negative", e.Name, e.Timeout))
		}
	}

	// Session
	s := cfg.Session
	if s.MaxQueuedTurns < 0 {
		errs = append(errs, fmt.Errorf("session.max_queued_turns %d must not be negative", s.MaxQueuedTurns))
	}
	if s.HistoryMaxTokens < 0 {
		errs = append(errs, fmt.Errorf("session.history_max_tokens %d must not be negative", s.HistoryMaxTokens))
	}
	if s.SummaryMaxChars < 0 {
		errs = append(errs, fmt.Errorf("session.summary_max_chars %d must not be negative", s.SummaryMaxChars))
	}
	if s.EndedRetention < 0 {
		errs = append(errs, fmt.Errorf("session.ended_retention %v must not be negative", s.EndedRetention))
	}
	if s.MaxActiveSessions < 0 {
		errs = append(errs, fmt.Errorf("session.max_active_sessions %d must not be negative", s.MaxActiveSessions))
	}

	// Store
	switch {
	case cfg.Store.Backend != "" && !cfg.Store.Backend.IsValid():
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres, sqlite", cfg.Store.Backend))
	case cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "":
		errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
	case cfg.Store.Backend == StoreMemory:
		slog.Debug("store.backend is memory; sessions will not survive a restart")
	}

	return errors.Join(errs...)
}

// backendKey identifies the backend an entry talks to.
func backendKey(e ProviderEntry) string {
	return e.Name + "|" + e.BaseURL + "|" + e.Model
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
