package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/linguavox/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini", Options: map[string]any{"org": "a"}},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, baseConfig())
	if d.LogLevelChanged || d.SessionChanged || len(d.RestartRequired) != 0 {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_SessionTunables(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.SessionConfig)
	}{
		{"max queued turns", func(s *config.SessionConfig) { s.MaxQueuedTurns = 2 }},
		{"history tokens", func(s *config.SessionConfig) { s.HistoryMaxTokens = 500 }},
		{"summary chars", func(s *config.SessionConfig) { s.SummaryMaxChars = 200 }},
		{"ended retention", func(s *config.SessionConfig) { s.EndedRetention = time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(&new.Session)

			d := config.Diff(old, new)
			if !d.SessionChanged {
				t.Fatal("expected SessionChanged=true")
			}
			if d.NewSession != new.Session {
				t.Errorf("NewSession = %+v, want %+v", d.NewSession, new.Session)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"session limit", func(c *config.Config) { c.Session.MaxActiveSessions = 5 }, "session.max_active_sessions"},
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9999" }, "server"},
		{"tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"} }, "server"},
		{"llm model", func(c *config.Config) { c.Providers.LLM.Model = "gpt-4o" }, "providers"},
		{"llm option", func(c *config.Config) { c.Providers.LLM.Options = map[string]any{"org": "b"} }, "providers"},
		{"fallback added", func(c *config.Config) {
			c.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "ollama"}}
		}, "providers"},
		{"store", func(c *config.Config) { c.Store.Backend = config.StoreSQLite }, "store"},
		{"reports", func(c *config.Config) { c.Reports.ArchivePath = "r.jsonl" }, "reports"},
		{"telemetry", func(c *config.Config) { c.Telemetry.ServiceName = "other" }, "telemetry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)

			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired = %v, want %q", d.RestartRequired, tt.want)
			}
			if d.SessionChanged {
				t.Error("SessionChanged = true for a restart-only change")
			}
		})
	}
}
