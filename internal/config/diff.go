package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any hot-reloadable session tunable changed.
	// New values apply to sessions started afterwards.
	SessionChanged bool
	NewSession     SessionConfig

	// RestartRequired lists the sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Session tunables. The session limit sizes the manager and is fixed.
	was, now := old.Session, new.Session
	if was.MaxQueuedTurns != now.MaxQueuedTurns ||
		was.HistoryMaxTokens != now.HistoryMaxTokens ||
		was.SummaryMaxChars != now.SummaryMaxChars ||
		was.EndedRetention != now.EndedRetention {
		d.SessionChanged = true
		d.NewSession = now
	}
	if was.MaxActiveSessions != now.MaxActiveSessions {
		d.RestartRequired = append(d.RestartRequired, "session.max_active_sessions")
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Reports != new.Reports {
		d.RestartRequired = append(d.RestartRequired, "reports")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func providersEqual(a, b ProvidersConfig) bool {
	if !entryEqual(a.LLM, b.LLM) || !entryEqual(a.Speech, b.Speech) || len(a.LLMFallbacks) != len(b.LLMFallbacks) {
		return false
	}
	for i := range a.LLMFallbacks {
		if !entryEqual(a.LLMFallbacks[i], b.LLMFallbacks[i]) {
			return false
		}
	}
	return true
}

// entryEqual compares the scalar fields of two entries. Options are
// compared by key count and string values only.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model || a.Timeout != b.Timeout {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k := range a.Options {
		if a.OptString(k) != b.OptString(k) {
			return false
		}
	}
	return true
}
