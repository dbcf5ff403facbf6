// Package app wires all Linguavox subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the session store and
// builds the tutoring components, Run serves HTTP until the context is done,
// and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/linguavox/internal/api"
	"github.com/MrWong99/linguavox/internal/classify"
	"github.com/MrWong99/linguavox/internal/config"
	"github.com/MrWong99/linguavox/internal/feedback"
	"github.com/MrWong99/linguavox/internal/health"
	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/phonetic"
	"github.com/MrWong99/linguavox/internal/pronunciation"
	"github.com/MrWong99/linguavox/internal/resilience"
	"github.com/MrWong99/linguavox/internal/session"
	"github.com/MrWong99/linguavox/internal/store"
	"github.com/MrWong99/linguavox/internal/store/memstore"
	"github.com/MrWong99/linguavox/internal/store/postgres"
	"github.com/MrWong99/linguavox/internal/store/sqlite"
	"github.com/MrWong99/linguavox/pkg/provider/llm"
	"github.com/MrWong99/linguavox/pkg/provider/speech"
)

const (
	readHeaderTimeout = 10 * time.Second
	speechBreakerName = "speech"
)

// NamedLLM is an LLM provider together with the registry name it was built
// from.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the provider instances built by main.go via the config
// registry. Speech may be nil; turns carrying audio are then rejected.
type Providers struct {
	LLM          llm.Provider
	LLMName      string
	LLMFallbacks []NamedLLM
	Speech       speech.Backend
	SpeechName   string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	levelVar       *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	store    store.Store
	guard    *session.StoreGuard
	llm      llm.Provider
	llmName  string
	sessions *SessionManager
	archive  *feedback.FileStore
	server   *http.Server
	handler  http.Handler

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of opening the configured one.
// The App takes ownership and closes it on Shutdown.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets the App adjust the log level on config reloads.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithMetricsHandler replaces the handler served on /metrics. Default: the
// Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	config.ApplyDefaults(cfg)

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Session store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. LLM with failover ─────────────────────────────────────────────
	a.initLLM()

	// ── 3. Tutoring components + session manager ─────────────────────────
	a.initSessions()

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured store unless one was injected and wraps it
// in a guard that tracks write failures.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		s, err := openStore(ctx, a.cfg.Store)
		if err != nil {
			return err
		}
		a.store = s
	}
	a.guard = session.NewStoreGuard(a.store, a.metrics)
	a.closers = append(a.closers, a.guard.Close)
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.StorePostgres:
		return postgres.Open(ctx, cfg.PostgresDSN)
	case config.StoreSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath)
	case config.StoreMemory, "":
		slog.Warn("using in-memory session store; sessions are lost on restart")
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// initLLM puts the configured fallbacks behind the primary LLM. Each backend
// gets its own circuit breaker.
func (a *App) initLLM() {
	a.llm, a.llmName = a.providers.LLM, a.providers.LLMName
	if len(a.providers.LLMFallbacks) == 0 {
		return
	}
	fb := resilience.NewLLMFallback(a.providers.LLM, a.providers.LLMName, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: "llm"},
	})
	for _, f := range a.providers.LLMFallbacks {
		fb.AddFallback(f.Name, f.Provider)
	}
	a.llm, a.llmName = fb, fb.Name()
}

func (a *App) initSessions() {
	m := a.metrics
	deps := session.Deps{
		Classifier: classify.New(a.llm,
			classify.WithMetrics(m),
			classify.WithProviderName(a.llmName),
		),
		Feedback: feedback.NewGenerator(a.llm,
			feedback.WithGeneratorMetrics(m),
			feedback.WithGeneratorProviderName(a.llmName),
		),
		Matcher: phonetic.New(),
	}
	if sp := a.providers.Speech; sp != nil {
		cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: speechBreakerName,
			// Silence is the learner's doing, not the backend's.
			IsFailure: func(err error) bool {
				return !errors.Is(err, pronunciation.ErrNoSpeech) && resilience.DefaultIsFailure(err)
			},
		})
		deps.Scorer = pronunciation.New(sp,
			pronunciation.WithCircuitBreaker(cb),
			pronunciation.WithMetrics(m),
		)
	}
	if path := a.cfg.Reports.ArchivePath; path != "" {
		a.archive = feedback.NewFileStore(path)
		deps.Archive = a.archive
	}

	llmProvider, llmName := a.llm, a.llmName
	a.sessions = NewSessionManager(SessionManagerConfig{
		Deps: deps,
		ReportsFor: func(summaryMax int) session.ReportAggregator {
			return feedback.NewAggregator(llmProvider,
				feedback.WithAggregatorMetrics(m),
				feedback.WithAggregatorProviderName(llmName),
				feedback.WithSummaryMax(summaryMax),
			)
		},
		Store:       a.guard,
		Session:     a.cfg.Session,
		CallTimeout: a.cfg.Providers.LLM.Timeout,
		Metrics:     m,
	})
	// Registered after the guard so sessions close before the store.
	a.closers = append(a.closers, a.sessions.Close)
}

func (a *App) initHTTP() {
	r := chi.NewRouter()
	r.Use(observe.Middleware(a.metrics))

	health.New(
		health.Checker{Name: "store", Check: a.store.Ping},
		health.Checker{Name: "store_writes", Check: a.guard.Check},
	).Register(r)
	r.Method(http.MethodGet, "/metrics", a.metricsHandler)
	var apiOpts []api.Option
	if a.archive != nil {
		apiOpts = append(apiOpts, api.WithReportArchive(a.archive))
	}
	api.New(a.sessions, apiOpts...).Register(r)

	a.handler = r
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// When ctx is done, Run returns ctx.Err(); call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errCh <- err
	}()

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"tls", a.cfg.Server.TLS != nil,
		"llm", a.llmName,
		"speech", a.providers.SpeechName,
		"store", a.cfg.Store.Backend,
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// OnConfigChange applies the hot-reloadable parts of a changed config and
// warns about the rest. It matches the callback of [config.NewWatcher].
func (a *App) OnConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.sessions.UpdateTunables(d.NewSession)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to its slog level. Unknown levels map to
// info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, then tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			shutdownErr = err
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
