// Package app wires all voicechat subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the conversation store
// and eval log and assembles the HTTP routes, Run serves until the context
// is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithEvalRecorder, WithListener, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicechat/internal/config"
	"github.com/MrWong99/voicechat/internal/gateway"
	"github.com/MrWong99/voicechat/internal/health"
	"github.com/MrWong99/voicechat/internal/observe"
	"github.com/MrWong99/voicechat/internal/pipeline"
	"github.com/MrWong99/voicechat/pkg/memory"
	"github.com/MrWong99/voicechat/pkg/memory/postgres"
	"github.com/MrWong99/voicechat/pkg/memory/sqlite"
)

const (
	// MetricsPath serves the Prometheus scrape endpoint.
	MetricsPath = "/metrics"

	// ShutdownReason is sent to live websocket clients on shutdown.
	ShutdownReason = "server shutting down"

	readHeaderTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	metrics   *observe.Metrics
	log       *slog.Logger

	// cfg is swapped by UpdateConfig; sessions read it when they open.
	mu  sync.RWMutex
	cfg *config.Config

	store    memory.Store
	eval     pipeline.EvalRecorder
	gateway  *gateway.Handler
	handler  http.Handler
	server   *http.Server
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of opening one from
// config. The App does not close an injected store.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithEvalRecorder injects an eval recorder instead of opening the eval log.
func WithEvalRecorder(r pipeline.EvalRecorder) Option {
	return func(a *App) { a.eval = r }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the base logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the already-built providers.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: LLM, STT and TTS providers are required")
	}
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
	if a.log == nil {
		a.log = slog.Default()
	}

	// ── 1. Conversation store ────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Eval log ──────────────────────────────────────────────────────
	if err := a.initEval(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init eval log: %w", err)
	}

	// ── 3. Websocket gateway ─────────────────────────────────────────────
	gw, err := gateway.NewHandler(gateway.Config{
		NewSession:     a.newSession,
		Metrics:        a.metrics,
		AllowedOrigins: cfg.Server.CORSOrigins,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}
	a.gateway = gw

	// ── 4. HTTP routes ───────────────────────────────────────────────────
	a.handler = a.routes()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	a.closers = append(a.closers, providers.Close)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured conversation store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil || !a.cfg.Database.Enabled() {
		return nil
	}

	var (
		store memory.Store
		err   error
	)
	switch a.cfg.Database.Driver {
	case config.DriverSQLite:
		store, err = sqlite.NewStore(ctx, a.cfg.Database.DSN)
	case config.DriverPostgres:
		store, err = postgres.NewStore(ctx, a.cfg.Database.DSN)
	default:
		return fmt.Errorf("unsupported driver %q", a.cfg.Database.Driver)
	}
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	a.log.Info("conversation store opened", "driver", a.cfg.Database.Driver)
	return nil
}

// initEval opens the JSONL eval log unless a recorder was injected or the
// path is empty.
func (a *App) initEval() error {
	if a.eval != nil {
		return nil
	}
	path := a.cfg.Pipeline.EvalLog()
	if path == "" {
		return nil
	}
	l, err := pipeline.NewEvalLog(path)
	if err != nil {
		return err
	}
	a.eval = l
	a.closers = append(a.closers, l.Close)
	return nil
}

// routes assembles the HTTP handler tree.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	checkers := []health.Checker{health.ProvidersChecker(map[string]bool{
		"llm": a.providers.LLM != nil,
		"stt": a.providers.STT != nil,
		"tts": a.providers.TTS != nil,
	})}
	if a.store != nil {
		checkers = append(checkers, health.PingChecker("store", a.store))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET "+MetricsPath, promhttp.Handler())
	mux.Handle(gateway.Path, a.gateway)

	var h http.Handler = mux
	h = gateway.CORS(a.cfg.Server.CORSOrigins)(h)
	h = observe.Middleware(a.metrics)(h)
	return h
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// newSession builds the pipeline for one websocket connection from the
// current pipeline settings.
func (a *App) newSession(id string, sender pipeline.Sender, log *slog.Logger) (*pipeline.Session, error) {
	p := a.Config().Pipeline
	cfg := pipeline.Config{
		SessionID:         id,
		STT:               a.providers.STT,
		LLM:               a.providers.LLM,
		TTS:               a.providers.TTS,
		Eval:              a.eval,
		Metrics:           a.metrics,
		Logger:            log,
		SystemPrompt:      p.SystemPrompt,
		MaxMessages:       p.MaxMessages,
		TitleMaxRunes:     p.TitleMaxRunes,
		DefaultSampleRate: p.DefaultSampleRate,
		Language:          p.Language,
		Temperature:       p.Temperature,
		MaxTokens:         p.MaxTokens,
		STTTimeout:        p.STTTimeout,
		LLMTimeout:        p.LLMTimeout,
		TTSTimeout:        p.TTSTimeout,
	}
	if a.store != nil {
		cfg.Store = a.store
	}
	return pipeline.NewSession(cfg, sender)
}

// Config returns the configuration new sessions are built from.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// UpdateConfig swaps the configuration used for sessions opened from now
// on. Live sessions keep their settings.
func (a *App) UpdateConfig(cfg *config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	a.log.Info("pipeline settings updated for new sessions")
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the live websocket session registry.
func (a *App) Sessions() *gateway.Manager { return a.gateway.Manager() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then closes live sessions and
// stops the server. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
		}
	}
	a.log.Info("server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return a.stopServing(shutdownCtx)
	})
	return g.Wait()
}

// stopServing closes live websocket sessions with a going-away status, then
// shuts the HTTP server down.
func (a *App) stopServing(ctx context.Context) error {
	if n := a.gateway.Manager().Count(); n > 0 {
		a.log.Info("closing live sessions", "count", n)
	}
	a.gateway.Manager().CloseAll(ShutdownReason)
	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("app: shutdown http server: %w", err)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops serving (if Run has not already) and releases the store,
// eval log and providers. If ctx expires before all closers finish, the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.stopServing(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far, used when New fails halfway.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
