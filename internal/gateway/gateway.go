// ABOUTME: Gateway orchestrator that hosts a swarm of agents on one event log
// ABOUTME: Wires log backend, packs, agent manager and the HTTP status/span API

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/coven-swarm/internal/action"
	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/builtins"
	"github.com/2389/coven-swarm/internal/config"
	"github.com/2389/coven-swarm/internal/dedupe"
	"github.com/2389/coven-swarm/internal/emitter"
	"github.com/2389/coven-swarm/internal/eventlog"
	"github.com/2389/coven-swarm/internal/packs"
	"github.com/2389/coven-swarm/internal/tailer"
)

const defaultShutdownGrace = 5 * time.Second

// Gateway hosts the configured agents and serves the HTTP API.
type Gateway struct {
	config     *config.Config
	log        eventlog.Log
	registry   *packs.Registry
	manager    *agent.Manager
	emitter    *emitter.Emitter
	httpServer *http.Server
	logger     *slog.Logger
}

// OpenLog opens the event log backend named by cfg.
func OpenLog(cfg config.LogConfig, logger *slog.Logger) (eventlog.Log, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		l, err := eventlog.OpenFile(cfg.Path, eventlog.FileOptions{
			Sync:     cfg.Sync,
			MaxBatch: cfg.MaxBatch,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening file log: %w", err)
		}
		return l, nil
	case config.BackendMemory:
		return eventlog.NewMemory(eventlog.MemoryOptions{
			Capacity: cfg.Capacity,
			MaxBatch: cfg.MaxBatch,
			Logger:   logger,
		}), nil
	case config.BackendSQLite:
		l, err := eventlog.OpenSQLite(cfg.Path, eventlog.SQLiteOptions{
			MaxBatch:    cfg.MaxBatch,
			BusyTimeout: cfg.BusyTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite log: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown log backend %q", cfg.Backend)
	}
}

// Notifiers returns the notifier factory for the configured runtime mode.
// Modes that cannot be honoured for a backend degrade to polling.
func Notifiers(cfg *config.Config, log eventlog.Log, logger *slog.Logger) agent.NotifierFactory {
	poll := cfg.Runtime.PollInterval
	switch cfg.Runtime.Mode {
	case config.ModeSignal:
		obs, ok := log.(eventlog.Observable)
		if !ok {
			logger.Warn("log does not publish appends, polling instead", "mode", cfg.Runtime.Mode)
			return agent.IntervalNotifiers(poll)
		}
		return func(ctx context.Context, _ *agent.Runtime) (tailer.Notifier, error) {
			return tailer.NewSignal(ctx, obs.Broadcaster(), 0), nil
		}
	case config.ModeFileWatch:
		fl, ok := log.(*eventlog.FileLog)
		if !ok {
			logger.Warn("filewatch needs a file log, polling instead")
			return agent.IntervalNotifiers(poll)
		}
		return func(context.Context, *agent.Runtime) (tailer.Notifier, error) {
			return tailer.NewFileWatch(fl.Path(), 0, logger)
		}
	default:
		return agent.IntervalNotifiers(poll)
	}
}

// New opens the configured log and builds a gateway around it.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	log, err := OpenLog(cfg.Log, logger)
	if err != nil {
		return nil, err
	}
	gw, err := NewWithLog(cfg, log, logger)
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithLog builds a gateway on an already open log. The gateway takes
// ownership of log and closes it on Shutdown.
func NewWithLog(cfg *config.Config, log eventlog.Log, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry := packs.NewRegistry(logger)
	if err := builtins.RegisterAll(registry); err != nil {
		return nil, fmt.Errorf("registering builtin packs: %w", err)
	}

	exec := &action.CommandExecutor{
		Timeout:   cfg.Actions.Timeout,
		Grace:     cfg.Actions.Grace,
		Dir:       cfg.Actions.Dir,
		Env:       cfg.Actions.Env,
		MaxOutput: cfg.Actions.MaxOutput,
		Logger:    logger,
	}

	gw := &Gateway{
		config:   cfg,
		log:      log,
		registry: registry,
		manager:  agent.NewManager(Notifiers(cfg, log, logger), logger),
		emitter:  emitter.New(log, emitterOptions(cfg, logger)),
		logger:   logger.With("component", "gateway"),
	}

	for _, ac := range cfg.Agents {
		r, err := gw.buildRuntime(ac, exec, logger)
		if err != nil {
			gw.abort()
			return nil, err
		}
		if err := gw.manager.Register(r); err != nil {
			r.Close(0)
			gw.abort()
			return nil, fmt.Errorf("registering agent %s: %w", ac.Name, err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/status", gw.handleStatus)
	mux.HandleFunc("/api/agents/", gw.handleAgent)
	mux.HandleFunc("/api/packs", gw.handlePacks)
	mux.HandleFunc("/api/spans", gw.handleSpans)
	mux.HandleFunc("/api/spans/stream", gw.handleSpanStream)
	mux.HandleFunc("/api/traces/", gw.handleTrace)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

func emitterOptions(cfg *config.Config, logger *slog.Logger) emitter.Options {
	return emitter.Options{
		Retries:    cfg.Emitter.Retries,
		Backoff:    cfg.Emitter.Backoff,
		MaxBackoff: cfg.Emitter.MaxBackoff,
		Logger:     logger,
	}
}

// buildRuntime turns one agent entry into a runtime on the shared log.
func (g *Gateway) buildRuntime(ac config.AgentConfig, exec action.Executor, logger *slog.Logger) (*agent.Runtime, error) {
	def, err := g.registry.Build(ac.Kind, packs.Customization{
		Filter: ac.Filter,
		Hooks:  hooksFromConfig(ac.Hooks),
	})
	if err != nil {
		return nil, fmt.Errorf("building agent %s: %w", ac.Name, err)
	}

	start := tailer.StartBeginning
	if ac.Start == config.StartEnd {
		start = tailer.StartEnd
	}

	var dd *dedupe.Options
	if g.config.Runtime.Dedupe.Enabled {
		dd = &dedupe.Options{
			TTL:     g.config.Runtime.Dedupe.TTL,
			MaxSize: g.config.Runtime.Dedupe.MaxSize,
		}
	}

	r, err := agent.New(def, agent.Deps{
		Log:      g.log,
		Executor: exec,
		Logger:   logger,
	}, agent.Options{
		Name:            ac.Name,
		Start:           start,
		EmitTransitions: g.config.Runtime.EmitTransitions,
		ReadRetries:     g.config.Runtime.ReadRetries,
		ReadBackoff:     g.config.Runtime.ReadBackoff,
		ActionGrace:     g.config.Runtime.ActionGrace,
		MaxAsync:        g.config.Actions.MaxAsync,
		Dedupe:          dd,
		Emitter:         emitterOptions(g.config, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("creating agent %s: %w", ac.Name, err)
	}
	return r, nil
}

func hooksFromConfig(in []config.HookConfig) []packs.Hook {
	out := make([]packs.Hook, len(in))
	for i, h := range in {
		out[i] = packs.Hook{
			Handler:        h.Handler,
			Trigger:        h.Trigger,
			Name:           h.Name,
			From:           h.From,
			Next:           h.Next,
			OnFailure:      h.OnFailure,
			Command:        h.Command,
			Args:           h.Args,
			Async:          h.Async,
			Timeout:        h.Timeout,
			ReportAs:       h.ReportAs,
			Emit:           h.Emit,
			EmitAttributes: h.EmitAttributes,
		}
	}
	return out
}

// Log returns the shared event log.
func (g *Gateway) Log() eventlog.Log {
	return g.log
}

// Manager returns the agent manager.
func (g *Gateway) Manager() *agent.Manager {
	return g.manager
}

// Registry returns the pack registry.
func (g *Gateway) Registry() *packs.Registry {
	return g.registry
}

// Handler returns the HTTP handler, for embedding or tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the agents and, if an address is configured, the HTTP server.
// It blocks until ctx is canceled or the HTTP server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.manager.Start(ctx); err != nil {
		return fmt.Errorf("starting agents: %w", err)
	}

	errCh := make(chan error, 1)
	if g.config.Server.HTTPAddr != "" {
		ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
		if err != nil {
			_ = g.gracefulShutdown()
			return fmt.Errorf("listening on HTTP address: %w", err)
		}
		go func() {
			g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
			if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	grace := g.config.Runtime.ActionGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace+defaultShutdownGrace)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and the agents, then closes the log.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	grace := g.config.Runtime.ActionGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	if err := g.manager.Stop(grace); err != nil && !errors.Is(err, context.Canceled) {
		errs = appendCloseError(errs, "agents", err)
	}

	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// closeComponents releases everything the gateway owns besides the servers
// and the runtimes, which the manager closes.
func (g *Gateway) closeComponents() []error {
	return appendCloseError(nil, "log close", g.log.Close())
}

// abort releases a partially built gateway.
func (g *Gateway) abort() {
	_ = g.manager.Stop(0)
	g.closeComponents()
}
