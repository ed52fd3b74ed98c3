// ABOUTME: Manages the agent runtimes that share one event log
// ABOUTME: Starts each on its own goroutine via errgroup and stops them with a grace period

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-swarm/internal/tailer"
)

// ErrAgentAlreadyRegistered indicates an agent with the same name is already registered.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrManagerStarted is returned when registering after Start.
var ErrManagerStarted = errors.New("manager already started")

// NotifierFactory builds the notifier one runtime waits on. A notifier that
// implements io.Closer is closed when its runtime stops.
type NotifierFactory func(ctx context.Context, r *Runtime) (tailer.Notifier, error)

// IntervalNotifiers gives every runtime a fixed polling interval.
func IntervalNotifiers(period time.Duration) NotifierFactory {
	return func(context.Context, *Runtime) (tailer.Notifier, error) {
		return tailer.NewInterval(period), nil
	}
}

// Manager coordinates a set of runtimes. Runtimes share nothing but the log,
// so one failing runtime does not stop the others.
type Manager struct {
	notifiers NotifierFactory
	logger    *slog.Logger

	mu      sync.RWMutex
	agents  map[string]*Runtime
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    chan struct{}
	err     error
}

// NewManager creates a manager. A nil factory polls at the default interval.
func NewManager(notifiers NotifierFactory, logger *slog.Logger) *Manager {
	if notifiers == nil {
		notifiers = IntervalNotifiers(tailer.DefaultPollInterval)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		notifiers: notifiers,
		logger:    logger.With("component", "manager"),
		agents:    make(map[string]*Runtime),
	}
}

// Register adds a runtime. Names must be unique.
func (m *Manager) Register(r *Runtime) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrManagerStarted
	}
	if _, exists := m.agents[r.Name()]; exists {
		return ErrAgentAlreadyRegistered
	}
	m.agents[r.Name()] = r
	m.logger.Info("=== AGENT REGISTERED ===",
		"agent", r.Name(),
		"kind", r.Kind(),
		"state", r.State(),
		"total_agents", len(m.agents),
	)
	return nil
}

// Start launches every registered runtime. It returns immediately; use Wait
// or Stop to collect the result.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrManagerStarted
	}
	m.started = true

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.group = &errgroup.Group{}
	m.done = make(chan struct{})

	for _, r := range m.sortedLocked() {
		n, err := m.notifiers(ctx, r)
		if err != nil {
			m.logger.Warn("notifier unavailable, falling back to polling", "agent", r.Name(), "error", err)
			n = tailer.NewInterval(tailer.DefaultPollInterval)
		}
		m.group.Go(func() error {
			if c, ok := n.(io.Closer); ok {
				defer c.Close()
			}
			err := r.Run(ctx, n)
			if err != nil {
				m.logger.Error("=== AGENT FAILED ===", "agent", r.Name(), "error", err)
			}
			return err
		})
	}

	go func() {
		err := m.group.Wait()
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.done)
	}()

	m.logger.Info("agents started", "count", len(m.agents))
	return nil
}

// Wait blocks until every runtime has returned and reports the first failure.
func (m *Manager) Wait() error {
	m.mu.RLock()
	done := m.done
	m.mu.RUnlock()
	if done == nil {
		return nil
	}
	<-done

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Stop cancels every runtime, lets in-flight actions finish within grace and
// waits for the loops to return.
func (m *Manager) Stop(grace time.Duration) error {
	m.mu.RLock()
	cancel := m.cancel
	agents := m.sortedLocked()
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	err := m.Wait()

	var wg sync.WaitGroup
	for _, r := range agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Close(grace)
		}()
	}
	wg.Wait()

	m.logger.Info("agents stopped", "count", len(agents))
	return err
}

// Get returns a runtime by name.
func (m *Manager) Get(name string) (*Runtime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.agents[name]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return r, nil
}

// List returns the runtimes sorted by name.
func (m *Manager) List() []*Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

// Statuses returns a snapshot of every runtime, sorted by name.
func (m *Manager) Statuses() []Status {
	agents := m.List()
	out := make([]Status, len(agents))
	for i, r := range agents {
		out[i] = r.Status()
	}
	return out
}

// sortedLocked must be called with mu held.
func (m *Manager) sortedLocked() []*Runtime {
	out := make([]*Runtime, 0, len(m.agents))
	for _, r := range m.agents {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
