// Package shutdown runs registered cleanup actions when the host process is
// asked to terminate.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	// ErrAlreadyRegistered is returned when a key already has a hook.
	ErrAlreadyRegistered = errors.New("shutdown hook already registered")
	// ErrNotRegistered is returned when removing a key without a hook.
	ErrNotRegistered = errors.New("shutdown hook not registered")
)

type hook struct {
	key string
	fn  func()
}

// Registry holds zero-argument cleanup actions keyed by name.
type Registry struct {
	mu     sync.Mutex
	hooks  []hook
	ran    bool
	logger *slog.Logger

	listenOnce sync.Once
	exit       func(code int)
}

// NewRegistry creates an empty registry. It does not listen for signals
// until Listen is called.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "ShutdownRegistry"),
		exit:   os.Exit,
	}
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process-wide registry, listening for SIGINT and SIGTERM.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(nil)
		defaultRegistry.Listen(context.Background())
	})
	return defaultRegistry
}

// Register adds fn under key.
func (r *Registry) Register(key string, fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hooks {
		if h.key == key {
			return ErrAlreadyRegistered
		}
	}
	r.hooks = append(r.hooks, hook{key: key, fn: fn})
	return nil
}

// Unregister removes the hook stored under key.
func (r *Registry) Unregister(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.hooks {
		if h.key == key {
			r.hooks = append(r.hooks[:i], r.hooks[i+1:]...)
			return nil
		}
	}
	return ErrNotRegistered
}

// Registered reports whether key currently has a hook. It probes by
// registering a placeholder and reverting it.
func (r *Registry) Registered(key string) bool {
	if err := r.Register(key, func() {}); err != nil {
		return true
	}
	_ = r.Unregister(key)
	return false
}

// Run executes every registered hook once, most recent first. Later calls
// are no-ops.
func (r *Registry) Run() {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return
	}
	r.ran = true
	hooks := make([]hook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hooks = nil
	r.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		r.runHook(hooks[i])
	}
}

func (r *Registry) runHook(h hook) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Shutdown hook panicked", "key", h.key, "error", rec)
		}
	}()
	r.logger.Debug("Running shutdown hook", "key", h.key)
	h.fn()
}

// Listen runs the hooks and exits with status 1 when SIGINT or SIGTERM
// arrives. Cancelling ctx stops listening without running anything.
func (r *Registry) Listen(ctx context.Context) {
	r.listenOnce.Do(func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			defer signal.Stop(sigCh)
			select {
			case sig := <-sigCh:
				r.logger.Info("Received termination signal, running shutdown hooks", "signal", sig)
				r.Run()
				r.exit(1)
			case <-ctx.Done():
			}
		}()
	})
}
