package extension

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Manager loads extensions in registration (or explicitly set) order and
// shuts them down in reverse.
type Manager struct {
	mu         sync.RWMutex
	extensions map[string]Extension
	order      []string
	loaded     map[string]bool
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		extensions: make(map[string]Extension),
		loaded:     make(map[string]bool),
	}
}

// Register appends ext to the load order.
func (m *Manager) Register(ext Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ext.Name()
	if _, exists := m.extensions[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	m.extensions[name] = ext
	m.order = append(m.order, name)
	log.Debug().Str("extension", name).Msg("extension registered")
	return nil
}

// Unregister removes an extension that is not loaded.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.extensions[name]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(m.extensions, name)
	delete(m.loaded, name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
	return nil
}

// SetLoadOrder replaces the load order. names must list every registered
// extension exactly once.
func (m *Manager) SetLoadOrder(names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(names) != len(m.extensions) {
		return fmt.Errorf("%w: got %d names for %d extensions", ErrOrderMismatch, len(names), len(m.extensions))
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, exists := m.extensions[name]; !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", ErrOrderDuplicate, name)
		}
		seen[name] = struct{}{}
	}
	m.order = slices.Clone(names)
	return nil
}

// Get returns the extension registered under name.
func (m *Manager) Get(name string) (Extension, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ext, ok := m.extensions[name]
	return ext, ok
}

// LoadAll loads every extension in order. When one fails, the ones already
// loaded by this call are shut down in reverse and the load error is returned.
func (m *Manager) LoadAll(ctx context.Context) error {
	var done []string
	for _, name := range m.snapshot() {
		ext, ok := m.Get(name)
		if !ok {
			continue
		}

		start := time.Now()
		if err := ext.Load(ctx); err != nil {
			log.Error().Err(err).Str("extension", name).Msg("extension failed to load")
			if rbErr := m.shutdown(ctx, done); rbErr != nil {
				log.Error().Err(rbErr).Msg("rollback after failed load")
			}
			return fmt.Errorf("loading extension %s: %w", name, err)
		}

		m.mu.Lock()
		m.loaded[name] = true
		m.mu.Unlock()
		done = append(done, name)
		log.Info().Str("extension", name).Dur("took", time.Since(start)).Msg("extension loaded")
	}
	return nil
}

// ShutdownAll shuts down every loaded extension in reverse load order. All
// of them are attempted; the errors are joined.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	return m.shutdown(ctx, m.snapshot())
}

func (m *Manager) shutdown(ctx context.Context, names []string) error {
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]

		m.mu.Lock()
		ext, exists := m.extensions[name]
		wasLoaded := m.loaded[name]
		delete(m.loaded, name)
		m.mu.Unlock()
		if !exists || !wasLoaded {
			continue
		}

		start := time.Now()
		if err := ext.Shutdown(ctx); err != nil {
			log.Error().Err(err).Str("extension", name).Msg("extension failed to shut down")
			errs = append(errs, fmt.Errorf("shutting down extension %s: %w", name, err))
			continue
		}
		log.Info().Str("extension", name).Dur("took", time.Since(start)).Msg("extension shut down")
	}
	return errors.Join(errs...)
}

func (m *Manager) snapshot() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}
