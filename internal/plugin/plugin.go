// Package plugin hosts dynamically loaded processing modules: a registry
// mapping type names to factories, a module wrapper enforcing the
// prepare/update/release lifecycle, and the builtin stimulus and routing
// plugins used by calibration.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ChunkConfig describes the audio processing chunk a module is prepared
// for.
type ChunkConfig struct {
	SampleRate float64
	FragSize   int
	Channels   int
}

// Config is the description block a module is constructed from.
type Config struct {
	Name  string
	Attrs map[string]string
}

// Attr returns an attribute value or a default.
func (c Config) Attr(name, def string) string {
	if v, ok := c.Attrs[name]; ok {
		return v
	}
	return def
}

// Plugin is the capability set every loaded module implementation
// provides. Update runs on the real-time path once per audio cycle and
// must not allocate or block.
type Plugin interface {
	Prepare(cfg ChunkConfig) error
	Update(frame uint64, running bool)
	Release()
}

// Validator is optionally implemented by plugins that can report
// non-fatal attribute warnings.
type Validator interface {
	ValidateAttributes(warnings *strings.Builder)
}

// Factory constructs a plugin instance from its description.
type Factory func(cfg Config) (Plugin, error)

var (
	regMu     sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a plugin factory under a type name. Duplicate
// registration panics; it is a wiring error.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("plugin: factory registered twice: " + name)
	}
	factories[name] = f
}

// Types returns the registered plugin type names, sorted.
func Types() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lifecycle errors of the module host.
var (
	ErrNotLoaded       = errors.New("module not loaded")
	ErrAlreadyPrepared = errors.New("module already prepared")
	ErrNotPrepared     = errors.New("module not prepared")
)

// Module owns exactly one loaded plugin instance and tracks its
// lifecycle: unloaded -> loaded -> prepared -> (update) -> released ->
// unloaded.
type Module struct {
	Name string

	impl       Plugin
	configured bool
	failed     bool
}

// Load resolves the named plugin implementation and constructs it.
func Load(cfg Config) (*Module, error) {
	regMu.RLock()
	factory, ok := factories[cfg.Name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("failed to load module %q: no such plugin", cfg.Name)
	}
	impl, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load module %q: %w", cfg.Name, err)
	}
	return &Module{Name: cfg.Name, impl: impl}, nil
}

// Prepare readies the module for processing. Preparing a prepared module
// without an intervening release is a programming error.
func (m *Module) Prepare(cfg ChunkConfig) error {
	if m.impl == nil {
		return fmt.Errorf("module %q: %w", m.Name, ErrNotLoaded)
	}
	if m.configured {
		return fmt.Errorf("module %q: %w", m.Name, ErrAlreadyPrepared)
	}
	if err := m.impl.Prepare(cfg); err != nil {
		return fmt.Errorf("failed to prepare module %q: %w", m.Name, err)
	}
	m.configured = true
	return nil
}

// Update runs one processing cycle. It must only be called between
// Prepare and Release; the session runtime guarantees this.
func (m *Module) Update(frame uint64, running bool) {
	if !m.configured || m.failed {
		return
	}
	m.impl.Update(frame, running)
}

// Release tears the module down after the transport has stopped.
// Releasing an unprepared module is a no-op.
func (m *Module) Release() {
	if m.impl == nil || !m.configured {
		return
	}
	m.impl.Release()
	m.configured = false
}

// Unload releases (if needed) and discards the backing implementation.
func (m *Module) Unload() {
	m.Release()
	m.impl = nil
	m.failed = false
}

// IsConfigured reports whether the module is between Prepare and Release.
func (m *Module) IsConfigured() bool { return m.configured }

// MarkFailed flags the module after an update failure so subsequent
// cycles skip it.
func (m *Module) MarkFailed() { m.failed = true }

// Failed reports whether the module has been marked failed.
func (m *Module) Failed() bool { return m.failed }

// ValidateAttributes appends the module's attribute warnings, if it
// reports any.
func (m *Module) ValidateAttributes(warnings *strings.Builder) {
	if v, ok := m.impl.(Validator); ok {
		v.ValidateAttributes(warnings)
	}
}
