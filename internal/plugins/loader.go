package plugins

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/warden/internal/graph"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/response"
)

// moduleExt is the plugin source extension under <storage>/plugins/.
const moduleExt = ".js"

// ErrDuplicate reports a second registration under an existing plugin name.
var ErrDuplicate = errors.New("duplicate plugin registration")

// Loader discovers plugin sources, orders them by declared dependencies, and
// holds the instantiated registry for a worker.
type Loader struct {
	storage string
	engine  *response.Engine
	logger  *slog.Logger

	mu          sync.Mutex
	initialized atomic.Bool
	restarting  atomic.Bool
	modules     map[string]*Module
	order       []string
}

// NewLoader creates a loader rooted at storage.
func NewLoader(storage string, engine *response.Engine) *Loader {
	return &Loader{
		storage: storage,
		engine:  engine,
		logger:  log.WithComponent("plugins"),
		modules: make(map[string]*Module),
	}
}

// PluginsDir returns the directory scanned for plugin sources.
func (l *Loader) PluginsDir() string {
	return filepath.Join(l.storage, "plugins")
}

// Init discovers, orders, and instantiates every plugin under the storage
// root. An empty or missing plugins directory is a warning, not an error.
func (l *Loader) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initLocked()
}

func (l *Loader) initLocked() error {
	dir := l.PluginsDir()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Warn("plugins directory does not exist", "dir", dir)
			l.initialized.Store(true)
			return nil
		}
		return fmt.Errorf("scan plugins directory %s: %w", dir, err)
	}

	var names []string
	paths := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), moduleExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), moduleExt)
		names = append(names, name)
		paths[name] = filepath.Join(dir, e.Name())
	}
	if len(names) == 0 {
		l.logger.Warn("no plugins found", "dir", dir)
		l.initialized.Store(true)
		return nil
	}

	// When a lockfile exists, every plugin source must match its recorded
	// hash before anything is evaluated.
	if err := VerifyChecksums(dir); err != nil {
		return fmt.Errorf("plugin integrity: %w", err)
	}

	loaded := make(map[string]*Module, len(names))
	edges := make(map[string][]string, len(names))
	valid := names[:0]
	for _, name := range names {
		m, err := LoadModule(name, paths[name], l.engine)
		if err != nil {
			l.logger.Warn("failed to load plugin", "plugin", name, "error", err)
			continue
		}
		loaded[name] = m
		edges[name] = m.Dependencies()
		valid = append(valid, name)
	}

	order, err := graph.Sort(valid, edges, l.logger)
	if err != nil {
		return fmt.Errorf("order plugins: %w", err)
	}

	for _, name := range order {
		m := loaded[name]
		if err := m.Instantiate(); err != nil {
			return fmt.Errorf("instantiate plugin %q: %w", name, err)
		}
		if err := l.registerLocked(m); err != nil {
			return err
		}
		l.logger.Info("registered plugin", "plugin", name, "dependencies", m.Dependencies())
	}

	l.initialized.Store(true)
	return nil
}

// RegisterPlugin loads, instantiates, and registers a single plugin module
// outside the usual discovery path.
func (l *Loader) RegisterPlugin(name, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.modules[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}

	m, err := LoadModule(name, path, l.engine)
	if err != nil {
		return err
	}
	if err := m.Instantiate(); err != nil {
		return err
	}
	return l.registerLocked(m)
}

func (l *Loader) registerLocked(m *Module) error {
	if _, exists := l.modules[m.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, m.Name)
	}
	l.modules[m.Name] = m
	l.order = append(l.order, m.Name)
	return nil
}

// Restart shuts every plugin down in load order, merges env into the process
// environment, and re-runs init. The restarting flag is visible to the
// dispatcher for the whole window.
func (l *Loader) Restart(env map[string]string) error {
	l.restarting.Store(true)
	defer l.restarting.Store(false)

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, name := range l.order {
		if err := l.modules[name].Shutdown(); err != nil {
			l.logger.Warn("plugin shutdown failed", "plugin", name, "error", err)
		}
	}

	l.modules = make(map[string]*Module)
	l.order = nil
	l.initialized.Store(false)

	for k, v := range env {
		if err := os.Setenv(k, v); err != nil {
			l.logger.Warn("failed to set environment variable", "key", k, "error", err)
		}
	}

	return l.initLocked()
}

// ShutdownAll runs every plugin's shutdown hook in load order.
func (l *Loader) ShutdownAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, name := range l.order {
		if err := l.modules[name].Shutdown(); err != nil {
			l.logger.Warn("plugin shutdown failed", "plugin", name, "error", err)
		}
	}
}

// Get retrieves a registered plugin by name.
func (l *Loader) Get(name string) (*Module, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.modules[name]
	return m, ok
}

// LoadOrder returns the registration order.
func (l *Loader) LoadOrder() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// IsInitialized reports whether init has completed.
func (l *Loader) IsInitialized() bool {
	return l.initialized.Load()
}

// IsRestarting reports whether a restart is in flight.
func (l *Loader) IsRestarting() bool {
	return l.restarting.Load()
}
