package carapace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Plugin is a trusted in-process extension serving one bundle's tools.
// Initialize and Shutdown are both bounded by loader deadlines.
type Plugin interface {
	Initialize(ctx context.Context, services PluginServices) error
	Invoke(ctx context.Context, req HandlerRequest) (HandlerResult, error)
	Shutdown(ctx context.Context) error
}

// PluginServices is what a plugin receives at initialisation.
type PluginServices struct {
	Logger  *slog.Logger
	Bus     Publisher
	DataDir string
}

// PluginFactory constructs a plugin instance for one bundle. Factories
// are registered by name; a bundle manifest binds to a factory through
// its handler field.
type PluginFactory func() Plugin

// PluginManifest declares a bundle: metadata, the tools it offers, and
// the handler entry point (a registered factory name).
type PluginManifest struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Handler     string            `json:"handler"`
	Tools       []ToolDeclaration `json:"tools"`
}

// Load failure categories, exposed to observability.
const (
	LoadFailureInvalidManifest = "invalid_manifest"
	LoadFailureMissingHandler  = "missing_handler"
	LoadFailureInitError       = "init_error"
	LoadFailureTimeout         = "timeout"
	LoadFailureCollision       = "collision"
)

// PluginLoadResult reports the outcome of loading one bundle.
type PluginLoadResult struct {
	Bundle string
	Tools  int
	Err    error
	// Category is one of the LoadFailure* constants; empty on success.
	Category string
}

// PluginMetrics counts load failures by category.
type PluginMetrics interface {
	PluginLoadFailed(category string)
}

// DefaultPluginInitTimeout bounds one plugin's Initialize call.
const DefaultPluginInitTimeout = 10 * time.Second

// DefaultPluginShutdownTimeout bounds one plugin's Shutdown call;
// non-responsive handlers are abandoned.
const DefaultPluginShutdownTimeout = 5 * time.Second

// PluginLoader discovers manifest bundles under the configured roots,
// validates them, registers their tools with the catalog, and owns the
// initialise/shutdown lifecycle of every loaded plugin.
type PluginLoader struct {
	roots           []string
	catalog         *Catalog
	services        PluginServices
	initTimeout     time.Duration
	shutdownTimeout time.Duration
	metrics         PluginMetrics
	logger          *slog.Logger

	mu        sync.Mutex
	factories map[string]PluginFactory
	// compiled bundles registered directly by the host binary.
	builtin []builtinBundle
	loaded  []loadedPlugin
}

type builtinBundle struct {
	manifest PluginManifest
	factory  PluginFactory
}

type loadedPlugin struct {
	name   string
	plugin Plugin
}

// LoaderOption configures a PluginLoader.
type LoaderOption func(*PluginLoader)

// LoaderLogger sets the structured logger.
func LoaderLogger(l *slog.Logger) LoaderOption {
	return func(pl *PluginLoader) { pl.logger = l }
}

// LoaderTimeouts overrides the init and shutdown deadlines.
func LoaderTimeouts(init, shutdown time.Duration) LoaderOption {
	return func(pl *PluginLoader) {
		if init > 0 {
			pl.initTimeout = init
		}
		if shutdown > 0 {
			pl.shutdownTimeout = shutdown
		}
	}
}

// LoaderMetrics attaches load-failure metrics.
func LoaderMetrics(m PluginMetrics) LoaderOption {
	return func(pl *PluginLoader) { pl.metrics = m }
}

// NewPluginLoader creates a loader over the given plugin roots.
func NewPluginLoader(roots []string, catalog *Catalog, services PluginServices, opts ...LoaderOption) *PluginLoader {
	pl := &PluginLoader{
		roots:           roots,
		catalog:         catalog,
		services:        services,
		initTimeout:     DefaultPluginInitTimeout,
		shutdownTimeout: DefaultPluginShutdownTimeout,
		logger:          nopLogger,
		factories:       make(map[string]PluginFactory),
	}
	if pl.services.Logger == nil {
		pl.services.Logger = pl.logger
	}
	for _, opt := range opts {
		opt(pl)
	}
	return pl
}

// RegisterFactory makes a handler entry point available to disk
// bundles under the given name.
func (pl *PluginLoader) RegisterFactory(name string, factory PluginFactory) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.factories[name] = factory
}

// RegisterBundle adds a compiled-in bundle that goes through the same
// validation and lifecycle as a disk bundle.
func (pl *PluginLoader) RegisterBundle(manifest PluginManifest, factory PluginFactory) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.builtin = append(pl.builtin, builtinBundle{manifest: manifest, factory: factory})
}

// LoadAll discovers and loads every bundle: compiled-in bundles first,
// then manifest.json bundles under each root in lexical order.
func (pl *PluginLoader) LoadAll(ctx context.Context) []PluginLoadResult {
	var results []PluginLoadResult

	pl.mu.Lock()
	builtin := append([]builtinBundle(nil), pl.builtin...)
	pl.mu.Unlock()

	for _, b := range builtin {
		results = append(results, pl.load(ctx, b.manifest, b.factory, "builtin:"+b.manifest.Name))
	}

	for _, root := range pl.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) {
				pl.logger.Warn("read plugin root", "root", root, "error", err)
			}
			continue
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			dir := filepath.Join(root, name)
			manifest, err := readManifest(dir)
			if err != nil {
				results = append(results, pl.fail(dir, LoadFailureInvalidManifest, err))
				continue
			}
			pl.mu.Lock()
			factory, ok := pl.factories[manifest.Handler]
			pl.mu.Unlock()
			if !ok {
				results = append(results, pl.fail(dir,
					LoadFailureMissingHandler,
					fmt.Errorf("no handler factory %q registered", manifest.Handler)))
				continue
			}
			results = append(results, pl.load(ctx, manifest, factory, dir))
		}
	}
	return results
}

func readManifest(dir string) (PluginManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return PluginManifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m PluginManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return PluginManifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// load validates one bundle, registers its tools and initialises its
// plugin.
func (pl *PluginLoader) load(ctx context.Context, manifest PluginManifest, factory PluginFactory, bundle string) PluginLoadResult {
	if manifest.Name == "" {
		return pl.fail(bundle, LoadFailureInvalidManifest, fmt.Errorf("manifest has no name"))
	}
	if len(manifest.Tools) == 0 {
		return pl.fail(bundle, LoadFailureInvalidManifest, fmt.Errorf("manifest declares no tools"))
	}
	if factory == nil {
		return pl.fail(bundle, LoadFailureMissingHandler, fmt.Errorf("nil factory"))
	}

	plugin := factory()

	// Validate every declaration before touching the catalog so a bad
	// bundle registers nothing at all.
	for _, decl := range manifest.Tools {
		if !ValidToolName(decl.Name) || ReservedToolNames[decl.Name] {
			return pl.fail(bundle, LoadFailureInvalidManifest,
				fmt.Errorf("tool name %q invalid or reserved", decl.Name))
		}
		if err := CheckSchemaBudget(decl.ArgumentsSchema); err != nil {
			return pl.fail(bundle, LoadFailureInvalidManifest,
				fmt.Errorf("tool %q: %w", decl.Name, err))
		}
		if pl.catalog.Has(decl.Name) {
			return pl.fail(bundle, LoadFailureCollision,
				fmt.Errorf("tool %q already registered", decl.Name))
		}
	}

	ictx, cancel := context.WithTimeout(ctx, pl.initTimeout)
	defer cancel()
	initDone := make(chan error, 1)
	go func() {
		initDone <- plugin.Initialize(ictx, pl.services)
	}()
	select {
	case <-ictx.Done():
		return pl.fail(bundle, LoadFailureTimeout,
			fmt.Errorf("initialize exceeded %s", pl.initTimeout))
	case err := <-initDone:
		if err != nil {
			return pl.fail(bundle, LoadFailureInitError, err)
		}
	}

	handler := HandlerFunc(plugin.Invoke)
	for _, decl := range manifest.Tools {
		if err := pl.catalog.Register(decl, handler); err != nil {
			// Collision with a concurrent registration; the bundle's
			// earlier tools stay (registration is monotonic).
			return pl.fail(bundle, LoadFailureCollision, err)
		}
	}

	pl.mu.Lock()
	pl.loaded = append(pl.loaded, loadedPlugin{name: manifest.Name, plugin: plugin})
	pl.mu.Unlock()

	pl.logger.Info("plugin loaded", "bundle", bundle, "name", manifest.Name, "tools", len(manifest.Tools))
	return PluginLoadResult{Bundle: bundle, Tools: len(manifest.Tools)}
}

func (pl *PluginLoader) fail(bundle, category string, err error) PluginLoadResult {
	pl.logger.Warn("plugin load failed", "bundle", bundle, "category", category, "error", err)
	if pl.metrics != nil {
		pl.metrics.PluginLoadFailed(category)
	}
	return PluginLoadResult{Bundle: bundle, Err: err, Category: category}
}

// ShutdownAll calls Shutdown on every loaded plugin with the shutdown
// deadline. Non-responsive plugins are abandoned.
func (pl *PluginLoader) ShutdownAll(ctx context.Context) {
	pl.mu.Lock()
	loaded := append([]loadedPlugin(nil), pl.loaded...)
	pl.loaded = nil
	pl.mu.Unlock()

	var wg sync.WaitGroup
	for _, lp := range loaded {
		wg.Add(1)
		go func(lp loadedPlugin) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, pl.shutdownTimeout)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- lp.plugin.Shutdown(sctx) }()
			select {
			case <-sctx.Done():
				pl.logger.Warn("plugin shutdown abandoned", "name", lp.name)
			case err := <-done:
				if err != nil {
					pl.logger.Warn("plugin shutdown", "name", lp.name, "error", err)
				}
			}
		}(lp)
	}
	wg.Wait()
}
