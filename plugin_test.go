package carapace

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// stubPlugin scripts the lifecycle hooks.
type stubPlugin struct {
	mu        sync.Mutex
	initErr   error
	initDelay time.Duration
	inits     int
	shutdowns int
	services  PluginServices
}

func (p *stubPlugin) Initialize(ctx context.Context, services PluginServices) error {
	p.mu.Lock()
	p.inits++
	p.services = services
	delay := p.initDelay
	err := p.initErr
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (p *stubPlugin) Invoke(ctx context.Context, req HandlerRequest) (HandlerResult, error) {
	return HandlerResult{Result: json.RawMessage(`{"from":"stub"}`)}, nil
}

func (p *stubPlugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	return nil
}

func (p *stubPlugin) counts() (inits, shutdowns int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits, p.shutdowns
}

type countingPluginMetrics struct {
	mu         sync.Mutex
	byCategory map[string]int
}

func (m *countingPluginMetrics) PluginLoadFailed(category string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byCategory == nil {
		m.byCategory = make(map[string]int)
	}
	m.byCategory[category]++
}

func stubManifest(name string, tools ...string) PluginManifest {
	m := PluginManifest{Name: name, Version: "1.0.0", Handler: name}
	for _, tool := range tools {
		m.Tools = append(m.Tools, testDecl(tool))
	}
	return m
}

func TestLoaderRegisterBundle(t *testing.T) {
	catalog := NewCatalog()
	loader := NewPluginLoader(nil, catalog, PluginServices{})
	plugin := &stubPlugin{}
	loader.RegisterBundle(stubManifest("notes", "note_add", "note_list"), func() Plugin { return plugin })

	results := loader.LoadAll(context.Background())
	if len(results) != 1 {
		t.Fatalf("results: %+v", results)
	}
	if results[0].Err != nil || results[0].Tools != 2 {
		t.Fatalf("result: %+v", results[0])
	}
	if !catalog.Has("note_add") || !catalog.Has("note_list") {
		t.Error("tools not registered")
	}
	if inits, _ := plugin.counts(); inits != 1 {
		t.Errorf("inits = %d", inits)
	}

	// Both tools dispatch to the plugin's Invoke.
	entry, _ := catalog.Lookup("note_add")
	res, err := entry.Handler.Invoke(context.Background(), HandlerRequest{Tool: "note_add"})
	if err != nil || string(res.Result) != `{"from":"stub"}` {
		t.Errorf("invoke: %v %s", err, res.Result)
	}
}

func TestLoaderRejectsBadManifests(t *testing.T) {
	cases := []struct {
		name     string
		manifest PluginManifest
		category string
	}{
		{"no name", PluginManifest{Tools: []ToolDeclaration{testDecl("x")}}, LoadFailureInvalidManifest},
		{"no tools", PluginManifest{Name: "empty"}, LoadFailureInvalidManifest},
		{"reserved tool", stubManifest("sneaky", "list_tools"), LoadFailureInvalidManifest},
		{"bad schema", PluginManifest{
			Name: "loose",
			Tools: []ToolDeclaration{{
				Name:            "loose_tool",
				RiskLevel:       RiskLow,
				ArgumentsSchema: json.RawMessage(`{"type":"string"}`),
			}},
		}, LoadFailureInvalidManifest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			catalog := NewCatalog()
			metrics := &countingPluginMetrics{}
			loader := NewPluginLoader(nil, catalog, PluginServices{}, LoaderMetrics(metrics))
			plugin := &stubPlugin{}
			loader.RegisterBundle(tc.manifest, func() Plugin { return plugin })

			results := loader.LoadAll(context.Background())
			if len(results) != 1 || results[0].Category != tc.category {
				t.Fatalf("results: %+v", results)
			}
			if catalog.Len() != 0 {
				t.Errorf("catalog polluted: %d tools", catalog.Len())
			}
			if metrics.byCategory[tc.category] != 1 {
				t.Errorf("metrics: %v", metrics.byCategory)
			}
		})
	}
}

func TestLoaderCollisionRegistersNothing(t *testing.T) {
	catalog := NewCatalog()
	if err := catalog.Register(testDecl("note_add"), okHandler("{}")); err != nil {
		t.Fatal(err)
	}
	loader := NewPluginLoader(nil, catalog, PluginServices{})
	plugin := &stubPlugin{}
	// note_list would be fine on its own; the colliding note_add sinks
	// the whole bundle before any registration happens.
	loader.RegisterBundle(stubManifest("notes", "note_list", "note_add"), func() Plugin { return plugin })

	results := loader.LoadAll(context.Background())
	if results[0].Category != LoadFailureCollision {
		t.Fatalf("result: %+v", results[0])
	}
	if catalog.Len() != 1 || catalog.Has("note_list") {
		t.Errorf("partial registration: %d tools", catalog.Len())
	}
	if inits, _ := plugin.counts(); inits != 0 {
		t.Errorf("collided bundle was initialised")
	}
}

func TestLoaderInitFailures(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		catalog := NewCatalog()
		loader := NewPluginLoader(nil, catalog, PluginServices{})
		plugin := &stubPlugin{initErr: errors.New("database locked")}
		loader.RegisterBundle(stubManifest("notes", "note_add"), func() Plugin { return plugin })

		results := loader.LoadAll(context.Background())
		if results[0].Category != LoadFailureInitError {
			t.Fatalf("result: %+v", results[0])
		}
		if catalog.Len() != 0 {
			t.Error("failed bundle registered tools")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		catalog := NewCatalog()
		loader := NewPluginLoader(nil, catalog, PluginServices{},
			LoaderTimeouts(20*time.Millisecond, time.Second))
		plugin := &stubPlugin{initDelay: time.Second}
		loader.RegisterBundle(stubManifest("notes", "note_add"), func() Plugin { return plugin })

		results := loader.LoadAll(context.Background())
		if results[0].Category != LoadFailureTimeout {
			t.Fatalf("result: %+v", results[0])
		}
		if catalog.Len() != 0 {
			t.Error("timed-out bundle registered tools")
		}
	})
}

func TestLoaderDiskBundles(t *testing.T) {
	root := t.TempDir()
	writeBundle := func(dir string, manifest any) {
		t.Helper()
		path := filepath.Join(root, dir)
		if err := os.MkdirAll(path, 0o755); err != nil {
			t.Fatal(err)
		}
		data, err := json.Marshal(manifest)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(path, "manifest.json"), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeBundle("notes", stubManifest("notes", "note_add"))
	writeBundle("orphan", stubManifest("orphan", "orphan_tool"))

	catalog := NewCatalog()
	loader := NewPluginLoader([]string{root, filepath.Join(root, "missing-root")}, catalog, PluginServices{})
	plugin := &stubPlugin{}
	loader.RegisterFactory("notes", func() Plugin { return plugin })
	// No factory for "orphan".

	results := loader.LoadAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("results: %+v", results)
	}
	if results[0].Err != nil || !catalog.Has("note_add") {
		t.Errorf("notes bundle: %+v", results[0])
	}
	if results[1].Category != LoadFailureMissingHandler {
		t.Errorf("orphan bundle: %+v", results[1])
	}
}

func TestLoaderShutdownAll(t *testing.T) {
	catalog := NewCatalog()
	loader := NewPluginLoader(nil, catalog, PluginServices{})
	p1, p2 := &stubPlugin{}, &stubPlugin{}
	loader.RegisterBundle(stubManifest("notes", "note_add"), func() Plugin { return p1 })
	loader.RegisterBundle(stubManifest("todos", "todo_add"), func() Plugin { return p2 })

	if results := loader.LoadAll(context.Background()); len(results) != 2 {
		t.Fatalf("results: %+v", results)
	}
	loader.ShutdownAll(context.Background())
	if _, s := p1.counts(); s != 1 {
		t.Errorf("p1 shutdowns = %d", s)
	}
	if _, s := p2.counts(); s != 1 {
		t.Errorf("p2 shutdowns = %d", s)
	}

	// A second call is a no-op; the loaded set was drained.
	loader.ShutdownAll(context.Background())
	if _, s := p1.counts(); s != 1 {
		t.Errorf("double shutdown: %d", s)
	}
}
