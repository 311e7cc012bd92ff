package fsinfo

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/carapacehq/carapace"
)

func testPlugin(t *testing.T) (carapace.Plugin, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "data")
	p := New()
	if err := p.Initialize(context.Background(), carapace.PluginServices{DataDir: root}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return p, root
}

func invoke(t *testing.T, p carapace.Plugin, tool, path string) carapace.HandlerResult {
	t.Helper()
	args, _ := json.Marshal(map[string]string{"path": path})
	res, err := p.Invoke(context.Background(), carapace.HandlerRequest{Tool: tool, Arguments: args})
	if err != nil {
		t.Fatalf("%s %q: %v", tool, path, err)
	}
	return res
}

func TestInitializeRequiresDataDir(t *testing.T) {
	if err := New().Initialize(context.Background(), carapace.PluginServices{}); err == nil {
		t.Error("missing data dir accepted")
	}
}

func TestStatFile(t *testing.T) {
	p, root := testPlugin(t)
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}

	res := invoke(t, p, "stat_file", "notes.txt")
	if res.Err != nil {
		t.Fatalf("err: %+v", res.Err)
	}
	var got struct {
		Name  string `json:"name"`
		Size  int64  `json:"size"`
		IsDir bool   `json:"is_dir"`
	}
	if err := json.Unmarshal(res.Result, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "notes.txt" || got.Size != 5 || got.IsDir {
		t.Errorf("stat: %+v", got)
	}
}

func TestStatMissingFileIsHandlerError(t *testing.T) {
	p, _ := testPlugin(t)
	res := invoke(t, p, "stat_file", "ghost.txt")
	if res.Err == nil || res.Err.Code != carapace.CodeHandlerError {
		t.Errorf("result: %+v", res)
	}
}

func TestListDir(t *testing.T) {
	p, root := testPlugin(t)
	for _, name := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(root, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	res := invoke(t, p, "list_dir", "")
	if res.Err != nil {
		t.Fatalf("err: %+v", res.Err)
	}
	var got struct {
		Entries []string `json:"entries"`
	}
	if err := json.Unmarshal(res.Result, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 2 {
		t.Errorf("entries = %v", got.Entries)
	}
}

func TestPathConfinement(t *testing.T) {
	p, root := testPlugin(t)
	if err := os.WriteFile(filepath.Join(root, "inside.txt"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"../outside.txt", "../../etc/passwd", "a/../../b"} {
		res := invoke(t, p, "stat_file", path)
		// Traversal collapses back inside the root, so the worst case is
		// a missing file, never an escape.
		if res.Err == nil {
			t.Errorf("%q: no error", path)
		}
	}

	// A dot-dot path that still resolves inside the root works.
	res := invoke(t, p, "stat_file", "sub/../inside.txt")
	if res.Err != nil {
		t.Errorf("confined path rejected: %+v", res.Err)
	}
}
