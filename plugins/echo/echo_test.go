package echo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/carapacehq/carapace"
)

func TestManifestRegisters(t *testing.T) {
	catalog := carapace.NewCatalog()
	m := Manifest()
	for _, decl := range m.Tools {
		if err := catalog.Register(decl, carapace.HandlerFunc(New().Invoke)); err != nil {
			t.Fatalf("register %s: %v", decl.Name, err)
		}
	}
	if !catalog.Has("echo") {
		t.Error("echo not registered")
	}
}

func TestInvoke(t *testing.T) {
	p := New()
	if err := p.Initialize(context.Background(), carapace.PluginServices{}); err != nil {
		t.Fatal(err)
	}
	res, err := p.Invoke(context.Background(), carapace.HandlerRequest{
		Tool:      "echo",
		Arguments: json.RawMessage(`{"message":"hello"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(res.Result, &got); err != nil {
		t.Fatal(err)
	}
	if got.Message != "hello" {
		t.Errorf("message = %q", got.Message)
	}
}
