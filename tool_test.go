package carapace

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func okHandler(result string) HandlerFunc {
	return func(ctx context.Context, req HandlerRequest) (HandlerResult, error) {
		return HandlerResult{Result: json.RawMessage(result)}, nil
	}
}

func testDecl(name string) ToolDeclaration {
	return ToolDeclaration{
		Name:            name,
		Description:     "test tool",
		RiskLevel:       RiskLow,
		ArgumentsSchema: json.RawMessage(echoSchema),
	}
}

func TestCatalogRegister(t *testing.T) {
	c := NewCatalog()
	if err := c.Register(testDecl("echo"), okHandler(`{}`)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !c.Has("echo") || c.Len() != 1 {
		t.Error("tool not registered")
	}
	entry, ok := c.Lookup("echo")
	if !ok || entry.Decl.Name != "echo" {
		t.Error("lookup failed")
	}
}

func TestCatalogRejectsInvalidDeclarations(t *testing.T) {
	c := NewCatalog()
	cases := []struct {
		name string
		decl ToolDeclaration
		hdl  Handler
	}{
		{"bad name", testDecl("Bad-Name"), okHandler(`{}`)},
		{"reserved", testDecl("list_tools"), okHandler(`{}`)},
		{"bad risk", ToolDeclaration{Name: "x", RiskLevel: "extreme", ArgumentsSchema: json.RawMessage(echoSchema)}, okHandler(`{}`)},
		{"nil handler", testDecl("x"), nil},
		{"bad schema", ToolDeclaration{Name: "x", RiskLevel: RiskLow, ArgumentsSchema: json.RawMessage(`{"type":"string"}`)}, okHandler(`{}`)},
	}
	for _, tc := range cases {
		err := c.Register(tc.decl, tc.hdl)
		if err == nil {
			t.Errorf("%s: accepted", tc.name)
			continue
		}
		var re *RegistrationError
		if !errors.As(err, &re) {
			t.Errorf("%s: not a RegistrationError: %v", tc.name, err)
		}
	}
	if c.Len() != 0 {
		t.Errorf("catalog not empty after rejections: %d", c.Len())
	}
}

func TestCatalogDuplicate(t *testing.T) {
	c := NewCatalog()
	if err := c.Register(testDecl("echo"), okHandler(`{}`)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Register(testDecl("echo"), okHandler(`{}`)); err == nil {
		t.Fatal("duplicate accepted")
	}
}

func TestListByGroup(t *testing.T) {
	c := NewCatalog()
	open := testDecl("zeta")
	restricted := testDecl("alpha")
	restricted.Groups = []string{"ops"}
	if err := c.Register(open, okHandler(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := c.Register(restricted, okHandler(`{}`)); err != nil {
		t.Fatal(err)
	}

	all := c.ListByGroup("ops")
	if len(all) != 2 || all[0].Name != "alpha" || all[1].Name != "zeta" {
		t.Errorf("ops listing wrong: %+v", all)
	}
	other := c.ListByGroup("research")
	if len(other) != 1 || other[0].Name != "zeta" {
		t.Errorf("research listing wrong: %+v", other)
	}
}

func TestAllowsGroup(t *testing.T) {
	d := testDecl("x")
	if !d.AllowsGroup("anything") {
		t.Error("empty groups must allow all")
	}
	d.Groups = []string{"ops"}
	if !d.AllowsGroup("ops") || d.AllowsGroup("research") {
		t.Error("group restriction not enforced")
	}
}
