package carapace

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// RiskLevel classifies how dangerous a tool invocation is. Medium and
// high risk invocations pass through the confirmation gate.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether r is one of the three known levels.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// ReservedToolNames may never be registered by plugins; the core serves
// them itself.
var ReservedToolNames = map[string]bool{
	"get_diagnostics":  true,
	"list_tools":       true,
	"get_session_info": true,
}

// ToolDeclaration describes a tool a plugin offers. ArgumentsSchema is
// a restricted JSON-Schema subset checked against the complexity
// budget at registration. Empty Groups means every group may call the
// tool.
type ToolDeclaration struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	RiskLevel       RiskLevel       `json:"risk_level"`
	ArgumentsSchema json.RawMessage `json:"arguments_schema"`
	Groups          []string        `json:"groups,omitempty"`
	TimeoutSeconds  int             `json:"timeout_seconds,omitempty"`
}

// AllowsGroup reports whether group may invoke this tool.
func (d ToolDeclaration) AllowsGroup(group string) bool {
	return len(d.Groups) == 0 || slices.Contains(d.Groups, group)
}

// HandlerRequest is the envelope a handler receives for one invocation.
type HandlerRequest struct {
	Tool        string
	Correlation string
	Arguments   json.RawMessage
	Session     Session
}

// HandlerResult is a tagged variant: a successful Result, or a
// structured Err produced by the handler itself (surfaced as
// HANDLER_ERROR). A Go error returned alongside maps to PLUGIN_ERROR.
type HandlerResult struct {
	Result json.RawMessage
	Err    *ErrorPayload
}

// Handler executes one tool invocation. Implementations must respect
// ctx, which carries the per-handler deadline.
type Handler interface {
	Invoke(ctx context.Context, req HandlerRequest) (HandlerResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req HandlerRequest) (HandlerResult, error)

func (f HandlerFunc) Invoke(ctx context.Context, req HandlerRequest) (HandlerResult, error) {
	return f(ctx, req)
}

// ToolEntry pairs a declaration with its handler and compiled schema.
type ToolEntry struct {
	Decl    ToolDeclaration
	Handler Handler

	schema *jsonschema.Schema
}

// ValidateArgs checks args against the entry's compiled schema.
func (e *ToolEntry) ValidateArgs(args json.RawMessage) *ErrorPayload {
	return ValidateArguments(e.schema, args)
}

// Catalog maps tool names to declarations and handlers. Registration is
// monotonic within a process lifetime; after load the catalog is read
// by many goroutines concurrently.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]*ToolEntry
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tools: make(map[string]*ToolEntry)}
}

// Register validates and adds one tool. It fails on reserved or
// duplicate names, invalid risk levels, and schemas outside the
// complexity budget.
func (c *Catalog) Register(decl ToolDeclaration, handler Handler) error {
	if !ValidToolName(decl.Name) {
		return &RegistrationError{Tool: decl.Name, Reason: "name does not match ^[a-z][a-z0-9_]{0,62}$"}
	}
	if ReservedToolNames[decl.Name] {
		return &RegistrationError{Tool: decl.Name, Reason: "name is reserved"}
	}
	if !decl.RiskLevel.Valid() {
		return &RegistrationError{Tool: decl.Name, Reason: fmt.Sprintf("unknown risk level %q", decl.RiskLevel)}
	}
	if handler == nil {
		return &RegistrationError{Tool: decl.Name, Reason: "nil handler"}
	}
	if err := CheckSchemaBudget(decl.ArgumentsSchema); err != nil {
		return &RegistrationError{Tool: decl.Name, Reason: "schema budget: " + err.Error()}
	}
	schema, err := CompileSchema(decl.ArgumentsSchema)
	if err != nil {
		return &RegistrationError{Tool: decl.Name, Reason: "schema compile: " + err.Error()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.tools[decl.Name]; dup {
		return &RegistrationError{Tool: decl.Name, Reason: "duplicate name"}
	}
	c.tools[decl.Name] = &ToolEntry{Decl: decl, Handler: handler, schema: schema}
	return nil
}

// Has reports whether name is registered.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tools[name]
	return ok
}

// Lookup returns the entry for name.
func (c *Catalog) Lookup(name string) (*ToolEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tools[name]
	return e, ok
}

// ListByGroup returns the declarations group may invoke, sorted by
// name.
func (c *Catalog) ListByGroup(group string) []ToolDeclaration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var decls []ToolDeclaration
	for _, e := range c.tools {
		if e.Decl.AllowsGroup(group) {
			decls = append(decls, e.Decl)
		}
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return decls
}

// Len returns the number of registered tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}
