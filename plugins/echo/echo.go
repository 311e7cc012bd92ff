// Package echo is the smallest possible carapace plugin: one low-risk
// tool that returns its arguments. It doubles as the end-to-end smoke
// target for the pipeline.
package echo

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/carapacehq/carapace"
)

// Manifest declares the echo bundle.
func Manifest() carapace.PluginManifest {
	return carapace.PluginManifest{
		Name:        "echo",
		Version:     "1.0.0",
		Description: "Returns its arguments unchanged.",
		Handler:     "echo",
		Tools: []carapace.ToolDeclaration{{
			Name:        "echo",
			Description: "Echo the message back.",
			RiskLevel:   carapace.RiskLow,
			ArgumentsSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"message": {"type": "string"}},
				"required": ["message"],
				"additionalProperties": false
			}`),
		}},
	}
}

// Plugin implements carapace.Plugin.
type Plugin struct {
	logger *slog.Logger
}

// New is the factory registered with the plugin loader.
func New() carapace.Plugin { return &Plugin{} }

func (p *Plugin) Initialize(ctx context.Context, services carapace.PluginServices) error {
	p.logger = services.Logger
	return nil
}

func (p *Plugin) Invoke(ctx context.Context, req carapace.HandlerRequest) (carapace.HandlerResult, error) {
	var args struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return carapace.HandlerResult{}, err
	}
	result, err := json.Marshal(map[string]string{"message": args.Message})
	if err != nil {
		return carapace.HandlerResult{}, err
	}
	return carapace.HandlerResult{Result: result}, nil
}

func (p *Plugin) Shutdown(ctx context.Context) error { return nil }

var _ carapace.Plugin = (*Plugin)(nil)
