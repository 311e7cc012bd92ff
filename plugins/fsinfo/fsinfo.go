// Package fsinfo serves read-only filesystem metadata from the plugin
// data directory. Its stat_file tool is medium risk, so invocations go
// through the confirmation gate.
package fsinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/carapacehq/carapace"
)

// Manifest declares the fsinfo bundle.
func Manifest() carapace.PluginManifest {
	return carapace.PluginManifest{
		Name:        "fsinfo",
		Version:     "1.0.0",
		Description: "Read-only metadata about files under the plugin data directory.",
		Handler:     "fsinfo",
		Tools: []carapace.ToolDeclaration{
			{
				Name:        "stat_file",
				Description: "Stat one file under the data directory.",
				RiskLevel:   carapace.RiskMedium,
				ArgumentsSchema: json.RawMessage(`{
					"type": "object",
					"properties": {"path": {"type": "string", "maxLength": 512}},
					"required": ["path"],
					"additionalProperties": false
				}`),
			},
			{
				Name:        "list_dir",
				Description: "List one directory under the data directory.",
				RiskLevel:   carapace.RiskLow,
				ArgumentsSchema: json.RawMessage(`{
					"type": "object",
					"properties": {"path": {"type": "string", "maxLength": 512}},
					"additionalProperties": false
				}`),
			},
		},
	}
}

// Plugin implements carapace.Plugin.
type Plugin struct {
	logger *slog.Logger
	root   string
}

// New is the factory registered with the plugin loader.
func New() carapace.Plugin { return &Plugin{} }

func (p *Plugin) Initialize(ctx context.Context, services carapace.PluginServices) error {
	p.logger = services.Logger
	p.root = services.DataDir
	if p.root == "" {
		return fmt.Errorf("no data directory configured")
	}
	return os.MkdirAll(p.root, 0o700)
}

func (p *Plugin) Invoke(ctx context.Context, req carapace.HandlerRequest) (carapace.HandlerResult, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return carapace.HandlerResult{}, err
	}
	target, herr := p.resolve(args.Path)
	if herr != nil {
		return carapace.HandlerResult{Err: herr}, nil
	}

	switch req.Tool {
	case "stat_file":
		return p.stat(target)
	case "list_dir":
		return p.list(target)
	default:
		return carapace.HandlerResult{}, fmt.Errorf("unexpected tool %q", req.Tool)
	}
}

// resolve confines path to the data directory. Escapes come back as a
// handler error rather than a Go error so callers see HANDLER_ERROR.
func (p *Plugin) resolve(path string) (string, *carapace.ErrorPayload) {
	cleaned := filepath.Clean("/" + path)
	target := filepath.Join(p.root, cleaned)
	if target != p.root && !strings.HasPrefix(target, p.root+string(filepath.Separator)) {
		return "", carapace.NewError(carapace.CodeHandlerError, 6, "path escapes the data directory")
	}
	return target, nil
}

func (p *Plugin) stat(target string) (carapace.HandlerResult, error) {
	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return carapace.HandlerResult{
			Err: carapace.NewError(carapace.CodeHandlerError, 6, "file does not exist"),
		}, nil
	}
	if err != nil {
		return carapace.HandlerResult{}, err
	}
	result, err := json.Marshal(map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"mode":     info.Mode().String(),
		"modified": info.ModTime().UTC(),
		"is_dir":   info.IsDir(),
	})
	if err != nil {
		return carapace.HandlerResult{}, err
	}
	return carapace.HandlerResult{Result: result}, nil
}

func (p *Plugin) list(target string) (carapace.HandlerResult, error) {
	entries, err := os.ReadDir(target)
	if os.IsNotExist(err) {
		return carapace.HandlerResult{
			Err: carapace.NewError(carapace.CodeHandlerError, 6, "directory does not exist"),
		}, nil
	}
	if err != nil {
		return carapace.HandlerResult{}, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	result, err := json.Marshal(map[string]any{"entries": names})
	if err != nil {
		return carapace.HandlerResult{}, err
	}
	return carapace.HandlerResult{Result: result}, nil
}

func (p *Plugin) Shutdown(ctx context.Context) error { return nil }

var _ carapace.Plugin = (*Plugin)(nil)
