package carapace

import (
	"context"
	"encoding/json"
)

// emptyObjectSchema accepts exactly {} and nothing else.
const emptyObjectSchema = `{"type":"object","additionalProperties":false}`

// builtinTools returns the reserved tools the core serves itself:
// list_tools, get_session_info and get_diagnostics. They bypass the
// catalog (their names are reserved there) but run through the same
// pipeline stages as plugin tools.
func builtinTools(p *Pipeline) map[string]*ToolEntry {
	schema, err := CompileSchema(json.RawMessage(emptyObjectSchema))
	if err != nil {
		// The schema is a compile-time constant.
		panic("builtin schema: " + err.Error())
	}
	mk := func(name, desc string, h HandlerFunc) *ToolEntry {
		return &ToolEntry{
			Decl: ToolDeclaration{
				Name:            name,
				Description:     desc,
				RiskLevel:       RiskLow,
				ArgumentsSchema: json.RawMessage(emptyObjectSchema),
			},
			Handler: h,
			schema:  schema,
		}
	}

	return map[string]*ToolEntry{
		"list_tools": mk("list_tools",
			"List the tools this session's group may invoke.",
			func(ctx context.Context, req HandlerRequest) (HandlerResult, error) {
				type toolInfo struct {
					Name        string    `json:"name"`
					Description string    `json:"description"`
					RiskLevel   RiskLevel `json:"risk_level"`
				}
				decls := p.Catalog.ListByGroup(req.Session.Group)
				infos := make([]toolInfo, 0, len(decls))
				for _, d := range decls {
					infos = append(infos, toolInfo{Name: d.Name, Description: d.Description, RiskLevel: d.RiskLevel})
				}
				result, err := json.Marshal(map[string]any{"tools": infos})
				return HandlerResult{Result: result}, err
			}),

		"get_session_info": mk("get_session_info",
			"Describe the calling session.",
			func(ctx context.Context, req HandlerRequest) (HandlerResult, error) {
				result, err := json.Marshal(req.Session)
				return HandlerResult{Result: result}, err
			}),

		"get_diagnostics": mk("get_diagnostics",
			"Report host-side counters for this supervisor.",
			func(ctx context.Context, req HandlerRequest) (HandlerResult, error) {
				result, err := json.Marshal(map[string]any{
					"uptime_seconds":        int64(NowUTC().Sub(p.startedAt).Seconds()),
					"sessions":              p.Sessions.Count(),
					"registered_tools":      p.Catalog.Len(),
					"pending_confirmations": p.Gate.Pending(),
					"rate_limit_buckets":    p.Limiter.BucketCount(),
				})
				return HandlerResult{Result: result}, err
			}),
	}
}
