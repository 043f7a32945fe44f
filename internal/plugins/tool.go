package plugins

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/pkg/schema"
)

// toolStep calls one MCP tool per input item. The step parameters are the
// tool arguments, resolved against each item; without parameters the item
// JSON itself is sent.
type toolStep struct {
	plugin      *plugin
	manager     *Manager
	tool        string
	description string
}

func (t *toolStep) Type() string { return t.plugin.id + "." + t.tool }

func (t *toolStep) Description() string {
	if t.description != "" {
		return t.description
	}
	return "MCP tool " + t.tool + " from plugin " + t.plugin.id
}

func (t *toolStep) Invoke(ctx context.Context, in steps.StepInput) (*steps.Outcome, error) {
	if t.manager.stopped(t.plugin) {
		return nil, schema.NewErrorf(schema.ErrCodeStepInvocation, "plugin %q stopped", t.plugin.id).
			WithStep(in.Step.Name)
	}

	var params map[string]any
	if err := in.Bind(&params); err != nil {
		return nil, err
	}

	items := in.Main()
	if len(items) == 0 {
		items = schema.ItemSet{{JSON: map[string]any{}}}
	}

	out := make(schema.ItemSet, 0, len(items))
	for i, item := range items {
		args := any(expressions.CopyJSON(item.JSON))
		if len(params) > 0 {
			resolved, err := t.manager.interp.Resolve(ctx, params, expressions.ItemScope(item, i, in.Vars()))
			if err != nil {
				return nil, err
			}
			args = resolved
		}

		req := mcp.CallToolRequest{}
		req.Params.Name = t.tool
		req.Params.Arguments = args
		res, err := t.plugin.client.CallTool(ctx, req)
		if err != nil {
			return nil, schema.NewStepInvocationError(in.Step.Name, err).
				WithDetails(map[string]any{"tool": t.tool, "item": i})
		}
		data := resultJSON(res)
		if res.IsError {
			return nil, schema.NewErrorf(schema.ErrCodeStepInvocation, "tool %s: %v", t.tool, data["text"]).
				WithStep(in.Step.Name).
				WithDetails(map[string]any{"tool": t.tool, "item": i})
		}
		out = append(out, schema.Item{JSON: data, Paired: []schema.PairedItem{{Item: i}}})
	}
	return steps.Emit(out), nil
}

// resultJSON turns a tool result into item JSON: structured content when it
// is an object, else the text content parsed as an object, else {"text": ...}.
func resultJSON(res *mcp.CallToolResult) map[string]any {
	if m, ok := res.StructuredContent.(map[string]any); ok {
		return m
	}

	var texts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			texts = append(texts, tc.Text)
		case *mcp.TextContent:
			texts = append(texts, tc.Text)
		}
	}
	text := strings.Join(texts, "\n")

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"text": text}
}
