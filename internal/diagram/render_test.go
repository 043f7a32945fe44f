package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestRenderMermaid(t *testing.T) {
	model, err := Build(branchGraph(), schema.RunRecord{
		"Start":   {{Status: schema.TaskStatusSuccess, Outputs: []schema.ItemSet{schema.NewItemSet(map[string]any{})}}},
		"Approve": {{Status: schema.TaskStatusWaiting}},
	})
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, "graph LR")
	assert.Contains(t, out, "%% branching")
	assert.Contains(t, out, `s_Start(("Start (1 items)"))`)
	assert.Contains(t, out, `s_Check{"Check"}`)
	assert.Contains(t, out, `s_Join[["Join"]]`)
	assert.Contains(t, out, `s_Approve(["Approve (0 items)"])`)
	assert.Contains(t, out, "s_Check -->|out1| s_Small")
	assert.Contains(t, out, "class s_Start success")
	assert.Contains(t, out, "class s_Approve waiting")
	assert.Contains(t, out, "class s_Small disabled")
}

func TestRenderMermaidAuxEdgeAndSafeIDs(t *testing.T) {
	model := &Model{
		Nodes: []*Node{
			{ID: "Chat Model", Label: `Say "hi"`},
			{ID: "Agent-1", Label: "Agent"},
		},
		Edges: []Edge{{From: "Chat Model", To: "Agent-1", Label: "ai_languageModel", Aux: true}},
	}

	out := RenderMermaid(model)
	assert.Contains(t, out, `s_Chat_Model["Say 'hi'"]`)
	assert.Contains(t, out, "s_Chat_Model -.->|ai_languageModel| s_Agent_1")
}

func TestRenderASCII(t *testing.T) {
	model, err := Build(linearGraph(), schema.RunRecord{
		"Fetch": {{Status: schema.TaskStatusSuccess, Outputs: []schema.ItemSet{schema.NewItemSet(map[string]any{"a": 1})}}},
		"Transform": {
			{Status: schema.TaskStatusSuccess},
			{Status: schema.TaskStatusError},
		},
	})
	require.NoError(t, err)

	out := RenderASCII(model)
	assert.Contains(t, out, "=== ETL Pipeline ===")
	assert.Contains(t, out, "┌")
	assert.Contains(t, out, "┘")
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[FAIL]")
	assert.Contains(t, out, "1 items")
	assert.Contains(t, out, "x2")
	assert.Contains(t, out, "Fetch ─→ Transform")
}

func TestRenderASCIIDisabledAndAux(t *testing.T) {
	model := &Model{
		Nodes:  []*Node{{ID: "a", Label: "a", Kind: NodeKindDisabled}, {ID: "b", Label: "b"}},
		Edges:  []Edge{{From: "b", To: "a", Label: "ai_tool", Aux: true}},
		Levels: [][]string{{"a", "b"}},
	}
	out := RenderASCII(model)
	assert.Contains(t, out, "[OFF]")
	assert.Contains(t, out, "b ┄→ a [ai_tool]")
}

func TestRenderASCIILevels(t *testing.T) {
	model := &Model{
		Nodes:  []*Node{{ID: "a", Label: "alpha\nsecond line"}, {ID: "b", Label: "b"}, {ID: "c", Label: "c"}},
		Levels: [][]string{{"a"}, {"b", "c", "missing"}},
	}
	out := RenderASCII(model)
	assert.Equal(t, ""+
		"┌───────┐\n"+
		"│ alpha │\n"+
		"└───────┘\n"+
		"    │\n"+
		"    ▼\n"+
		"┌───┐  ┌───┐\n"+
		"│ b │  │ c │\n"+
		"└───┘  └───┘\n", out)
}

func TestRenderImage(t *testing.T) {
	model, err := Build(branchGraph(), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	require.True(t, len(png) > 8, "PNG should be larger than header")
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")

	_, err = RenderImage(context.Background(), model, "gif")
	assert.ErrorContains(t, err, "unsupported image format")
}
