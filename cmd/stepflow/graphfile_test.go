package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const linearYAML = `
id: linear
name: Linear
steps:
  - name: Start
    type: stepflow.manualTrigger
  - name: Tag
    type: stepflow.set
    parameters:
      values:
        tag: x
connections:
  - source: Start
    target: Tag
`

const linearJSON = `{
  "id": "linear",
  "name": "Linear",
  "steps": [
    {"name": "Start", "type": "stepflow.manualTrigger"},
    {"name": "Tag", "type": "stepflow.set", "parameters": {"values": {"tag": "x"}}}
  ],
  "connections": [{"source": "Start", "target": "Tag"}]
}`

func TestLoadGraph_YAMLAndJSONAgree(t *testing.T) {
	fromYAML, err := loadGraph(writeFile(t, "g.yaml", linearYAML))
	require.NoError(t, err)
	fromJSON, err := loadGraph(writeFile(t, "g.json", linearJSON))
	require.NoError(t, err)

	assert.Equal(t, "linear", fromYAML.ID)
	require.Len(t, fromYAML.Steps, 2)
	assert.Equal(t, "stepflow.set", fromYAML.Steps[1].Type)
	assert.JSONEq(t, string(fromJSON.Steps[1].Parameters), string(fromYAML.Steps[1].Parameters))
	assert.Equal(t, fromJSON.Connections, fromYAML.Connections)
}

func TestLoadGraph_Errors(t *testing.T) {
	_, err := loadGraph(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = loadGraph(writeFile(t, "bad.yml", "steps: [\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse yaml")

	_, err = loadGraph(writeFile(t, "bad.json", `{"steps": "nope"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode graph")
}

func TestParseItems(t *testing.T) {
	items, err := parseItems(`{"a": 1}`)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1.0, items[0].JSON["a"])

	items, err = parseItems(`[{"a": 1}, {"a": 2}]`)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 2.0, items[1].JSON["a"])

	items, err = parseItems("  ")
	require.NoError(t, err)
	assert.Nil(t, items)

	_, err = parseItems(`[1, 2]`)
	assert.Error(t, err)

	_, err = parseItems(`{"a":`)
	assert.Error(t, err)
}

func TestLoadPinned(t *testing.T) {
	path := writeFile(t, "pins.yaml", `
Fetch:
  - id: 1
  - id: 2
`)
	pinned, err := loadPinned(path)
	require.NoError(t, err)
	require.Len(t, pinned["Fetch"], 2)
	assert.Equal(t, 2.0, pinned["Fetch"][1].JSON["id"])
}

func TestLoadItems_File(t *testing.T) {
	items, err := loadItems(writeFile(t, "items.json", `[{"ok": true}]`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, true, items[0].JSON["ok"])
}
