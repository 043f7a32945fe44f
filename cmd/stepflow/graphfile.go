package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/pkg/schema"
)

// readDocument reads a JSON or YAML file and returns it as JSON.
// YAML is picked by extension.
func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlToJSON(data)
	default:
		return data, nil
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	return out, nil
}

// loadGraph reads a graph definition file.
func loadGraph(path string) (*schema.Graph, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	var g schema.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode graph %s: %w", path, err)
	}
	return &g, nil
}

// loadPinned reads a step name to item list mapping.
func loadPinned(path string) (schema.PinnedData, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, fmt.Errorf("read pinned data: %w", err)
	}
	var raw map[string][]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode pinned data %s: %w", path, err)
	}
	pinned := make(schema.PinnedData, len(raw))
	for step, records := range raw {
		pinned[step] = schema.NewItemSet(records...)
	}
	return pinned, nil
}

// parseItems decodes inline JSON: an object is one item, an array of
// objects is one item each.
func parseItems(data string) (schema.ItemSet, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}
	if strings.HasPrefix(data, "{") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		return schema.NewItemSet(rec), nil
	}
	var recs []map[string]any
	if err := json.Unmarshal([]byte(data), &recs); err != nil {
		return nil, fmt.Errorf("decode items: expected an object or an array of objects: %w", err)
	}
	return schema.NewItemSet(recs...), nil
}

// loadItems reads items from a file, or from stdin when path is "-".
func loadItems(path string) (schema.ItemSet, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = readDocument(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	return parseItems(string(data))
}
