package graph

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads an output graph from a YAML file.
func Load(path string) (OutputGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return OutputGraph{}, fmt.Errorf("read output graph %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes an output graph from YAML bytes.
func Parse(data []byte) (OutputGraph, error) {
	var g OutputGraph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return OutputGraph{}, fmt.Errorf("parse output graph: %w", err)
	}
	return g, nil
}

// Marshal encodes the graph as YAML.
func (g OutputGraph) Marshal() ([]byte, error) {
	return yaml.Marshal(g)
}

// Save writes the graph as YAML, atomically replacing path.
func Save(path string, g OutputGraph) error {
	data, err := g.Marshal()
	if err != nil {
		return fmt.Errorf("marshal output graph: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return nil
}
