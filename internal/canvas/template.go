package canvas

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseTemplate decodes a YAML flow template and validates it.
func ParseTemplate(data []byte) (Graph, error) {
	var g Graph
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return Graph{}, fmt.Errorf("parse flow template: %w", err)
	}
	if err := g.Validate(); err != nil {
		return Graph{}, err
	}
	return g, nil
}

// LoadTemplate reads and parses the YAML flow template at path.
func LoadTemplate(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Graph{}, fmt.Errorf("read flow template: %w", err)
	}
	return ParseTemplate(data)
}

// Validate checks node ids are unique and every node has a known kind whose
// configuration matches it. Connections are not checked against the node set.
func (g Graph) Validate() error {
	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("flow template %q: node without id", g.Name)
		}
		if seen[n.ID] {
			return fmt.Errorf("flow template %q: duplicate node id %q", g.Name, n.ID)
		}
		seen[n.ID] = true
		if !n.Kind.Valid() {
			return fmt.Errorf("flow template %q: node %q: %w: %q", g.Name, n.ID, ErrUnknownKind, n.Kind)
		}
		if n.Config != nil && n.Config.Kind() != n.Kind {
			return fmt.Errorf("flow template %q: node %q: %w", g.Name, n.ID, ErrConfigKind)
		}
	}
	return nil
}
