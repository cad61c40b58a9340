// Package canvas holds the flow editor's view model: nodes, connections,
// viewport and selection, mutated only through the Editor's commands.
package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

// NodeKind is the category tag of a node.
type NodeKind string

const (
	KindModel     NodeKind = "model"
	KindKnowledge NodeKind = "knowledge"
	KindTool      NodeKind = "tool"
	KindLogic     NodeKind = "logic"
	KindInput     NodeKind = "input"
	KindOutput    NodeKind = "output"
)

// Kinds lists every node kind in palette order.
var Kinds = []NodeKind{KindInput, KindKnowledge, KindModel, KindTool, KindLogic, KindOutput}

func (k NodeKind) Valid() bool {
	return slices.Contains(Kinds, k)
}

var (
	// ErrUnknownNode is returned by commands that name a node not in the graph.
	ErrUnknownNode = errors.New("canvas: unknown node")
	// ErrConfigKind is returned when a configuration does not belong to the node's kind.
	ErrConfigKind = errors.New("canvas: configuration does not match node kind")
	// ErrUnknownKind is returned when decoding a node with an unrecognized kind.
	ErrUnknownKind = errors.New("canvas: unknown node kind")
)

// NodeConfig is the per-kind configuration payload. The concrete types below
// are the only implementations.
type NodeConfig interface {
	Kind() NodeKind
	clone() NodeConfig
}

type ModelConfig struct {
	Model        string  `json:"model" yaml:"model"`
	Temperature  float64 `json:"temperature" yaml:"temperature"`
	MaxTokens    int     `json:"max_tokens" yaml:"max_tokens"`
	SystemPrompt string  `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

type KnowledgeConfig struct {
	KnowledgeBaseID string  `json:"knowledge_base_id" yaml:"knowledge_base_id"`
	TopK            int     `json:"top_k" yaml:"top_k"`
	ScoreThreshold  float64 `json:"score_threshold" yaml:"score_threshold"`
}

type ToolConfig struct {
	Tool   string            `json:"tool" yaml:"tool"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

type LogicConfig struct {
	Condition  string `json:"condition" yaml:"condition"`
	TrueLabel  string `json:"true_label,omitempty" yaml:"true_label,omitempty"`
	FalseLabel string `json:"false_label,omitempty" yaml:"false_label,omitempty"`
}

type InputConfig struct {
	Variables []string `json:"variables" yaml:"variables"`
}

type OutputConfig struct {
	Format string `json:"format" yaml:"format"`
}

func (ModelConfig) Kind() NodeKind     { return KindModel }
func (KnowledgeConfig) Kind() NodeKind { return KindKnowledge }
func (ToolConfig) Kind() NodeKind      { return KindTool }
func (LogicConfig) Kind() NodeKind     { return KindLogic }
func (InputConfig) Kind() NodeKind     { return KindInput }
func (OutputConfig) Kind() NodeKind    { return KindOutput }

func (c ModelConfig) clone() NodeConfig     { return c }
func (c KnowledgeConfig) clone() NodeConfig { return c }
func (c LogicConfig) clone() NodeConfig     { return c }
func (c OutputConfig) clone() NodeConfig    { return c }

func (c ToolConfig) clone() NodeConfig {
	if c.Params != nil {
		params := make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			params[k] = v
		}
		c.Params = params
	}
	return c
}

func (c InputConfig) clone() NodeConfig {
	c.Variables = append([]string(nil), c.Variables...)
	return c
}

// DefaultConfig returns the configuration a freshly placed node of kind k starts with.
func DefaultConfig(k NodeKind) (NodeConfig, error) {
	switch k {
	case KindModel:
		return ModelConfig{Model: "qwen-plus", Temperature: 0.7, MaxTokens: 1024}, nil
	case KindKnowledge:
		return KnowledgeConfig{TopK: 3, ScoreThreshold: 0.5}, nil
	case KindTool:
		return ToolConfig{Tool: "web_search"}, nil
	case KindLogic:
		return LogicConfig{Condition: "true", TrueLabel: "yes", FalseLabel: "no"}, nil
	case KindInput:
		return InputConfig{Variables: []string{"query"}}, nil
	case KindOutput:
		return OutputConfig{Format: "text"}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
}

// DecodeConfig decodes a JSON configuration payload for kind k.
func DecodeConfig(k NodeKind, raw json.RawMessage) (NodeConfig, error) {
	cfg, err := DefaultConfig(k)
	if err != nil {
		return nil, err
	}
	return mergeConfig(cfg, raw)
}

// mergeConfig overlays the fields present in raw onto a copy of base.
func mergeConfig(base NodeConfig, raw json.RawMessage) (NodeConfig, error) {
	cfg := base.clone()
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	var err error
	switch c := cfg.(type) {
	case ModelConfig:
		err = json.Unmarshal(raw, &c)
		cfg = c
	case KnowledgeConfig:
		err = json.Unmarshal(raw, &c)
		cfg = c
	case ToolConfig:
		err = json.Unmarshal(raw, &c)
		cfg = c
	case LogicConfig:
		err = json.Unmarshal(raw, &c)
		cfg = c
	case InputConfig:
		err = json.Unmarshal(raw, &c)
		cfg = c
	case OutputConfig:
		err = json.Unmarshal(raw, &c)
		cfg = c
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s config: %w", base.Kind(), err)
	}
	return cfg, nil
}

func decodeYAMLConfig(k NodeKind, value *yaml.Node) (NodeConfig, error) {
	cfg, err := DefaultConfig(k)
	if err != nil {
		return nil, err
	}
	if value == nil || value.Kind == 0 {
		return cfg, nil
	}
	switch c := cfg.(type) {
	case ModelConfig:
		err = value.Decode(&c)
		cfg = c
	case KnowledgeConfig:
		err = value.Decode(&c)
		cfg = c
	case ToolConfig:
		err = value.Decode(&c)
		cfg = c
	case LogicConfig:
		err = value.Decode(&c)
		cfg = c
	case InputConfig:
		err = value.Decode(&c)
		cfg = c
	case OutputConfig:
		err = value.Decode(&c)
		cfg = c
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s config: %w", k, err)
	}
	return cfg, nil
}

// Point is a 2D coordinate, in canvas or screen space depending on context.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

func (p Point) Add(q Point) Point     { return Point{p.X + q.X, p.Y + q.Y} }
func (p Point) Sub(q Point) Point     { return Point{p.X - q.X, p.Y - q.Y} }
func (p Point) Scale(f float64) Point { return Point{p.X * f, p.Y * f} }

// Node is a unit of the workflow graph.
type Node struct {
	ID       string
	Kind     NodeKind
	Label    string
	Position Point
	Config   NodeConfig
}

func (n Node) clone() Node {
	if n.Config != nil {
		n.Config = n.Config.clone()
	}
	return n
}

type nodeJSON struct {
	ID       string          `json:"id"`
	Kind     NodeKind        `json:"kind"`
	Label    string          `json:"label"`
	Position Point           `json:"position"`
	Config   json.RawMessage `json:"config,omitempty"`
}

func (n Node) MarshalJSON() ([]byte, error) {
	out := nodeJSON{ID: n.ID, Kind: n.Kind, Label: n.Label, Position: n.Position}
	if n.Config != nil {
		raw, err := json.Marshal(n.Config)
		if err != nil {
			return nil, err
		}
		out.Config = raw
	}
	return json.Marshal(out)
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var in nodeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	cfg, err := DecodeConfig(in.Kind, in.Config)
	if err != nil {
		return err
	}
	*n = Node{ID: in.ID, Kind: in.Kind, Label: in.Label, Position: in.Position, Config: cfg}
	return nil
}

func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	var in struct {
		ID       string    `yaml:"id"`
		Kind     NodeKind  `yaml:"kind"`
		Label    string    `yaml:"label"`
		Position Point     `yaml:"position"`
		Config   yaml.Node `yaml:"config"`
	}
	if err := value.Decode(&in); err != nil {
		return err
	}
	cfg, err := decodeYAMLConfig(in.Kind, &in.Config)
	if err != nil {
		return err
	}
	*n = Node{ID: in.ID, Kind: in.Kind, Label: in.Label, Position: in.Position, Config: cfg}
	return nil
}

// Connection is a directed edge between two nodes.
type Connection struct {
	ID     string `json:"id" yaml:"id"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// Graph is a set of nodes and connections an editor is seeded with.
type Graph struct {
	Name        string       `json:"name" yaml:"name"`
	Nodes       []Node       `json:"nodes" yaml:"nodes"`
	Connections []Connection `json:"connections" yaml:"connections"`
}

// Clone returns a deep copy of g.
func (g Graph) Clone() Graph {
	out := Graph{Name: g.Name}
	out.Nodes = make([]Node, len(g.Nodes))
	for i, n := range g.Nodes {
		out.Nodes[i] = n.clone()
	}
	out.Connections = append([]Connection(nil), g.Connections...)
	return out
}
