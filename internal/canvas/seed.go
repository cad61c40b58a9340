package canvas

// DefaultGraph is the graph a new editor opens with when no template file is configured.
func DefaultGraph() Graph {
	return Graph{
		Name: "knowledge-qa",
		Nodes: []Node{
			{ID: "1", Kind: KindInput, Label: "User question", Position: Point{80, 200},
				Config: InputConfig{Variables: []string{"question"}}},
			{ID: "2", Kind: KindKnowledge, Label: "Knowledge retrieval", Position: Point{340, 200},
				Config: KnowledgeConfig{TopK: 3, ScoreThreshold: 0.5}},
			{ID: "3", Kind: KindModel, Label: "Answer generation", Position: Point{600, 200},
				Config: ModelConfig{Model: "qwen-plus", Temperature: 0.7, MaxTokens: 1024,
					SystemPrompt: "Answer using the retrieved context only."}},
			{ID: "4", Kind: KindOutput, Label: "Reply", Position: Point{860, 200},
				Config: OutputConfig{Format: "markdown"}},
		},
		Connections: []Connection{
			{ID: "c1", Source: "1", Target: "2"},
			{ID: "c2", Source: "2", Target: "3"},
			{ID: "c3", Source: "3", Target: "4"},
		},
	}
}
