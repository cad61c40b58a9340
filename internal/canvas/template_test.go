package canvas

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewTemplate = `
name: hazard-review
nodes:
  - id: in
    kind: input
    label: Photo
    position: {x: 0, y: 0}
    config:
      variables: [image]
  - id: route
    kind: logic
    label: Severe?
    position: {x: 240, y: 0}
    config:
      condition: "level == 'high'"
  - id: notify
    kind: tool
    label: Page on-call
    position: {x: 480, y: -80}
    config:
      tool: pager
      params:
        team: safety
  - id: out
    kind: output
    label: Report
    position: {x: 480, y: 80}
connections:
  - {id: e1, source: in, target: route}
  - {id: e2, source: route, target: notify}
  - {id: e3, source: route, target: out}
`

func TestParseTemplate(t *testing.T) {
	g, err := ParseTemplate([]byte(reviewTemplate))
	require.NoError(t, err)

	assert.Equal(t, "hazard-review", g.Name)
	require.Len(t, g.Nodes, 4)
	require.Len(t, g.Connections, 3)

	logic, ok := g.Nodes[1].Config.(LogicConfig)
	require.True(t, ok)
	assert.Equal(t, "level == 'high'", logic.Condition)
	assert.Equal(t, "yes", logic.TrueLabel, "unset fields keep their defaults")

	tool := g.Nodes[2].Config.(ToolConfig)
	assert.Equal(t, map[string]string{"team": "safety"}, tool.Params)
	assert.Equal(t, OutputConfig{Format: "text"}, g.Nodes[3].Config)
	assert.Equal(t, Point{480, -80}, g.Nodes[2].Position)
}

func TestParseTemplate_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown kind": `
nodes:
  - {id: a, kind: teleporter}
`,
		"duplicate id": `
nodes:
  - {id: a, kind: input}
  - {id: a, kind: output}
`,
		"missing id": `
nodes:
  - {kind: input}
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTemplate([]byte(doc))
			assert.Error(t, err)
		})
	}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

func TestTemplateSource_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reviewTemplate), 0o644))

	src, err := FileTemplate(path, nopLogger{})
	require.NoError(t, err)
	assert.Len(t, src.Current().Nodes, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("name: tiny\nnodes:\n  - {id: only, kind: input}\n"), 0o644))

	require.Eventually(t, func() bool {
		return src.Current().Name == "tiny"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, src.Current().Nodes, 1)

	// a broken file keeps the last good template
	require.NoError(t, os.WriteFile(path, []byte("nodes: [{kind: teleporter}]"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "tiny", src.Current().Name)
}

func TestStaticTemplate_ReturnsCopies(t *testing.T) {
	src := StaticTemplate(DefaultGraph())
	g := src.Current()
	g.Nodes[0].Label = "changed"
	assert.Equal(t, "User question", src.Current().Nodes[0].Label)
	assert.NoError(t, src.Watch(context.Background()))
}
