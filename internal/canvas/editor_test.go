package canvas

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// centerOf returns the screen-space center of node id.
func centerOf(t *testing.T, e *Editor, id string) Point {
	t.Helper()
	n, ok := e.Node(id)
	require.True(t, ok, "node %s", id)
	r := e.screenRect(n)
	return Point{r.X + r.Width/2, r.Y + r.Height/2}
}

func TestPointerUp_ClearsPanningAndDragging(t *testing.T) {
	tests := []struct {
		name  string
		setup func(e *Editor)
	}{
		{"idle", func(e *Editor) {}},
		{"middle button pan", func(e *Editor) { e.PointerDown(Point{5, 5}, ButtonMiddle, 0) }},
		{"alt left pan", func(e *Editor) { e.PointerDown(Point{5, 5}, ButtonLeft, ModAlt) }},
		{"node drag", func(e *Editor) {
			e.PointerDown(centerOf(t, e, "2"), ButtonLeft, 0)
			e.PointerMove(Point{900, 900})
		}},
		{"pan over a node", func(e *Editor) { e.PointerDown(centerOf(t, e, "3"), ButtonMiddle, 0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEditor(DefaultGraph())
			tt.setup(e)
			e.PointerUp()
			assert.False(t, e.Panning())
			assert.Empty(t, e.Dragging())

			e.PointerUp()
			assert.False(t, e.Panning())
			assert.Empty(t, e.Dragging())
		})
	}
}

func TestWheel_ZoomIsClamped(t *testing.T) {
	sequences := [][]float64{
		{-100000},
		{100000},
		{-300, -300, -300, -300, -300, -300},
		{500, 500, 500, 500},
		{-2500, 4000, -1e9, 1e9, 3},
		{0.5, -0.25},
	}
	for _, deltas := range sequences {
		e := NewEditor(DefaultGraph())
		for _, d := range deltas {
			e.Wheel(0, d, ModCtrl)
			z := e.Viewport().Zoom
			assert.GreaterOrEqual(t, z, MinZoom)
			assert.LessOrEqual(t, z, MaxZoom)
		}
	}

	e := NewEditor(DefaultGraph())
	e.Wheel(0, -1e6, ModMeta)
	assert.Equal(t, MaxZoom, e.Viewport().Zoom)
	e.Wheel(0, 1e6, ModCtrl)
	assert.Equal(t, MinZoom, e.Viewport().Zoom)
}

func TestWheel_ZoomStepProportionalToDelta(t *testing.T) {
	e := NewEditor(DefaultGraph())
	e.Wheel(0, -100, ModCtrl)
	assert.InDelta(t, 1.1, e.Viewport().Zoom, 1e-9)
	e.Wheel(0, 300, ModCtrl)
	assert.InDelta(t, 0.8, e.Viewport().Zoom, 1e-9)
	assert.Equal(t, Point{}, e.Viewport().Offset)
}

func TestWheel_WithoutModifierPans(t *testing.T) {
	e := NewEditor(DefaultGraph())
	e.Wheel(0, -0.5, ModCtrl) // zoom must not scale wheel panning
	e.Wheel(30, -40, 0)
	assert.Equal(t, Point{-30, 40}, e.Viewport().Offset)
	assert.InDelta(t, 1.0005, e.Viewport().Zoom, 1e-9)
}

func TestDrag_DeltaScalesInverselyWithZoom(t *testing.T) {
	for _, zoom := range []float64{0.2, 1.0, 2.0} {
		e := NewEditor(DefaultGraph())
		e.viewport.Zoom = zoom
		before, _ := e.Node("3")

		start := centerOf(t, e, "3")
		e.PointerDown(start, ButtonLeft, 0)
		require.Equal(t, "3", e.Dragging())
		e.PointerMove(start.Add(Point{40, -20}))
		e.PointerMove(start.Add(Point{100, 10}))
		e.PointerUp()

		after, _ := e.Node("3")
		assert.InDelta(t, before.Position.X+100/zoom, after.Position.X, 1e-9, "zoom %v", zoom)
		assert.InDelta(t, before.Position.Y+10/zoom, after.Position.Y, 1e-9, "zoom %v", zoom)
	}
}

func TestPan_AppliesRawDelta(t *testing.T) {
	e := NewEditor(DefaultGraph())
	e.viewport.Zoom = 0.5
	e.PointerDown(Point{10, 10}, ButtonMiddle, 0)
	assert.True(t, e.Panning())
	e.PointerMove(Point{25, 5})
	e.PointerMove(Point{35, 15})
	assert.Equal(t, Point{25, 5}, e.Viewport().Offset)

	nodes := e.Nodes()
	assert.Equal(t, DefaultGraph().Nodes[0].Position, nodes[0].Position)
}

func TestPointerDown_NodeDragSelects(t *testing.T) {
	e := NewEditor(DefaultGraph())
	e.PointerDown(centerOf(t, e, "2"), ButtonLeft, 0)
	assert.Equal(t, "2", e.Dragging())
	assert.Equal(t, "2", e.Selected())

	panel, ok := e.Panel()
	require.True(t, ok)
	assert.Equal(t, KindKnowledge, panel.Kind)
}

func TestPointerDown_EmptyCanvasDeselects(t *testing.T) {
	e := NewEditor(DefaultGraph())
	require.NoError(t, e.Select("1"))
	e.PointerDown(Point{-500, -500}, ButtonLeft, 0)
	assert.Empty(t, e.Selected())
	assert.Empty(t, e.Dragging())
	_, ok := e.Panel()
	assert.False(t, ok)
}

func TestSelect_SingleSelection(t *testing.T) {
	e := NewEditor(DefaultGraph())
	require.NoError(t, e.Select("1"))
	require.NoError(t, e.Select("3"))
	assert.Equal(t, "3", e.Selected())

	selected := 0
	for _, n := range e.Render().Nodes {
		if n.Selected {
			selected++
			assert.Equal(t, "3", n.ID)
		}
	}
	assert.Equal(t, 1, selected)

	assert.ErrorIs(t, e.Select("nope"), ErrUnknownNode)
	assert.Equal(t, "3", e.Selected())

	e.Deselect()
	assert.Empty(t, e.Selected())
}

func TestRender_SkipsDanglingConnections(t *testing.T) {
	g := DefaultGraph()
	g.Connections = append(g.Connections,
		Connection{ID: "ghost-src", Source: "missing", Target: "1"},
		Connection{ID: "ghost-dst", Source: "4", Target: "missing"},
	)
	e := NewEditor(g)

	var scene Scene
	require.NotPanics(t, func() { scene = e.Render() })
	require.Len(t, scene.Curves, 3)
	for _, c := range scene.Curves {
		assert.NotContains(t, []string{"ghost-src", "ghost-dst"}, c.ID)
	}
}

func TestDeleteNode_KeepsConnectionsButHidesThem(t *testing.T) {
	e := NewEditor(DefaultGraph())
	require.Len(t, e.Nodes(), 4)
	require.Len(t, e.Connections(), 3)

	require.NoError(t, e.Select("2"))
	require.NoError(t, e.DeleteNode("2"))

	assert.Len(t, e.Nodes(), 3)
	assert.Len(t, e.Connections(), 3)
	assert.Empty(t, e.Selected())

	scene := e.Render()
	require.Len(t, scene.Curves, 1)
	assert.Equal(t, "c3", scene.Curves[0].ID)

	assert.Equal(t, 2, e.Prune())
	assert.Len(t, e.Connections(), 1)
	assert.ErrorIs(t, e.DeleteNode("2"), ErrUnknownNode)
}

func TestRender_CurveEndpointsFollowViewport(t *testing.T) {
	e := NewEditor(DefaultGraph())
	e.viewport = Viewport{Zoom: 0.5, Offset: Point{10, 20}}

	c := e.Render().Curves[0]
	// node 1 at (80,200), node 2 at (340,200)
	assert.Equal(t, Point{140, 136}, c.Start)
	assert.Equal(t, Point{180, 136}, c.End)
	assert.Equal(t, c.Start.Y, c.Control1.Y)
	assert.Equal(t, c.End.Y, c.Control2.Y)
	assert.Greater(t, c.Control1.X, c.Start.X)
	assert.Less(t, c.Control2.X, c.End.X)
	assert.Contains(t, c.Path, "M 140.0 136.0 C")
}

func TestUpdateConfig_RejectsOtherKinds(t *testing.T) {
	e := NewEditor(DefaultGraph())
	assert.ErrorIs(t, e.UpdateConfig("3", KnowledgeConfig{TopK: 9}), ErrConfigKind)
	require.NoError(t, e.UpdateConfig("3", ModelConfig{Model: "qwen-max", MaxTokens: 2048}))

	n, _ := e.Node("3")
	cfg, ok := n.Config.(ModelConfig)
	require.True(t, ok)
	assert.Equal(t, "qwen-max", cfg.Model)
	assert.ErrorIs(t, e.UpdateConfig("9", ModelConfig{}), ErrUnknownNode)
}

func TestDispatch_UpdateConfigMergesOntoCurrent(t *testing.T) {
	e := NewEditor(DefaultGraph())
	err := e.Dispatch(Event{Type: EventUpdateConfig, NodeID: "3", Config: json.RawMessage(`{"temperature":0.2}`)})
	require.NoError(t, err)

	n, _ := e.Node("3")
	cfg := n.Config.(ModelConfig)
	assert.Equal(t, 0.2, cfg.Temperature)
	assert.Equal(t, "qwen-plus", cfg.Model)

	err = e.Dispatch(Event{Type: EventUpdateConfig, NodeID: "3", Kind: KindTool, Config: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrConfigKind)
}

func TestDispatch_UpdateConfigRejectsUnknownKind(t *testing.T) {
	e := NewEditor(DefaultGraph())
	err := e.Dispatch(Event{Type: EventUpdateConfig, NodeID: "3", Kind: "chart", Config: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrUnknownKind)

	for _, k := range Kinds {
		assert.True(t, k.Valid(), k)
		_, err := DefaultConfig(k)
		assert.NoError(t, err, k)
	}
	assert.False(t, NodeKind("chart").Valid())
	assert.False(t, NodeKind("").Valid())
}

func TestHitTest_MapsScreenPointThroughViewport(t *testing.T) {
	e := NewEditor(DefaultGraph())
	e.viewport = Viewport{Offset: Point{100, 50}, Zoom: 2}
	n, ok := e.Node("3")
	require.True(t, ok)

	inside := e.viewport.ToScreen(n.Position.Add(Point{NodeWidth - 1, NodeHeight - 1}))
	id, hit := e.HitTest(inside)
	assert.True(t, hit)
	assert.Equal(t, "3", id)

	// just above and left of the body
	assert.Equal(t, n.Position, e.viewport.ToCanvas(e.viewport.ToScreen(n.Position)))
	_, hit = e.HitTest(e.viewport.ToScreen(n.Position.Add(Point{-1, -1})))
	assert.False(t, hit)
}

func TestDispatch_PointerSequence(t *testing.T) {
	e := NewEditor(DefaultGraph())
	require.NoError(t, e.Dispatch(Event{Type: EventWheel, DeltaY: -1000, Ctrl: true}))
	assert.Equal(t, MaxZoom, e.Viewport().Zoom)

	start := centerOf(t, e, "4")
	body := fmt.Sprintf(`[
		{"type":"pointer_down","x":%[1]f,"y":%[2]f,"button":0},
		{"type":"pointer_move","x":%[3]f,"y":%[2]f},
		{"type":"pointer_up"}
	]`, start.X, start.Y, start.X+50)
	var events []Event
	require.NoError(t, json.Unmarshal([]byte(body), &events))

	before, _ := e.Node("4")
	for _, ev := range events {
		require.NoError(t, e.Dispatch(ev))
	}
	after, _ := e.Node("4")

	assert.Equal(t, "4", e.Selected())
	assert.Empty(t, e.Dragging())
	assert.False(t, e.Panning())
	assert.InDelta(t, before.Position.X+25, after.Position.X, 1e-9)
	assert.InDelta(t, before.Position.Y, after.Position.Y, 1e-9)

	assert.Error(t, e.Dispatch(Event{Type: "teleport"}))
}

func TestNodeJSON_TaggedUnion(t *testing.T) {
	data, err := json.Marshal(DefaultGraph())
	require.NoError(t, err)

	var g Graph
	require.NoError(t, json.Unmarshal(data, &g))
	require.Len(t, g.Nodes, 4)
	assert.IsType(t, InputConfig{}, g.Nodes[0].Config)
	assert.IsType(t, KnowledgeConfig{}, g.Nodes[1].Config)
	assert.IsType(t, ModelConfig{}, g.Nodes[2].Config)
	assert.IsType(t, OutputConfig{}, g.Nodes[3].Config)

	var n Node
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"id":"x","kind":"spaceship"}`), &n), ErrUnknownKind)
}
