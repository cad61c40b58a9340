package canvas

import (
	"fmt"
	"math"
)

// Rect is an axis-aligned box.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X <= r.X+r.Width && p.Y >= r.Y && p.Y <= r.Y+r.Height
}

// RenderedNode is a node placed in screen space.
type RenderedNode struct {
	ID       string   `json:"id"`
	Kind     NodeKind `json:"kind"`
	Label    string   `json:"label"`
	Rect     Rect     `json:"rect"`
	Selected bool     `json:"selected"`
	Dragging bool     `json:"dragging"`
}

// Curve is a cubic Bézier drawn for a connection, in screen space.
type Curve struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	Start    Point  `json:"start"`
	Control1 Point  `json:"control1"`
	Control2 Point  `json:"control2"`
	End      Point  `json:"end"`
	Path     string `json:"path"`
}

// Scene is the render output of an editor.
type Scene struct {
	Viewport Viewport       `json:"viewport"`
	Nodes    []RenderedNode `json:"nodes"`
	Curves   []Curve        `json:"curves"`
	Selected string         `json:"selected,omitempty"`
	Panning  bool           `json:"panning"`
}

func (e *Editor) screenRect(n Node) Rect {
	p := e.viewport.ToScreen(n.Position)
	return Rect{X: p.X, Y: p.Y, Width: NodeWidth * e.viewport.Zoom, Height: NodeHeight * e.viewport.Zoom}
}

// Render lays out nodes and connection curves under the current viewport.
// Connections with a missing endpoint are left out.
func (e *Editor) Render() Scene {
	scene := Scene{
		Viewport: e.viewport,
		Nodes:    make([]RenderedNode, 0, len(e.nodes)),
		Curves:   make([]Curve, 0, len(e.connections)),
		Selected: e.selected,
		Panning:  e.panning,
	}
	for _, n := range e.nodes {
		scene.Nodes = append(scene.Nodes, RenderedNode{
			ID:       n.ID,
			Kind:     n.Kind,
			Label:    n.Label,
			Rect:     e.screenRect(n),
			Selected: n.ID == e.selected,
			Dragging: n.ID == e.dragging,
		})
	}
	for _, c := range e.connections {
		si, ti := e.indexOf(c.Source), e.indexOf(c.Target)
		if si < 0 || ti < 0 {
			continue
		}
		scene.Curves = append(scene.Curves, e.curve(c, e.nodes[si], e.nodes[ti]))
	}
	return scene
}

func (e *Editor) curve(c Connection, src, dst Node) Curve {
	start := e.viewport.ToScreen(src.Position.Add(Point{NodeWidth, NodeHeight / 2}))
	end := e.viewport.ToScreen(dst.Position.Add(Point{0, NodeHeight / 2}))
	bend := math.Max(math.Abs(end.X-start.X)/2, 40*e.viewport.Zoom)
	c1 := Point{start.X + bend, start.Y}
	c2 := Point{end.X - bend, end.Y}
	return Curve{
		ID:       c.ID,
		Source:   c.Source,
		Target:   c.Target,
		Start:    start,
		Control1: c1,
		Control2: c2,
		End:      end,
		Path: fmt.Sprintf("M %.1f %.1f C %.1f %.1f, %.1f %.1f, %.1f %.1f",
			start.X, start.Y, c1.X, c1.Y, c2.X, c2.Y, end.X, end.Y),
	}
}
