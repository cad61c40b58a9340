package canvas

import "math"

const (
	// MinZoom and MaxZoom bound the viewport scale factor.
	MinZoom = 0.2
	MaxZoom = 2.0
	// ZoomStep is the zoom change per unit of wheel delta.
	ZoomStep = 0.001

	NodeWidth  = 180.0
	NodeHeight = 64.0
)

// Button is a pointer button, numbered as in DOM MouseEvent.button.
type Button int

const (
	ButtonLeft Button = iota
	ButtonMiddle
	ButtonRight
)

// Modifiers is a bitmask of held modifier keys.
type Modifiers uint8

const (
	ModAlt Modifiers = 1 << iota
	ModCtrl
	ModMeta
	ModShift
)

func (m Modifiers) Has(mod Modifiers) bool { return m&mod != 0 }

// Viewport is the pan/zoom transform applied to canvas space.
type Viewport struct {
	Zoom   float64 `json:"zoom"`
	Offset Point   `json:"offset"`
}

// ToScreen maps a canvas-space point to screen space.
func (v Viewport) ToScreen(p Point) Point {
	return p.Scale(v.Zoom).Add(v.Offset)
}

// ToCanvas maps a screen-space point to canvas space.
func (v Viewport) ToCanvas(p Point) Point {
	return p.Sub(v.Offset).Scale(1 / v.Zoom)
}

// Editor is the flow editor state machine. It is not safe for concurrent
// use; callers serialize access.
type Editor struct {
	nodes       []Node
	connections []Connection
	viewport    Viewport

	selected string
	dragging string
	panning  bool
	last     Point
}

// NewEditor returns an editor seeded with a copy of g.
func NewEditor(g Graph) *Editor {
	g = g.Clone()
	return &Editor{
		nodes:       g.Nodes,
		connections: g.Connections,
		viewport:    Viewport{Zoom: 1},
	}
}

func (e *Editor) Viewport() Viewport { return e.viewport }
func (e *Editor) Panning() bool      { return e.panning }
func (e *Editor) Dragging() string   { return e.dragging }
func (e *Editor) Selected() string   { return e.selected }

// Nodes returns a copy of the node collection in render order.
func (e *Editor) Nodes() []Node {
	out := make([]Node, len(e.nodes))
	for i, n := range e.nodes {
		out[i] = n.clone()
	}
	return out
}

// Connections returns a copy of the connection collection, including
// connections whose endpoints no longer exist.
func (e *Editor) Connections() []Connection {
	return append([]Connection(nil), e.connections...)
}

// Node returns the node with the given id.
func (e *Editor) Node(id string) (Node, bool) {
	if i := e.indexOf(id); i >= 0 {
		return e.nodes[i].clone(), true
	}
	return Node{}, false
}

// Panel returns the node whose configuration panel is open.
func (e *Editor) Panel() (Node, bool) {
	if e.selected == "" {
		return Node{}, false
	}
	return e.Node(e.selected)
}

func (e *Editor) indexOf(id string) int {
	for i := range e.nodes {
		if e.nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// HitTest returns the topmost node whose body contains the screen-space
// point p.
func (e *Editor) HitTest(p Point) (string, bool) {
	c := e.viewport.ToCanvas(p)
	for i := len(e.nodes) - 1; i >= 0; i-- {
		n := e.nodes[i]
		if (Rect{X: n.Position.X, Y: n.Position.Y, Width: NodeWidth, Height: NodeHeight}).Contains(c) {
			return e.nodes[i].ID, true
		}
	}
	return "", false
}

// PointerDown starts a pan (middle button, or left button with Alt) or a
// node drag (left button on a node). A plain left press on empty canvas
// clears the selection.
func (e *Editor) PointerDown(p Point, b Button, mods Modifiers) {
	switch {
	case b == ButtonMiddle || (b == ButtonLeft && mods.Has(ModAlt)):
		e.panning = true
		e.last = p
	case b == ButtonLeft:
		id, ok := e.HitTest(p)
		if !ok {
			e.selected = ""
			return
		}
		e.dragging = id
		e.selected = id
		e.last = p
	}
}

// PointerMove applies the pointer delta since the last event to the pan
// offset or to the dragged node. Node deltas are divided by zoom so drag
// speed tracks the pointer at any zoom level.
func (e *Editor) PointerMove(p Point) {
	delta := p.Sub(e.last)
	switch {
	case e.panning:
		e.viewport.Offset = e.viewport.Offset.Add(delta)
	case e.dragging != "":
		if i := e.indexOf(e.dragging); i >= 0 {
			e.nodes[i].Position = e.nodes[i].Position.Add(delta.Scale(1 / e.viewport.Zoom))
		} else {
			e.dragging = ""
		}
	default:
		return
	}
	e.last = p
}

// PointerUp ends whatever interaction was active.
func (e *Editor) PointerUp() {
	e.panning = false
	e.dragging = ""
}

// Wheel zooms when Ctrl or Meta is held and pans otherwise.
func (e *Editor) Wheel(dx, dy float64, mods Modifiers) {
	if mods.Has(ModCtrl) || mods.Has(ModMeta) {
		e.viewport.Zoom = clampZoom(e.viewport.Zoom - dy*ZoomStep)
		return
	}
	e.viewport.Offset = e.viewport.Offset.Sub(Point{dx, dy})
}

func clampZoom(z float64) float64 {
	if math.IsNaN(z) {
		return 1
	}
	return math.Max(MinZoom, math.Min(MaxZoom, z))
}

// Select opens the configuration panel of node id, replacing any previous selection.
func (e *Editor) Select(id string) error {
	if e.indexOf(id) < 0 {
		return ErrUnknownNode
	}
	e.selected = id
	return nil
}

// Deselect closes the configuration panel.
func (e *Editor) Deselect() {
	e.selected = ""
}

// UpdateLabel renames node id.
func (e *Editor) UpdateLabel(id, label string) error {
	i := e.indexOf(id)
	if i < 0 {
		return ErrUnknownNode
	}
	e.nodes[i].Label = label
	return nil
}

// UpdateConfig replaces the configuration of node id. The configuration must
// belong to the node's kind.
func (e *Editor) UpdateConfig(id string, cfg NodeConfig) error {
	i := e.indexOf(id)
	if i < 0 {
		return ErrUnknownNode
	}
	if cfg == nil || cfg.Kind() != e.nodes[i].Kind {
		return ErrConfigKind
	}
	e.nodes[i].Config = cfg.clone()
	return nil
}

// DeleteNode removes node id. Connections referencing it stay in the
// connection collection and are skipped by Render until Prune is called.
func (e *Editor) DeleteNode(id string) error {
	i := e.indexOf(id)
	if i < 0 {
		return ErrUnknownNode
	}
	nodes := make([]Node, 0, len(e.nodes)-1)
	nodes = append(nodes, e.nodes[:i]...)
	nodes = append(nodes, e.nodes[i+1:]...)
	e.nodes = nodes
	if e.selected == id {
		e.selected = ""
	}
	if e.dragging == id {
		e.dragging = ""
	}
	return nil
}

// Prune drops connections with a missing endpoint and returns how many were removed.
func (e *Editor) Prune() int {
	kept := make([]Connection, 0, len(e.connections))
	for _, c := range e.connections {
		if e.indexOf(c.Source) >= 0 && e.indexOf(c.Target) >= 0 {
			kept = append(kept, c)
		}
	}
	removed := len(e.connections) - len(kept)
	e.connections = kept
	return removed
}
