package canvas

import (
	"encoding/json"
	"fmt"
)

// EventType names an editor command.
type EventType string

const (
	EventPointerDown  EventType = "pointer_down"
	EventPointerMove  EventType = "pointer_move"
	EventPointerUp    EventType = "pointer_up"
	EventWheel        EventType = "wheel"
	EventSelect       EventType = "select"
	EventDeselect     EventType = "deselect"
	EventDeleteNode   EventType = "delete_node"
	EventUpdateLabel  EventType = "update_label"
	EventUpdateConfig EventType = "update_config"
	EventPrune        EventType = "prune"
)

// Event is a serialized editor command, shaped after DOM pointer and wheel
// events so a browser client can forward them as-is.
type Event struct {
	Type   EventType       `json:"type"`
	X      float64         `json:"x,omitempty"`
	Y      float64         `json:"y,omitempty"`
	Button Button          `json:"button,omitempty"`
	DeltaX float64         `json:"deltaX,omitempty"`
	DeltaY float64         `json:"deltaY,omitempty"`
	Alt    bool            `json:"altKey,omitempty"`
	Ctrl   bool            `json:"ctrlKey,omitempty"`
	Meta   bool            `json:"metaKey,omitempty"`
	Shift  bool            `json:"shiftKey,omitempty"`
	NodeID string          `json:"node_id,omitempty"`
	Label  string          `json:"label,omitempty"`
	Kind   NodeKind        `json:"kind,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

func (ev Event) Modifiers() Modifiers {
	var m Modifiers
	if ev.Alt {
		m |= ModAlt
	}
	if ev.Ctrl {
		m |= ModCtrl
	}
	if ev.Meta {
		m |= ModMeta
	}
	if ev.Shift {
		m |= ModShift
	}
	return m
}

// Dispatch applies ev to the editor. Pointer and wheel events never fail;
// commands naming a node return ErrUnknownNode or ErrConfigKind.
func (e *Editor) Dispatch(ev Event) error {
	p := Point{ev.X, ev.Y}
	switch ev.Type {
	case EventPointerDown:
		e.PointerDown(p, ev.Button, ev.Modifiers())
	case EventPointerMove:
		e.PointerMove(p)
	case EventPointerUp:
		e.PointerUp()
	case EventWheel:
		e.Wheel(ev.DeltaX, ev.DeltaY, ev.Modifiers())
	case EventSelect:
		return e.Select(ev.NodeID)
	case EventDeselect:
		e.Deselect()
	case EventDeleteNode:
		return e.DeleteNode(ev.NodeID)
	case EventUpdateLabel:
		return e.UpdateLabel(ev.NodeID, ev.Label)
	case EventUpdateConfig:
		n, ok := e.Node(ev.NodeID)
		if !ok {
			return ErrUnknownNode
		}
		if ev.Kind != "" {
			if !ev.Kind.Valid() {
				return ErrUnknownKind
			}
			if ev.Kind != n.Kind {
				return ErrConfigKind
			}
		}
		base := n.Config
		if base == nil {
			var err error
			if base, err = DefaultConfig(n.Kind); err != nil {
				return err
			}
		}
		cfg, err := mergeConfig(base, ev.Config)
		if err != nil {
			return err
		}
		return e.UpdateConfig(n.ID, cfg)
	case EventPrune:
		e.Prune()
	default:
		return fmt.Errorf("canvas: unknown event type %q", ev.Type)
	}
	return nil
}
