package diagram

import (
	"encoding/json"
	"fmt"
)

// wireDiagram is the canonical on-wire form
type wireDiagram struct {
	Nodes   map[string]wireNode   `json:"nodes"`
	Arrows  map[string]wireArrow  `json:"arrows"`
	Persons map[string]wirePerson `json:"persons,omitempty"`
	APIKeys map[string]string     `json:"apiKeys,omitempty"`
}

type wireNode struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

type wireArrow struct {
	Source       string         `json:"source"`
	Target       string         `json:"target"`
	SourceHandle string         `json:"sourceHandle,omitempty"`
	TargetHandle string         `json:"targetHandle,omitempty"`
	Label        string         `json:"label,omitempty"`
	ContentType  string         `json:"content_type,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type wirePerson struct {
	Label        string  `json:"label,omitempty"`
	Service      string  `json:"service,omitempty"`
	Model        string  `json:"model,omitempty"`
	APIKeyID     string  `json:"api_key_id,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float32 `json:"temperature,omitempty"`
	ForgetMode   string  `json:"forget_mode,omitempty"`
}

// Parse decodes a diagram from its canonical JSON form
func Parse(data []byte) (*Diagram, error) {
	var wire wireDiagram
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode diagram: %w", err)
	}
	return FromWire(&wire)
}

// FromMaps builds a diagram from already-decoded canonical maps.
// Useful for callers that receive the diagram embedded in a larger
// request body.
func FromMaps(nodes, arrows, persons map[string]any, apiKeys map[string]string) (*Diagram, error) {
	raw, err := json.Marshal(map[string]any{
		"nodes":   nodes,
		"arrows":  arrows,
		"persons": persons,
		"apiKeys": apiKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode diagram maps: %w", err)
	}
	return Parse(raw)
}

// FromWire converts the wire form into a validated Diagram
func FromWire(wire *wireDiagram) (*Diagram, error) {
	d := &Diagram{
		Nodes:   make(map[string]*Node, len(wire.Nodes)),
		Arrows:  make(map[string]*Arrow, len(wire.Arrows)),
		Persons: make(map[string]*Person, len(wire.Persons)),
		APIKeys: wire.APIKeys,
	}
	if d.APIKeys == nil {
		d.APIKeys = make(map[string]string)
	}

	for id, wn := range wire.Nodes {
		if wn.Type == "" {
			return nil, fmt.Errorf("node %s has no type", id)
		}
		d.Nodes[id] = &Node{
			ID:         id,
			Type:       NodeType(wn.Type),
			Properties: wn.Data,
		}
	}

	for id, wa := range wire.Arrows {
		source := ParseHandleRef(wa.Source)
		target := ParseHandleRef(wa.Target)
		// Explicit handle fields override any handle embedded in the ref
		if wa.SourceHandle != "" {
			source.Handle = wa.SourceHandle
		}
		if wa.TargetHandle != "" {
			target.Handle = wa.TargetHandle
		}
		d.Arrows[id] = &Arrow{
			ID:          id,
			Source:      source,
			Target:      target,
			Label:       wa.Label,
			ContentType: ContentType(wa.ContentType),
			Data:        wa.Data,
		}
	}

	for id, wp := range wire.Persons {
		forget := ForgetMode(wp.ForgetMode)
		if forget == "" {
			forget = ForgetModeNone
		}
		d.Persons[id] = &Person{
			ID:           id,
			Label:        wp.Label,
			Service:      wp.Service,
			Model:        wp.Model,
			APIKeyID:     wp.APIKeyID,
			SystemPrompt: wp.SystemPrompt,
			Temperature:  wp.Temperature,
			ForgetMode:   forget,
		}
	}

	return d, nil
}
