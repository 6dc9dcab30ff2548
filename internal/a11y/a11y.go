// Package a11y models the Chrome accessibility tree and locates elements
// by accessible role and name.
package a11y

import (
	"encoding/json"
	"strings"
)

// Node is a flattened, non-ignored accessibility node.
type Node struct {
	Role   string `json:"role"`
	Name   string `json:"name"`
	Depth  int    `json:"depth"`
	NodeID int64  `json:"nodeId,omitempty"`
	Hidden bool   `json:"hidden,omitempty"`
}

// RawAXNode mirrors one entry of Accessibility.getFullAXTree.
type RawAXNode struct {
	NodeID           string      `json:"nodeId"`
	Ignored          bool        `json:"ignored"`
	Role             *RawAXValue `json:"role"`
	Name             *RawAXValue `json:"name"`
	Properties       []RawAXProp `json:"properties"`
	ChildIDs         []string    `json:"childIds"`
	BackendDOMNodeID int64       `json:"backendDOMNodeId"`
}

type RawAXValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type RawAXProp struct {
	Name  string      `json:"name"`
	Value *RawAXValue `json:"value"`
}

func (v *RawAXValue) String() string {
	if v == nil || v.Value == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.Value, &s); err == nil {
		return s
	}
	return strings.Trim(string(v.Value), `"`)
}

// ParseTree decodes a raw getFullAXTree result ({"nodes": [...]}).
func ParseTree(raw []byte) ([]RawAXNode, error) {
	var resp struct {
		Nodes []RawAXNode `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

func (n RawAXNode) hidden() bool {
	for _, p := range n.Properties {
		if p.Name == "hidden" && p.Value.String() == "true" {
			return true
		}
	}
	return false
}

func structural(role, name string) bool {
	if role == "none" || role == "generic" || role == "InlineTextBox" {
		return true
	}
	return name == "" && role == "StaticText"
}

// Flatten drops ignored and structural nodes and records each node's depth.
func Flatten(nodes []RawAXNode) []Node {
	parentMap := make(map[string]string)
	for _, n := range nodes {
		for _, childID := range n.ChildIDs {
			parentMap[childID] = n.NodeID
		}
	}
	depthOf := func(nodeID string) int {
		d := 0
		cur := nodeID
		for {
			p, ok := parentMap[cur]
			if !ok || d > len(nodes) {
				break
			}
			d++
			cur = p
		}
		return d
	}

	flat := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Ignored {
			continue
		}
		role := n.Role.String()
		name := n.Name.String()
		if structural(role, name) {
			continue
		}
		flat = append(flat, Node{
			Role:   role,
			Name:   name,
			Depth:  depthOf(n.NodeID),
			NodeID: n.BackendDOMNodeID,
			Hidden: n.hidden(),
		})
	}
	return flat
}

// Find returns the first node with the given role whose accessible name
// equals name exactly, ignoring surrounding whitespace. Hidden nodes and
// nodes without a DOM backing are skipped.
func Find(nodes []RawAXNode, role, name string) (Node, bool) {
	want := strings.TrimSpace(name)
	for _, n := range Flatten(nodes) {
		if n.Hidden || n.NodeID == 0 {
			continue
		}
		if n.Role == role && strings.TrimSpace(n.Name) == want {
			return n, true
		}
	}
	return Node{}, false
}

// Box is the rendered size of an element's border box.
type Box struct {
	Width  float64
	Height float64
}

func (b Box) Visible() bool {
	return b.Width > 0 && b.Height > 0
}

// NamesByRole lists the accessible names of visible nodes with the given
// role, in document order.
func NamesByRole(nodes []RawAXNode, role string) []string {
	var out []string
	for _, n := range Flatten(nodes) {
		if n.Role == role && !n.Hidden {
			out = append(out, n.Name)
		}
	}
	return out
}
