// Package workflow models the conversational node/edge graph a call
// traverses.
//
// Graphs are authored externally and stored as versioned JSON snapshots. This
// package parses snapshots, enforces structural invariants, and answers the
// traversal queries the engine needs (start node, outgoing edges, terminal
// checks). Parsing and validation happen once per call at pipeline start; the
// parsed Graph is immutable afterwards.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidGraph wraps all structural validation failures.
var ErrInvalidGraph = errors.New("workflow: invalid graph")

// ExtractionVar declares one variable the engine extracts from conversation
// history when leaving a node.
type ExtractionVar struct {
	// Name is the key the value lands under in gathered context.
	Name string `json:"name"`

	// Description tells the extraction model what to look for.
	Description string `json:"description"`

	// Type is a JSON Schema primitive type ("string", "number", "boolean").
	Type string `json:"type"`
}

// Node is one conversational state.
type Node struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Prompt is the node's system prompt. Rendered through {{variable}}
	// templating over the call context before reaching the LLM.
	Prompt string `json:"prompt"`

	// IsStart marks the entry node. Exactly one node per graph.
	IsStart bool `json:"is_start,omitempty"`

	// IsGlobal marks the optional global node whose prompt is prepended to
	// every other node's prompt. At most one per graph; a global node has no
	// edges of its own.
	IsGlobal bool `json:"is_global,omitempty"`

	// AllowInterrupt permits the caller to barge in while the bot speaks in
	// this node. Nil means true.
	AllowInterrupt *bool `json:"allow_interrupt,omitempty"`

	// ExtractionEnabled turns on variable extraction when leaving this node.
	ExtractionEnabled bool `json:"extraction_enabled,omitempty"`

	// ExtractionVars are the variables to extract.
	ExtractionVars []ExtractionVar `json:"extraction_variables,omitempty"`

	// ToolUUIDs reference custom tools registered while this node is active.
	ToolUUIDs []string `json:"tool_uuids,omitempty"`

	// DocumentUUIDs enable knowledge-base retrieval over these documents.
	DocumentUUIDs []string `json:"document_uuids,omitempty"`
}

// Interruptible reports whether barge-in is allowed in this node.
func (n *Node) Interruptible() bool {
	return n.AllowInterrupt == nil || *n.AllowInterrupt
}

// Edge is a labeled transition between two nodes. The label becomes an
// LLM-facing transition function name (slugified); the condition becomes its
// description.
type Edge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Label     string `json:"label"`
	Condition string `json:"condition"`
}

// Graph is a parsed, validated workflow graph.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	nodesByID map[string]*Node
	outgoing  map[string][]Edge
	start     *Node
	global    *Node
}

// Parse unmarshals and validates a graph snapshot.
func Parse(snapshot []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(snapshot, &g); err != nil {
		return nil, fmt.Errorf("workflow: parse snapshot: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Snapshot serializes the graph back to its JSON form. A validated graph
// re-serialized and re-parsed is structurally identical.
func (g *Graph) Snapshot() ([]byte, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("workflow: snapshot: %w", err)
	}
	return raw, nil
}

// Validate checks the structural invariants and builds the internal indexes.
// It is called by Parse; call it directly only on hand-constructed graphs.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidGraph)
	}

	g.nodesByID = make(map[string]*Node, len(g.Nodes))
	g.outgoing = make(map[string][]Edge)
	g.start = nil
	g.global = nil

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("%w: node %d has empty id", ErrInvalidGraph, i)
		}
		if _, dup := g.nodesByID[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, n.ID)
		}
		g.nodesByID[n.ID] = n

		if n.IsStart {
			if g.start != nil {
				return fmt.Errorf("%w: multiple start nodes (%q, %q)", ErrInvalidGraph, g.start.ID, n.ID)
			}
			g.start = n
		}
		if n.IsGlobal {
			if g.global != nil {
				return fmt.Errorf("%w: multiple global nodes (%q, %q)", ErrInvalidGraph, g.global.ID, n.ID)
			}
			g.global = n
		}
	}
	if g.start == nil {
		return fmt.Errorf("%w: no start node", ErrInvalidGraph)
	}
	if g.global != nil && g.global.IsStart {
		return fmt.Errorf("%w: global node %q cannot be the start node", ErrInvalidGraph, g.global.ID)
	}

	seenLabels := make(map[string]map[string]bool) // source -> slug set
	for i, e := range g.Edges {
		if _, ok := g.nodesByID[e.Source]; !ok {
			return fmt.Errorf("%w: edge %d references unknown source %q", ErrInvalidGraph, i, e.Source)
		}
		if _, ok := g.nodesByID[e.Target]; !ok {
			return fmt.Errorf("%w: edge %d references unknown target %q", ErrInvalidGraph, i, e.Target)
		}
		if g.global != nil && (e.Source == g.global.ID || e.Target == g.global.ID) {
			return fmt.Errorf("%w: global node %q must not have edges", ErrInvalidGraph, g.global.ID)
		}
		slug := Slugify(e.Label)
		if slug == "" {
			return fmt.Errorf("%w: edge %d (%q -> %q) has no usable label", ErrInvalidGraph, i, e.Source, e.Target)
		}
		if seenLabels[e.Source] == nil {
			seenLabels[e.Source] = make(map[string]bool)
		}
		if seenLabels[e.Source][slug] {
			return fmt.Errorf("%w: node %q has duplicate transition %q", ErrInvalidGraph, e.Source, slug)
		}
		seenLabels[e.Source][slug] = true

		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}

	return nil
}

// Start returns the entry node.
func (g *Graph) Start() *Node { return g.start }

// Global returns the optional global node, or nil.
func (g *Graph) Global() *Node { return g.global }

// Node returns a node by id, or nil.
func (g *Graph) Node(id string) *Node { return g.nodesByID[id] }

// Outgoing returns the outgoing edges of a node in declaration order.
func (g *Graph) Outgoing(id string) []Edge { return g.outgoing[id] }

// IsTerminal reports whether a node has no outgoing edges. Entering a
// terminal node ends the call once the bot finishes speaking.
func (g *Graph) IsTerminal(id string) bool {
	return len(g.outgoing[id]) == 0
}

// Slugify converts an edge label into an LLM-safe function name: lowercase
// alphanumerics with single underscores.
func Slugify(label string) string {
	var b strings.Builder
	lastUnderscore := true // suppress leading underscore
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
