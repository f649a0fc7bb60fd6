package workflow

import (
	"errors"
	"reflect"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func validGraph() *Graph {
	return &Graph{
		Nodes: []Node{
			{ID: "n1", Name: "Greeting", Prompt: "Greet {{first_name}} warmly.", IsStart: true},
			{ID: "n2", Name: "Qualify", Prompt: "Ask about budget.", ExtractionEnabled: true,
				ExtractionVars: []ExtractionVar{{Name: "budget", Description: "stated budget", Type: "number"}}},
			{ID: "n3", Name: "Goodbye", Prompt: "Wrap up politely.", AllowInterrupt: boolPtr(false)},
		},
		Edges: []Edge{
			{ID: "e1", Source: "n1", Target: "n2", Label: "User is interested", Condition: "the caller wants to hear more"},
			{ID: "e2", Source: "n1", Target: "n3", Label: "Not interested", Condition: "the caller declines"},
			{ID: "e3", Source: "n2", Target: "n3", Label: "Done qualifying", Condition: "budget captured"},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	g := validGraph()
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	if g.Start() == nil || g.Start().ID != "n1" {
		t.Errorf("Start() = %v, want n1", g.Start())
	}
	if got := len(g.Outgoing("n1")); got != 2 {
		t.Errorf("Outgoing(n1) = %d edges, want 2", got)
	}
	if !g.IsTerminal("n3") {
		t.Error("n3 should be terminal")
	}
	if g.IsTerminal("n1") {
		t.Error("n1 should not be terminal")
	}
	if g.Node("n2") == nil || g.Node("missing") != nil {
		t.Error("Node lookup broken")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Graph)
	}{
		{"no nodes", func(g *Graph) { g.Nodes = nil }},
		{"empty node id", func(g *Graph) { g.Nodes[1].ID = "" }},
		{"duplicate node id", func(g *Graph) { g.Nodes[1].ID = "n1" }},
		{"no start node", func(g *Graph) { g.Nodes[0].IsStart = false }},
		{"two start nodes", func(g *Graph) { g.Nodes[2].IsStart = true }},
		{"two global nodes", func(g *Graph) {
			g.Nodes[1].IsGlobal = true
			g.Nodes[2].IsGlobal = true
			g.Edges = nil
		}},
		{"global is start", func(g *Graph) { g.Nodes[0].IsGlobal = true }},
		{"unknown edge source", func(g *Graph) { g.Edges[0].Source = "nope" }},
		{"unknown edge target", func(g *Graph) { g.Edges[0].Target = "nope" }},
		{"edge on global node", func(g *Graph) { g.Nodes[2].IsGlobal = true }},
		{"unusable label", func(g *Graph) { g.Edges[0].Label = "!!!" }},
		{"duplicate transition per source", func(g *Graph) { g.Edges[1].Label = "User IS interested!" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := validGraph()
			tc.mutate(g)
			err := g.Validate()
			if !errors.Is(err, ErrInvalidGraph) {
				t.Fatalf("Validate() = %v, want ErrInvalidGraph", err)
			}
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	g := validGraph()
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}

	raw, err := g.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	g2, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse(snapshot) = %v, want nil", err)
	}

	if !reflect.DeepEqual(g.Nodes, g2.Nodes) {
		t.Errorf("nodes changed across round trip:\n%+v\n%+v", g.Nodes, g2.Nodes)
	}
	if !reflect.DeepEqual(g.Edges, g2.Edges) {
		t.Errorf("edges changed across round trip:\n%+v\n%+v", g.Edges, g2.Edges)
	}

	raw2, err := g2.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != string(raw2) {
		t.Errorf("second snapshot differs:\n%s\n%s", raw, raw2)
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{"nodes": [`)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestInterruptible(t *testing.T) {
	n := &Node{}
	if !n.Interruptible() {
		t.Error("nil AllowInterrupt should mean interruptible")
	}
	n.AllowInterrupt = boolPtr(false)
	if n.Interruptible() {
		t.Error("explicit false should disable interruption")
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"User is interested", "user_is_interested"},
		{"Not   interested!!", "not_interested"},
		{"  Needs follow-up #2 ", "needs_follow_up_2"},
		{"ALLCAPS", "allcaps"},
		{"!!!", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Slugify(tc.in); got != tc.want {
			t.Errorf("Slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
