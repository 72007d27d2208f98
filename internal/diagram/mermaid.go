// Package diagram renders workflow graphs as Mermaid flowcharts for
// documentation and debugging.
package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// RenderMermaid renders a graph as a Mermaid flowchart string. State shape
// follows the state type: tasks are boxes, choices diamonds, waits
// stadiums, passes hexagons, terminals circles. Map iterators become
// subgraphs with their states prefixed by the map state's ID.
func RenderMermaid(g *flow.Graph) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if g.Name != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", g.Name))
	}

	b.WriteString(fmt.Sprintf("    %s((start)) --> %s\n", safeID(g.Name+"_start"), safeID(g.StartAt)))
	renderStates(&b, g, "", "    ")

	b.WriteString("\n")
	b.WriteString("    classDef task fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef choice fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef terminal fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failure fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	applyClasses(&b, g, "")

	return b.String()
}

// renderStates writes node definitions and edges for one graph level.
// prefix namespaces iterator states under their map state.
func renderStates(b *strings.Builder, g *flow.Graph, prefix, indent string) {
	for _, id := range sortedStateIDs(g) {
		st := g.States[id]
		nodeID := safeID(prefix + id)
		b.WriteString(indent + nodeDef(nodeID, id, st) + "\n")

		switch st.Type {
		case flow.StateTask:
			writeEdge(b, indent, nodeID, safeID(prefix+st.Next), "")
			if st.Catch != nil {
				b.WriteString(fmt.Sprintf("%s%s -.->|catch| %s\n",
					indent, nodeID, safeID(prefix+st.Catch.Next)))
			}

		case flow.StateChoice:
			for _, rule := range st.Choices {
				writeEdge(b, indent, nodeID, safeID(prefix+rule.Next), rule.When)
			}
			writeEdge(b, indent, nodeID, safeID(prefix+st.Otherwise), "otherwise")

		case flow.StateMap:
			iterPrefix := prefix + id + "_"
			b.WriteString(fmt.Sprintf("%ssubgraph %s[\"%s: per item\"]\n",
				indent, safeID(prefix+id+"_iter"), id))
			b.WriteString(fmt.Sprintf("%s    %s((item)) --> %s\n",
				indent, safeID(iterPrefix+"start"), safeID(iterPrefix+st.Iterator.StartAt)))
			renderStates(b, st.Iterator, iterPrefix, indent+"    ")
			b.WriteString(indent + "end\n")
			writeEdge(b, indent, nodeID, safeID(prefix+id+"_iter"), "fan out")
			b.WriteString(fmt.Sprintf("%s%s -->|join| %s\n",
				indent, safeID(prefix+id+"_iter"), safeID(prefix+st.Next)))

		case flow.StateWait:
			writeEdge(b, indent, nodeID, safeID(prefix+st.Next), st.Duration.String())

		case flow.StatePass:
			writeEdge(b, indent, nodeID, safeID(prefix+st.Next), "")
		}
	}
}

func writeEdge(b *strings.Builder, indent, from, to, label string) {
	if label != "" {
		b.WriteString(fmt.Sprintf("%s%s -->|%s| %s\n", indent, from, escapeLabel(label), to))
		return
	}
	b.WriteString(fmt.Sprintf("%s%s --> %s\n", indent, from, to))
}

// nodeDef returns a node definition with the shape for the state type.
func nodeDef(nodeID, label string, st *flow.State) string {
	switch st.Type {
	case flow.StateChoice:
		return fmt.Sprintf("%s{%q}", nodeID, label)
	case flow.StateWait:
		return fmt.Sprintf("%s([%q])", nodeID, label)
	case flow.StateMap:
		return fmt.Sprintf("%s[[%q]]", nodeID, label)
	case flow.StatePass:
		return fmt.Sprintf("%s{{%q}}", nodeID, label)
	case flow.StateSucceed, flow.StateFail:
		return fmt.Sprintf("%s((%q))", nodeID, label)
	default:
		return fmt.Sprintf("%s[%q]", nodeID, label)
	}
}

func applyClasses(b *strings.Builder, g *flow.Graph, prefix string) {
	for _, id := range sortedStateIDs(g) {
		st := g.States[id]
		switch st.Type {
		case flow.StateTask:
			b.WriteString(fmt.Sprintf("    class %s task\n", safeID(prefix+id)))
		case flow.StateChoice:
			b.WriteString(fmt.Sprintf("    class %s choice\n", safeID(prefix+id)))
		case flow.StateSucceed:
			b.WriteString(fmt.Sprintf("    class %s terminal\n", safeID(prefix+id)))
		case flow.StateFail:
			b.WriteString(fmt.Sprintf("    class %s failure\n", safeID(prefix+id)))
		case flow.StateMap:
			applyClasses(b, st.Iterator, prefix+id+"_")
		}
	}
}

func sortedStateIDs(g *flow.Graph) []string {
	ids := make([]string, 0, len(g.States))
	for id := range g.States {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// safeID converts a state ID to a Mermaid-safe identifier.
func safeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", "#", "_")
	return r.Replace(id)
}

// escapeLabel strips characters Mermaid treats as edge syntax.
func escapeLabel(s string) string {
	r := strings.NewReplacer("|", "/", "\"", "'", "\n", " ")
	return r.Replace(s)
}
