package fsm

import (
	"fmt"
	"sort"
	"strings"
)

// Visualizer renders a Definition as a Mermaid or ASCII diagram, for
// debugging. The debug channel's GET_REGISTRY_STATE reply carries
// registry counters, not a diagram.
type Visualizer struct {
	def *Definition
}

// NewVisualizer wraps a built definition for rendering.
func NewVisualizer(def *Definition) *Visualizer {
	return &Visualizer{def: def}
}

// ToMermaid renders the definition as a Mermaid stateDiagram-v2 block.
func (v *Visualizer) ToMermaid() string {
	var b strings.Builder
	b.WriteString("stateDiagram-v2\n")
	fmt.Fprintf(&b, "    [*] --> %s\n", v.def.InitialState)

	names := v.sortedStates()
	for _, name := range names {
		st := v.def.states[name]
		if st.final {
			fmt.Fprintf(&b, "    %s --> [*]\n", name)
		}
		events := sortedEvents(st.transitions)
		for _, evt := range events {
			tr := st.transitions[evt]
			switch tr.kind {
			case kindTo:
				fmt.Fprintf(&b, "    %s --> %s : %s\n", name, tr.target, evt)
			case kindStay:
				fmt.Fprintf(&b, "    %s --> %s : %s (stay)\n", name, name, evt)
			}
		}
		if st.timeout != nil {
			fmt.Fprintf(&b, "    %s --> %s : TIMEOUT(%.0fs)\n", name, st.timeout.target, st.timeout.seconds)
		}
	}
	return b.String()
}

// ToASCII renders a compact, greppable transition table.
func (v *Visualizer) ToASCII() string {
	var b strings.Builder
	fmt.Fprintf(&b, "machine: %s (initial=%s)\n", v.def.Name, v.def.InitialState)

	for _, name := range v.sortedStates() {
		st := v.def.states[name]
		tags := []string{}
		if name == v.def.InitialState {
			tags = append(tags, "initial")
		}
		if st.final {
			tags = append(tags, "final")
		}
		if st.offline {
			tags = append(tags, "offline")
		}
		tagStr := ""
		if len(tags) > 0 {
			tagStr = " [" + strings.Join(tags, ",") + "]"
		}
		fmt.Fprintf(&b, "  %s%s\n", name, tagStr)

		for _, evt := range sortedEvents(st.transitions) {
			tr := st.transitions[evt]
			switch tr.kind {
			case kindTo:
				fmt.Fprintf(&b, "    --%s--> %s\n", evt, tr.target)
			case kindStay:
				fmt.Fprintf(&b, "    --%s--> (stay)\n", evt)
			}
		}
		if st.timeout != nil {
			fmt.Fprintf(&b, "    --TIMEOUT(%.0fs)--> %s\n", st.timeout.seconds, st.timeout.target)
		}
	}
	return b.String()
}

func (v *Visualizer) sortedStates() []State {
	names := make([]State, 0, len(v.def.states))
	for n := range v.def.states {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func sortedEvents(m map[EventType]transition) []EventType {
	names := make([]EventType, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
