package fsm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlDefinition is the on-disk shape of a machine definition. Actions
// and stay handlers cannot be expressed in YAML, so transitions and
// states reference them by name; ActionRegistry resolves the names
// against Go funcs supplied by the caller.
type yamlDefinition struct {
	Name         string               `yaml:"name"`
	InitialState string               `yaml:"initial_state"`
	States       []yamlState          `yaml:"states"`
}

type yamlState struct {
	Name        string                `yaml:"name"`
	OnEntry     string                `yaml:"on_entry,omitempty"`
	OnExit      string                `yaml:"on_exit,omitempty"`
	Final       bool                  `yaml:"final,omitempty"`
	Offline     bool                  `yaml:"offline,omitempty"`
	Timeout     *yamlTimeout          `yaml:"timeout,omitempty"`
	Transitions []yamlTransition      `yaml:"transitions,omitempty"`
}

type yamlTimeout struct {
	Seconds float64 `yaml:"seconds"`
	Target  string  `yaml:"target"`
}

type yamlTransition struct {
	Event  string `yaml:"event"`
	To     string `yaml:"to,omitempty"`
	Stay   string `yaml:"stay,omitempty"`
}

// ActionRegistry resolves the string names used in a YAML machine
// definition to the Go funcs that implement them. A caller building a
// telemetry dashboard or an operator tool populates this once per
// process; LoadYAML fails fast if a referenced name is missing.
type ActionRegistry struct {
	Actions      map[string]Action
	StayHandlers map[string]StayHandler
}

// LoadYAML reads a machine definition from path and builds it against
// reg. It fails fast (as Builder.Build does) on any structural problem:
// duplicate states, dangling targets, or an action name with no
// registered implementation.
func LoadYAML(path string, reg ActionRegistry) (*Definition, error) {
	// #nosec G304 -- path is supplied by the operator loading their own machine definitions.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fsm: read definition file %s: %w", path, err)
	}

	var yd yamlDefinition
	if err := yaml.Unmarshal(data, &yd); err != nil {
		return nil, fmt.Errorf("fsm: parse definition file %s: %w", path, err)
	}

	return buildFromYAML(yd, reg)
}

func buildFromYAML(yd yamlDefinition, reg ActionRegistry) (*Definition, error) {
	b := NewBuilder(yd.Name).Initial(State(yd.InitialState))

	for _, ys := range yd.States {
		sb := b.State(State(ys.Name))

		if ys.OnEntry != "" {
			action, ok := reg.Actions[ys.OnEntry]
			if !ok {
				return nil, &ConfigError{Definition: yd.Name, Reason: fmt.Sprintf("state %q references unregistered on_entry action %q", ys.Name, ys.OnEntry)}
			}
			sb.OnEntry(action)
		}
		if ys.OnExit != "" {
			action, ok := reg.Actions[ys.OnExit]
			if !ok {
				return nil, &ConfigError{Definition: yd.Name, Reason: fmt.Sprintf("state %q references unregistered on_exit action %q", ys.Name, ys.OnExit)}
			}
			sb.OnExit(action)
		}
		if ys.Final {
			sb.Final()
		}
		if ys.Offline {
			sb.Offline()
		}
		if ys.Timeout != nil {
			sb.Timeout(ys.Timeout.Seconds, State(ys.Timeout.Target))
		}
		for _, yt := range ys.Transitions {
			switch {
			case yt.To != "":
				sb.To(EventType(yt.Event), State(yt.To))
			case yt.Stay != "":
				handler, ok := reg.StayHandlers[yt.Stay]
				if !ok {
					return nil, &ConfigError{Definition: yd.Name, Reason: fmt.Sprintf("state %q event %q references unregistered stay handler %q", ys.Name, yt.Event, yt.Stay)}
				}
				sb.Stay(EventType(yt.Event), handler)
			default:
				return nil, &ConfigError{Definition: yd.Name, Reason: fmt.Sprintf("state %q event %q declares neither to nor stay", ys.Name, yt.Event)}
			}
		}
		sb.Done()
	}

	return b.Build()
}
