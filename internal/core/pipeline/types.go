package pipeline

import (
	"sort"
)

// =============================================================================
// Action Kinds
// =============================================================================

// ActionKind selects the runner that executes an action.
type ActionKind string

const (
	KindSource       ActionKind = "source"
	KindSynth        ActionKind = "synth"
	KindBuildPublish ActionKind = "build_publish"
	KindSelfMutate   ActionKind = "self_mutate"
	KindDeploy       ActionKind = "deploy"
)

// validKinds lists every kind a definition may reference.
var validKinds = map[ActionKind]bool{
	KindSource:       true,
	KindSynth:        true,
	KindBuildPublish: true,
	KindSelfMutate:   true,
	KindDeploy:       true,
}

// IsValid reports whether k is a known action kind.
func (k ActionKind) IsValid() bool {
	return validKinds[k]
}

// =============================================================================
// Definition Types
// =============================================================================

// Definition is an ordered sequence of stages. Its identity is Name.
type Definition struct {
	Name   string  `json:"name"`
	Stages []Stage `json:"stages"`
}

// Stage is a named set of actions. Actions sharing a RunOrder run concurrently;
// groups run in ascending RunOrder.
type Stage struct {
	Name    string   `json:"name"`
	Actions []Action `json:"actions"`
}

// Action is a unit of work with declared artifact inputs and outputs.
type Action struct {
	Name        string            `json:"name"`
	Kind        ActionKind        `json:"kind"`
	RunOrder    int               `json:"run_order"`
	Inputs      []string          `json:"inputs,omitempty"`
	Outputs     []string          `json:"outputs,omitempty"`
	Environment Environment       `json:"environment"`
	Policies    []PolicyStatement `json:"policies,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
}

// Environment describes where an action executes.
type Environment struct {
	BuildImage string `json:"build_image,omitempty"`
	Privileged bool   `json:"privileged,omitempty"`
}

// PolicyStatement grants an action permission to perform Actions on Resources.
type PolicyStatement struct {
	Actions   []string `json:"actions"`
	Resources []string `json:"resources"`
}

// ActionGroup is the set of actions of one stage sharing a RunOrder.
type ActionGroup struct {
	RunOrder int
	Actions  []Action
}

// DefaultRunOrder is used when an action does not set RunOrder.
const DefaultRunOrder = 1

// =============================================================================
// Accessors
// =============================================================================

// Groups returns the stage's actions grouped by RunOrder, ascending.
// Action order inside a group follows declaration order.
func (s Stage) Groups() []ActionGroup {
	byOrder := make(map[int][]Action)
	for _, a := range s.Actions {
		order := a.EffectiveRunOrder()
		byOrder[order] = append(byOrder[order], a)
	}

	orders := make([]int, 0, len(byOrder))
	for order := range byOrder {
		orders = append(orders, order)
	}
	sort.Ints(orders)

	groups := make([]ActionGroup, 0, len(orders))
	for _, order := range orders {
		groups = append(groups, ActionGroup{RunOrder: order, Actions: byOrder[order]})
	}
	return groups
}

// IsMutationPoint reports whether the stage hosts the self-mutation action.
func (s Stage) IsMutationPoint() bool {
	for _, a := range s.Actions {
		if a.Kind == KindSelfMutate {
			return true
		}
	}
	return false
}

// EffectiveRunOrder returns RunOrder, defaulting zero to DefaultRunOrder.
func (a Action) EffectiveRunOrder() int {
	if a.RunOrder == 0 {
		return DefaultRunOrder
	}
	return a.RunOrder
}

// Declares reports whether name is one of the action's inputs or outputs.
func (a Action) Declares(name string) (input, output bool) {
	for _, in := range a.Inputs {
		if in == name {
			input = true
		}
	}
	for _, out := range a.Outputs {
		if out == name {
			output = true
		}
	}
	return input, output
}

// ConfigValue returns Config[key] or def when unset or empty.
func (a Action) ConfigValue(key, def string) string {
	if v, ok := a.Config[key]; ok && v != "" {
		return v
	}
	return def
}

// StageIndex returns the index of the named stage, or -1.
func (d Definition) StageIndex(name string) int {
	for i, s := range d.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// FindAction returns the stage and action with the given action name.
func (d Definition) FindAction(name string) (Stage, Action, bool) {
	for _, s := range d.Stages {
		for _, a := range s.Actions {
			if a.Name == name {
				return s, a, true
			}
		}
	}
	return Stage{}, Action{}, false
}

// Clone returns a deep copy of the definition.
func (d Definition) Clone() Definition {
	out := Definition{Name: d.Name, Stages: make([]Stage, len(d.Stages))}
	for i, s := range d.Stages {
		stage := Stage{Name: s.Name, Actions: make([]Action, len(s.Actions))}
		for j, a := range s.Actions {
			stage.Actions[j] = a.clone()
		}
		out.Stages[i] = stage
	}
	return out
}

func (a Action) clone() Action {
	c := a
	c.Inputs = append([]string(nil), a.Inputs...)
	c.Outputs = append([]string(nil), a.Outputs...)
	if a.Policies != nil {
		c.Policies = make([]PolicyStatement, len(a.Policies))
		for i, p := range a.Policies {
			c.Policies[i] = PolicyStatement{
				Actions:   append([]string(nil), p.Actions...),
				Resources: append([]string(nil), p.Resources...),
			}
		}
	}
	if a.Config != nil {
		c.Config = make(map[string]string, len(a.Config))
		for k, v := range a.Config {
			c.Config[k] = v
		}
	}
	return c
}
