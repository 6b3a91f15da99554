package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// DomainDefinition prefixes definition hashes. The version suffix allows the
// canonical form to change without colliding with older hashes.
const DomainDefinition = "sampipe/definition/v1"

// =============================================================================
// Canonical Form
// =============================================================================

// MarshalDefinition encodes def as stable JSON. Empty and nil collections
// encode identically, so two definitions that compare equal field by field
// always produce the same bytes.
func MarshalDefinition(def Definition) ([]byte, error) {
	data, err := json.Marshal(normalize(def))
	if err != nil {
		return nil, fmt.Errorf("marshal definition %s: %w", def.Name, err)
	}
	return data, nil
}

// UnmarshalDefinition decodes a definition and rejects unknown fields.
func UnmarshalDefinition(data []byte) (Definition, error) {
	var def Definition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("%w: decode: %v", ErrInvalidDefinition, err)
	}
	return def, nil
}

// Hash returns the content hash of def: SHA256(domain + 0x00 + canonical JSON).
func Hash(def Definition) (string, error) {
	data, err := MarshalDefinition(def)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(DomainDefinition))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Equal reports whether a and b have the same canonical form.
func Equal(a, b Definition) bool {
	ha, errA := Hash(a)
	hb, errB := Hash(b)
	return errA == nil && errB == nil && ha == hb
}

func normalize(def Definition) Definition {
	out := def.Clone()
	if len(out.Stages) == 0 {
		out.Stages = []Stage{}
	}
	for i := range out.Stages {
		if len(out.Stages[i].Actions) == 0 {
			out.Stages[i].Actions = []Action{}
		}
		for j := range out.Stages[i].Actions {
			a := &out.Stages[i].Actions[j]
			a.RunOrder = a.EffectiveRunOrder()
			if len(a.Inputs) == 0 {
				a.Inputs = nil
			}
			if len(a.Outputs) == 0 {
				a.Outputs = nil
			}
			if len(a.Config) == 0 {
				a.Config = nil
			}
			if len(a.Policies) == 0 {
				a.Policies = nil
			}
			for k := range a.Policies {
				if a.Policies[k].Actions == nil {
					a.Policies[k].Actions = []string{}
				}
				if a.Policies[k].Resources == nil {
					a.Policies[k].Resources = []string{}
				}
			}
		}
	}
	return out
}

// =============================================================================
// Diff
// =============================================================================

// ChangeType classifies a difference between two definitions.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
)

// Change is one difference between a live and a next definition.
// Action is empty for stage-level changes.
type Change struct {
	Type   ChangeType `json:"type"`
	Stage  string     `json:"stage"`
	Action string     `json:"action,omitempty"`
}

func (c Change) String() string {
	if c.Action == "" {
		return fmt.Sprintf("%s stage %s", c.Type, c.Stage)
	}
	return fmt.Sprintf("%s action %s/%s", c.Type, c.Stage, c.Action)
}

// Diff lists the stage and action changes that turn live into next.
// A stage whose position changed is reported as modified.
func Diff(live, next Definition) []Change {
	var changes []Change

	liveStages := indexStages(live)
	nextStages := indexStages(next)

	for i, stage := range next.Stages {
		prev, ok := liveStages[stage.Name]
		if !ok {
			changes = append(changes, Change{Type: ChangeAdded, Stage: stage.Name})
			continue
		}
		stageChanges := diffActions(stage.Name, live.Stages[prev].Actions, stage.Actions)
		if prev != i && len(stageChanges) == 0 {
			changes = append(changes, Change{Type: ChangeModified, Stage: stage.Name})
		}
		changes = append(changes, stageChanges...)
	}
	for _, stage := range live.Stages {
		if _, ok := nextStages[stage.Name]; !ok {
			changes = append(changes, Change{Type: ChangeRemoved, Stage: stage.Name})
		}
	}
	return changes
}

func indexStages(def Definition) map[string]int {
	idx := make(map[string]int, len(def.Stages))
	for i, s := range def.Stages {
		idx[s.Name] = i
	}
	return idx
}

func diffActions(stage string, live, next []Action) []Change {
	liveByName := make(map[string]Action, len(live))
	for _, a := range live {
		liveByName[a.Name] = a
	}
	nextByName := make(map[string]bool, len(next))

	var changes []Change
	for _, a := range next {
		nextByName[a.Name] = true
		prev, ok := liveByName[a.Name]
		if !ok {
			changes = append(changes, Change{Type: ChangeAdded, Stage: stage, Action: a.Name})
			continue
		}
		if !actionsEqual(prev, a) {
			changes = append(changes, Change{Type: ChangeModified, Stage: stage, Action: a.Name})
		}
	}

	var removed []string
	for name := range liveByName {
		if !nextByName[name] {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	for _, name := range removed {
		changes = append(changes, Change{Type: ChangeRemoved, Stage: stage, Action: name})
	}
	return changes
}

func actionsEqual(a, b Action) bool {
	wrap := func(x Action) Definition {
		return Definition{Stages: []Stage{{Actions: []Action{x}}}}
	}
	da, errA := MarshalDefinition(wrap(a))
	db, errB := MarshalDefinition(wrap(b))
	return errA == nil && errB == nil && bytes.Equal(da, db)
}
