package pipeline

import (
	"fmt"
	"strings"
)

// =============================================================================
// Definition Validation
// =============================================================================

// producer locates the action that produces an artifact.
type producer struct {
	stage    int
	runOrder int
	action   string
}

// Validate checks structural rules and artifact causality.
//
// Rules:
//  1. Definition and every stage/action are named; stage names and action
//     names are unique.
//  2. Action kinds are known and RunOrder is not negative.
//  3. Each artifact has exactly one producer.
//  4. Each input is produced by a causally-earlier action: an earlier stage,
//     or the same stage with a strictly lower RunOrder.
//  5. A self_mutate action is alone in its stage, and there is at most one.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return newValidationError("name", "pipeline name is required")
	}
	if len(d.Stages) == 0 {
		return newValidationError("stages", "pipeline must define at least one stage")
	}

	stageNames := make(map[string]bool)
	actionNames := make(map[string]bool)
	producers := make(map[string]producer)
	mutationStages := 0

	// First pass: names, kinds and producers.
	for si, stage := range d.Stages {
		field := fmt.Sprintf("stages[%d]", si)
		if err := checkStage(field, stage, stageNames); err != nil {
			return err
		}
		if stage.IsMutationPoint() {
			mutationStages++
			if len(stage.Actions) != 1 {
				return newValidationError(field, "self_mutate action must be the only action of stage %s", stage.Name)
			}
		}

		for ai, action := range stage.Actions {
			afield := fmt.Sprintf("%s.actions[%d]", field, ai)
			if err := checkAction(afield, action, actionNames); err != nil {
				return err
			}
			for _, out := range action.Outputs {
				if prev, exists := producers[out]; exists {
					return newValidationError(afield+".outputs", "artifact %s already produced by %s", out, prev.action)
				}
				producers[out] = producer{stage: si, runOrder: action.EffectiveRunOrder(), action: action.Name}
			}
		}
	}
	if mutationStages > 1 {
		return newValidationError("stages", "at most one self_mutate stage is allowed, found %d", mutationStages)
	}

	// Second pass: causality of inputs.
	for si, stage := range d.Stages {
		for ai, action := range stage.Actions {
			afield := fmt.Sprintf("stages[%d].actions[%d].inputs", si, ai)
			for _, in := range action.Inputs {
				p, ok := producers[in]
				if !ok {
					return newValidationError(afield, "artifact %s is not produced by any action", in)
				}
				if !causallyEarlier(p, si, action.EffectiveRunOrder()) {
					return newValidationError(afield, "artifact %s is produced by %s, which does not run before %s", in, p.action, action.Name)
				}
			}
		}
	}

	return nil
}

func checkStage(field string, stage Stage, seen map[string]bool) error {
	if strings.TrimSpace(stage.Name) == "" {
		return newValidationError(field+".name", "stage name is required")
	}
	if seen[stage.Name] {
		return newValidationError(field+".name", "duplicate stage name %s", stage.Name)
	}
	seen[stage.Name] = true
	if len(stage.Actions) == 0 {
		return newValidationError(field+".actions", "stage %s has no actions", stage.Name)
	}
	return nil
}

func checkAction(field string, action Action, seen map[string]bool) error {
	if strings.TrimSpace(action.Name) == "" {
		return newValidationError(field+".name", "action name is required")
	}
	if seen[action.Name] {
		return newValidationError(field+".name", "duplicate action name %s", action.Name)
	}
	seen[action.Name] = true
	if !action.Kind.IsValid() {
		return newValidationError(field+".kind", "unknown action kind %q", action.Kind)
	}
	if action.RunOrder < 0 {
		return newValidationError(field+".run_order", "run_order must not be negative")
	}
	outputs := make(map[string]bool, len(action.Outputs))
	for _, out := range action.Outputs {
		if strings.TrimSpace(out) == "" {
			return newValidationError(field+".outputs", "artifact name is required")
		}
		if outputs[out] {
			return newValidationError(field+".outputs", "duplicate output %s", out)
		}
		outputs[out] = true
	}
	for _, in := range action.Inputs {
		if outputs[in] {
			return newValidationError(field+".inputs", "action %s consumes its own output %s", action.Name, in)
		}
	}
	return nil
}

// causallyEarlier reports whether p finishes before an action at (stage, runOrder) starts.
func causallyEarlier(p producer, stage, runOrder int) bool {
	if p.stage < stage {
		return true
	}
	return p.stage == stage && p.runOrder < runOrder
}
