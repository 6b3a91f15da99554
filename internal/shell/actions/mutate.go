package actions

import (
	"context"

	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/controller"
	"github.com/konpol/sampipe/internal/shell/orchestrator"
)

// MutateRunner hands the synthesized definition to the controller and, when
// it differs from the definition the execution runs, switches the execution
// onto it.
type MutateRunner struct {
	controller *controller.Controller
}

func NewMutateRunner(c *controller.Controller) *MutateRunner {
	return &MutateRunner{controller: c}
}

func (r *MutateRunner) Run(ctx context.Context, ac *orchestrator.ActionContext) error {
	in, err := primaryInput(ac.Action)
	if err != nil {
		return pipeline.NewError(pipeline.ErrSelfMutation, "self mutate", err)
	}
	data, err := ac.ReadInput(ctx, in)
	if err != nil {
		return pipeline.NewError(pipeline.ErrSelfMutation, "read "+in, err)
	}

	out, err := r.controller.Reconcile(ctx, controller.Input{
		Pipeline:    ac.Pipeline,
		Synthesized: data,
		RunningHash: ac.DefinitionHash,
	})
	if err != nil {
		return err
	}
	if !out.Replace {
		ac.Logger.Info("pipeline definition unchanged", "hash", out.Decision.NextHash)
		return nil
	}

	ac.Logger.Info("switching to synthesized definition",
		"version", out.Version,
		"saved", out.Applied,
		"changes", len(out.Decision.Changes),
	)
	return ac.ApplyDefinition(out.Definition)
}
