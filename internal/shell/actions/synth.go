package actions

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/orchestrator"
	"github.com/konpol/sampipe/internal/shell/synth"
)

// SynthRunner evaluates the pipeline definition file of the source artifact
// and writes the canonical definition as its output.
//
// Config keys:
//
//	file      definition file relative to the source root (default pipeline.hcl)
//	pipeline  pipeline block to select (default: the running pipeline)
//	var.NAME  variable override
type SynthRunner struct {
	scratch string
}

func NewSynthRunner(scratch string) *SynthRunner {
	return &SynthRunner{scratch: scratch}
}

func (r *SynthRunner) Run(ctx context.Context, ac *orchestrator.ActionContext) error {
	in, err := primaryInput(ac.Action)
	if err != nil {
		return pipeline.NewError(pipeline.ErrSynth, "synth", err)
	}
	out := primaryOutput(ac.Action)
	if out == "" {
		return pipeline.NewError(pipeline.ErrSynth, "synth", errors.New("action declares no output"))
	}

	dir, err := extractInput(ctx, ac, in, r.scratch)
	if err != nil {
		return pipeline.NewError(pipeline.ErrSynth, "open source", err)
	}
	defer os.RemoveAll(dir)

	file := filepath.Join(dir, filepath.FromSlash(ac.Action.ConfigValue("file", synth.DefaultFile)))
	def, err := synth.SynthesizeFile(file, synth.Options{
		Pipeline: ac.Action.ConfigValue("pipeline", ac.Pipeline),
		Vars:     prefixed(ac.Action.Config, "var."),
	})
	if err != nil {
		return pipeline.NewError(pipeline.ErrSynth, "synthesize", err)
	}

	data, err := pipeline.MarshalDefinition(def)
	if err != nil {
		return pipeline.NewError(pipeline.ErrSynth, "encode definition", err)
	}
	if _, err := ac.WriteOutputBytes(ctx, out, data); err != nil {
		return err
	}

	hash, _ := pipeline.Hash(def)
	ac.Logger.Info("definition synthesized", "pipeline", def.Name, "stages", len(def.Stages), "hash", hash)
	return nil
}
