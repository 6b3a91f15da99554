// Package synth turns the pipeline definition file checked into the source
// tree into a pipeline.Definition.
//
// The file is HCL:
//
//	variable "region" { default = "eu-central-1" }
//
//	pipeline "sam-pipeline" {
//	  stage "Source" {
//	    action "Checkout" {
//	      kind    = "source"
//	      outputs = ["source"]
//	    }
//	  }
//	  stage "Synth" {
//	    action "Build" {
//	      kind      = "build_publish"
//	      run_order = 1
//	      inputs    = ["source"]
//	      environment {
//	        privileged = true
//	      }
//	      config = { region = var.region }
//	    }
//	  }
//	}
//
// Variables are exposed as var.<name>. Defaults must be constant; callers
// may override any variable.
package synth

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/konpol/sampipe/internal/core/pipeline"
)

// DefaultFile is the definition file looked up at the source root.
const DefaultFile = "pipeline.hcl"

var (
	ErrNoPipeline       = errors.New("no pipeline block found")
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrMissingVariable  = errors.New("variable has no value")
)

// =============================================================================
// HCL Schema
// =============================================================================

type variablesRoot struct {
	Variables []*variableBlock `hcl:"variable,block"`
	Remain    hcl.Body         `hcl:",remain"`
}

type variableBlock struct {
	Name        string         `hcl:"name,label"`
	Default     hcl.Expression `hcl:"default,optional"`
	Description *string        `hcl:"description,optional"`
}

type pipelinesRoot struct {
	Pipelines []*pipelineBlock `hcl:"pipeline,block"`
}

type pipelineBlock struct {
	Name   string        `hcl:"name,label"`
	Stages []*stageBlock `hcl:"stage,block"`
}

type stageBlock struct {
	Name    string         `hcl:"name,label"`
	Actions []*actionBlock `hcl:"action,block"`
}

type actionBlock struct {
	Name        string            `hcl:"name,label"`
	Kind        string            `hcl:"kind"`
	RunOrder    *int              `hcl:"run_order,optional"`
	Inputs      []string          `hcl:"inputs,optional"`
	Outputs     []string          `hcl:"outputs,optional"`
	Environment *environmentBlock `hcl:"environment,block"`
	Policies    []*policyBlock    `hcl:"policy,block"`
	Config      map[string]string `hcl:"config,optional"`
}

type environmentBlock struct {
	BuildImage *string `hcl:"build_image,optional"`
	Privileged *bool   `hcl:"privileged,optional"`
}

type policyBlock struct {
	Actions   []string `hcl:"actions"`
	Resources []string `hcl:"resources"`
}

// =============================================================================
// Synthesis
// =============================================================================

// Options controls synthesis.
type Options struct {
	// Pipeline selects a pipeline block by name. Empty selects the only one.
	Pipeline string
	// Vars override variable defaults.
	Vars map[string]string
}

// SynthesizeFile reads and synthesizes a definition file.
func SynthesizeFile(filename string, opts Options) (pipeline.Definition, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return pipeline.Definition{}, fmt.Errorf("read %s: %w", filename, err)
	}
	return Synthesize(src, filename, opts)
}

// Synthesize parses src and returns the validated definition. Identical
// input always yields a definition with the same hash.
func Synthesize(src []byte, filename string, opts Options) (pipeline.Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return pipeline.Definition{}, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var vroot variablesRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &vroot); diags.HasErrors() {
		return pipeline.Definition{}, fmt.Errorf("failed to decode variables in %s: %w", filename, diags)
	}
	evalCtx, err := buildEvalContext(vroot.Variables, opts.Vars)
	if err != nil {
		return pipeline.Definition{}, err
	}

	var proot pipelinesRoot
	if diags := gohcl.DecodeBody(vroot.Remain, evalCtx, &proot); diags.HasErrors() {
		return pipeline.Definition{}, fmt.Errorf("failed to decode pipeline in %s: %w", filename, diags)
	}

	block, err := selectPipeline(proot.Pipelines, opts.Pipeline)
	if err != nil {
		return pipeline.Definition{}, err
	}

	def := translate(block)
	if err := def.Validate(); err != nil {
		return pipeline.Definition{}, err
	}
	return def, nil
}

func buildEvalContext(vars []*variableBlock, overrides map[string]string) (*hcl.EvalContext, error) {
	values := make(map[string]cty.Value, len(vars))
	for _, v := range vars {
		if override, ok := overrides[v.Name]; ok {
			values[v.Name] = cty.StringVal(override)
			continue
		}
		val := cty.NullVal(cty.DynamicPseudoType)
		if v.Default != nil {
			var diags hcl.Diagnostics
			val, diags = v.Default.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("variable %q default: %w", v.Name, diags)
			}
		}
		if val.IsNull() {
			return nil, fmt.Errorf("%w: %s", ErrMissingVariable, v.Name)
		}
		if val.Type().IsPrimitiveType() {
			converted, err := convert.Convert(val, cty.String)
			if err != nil {
				return nil, fmt.Errorf("variable %q: %w", v.Name, err)
			}
			val = converted
		}
		values[v.Name] = val
	}
	if len(values) == 0 {
		return &hcl.EvalContext{Variables: map[string]cty.Value{"var": cty.EmptyObjectVal}}, nil
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"var": cty.ObjectVal(values)}}, nil
}

func selectPipeline(blocks []*pipelineBlock, name string) (*pipelineBlock, error) {
	if len(blocks) == 0 {
		return nil, ErrNoPipeline
	}
	if name == "" {
		if len(blocks) > 1 {
			names := make([]string, 0, len(blocks))
			for _, b := range blocks {
				names = append(names, b.Name)
			}
			sort.Strings(names)
			return nil, fmt.Errorf("%w: several pipelines defined (%v), choose one", ErrPipelineNotFound, names)
		}
		return blocks[0], nil
	}
	for _, b := range blocks {
		if b.Name == name {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
}

func translate(block *pipelineBlock) pipeline.Definition {
	def := pipeline.Definition{Name: block.Name}
	for _, s := range block.Stages {
		stage := pipeline.Stage{Name: s.Name}
		for _, a := range s.Actions {
			action := pipeline.Action{
				Name:    a.Name,
				Kind:    pipeline.ActionKind(a.Kind),
				Inputs:  a.Inputs,
				Outputs: a.Outputs,
				Config:  a.Config,
			}
			if a.RunOrder != nil {
				action.RunOrder = *a.RunOrder
			}
			if a.Environment != nil {
				if a.Environment.BuildImage != nil {
					action.Environment.BuildImage = *a.Environment.BuildImage
				}
				if a.Environment.Privileged != nil {
					action.Environment.Privileged = *a.Environment.Privileged
				}
			}
			for _, p := range a.Policies {
				action.Policies = append(action.Policies, pipeline.PolicyStatement{
					Actions:   p.Actions,
					Resources: p.Resources,
				})
			}
			stage.Actions = append(stage.Actions, action)
		}
		def.Stages = append(def.Stages, stage)
	}
	return def
}
