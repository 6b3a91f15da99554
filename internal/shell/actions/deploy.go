package actions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/deploy"
	"github.com/konpol/sampipe/internal/shell/orchestrator"
)

// DeployRunner declares the function against the most recently published
// image and writes the deployment result as its output.
//
// Config keys:
//
//	function     function name (default: the lower-cased action name)
//	memory_mb    memory size
//	timeout_sec  invocation timeout
//	env.NAME     function environment variable
type DeployRunner struct {
	deployer *deploy.Deployer
}

func NewDeployRunner(d *deploy.Deployer) *DeployRunner {
	return &DeployRunner{deployer: d}
}

func (r *DeployRunner) Run(ctx context.Context, ac *orchestrator.ActionContext) error {
	a := ac.Action
	memory, err := configInt32(a, "memory_mb")
	if err != nil {
		return pipeline.NewError(pipeline.ErrDeployment, "deploy", err)
	}
	timeout, err := configInt32(a, "timeout_sec")
	if err != nil {
		return pipeline.NewError(pipeline.ErrDeployment, "deploy", err)
	}

	result, err := r.deployer.Deploy(ctx, deploy.FunctionSpec{
		Name:        a.ConfigValue("function", strings.ToLower(a.Name)),
		MemoryMB:    memory,
		TimeoutSec:  timeout,
		Environment: prefixed(a.Config, "env."),
	})
	if err != nil {
		return err
	}

	if out := primaryOutput(a); out != "" {
		data, err := json.Marshal(result)
		if err != nil {
			return pipeline.NewError(pipeline.ErrDeployment, "encode result", err)
		}
		if _, err := ac.WriteOutputBytes(ctx, out, data); err != nil {
			return err
		}
	}
	ac.Logger.Info("function deployed", "function", result.Function, "image", result.Image, "endpoint", result.Endpoint)
	return nil
}
