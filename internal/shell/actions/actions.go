// Package actions implements the runners for every action kind and wires
// them into an orchestrator registry.
package actions

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/konpol/sampipe/internal/core/params"
	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/controller"
	"github.com/konpol/sampipe/internal/shell/deploy"
	"github.com/konpol/sampipe/internal/shell/docker"
	"github.com/konpol/sampipe/internal/shell/orchestrator"
	"github.com/konpol/sampipe/internal/shell/paramstore"
	"github.com/konpol/sampipe/internal/shell/registry"
	"github.com/konpol/sampipe/internal/shell/source"
	"github.com/konpol/sampipe/internal/shell/telemetry"
)

// Deps are the collaborators of the runners. A runner is registered only
// when its collaborators are present.
type Deps struct {
	Fetcher    source.Fetcher
	Docker     docker.Client
	Registry   registry.Registry
	Params     paramstore.Store
	Keys       params.Keys
	Region     string
	Controller *controller.Controller
	Deployer   *deploy.Deployer
	Metrics    *telemetry.Metrics

	// ScratchDir holds extracted sources; empty uses the system temp dir.
	ScratchDir string
}

// Register installs a runner for every kind whose collaborators are set.
func Register(reg *orchestrator.Registry, deps Deps) {
	if deps.Fetcher != nil {
		reg.Register(pipeline.KindSource, NewSourceRunner(deps.Fetcher))
	}
	reg.Register(pipeline.KindSynth, NewSynthRunner(deps.ScratchDir))
	if deps.Docker != nil && deps.Registry != nil && deps.Params != nil {
		reg.Register(pipeline.KindBuildPublish, &PublishRunner{
			Docker:     deps.Docker,
			Registry:   deps.Registry,
			Params:     deps.Params,
			Keys:       deps.Keys,
			Region:     deps.Region,
			Metrics:    deps.Metrics,
			ScratchDir: deps.ScratchDir,
		})
	}
	if deps.Controller != nil {
		reg.Register(pipeline.KindSelfMutate, NewMutateRunner(deps.Controller))
	}
	if deps.Deployer != nil {
		reg.Register(pipeline.KindDeploy, NewDeployRunner(deps.Deployer))
	}
}

// =============================================================================
// Helpers
// =============================================================================

// primaryInput returns the input named by the "input" config key, or the
// first declared input.
func primaryInput(a pipeline.Action) (string, error) {
	if name := a.ConfigValue("input", ""); name != "" {
		return name, nil
	}
	if len(a.Inputs) == 0 {
		return "", fmt.Errorf("action %s declares no input", a.Name)
	}
	return a.Inputs[0], nil
}

// primaryOutput returns the output named by the "output" config key, or the
// first declared output, or "" when the action declares none.
func primaryOutput(a pipeline.Action) string {
	if name := a.ConfigValue("output", ""); name != "" {
		return name
	}
	if len(a.Outputs) == 0 {
		return ""
	}
	return a.Outputs[0]
}

// extractInput unpacks a source artifact into a fresh scratch directory. The
// caller removes the directory.
func extractInput(ctx context.Context, ac *orchestrator.ActionContext, name, scratch string) (string, error) {
	rc, err := ac.OpenInput(ctx, name)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dir, err := os.MkdirTemp(scratch, "sampipe-"+ac.Action.Name+"-")
	if err != nil {
		return "", err
	}
	if err := source.Extract(ctx, rc, dir); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("extract %s: %w", name, err)
	}
	return dir, nil
}

// prefixed returns config entries under prefix with the prefix removed, e.g.
// "env.STAGE" -> "STAGE".
func prefixed(config map[string]string, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range config {
		if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" {
			out[rest] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func configInt32(a pipeline.Action, key string) (int32, error) {
	raw := a.ConfigValue(key, "")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("config %s of %s: %w", key, a.Name, err)
	}
	return int32(n), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
