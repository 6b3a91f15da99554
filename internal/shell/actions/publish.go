package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/konpol/sampipe/internal/core/buildspec"
	"github.com/konpol/sampipe/internal/core/image"
	"github.com/konpol/sampipe/internal/core/params"
	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/core/recipe"
	"github.com/konpol/sampipe/internal/shell/docker"
	"github.com/konpol/sampipe/internal/shell/orchestrator"
	"github.com/konpol/sampipe/internal/shell/paramstore"
	"github.com/konpol/sampipe/internal/shell/registry"
	"github.com/konpol/sampipe/internal/shell/source"
	"github.com/konpol/sampipe/internal/shell/telemetry"
)

// DefaultBuildFile is the build spec looked up in the work directory.
const DefaultBuildFile = "compose.yaml"

// PublishRunner builds the service image, pushes it and records the
// published tag under the latest-tag key.
//
// Config keys:
//
//	work_dir    directory of the build spec, relative to the source root
//	build_file  build spec file name (default compose.yaml)
//	service     service to build (default: the only buildable one)
//	tag_source  "push" (default) or "registry"
//	steps       comma separated recipe steps (default: all)
//	platform    target platform, e.g. linux/amd64
//	env.NAME    interpolation value for the build spec
type PublishRunner struct {
	Docker     docker.Client
	Registry   registry.Registry
	Params     paramstore.Store
	Keys       params.Keys
	Region     string
	Metrics    *telemetry.Metrics
	ScratchDir string
}

// publishRun carries the state of one publish between steps.
type publishRun struct {
	ac      *orchestrator.ActionContext
	recipe  recipe.Recipe
	root    string
	auth    docker.AuthConfig
	service buildspec.Service
	imageID string
	pushed  docker.PushResult
	tag     string
}

func (r *PublishRunner) Run(ctx context.Context, ac *orchestrator.ActionContext) error {
	in, err := primaryInput(ac.Action)
	if err != nil {
		return pipeline.NewError(pipeline.ErrBuild, "publish", err)
	}
	root, err := extractInput(ctx, ac, in, r.ScratchDir)
	if err != nil {
		return pipeline.NewError(pipeline.ErrBuild, "open source", err)
	}
	defer os.RemoveAll(root)

	rc, svc, err := r.Plan(ctx, ac.Action, root, ac.Logger)
	if err != nil {
		return err
	}
	if script, err := recipe.Render(rc); err == nil {
		ac.Logger.Debug("publish recipe", "script", script)
	}

	run := &publishRun{ac: ac, recipe: rc, root: root, service: svc}
	for _, step := range rc.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.step(ctx, run, step); err != nil {
			return err
		}
	}

	if out := primaryOutput(ac.Action); out != "" {
		manifest := image.ImageReference{Repository: rc.Repository, Tag: run.tag, Digest: run.pushed.Digest}
		data, err := json.Marshal(manifest)
		if err != nil {
			return pipeline.NewError(pipeline.ErrPublish, "encode manifest", err)
		}
		if _, err := ac.WriteOutputBytes(ctx, out, data); err != nil {
			return err
		}
	}
	return nil
}

// Plan assembles the recipe of publish action a against the source tree at
// root.
func (r *PublishRunner) Plan(ctx context.Context, a pipeline.Action, root string, logger *slog.Logger) (recipe.Recipe, buildspec.Service, error) {
	workDir := path.Clean(a.ConfigValue("work_dir", "."))
	buildFile := a.ConfigValue("build_file", DefaultBuildFile)
	svc, err := loadService(a, logger, root, workDir, buildFile)
	if err != nil {
		return recipe.Recipe{}, buildspec.Service{}, err
	}

	rc, err := r.recipe(ctx, a, svc.Name)
	if err != nil {
		return recipe.Recipe{}, buildspec.Service{}, err
	}
	rc.WorkDir, rc.BuildFile = workDir, buildFile
	rc.Context, rc.Dockerfile = svc.Build.Context, svc.Build.Dockerfile
	return rc, svc, nil
}

// loadService parses the build spec and selects the service to publish.
func loadService(a pipeline.Action, logger *slog.Logger, root, workDir, buildFile string) (buildspec.Service, error) {
	specFile := filepath.Join(root, filepath.FromSlash(path.Join(workDir, buildFile)))
	content, err := os.ReadFile(specFile)
	if err != nil {
		return buildspec.Service{}, pipeline.NewError(pipeline.ErrBuild, "read build spec", err)
	}
	env := prefixed(a.Config, "env.")
	if missing := buildspec.MissingVariables(string(content), env); len(missing) > 0 {
		logger.Warn("build spec variables without value", "variables", missing)
	}
	spec, err := buildspec.Parse(string(content), env)
	if err != nil {
		return buildspec.Service{}, pipeline.NewError(pipeline.ErrBuild, "parse build spec", err)
	}
	svc, err := spec.Select(a.ConfigValue("service", ""))
	if err != nil {
		return buildspec.Service{}, pipeline.NewError(pipeline.ErrBuild, "select service", err)
	}
	return svc, nil
}

// recipe assembles the recipe from the action config and the repository
// identity recorded at bootstrap.
func (r *PublishRunner) recipe(ctx context.Context, a pipeline.Action, service string) (recipe.Recipe, error) {
	repo, err := r.repository(ctx)
	if err != nil {
		return recipe.Recipe{}, err
	}

	steps := recipe.DefaultSteps()
	if raw := a.ConfigValue("steps", ""); raw != "" {
		steps, err = recipe.ParseSteps(strings.Split(raw, ","))
		if err != nil {
			return recipe.Recipe{}, pipeline.NewError(pipeline.ErrBuild, "recipe", err)
		}
	}

	region := r.Region
	account := ""
	if parsed, err := image.ParseRepositoryARN(repo.ARN); err == nil {
		region, account = parsed.Region, parsed.Account
	}

	rc := recipe.Recipe{
		Region:     region,
		Account:    account,
		Repository: repo,
		Service:    service,
		LatestKey:  r.Keys.LatestTag,
		TagSource:  recipe.TagSource(a.ConfigValue("tag_source", string(recipe.TagSourcePush))),
		Steps:      steps,
	}
	if err := rc.Validate(); err != nil {
		return recipe.Recipe{}, pipeline.NewError(pipeline.ErrBuild, "recipe", err)
	}
	return rc, nil
}

func (r *PublishRunner) repository(ctx context.Context) (image.RepositoryIdentity, error) {
	get := func(key string) (string, error) {
		v, err := r.Params.Get(ctx, key)
		if errors.Is(err, paramstore.ErrNotFound) {
			return "", &pipeline.UnresolvedReferenceError{Key: key, Err: err}
		}
		if err != nil {
			return "", pipeline.NewError(pipeline.ErrIndirectionRead, "get "+key, err)
		}
		return v, nil
	}
	arn, err := get(r.Keys.RepositoryARN)
	if err != nil {
		return image.RepositoryIdentity{}, err
	}
	name, err := get(r.Keys.RepositoryName)
	if err != nil {
		return image.RepositoryIdentity{}, err
	}
	repo, err := image.NewRepositoryIdentity(arn, name)
	if err != nil {
		return image.RepositoryIdentity{}, pipeline.NewError(pipeline.ErrIndirectionRead, "repository identity", err)
	}
	return repo, nil
}

// =============================================================================
// Steps
// =============================================================================

func (r *PublishRunner) step(ctx context.Context, run *publishRun, step recipe.Step) error {
	switch step {
	case recipe.StepLogin:
		return r.login(ctx, run)
	case recipe.StepBuild:
		return r.build(ctx, run)
	case recipe.StepPush:
		return r.push(ctx, run)
	case recipe.StepResolveTag:
		return r.resolveTag(ctx, run)
	case recipe.StepRecordTag:
		return r.recordTag(ctx, run)
	default:
		return pipeline.NewError(pipeline.ErrBuild, "recipe", fmt.Errorf("unknown step %q", step))
	}
}

func (r *PublishRunner) login(ctx context.Context, run *publishRun) error {
	creds, err := r.Registry.Authenticate(ctx)
	if err != nil {
		return pipeline.NewError(pipeline.ErrPublish, "registry login", err)
	}
	run.auth = docker.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: creds.ServerAddress,
	}
	if err := r.Docker.Login(ctx, run.auth); err != nil {
		return pipeline.NewError(pipeline.ErrPublish, "docker login", err)
	}
	run.ac.Logger.Info("logged in to registry", "server", creds.ServerAddress)
	return nil
}

func (r *PublishRunner) build(ctx context.Context, run *publishRun) error {
	svc := run.service
	contextRel, err := svc.Build.ContextPath(run.recipe.WorkDir)
	if err != nil {
		return pipeline.NewError(pipeline.ErrBuild, "build context", err)
	}
	contextDir := filepath.Join(run.root, filepath.FromSlash(contextRel))

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(source.Archive(ctx, pw, contextDir, nil))
	}()
	platform := svc.Build.Platform
	if p := run.ac.Action.ConfigValue("platform", ""); p != "" {
		platform = p
	}
	result, err := r.Docker.BuildImage(ctx, docker.BuildSpec{
		Context:    pr,
		Dockerfile: svc.Build.Dockerfile,
		Tags:       []string{localTag(svc.Name)},
		Args:       svc.Build.Args,
		Target:     svc.Build.Target,
		Platform:   platform,
		Labels: map[string]string{
			docker.LabelManaged:   "true",
			docker.LabelPipeline:  run.ac.Pipeline,
			docker.LabelExecution: run.ac.ExecutionID,
		},
	})
	pr.Close()
	if err != nil {
		return pipeline.NewError(pipeline.ErrBuild, "docker build "+svc.Name, err)
	}
	run.imageID = result.ImageID
	run.ac.Logger.Info("image built", "service", svc.Name, "image_id", result.ImageID, "build_args", sortedKeys(svc.Build.Args))
	return nil
}

func (r *PublishRunner) push(ctx context.Context, run *publishRun) error {
	tag := image.ServiceTag(run.service.Name, run.imageID)
	target := run.recipe.Repository.URI + ":" + tag

	if err := r.Docker.TagImage(ctx, run.imageID, target); err != nil {
		return pipeline.NewError(pipeline.ErrPublish, "docker tag", err)
	}
	pushed, err := r.Docker.PushImage(ctx, target, run.auth)
	if err != nil {
		return pipeline.NewError(pipeline.ErrPublish, "docker push "+target, err)
	}
	run.pushed = *pushed
	if run.pushed.Tag == "" {
		run.pushed.Tag = tag
	}
	run.ac.Logger.Info("image pushed", "image", target, "digest", pushed.Digest, "size", pushed.Size)
	return nil
}

func (r *PublishRunner) resolveTag(ctx context.Context, run *publishRun) error {
	if run.recipe.TagSource != recipe.TagSourceRegistry {
		run.tag = run.pushed.Tag
		return nil
	}

	details, err := r.Registry.ListTags(ctx, run.recipe.Repository.Name)
	if err != nil {
		return pipeline.NewError(pipeline.ErrPublish, "list tags", err)
	}
	tag, err := image.LatestTag(details)
	if err != nil {
		return pipeline.NewError(pipeline.ErrPublish, "resolve tag", err)
	}
	if tag != run.pushed.Tag {
		run.ac.Logger.Warn("registry latest differs from pushed tag", "latest", tag, "pushed", run.pushed.Tag)
	}
	run.tag = tag
	return nil
}

func (r *PublishRunner) recordTag(ctx context.Context, run *publishRun) error {
	key := run.recipe.LatestKey
	existed, err := r.Params.Put(ctx, key, run.tag)
	if err != nil {
		return pipeline.NewError(pipeline.ErrIndirectionWrite, "put "+key, err)
	}
	r.Metrics.ObserveIndirectionWrite(key)
	run.ac.Logger.Info("tag recorded", "key", key, "tag", run.tag, "overwrote", existed)
	return nil
}

func localTag(service string) string {
	return "sampipe/" + strings.ToLower(service) + ":build"
}
