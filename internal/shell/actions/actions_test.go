package actions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konpol/sampipe/internal/core/image"
	"github.com/konpol/sampipe/internal/core/params"
	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/artifacts"
	"github.com/konpol/sampipe/internal/shell/controller"
	"github.com/konpol/sampipe/internal/shell/deploy"
	"github.com/konpol/sampipe/internal/shell/docker"
	"github.com/konpol/sampipe/internal/shell/orchestrator"
	"github.com/konpol/sampipe/internal/shell/paramstore"
	"github.com/konpol/sampipe/internal/shell/registry"
	"github.com/konpol/sampipe/internal/shell/source"
	"github.com/konpol/sampipe/internal/shell/store"
	"github.com/konpol/sampipe/internal/shell/synth"
	"github.com/konpol/sampipe/internal/shell/telemetry"
)

// =============================================================================
// Fixtures
// =============================================================================

const (
	testARN     = "arn:aws:ecr:us-east-1:123456789012:repository/sam-app"
	testRepoURI = "123456789012.dkr.ecr.us-east-1.amazonaws.com/sam-app"
	testImageID = "sha256:4f1c2a9b8e7d6c5b4a39281706f5e4d3c2b1a0"
)

const composeFile = `
services:
  app:
    build:
      context: .
      dockerfile: Dockerfile
      args:
        STAGE: ${STAGE:-dev}
`

const pipelineHCL = `
pipeline "sam-pipeline" {
  stage "Source" {
    action "Checkout" {
      kind    = "source"
      outputs = ["source"]
    }
  }

  stage "Synth" {
    action "Synthesize" {
      kind      = "synth"
      run_order = 1
      inputs    = ["source"]
      outputs   = ["self"]
    }

    action "BuildPublish" {
      kind      = "build_publish"
      run_order = 1
      inputs    = ["source"]
      outputs   = ["image"]
    }
  }

  stage "UpdatePipeline" {
    action "SelfMutate" {
      kind   = "self_mutate"
      inputs = ["self"]
    }
  }

  stage "LambdaStage" {
    action "Deploy" {
      kind    = "deploy"
      inputs  = ["image"]
      outputs = ["deployment"]

      config = {
        function = "sam-app"
      }
    }
  }

  stage "Smoke" {
    action "SmokeDeploy" {
      kind    = "deploy"
      inputs  = ["image"]
      outputs = ["smoke"]

      config = {
        function = "sam-app-smoke"
      }
    }
  }
}
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeSourceTree lays out a checkout holding the build spec, the
// Dockerfile and the pipeline definition.
func writeSourceTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"compose.yaml": composeFile,
		"Dockerfile":   "FROM public.ecr.aws/lambda/provided:al2\n",
		"pipeline.hcl": pipelineHCL,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	return root
}

// runningDefinition is the definition the pipeline starts from: the
// checked-in definition without the Smoke stage.
func runningDefinition() pipeline.Definition {
	return pipeline.Definition{
		Name: "sam-pipeline",
		Stages: []pipeline.Stage{
			{Name: "Source", Actions: []pipeline.Action{
				{Name: "Checkout", Kind: pipeline.KindSource, Outputs: []string{"source"}},
			}},
			{Name: "Synth", Actions: []pipeline.Action{
				{Name: "Synthesize", Kind: pipeline.KindSynth, RunOrder: 1, Inputs: []string{"source"}, Outputs: []string{"self"}},
				{Name: "BuildPublish", Kind: pipeline.KindBuildPublish, RunOrder: 1, Inputs: []string{"source"}, Outputs: []string{"image"}},
			}},
			{Name: "UpdatePipeline", Actions: []pipeline.Action{
				{Name: "SelfMutate", Kind: pipeline.KindSelfMutate, Inputs: []string{"self"}},
			}},
			{Name: "LambdaStage", Actions: []pipeline.Action{
				{Name: "Deploy", Kind: pipeline.KindDeploy, Inputs: []string{"image"}, Outputs: []string{"deployment"},
					Config: map[string]string{"function": "sam-app"}},
			}},
		},
	}
}

// publishDefinition is a two stage pipeline that only publishes.
func publishDefinition(config map[string]string) pipeline.Definition {
	return pipeline.Definition{
		Name: "sam-pipeline",
		Stages: []pipeline.Stage{
			{Name: "Source", Actions: []pipeline.Action{
				{Name: "Checkout", Kind: pipeline.KindSource, Outputs: []string{"source"}},
			}},
			{Name: "Build", Actions: []pipeline.Action{
				{Name: "BuildPublish", Kind: pipeline.KindBuildPublish, Inputs: []string{"source"}, Outputs: []string{"image"}, Config: config},
			}},
		},
	}
}

func seededParams(t *testing.T) *paramstore.MemoryStore {
	t.Helper()
	ps := paramstore.NewMemoryStore()
	keys := params.DefaultKeys()
	_, err := ps.Put(context.Background(), keys.RepositoryARN, testARN)
	require.NoError(t, err)
	_, err = ps.Put(context.Background(), keys.RepositoryName, "sam-app")
	require.NoError(t, err)
	return ps
}

// =============================================================================
// Stubs
// =============================================================================

// stubDocker implements the build and publish calls; anything else panics.
type stubDocker struct {
	docker.Client

	mu       sync.Mutex
	logins   []docker.AuthConfig
	builds   []docker.BuildSpec
	contexts [][]byte
	tags     map[string]string
	pushes   []string
	buildErr error
}

func newStubDocker() *stubDocker {
	return &stubDocker{tags: make(map[string]string)}
}

func (d *stubDocker) Login(ctx context.Context, auth docker.AuthConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logins = append(d.logins, auth)
	return nil
}

func (d *stubDocker) BuildImage(ctx context.Context, spec docker.BuildSpec) (*docker.BuildResult, error) {
	data, err := io.ReadAll(spec.Context)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buildErr != nil {
		return nil, d.buildErr
	}
	d.builds = append(d.builds, spec)
	d.contexts = append(d.contexts, data)
	return &docker.BuildResult{ImageID: testImageID}, nil
}

func (d *stubDocker) TagImage(ctx context.Context, source, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tags[target] = source
	return nil
}

func (d *stubDocker) PushImage(ctx context.Context, ref string, auth docker.AuthConfig) (*docker.PushResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushes = append(d.pushes, ref)
	_, tag, _, err := image.ParseImageURI(ref)
	if err != nil {
		return nil, err
	}
	return &docker.PushResult{Tag: tag, Digest: "sha256:feed", Size: 2048}, nil
}

type stubRegistry struct {
	tags []image.TagDetail
}

func (r *stubRegistry) Authenticate(ctx context.Context) (registry.Credentials, error) {
	return registry.Credentials{
		Username:      "AWS",
		Password:      "token",
		ServerAddress: "https://123456789012.dkr.ecr.us-east-1.amazonaws.com",
		ExpiresAt:     time.Now().Add(time.Hour),
	}, nil
}

func (r *stubRegistry) EnsureRepository(ctx context.Context, name string) (image.RepositoryIdentity, bool, error) {
	return image.RepositoryIdentity{ARN: testARN, Name: name, URI: testRepoURI}, false, nil
}

func (r *stubRegistry) ListTags(ctx context.Context, repository string) ([]image.TagDetail, error) {
	return r.tags, nil
}

// failingPuts lets reads through and rejects every write.
type failingPuts struct {
	paramstore.Store
}

func (f failingPuts) Put(ctx context.Context, key, value string) (bool, error) {
	return false, paramstore.NewParamError("put", "memory", key, "throttled", paramstore.ErrUnavailable)
}

type recordingTarget struct {
	mu    sync.Mutex
	decls []deploy.Declaration
}

func (t *recordingTarget) DeclareFunction(ctx context.Context, d deploy.Declaration) (deploy.Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decls = append(t.decls, d)
	return deploy.Endpoint{ID: "arn:aws:lambda:us-east-1:123456789012:function:" + d.Function.Name, URL: "https://" + d.Function.Name + ".lambda-url.us-east-1.on.aws/"}, nil
}

func (t *recordingTarget) declarations() []deploy.Declaration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]deploy.Declaration(nil), t.decls...)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	docker   *stubDocker
	registry *stubRegistry
	params   paramstore.Store
	target   *recordingTarget
	store    *store.SQLiteStore
	channel  *artifacts.DirChannel
	metrics  *telemetry.Metrics
	deps     Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fetcher, err := source.NewDirFetcher(writeSourceTree(t), nil)
	require.NoError(t, err)
	ch, err := artifacts.NewDirChannel(t.TempDir())
	require.NoError(t, err)
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{
		docker:   newStubDocker(),
		registry: &stubRegistry{},
		params:   seededParams(t),
		target:   &recordingTarget{},
		store:    s,
		channel:  ch,
		metrics:  telemetry.NewMetrics(prometheus.NewRegistry()),
	}
	h.deps = Deps{
		Fetcher:    fetcher,
		Docker:     h.docker,
		Registry:   h.registry,
		Keys:       params.DefaultKeys(),
		Region:     "us-east-1",
		Controller: controller.New(s, h.metrics, testLogger()),
		Metrics:    h.metrics,
		ScratchDir: t.TempDir(),
	}
	return h
}

func (h *harness) run(t *testing.T, def pipeline.Definition) (*pipeline.Execution, *orchestrator.Orchestrator, error) {
	t.Helper()
	deps := h.deps
	deps.Params = h.params
	deps.Deployer = deploy.NewDeployer(h.params, deps.Keys, h.target, testLogger())

	reg := orchestrator.NewRegistry()
	Register(reg, deps)
	o, err := orchestrator.New(def, orchestrator.Config{
		Channel:  h.channel,
		Runners:  reg,
		Recorder: h.store,
		Metrics:  h.metrics,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	exec, err := o.Run(context.Background(), pipeline.Trigger{CommitRef: "main", Source: "test"})
	return exec, o, err
}

func (h *harness) artifact(t *testing.T, exec *pipeline.Execution, name string) []byte {
	t.Helper()
	rc, err := h.channel.Open(context.Background(), artifacts.Key{Pipeline: exec.Pipeline, Execution: exec.ID, Name: name})
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublish_RecordsPushedTag(t *testing.T) {
	h := newHarness(t)
	exec, _, err := h.run(t, publishDefinition(map[string]string{"env.STAGE": "prod"}))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, exec.Status)

	wantTag := image.ServiceTag("app", testImageID)
	latest, err := h.params.Get(context.Background(), params.DefaultKeys().LatestTag)
	require.NoError(t, err)
	assert.Equal(t, wantTag, latest)

	require.Len(t, h.docker.logins, 1)
	assert.Equal(t, "AWS", h.docker.logins[0].Username)

	require.Len(t, h.docker.builds, 1)
	build := h.docker.builds[0]
	assert.Equal(t, "Dockerfile", build.Dockerfile)
	assert.Equal(t, []string{"sampipe/app:build"}, build.Tags)
	assert.Equal(t, "prod", build.Args["STAGE"])
	assert.Equal(t, "sam-pipeline", build.Labels[docker.LabelPipeline])
	assert.Equal(t, exec.ID, build.Labels[docker.LabelExecution])
	assert.NotEmpty(t, h.docker.contexts[0], "build context is streamed")

	assert.Equal(t, []string{testRepoURI + ":" + wantTag}, h.docker.pushes)
	assert.Equal(t, testImageID, h.docker.tags[testRepoURI+":"+wantTag])

	var manifest image.ImageReference
	require.NoError(t, json.Unmarshal(h.artifact(t, exec, "image"), &manifest))
	assert.Equal(t, wantTag, manifest.Tag)
	assert.Equal(t, testRepoURI, manifest.Repository.URI)
	assert.Equal(t, "sha256:feed", manifest.Digest)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.IndirectionWrites.WithLabelValues(params.DefaultKeys().LatestTag)))
}

func TestPublish_RegistryTagSource(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.registry.tags = []image.TagDetail{
		{Tags: []string{"app-old"}, PushedAt: now.Add(-time.Hour)},
		{Tags: nil, PushedAt: now.Add(time.Minute)},
		{Tags: []string{"app-newest"}, PushedAt: now},
	}

	exec, _, err := h.run(t, publishDefinition(map[string]string{"tag_source": "registry"}))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, exec.Status)

	latest, err := h.params.Get(context.Background(), params.DefaultKeys().LatestTag)
	require.NoError(t, err)
	assert.Equal(t, "app-newest", latest)
}

func TestPublish_StepSubsetSkipsRecord(t *testing.T) {
	h := newHarness(t)
	exec, _, err := h.run(t, publishDefinition(map[string]string{"steps": "login,build,push"}))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, exec.Status)

	_, err = h.params.Get(context.Background(), params.DefaultKeys().LatestTag)
	assert.ErrorIs(t, err, paramstore.ErrNotFound)
	assert.Len(t, h.docker.pushes, 1)
}

func TestPublish_Failures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		config map[string]string
		want   error
	}{
		{
			name:  "tag write rejected",
			setup: func(h *harness) { h.params = failingPuts{Store: h.params} },
			want:  pipeline.ErrIndirectionWrite,
		},
		{
			name:  "repository not bootstrapped",
			setup: func(h *harness) { h.params = paramstore.NewMemoryStore() },
			want:  pipeline.ErrUnresolvedReference,
		},
		{
			name:  "build fails",
			setup: func(h *harness) { h.docker.buildErr = errors.New("no space left on device") },
			want:  pipeline.ErrBuild,
		},
		{
			name:   "unknown service",
			config: map[string]string{"service": "worker"},
			want:   pipeline.ErrBuild,
		},
		{
			name:   "unknown step",
			config: map[string]string{"steps": "login,sign"},
			want:   pipeline.ErrBuild,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			exec, _, err := h.run(t, publishDefinition(tt.config))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, pipeline.StatusFailed, exec.Status)
		})
	}
}

// =============================================================================
// Pipeline Tests
// =============================================================================

func TestPipeline_SelfMutatesThenDeploysPublishedTag(t *testing.T) {
	h := newHarness(t)
	exec, o, err := h.run(t, runningDefinition())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, exec.Status)
	assert.Equal(t, 1, exec.Restarts)

	// The checked-in definition adds the Smoke stage, which runs in the
	// same execution after the mutation.
	live := o.Definition()
	assert.Equal(t, 4, live.StageIndex("Smoke"))

	rec, err := h.store.GetLiveDefinition(context.Background(), "sam-pipeline")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	hash, err := pipeline.Hash(live)
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, hash)
	assert.Equal(t, hash, exec.DefinitionHash)

	wantTag := image.ServiceTag("app", testImageID)
	decls := h.target.declarations()
	require.Len(t, decls, 2)
	assert.Equal(t, "sam-app", decls[0].Function.Name)
	assert.Equal(t, "sam-app-smoke", decls[1].Function.Name)
	for _, d := range decls {
		assert.Equal(t, wantTag, d.Image.Tag)
		assert.Equal(t, testRepoURI, d.Image.Repository.URI)
	}

	var result deploy.Result
	require.NoError(t, json.Unmarshal(h.artifact(t, exec, "deployment"), &result))
	assert.Equal(t, "sam-app", result.Function)
	assert.Equal(t, testRepoURI+":"+wantTag, result.Image)

	saved, err := h.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, saved.Status)
}

func TestPipeline_SecondRunIsNoChange(t *testing.T) {
	h := newHarness(t)
	_, o, err := h.run(t, runningDefinition())
	require.NoError(t, err)

	exec, _, err := h.run(t, o.Definition())
	require.NoError(t, err)
	assert.Equal(t, 0, exec.Restarts)
	assert.Len(t, h.target.declarations(), 4)

	revisions, err := h.store.ListDefinitionRevisions(context.Background(), "sam-pipeline", store.DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, revisions, 1)
}

// The live revision was saved out of band (bootstrap, another process), so
// the store already matches synth while the execution still runs an older
// definition. The execution must switch anyway.
func TestPipeline_CatchesUpWithLiveRevision(t *testing.T) {
	h := newHarness(t)
	live, err := synth.Synthesize([]byte(pipelineHCL), "pipeline.hcl", synth.Options{})
	require.NoError(t, err)
	_, err = h.store.SaveDefinition(context.Background(), live, 0)
	require.NoError(t, err)

	stale := runningDefinition()
	stale.Stages[3].Actions[0].Config = map[string]string{"function": "old-fn"}

	exec, o, err := h.run(t, stale)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, exec.Status)
	assert.Equal(t, 1, exec.Restarts)
	assert.True(t, pipeline.Equal(live, o.Definition()))

	var functions []string
	for _, d := range h.target.declarations() {
		functions = append(functions, d.Function.Name)
	}
	assert.Equal(t, []string{"sam-app", "sam-app-smoke"}, functions)

	revisions, err := h.store.ListDefinitionRevisions(context.Background(), "sam-pipeline", store.DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, revisions, 1, "no new revision is saved")
}

func TestDeployRunner_InvalidMemory(t *testing.T) {
	h := newHarness(t)
	def := publishDefinition(nil)
	def.Stages = append(def.Stages, pipeline.Stage{Name: "LambdaStage", Actions: []pipeline.Action{
		{Name: "Deploy", Kind: pipeline.KindDeploy, Inputs: []string{"image"},
			Config: map[string]string{"function": "sam-app", "memory_mb": "lots"}},
	}})

	exec, _, err := h.run(t, def)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrDeployment)
	assert.Equal(t, pipeline.StatusFailed, exec.Status)
	assert.Empty(t, h.target.declarations())
}

func TestDeployRunner_DefaultsFunctionName(t *testing.T) {
	h := newHarness(t)
	def := publishDefinition(nil)
	def.Stages = append(def.Stages, pipeline.Stage{Name: "LambdaStage", Actions: []pipeline.Action{
		{Name: "HelloWorld", Kind: pipeline.KindDeploy, Inputs: []string{"image"},
			Config: map[string]string{"memory_mb": "1024", "env.LOG_LEVEL": "debug"}},
	}})

	_, _, err := h.run(t, def)
	require.NoError(t, err)
	decls := h.target.declarations()
	require.Len(t, decls, 1)
	assert.Equal(t, "helloworld", decls[0].Function.Name)
	assert.Equal(t, int32(1024), decls[0].Function.MemoryMB)
	assert.Equal(t, map[string]string{"LOG_LEVEL": "debug"}, decls[0].Function.Environment)
}
